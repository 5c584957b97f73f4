// Package transcript persists a call's transcript in batches: on a fixed
// entry cadence while the call runs, and once more when it ends.
package transcript

import (
	"context"
	"errors"

	"github.com/ent0n29/aida-voice/internal/collab"
)

// Sink receives transcript batches. key is the meeting id, or the session id
// when the call is not bound to a meeting.
type Sink interface {
	Persist(ctx context.Context, key string, batch collab.TranscriptBatch) error
}

// Persister is the data-service call HTTPSink delegates to.
type Persister interface {
	PersistTranscript(ctx context.Context, meetingID string, batch collab.TranscriptBatch) error
}

// HTTPSink posts batches to the data service.
type HTTPSink struct {
	data Persister
}

func NewHTTPSink(data Persister) *HTTPSink {
	return &HTTPSink{data: data}
}

func (s *HTTPSink) Persist(ctx context.Context, key string, batch collab.TranscriptBatch) error {
	return s.data.PersistTranscript(ctx, key, batch)
}

// Fanout delivers every batch to each sink in order. A failing sink does not
// stop the rest; all errors are joined.
type Fanout []Sink

func (f Fanout) Persist(ctx context.Context, key string, batch collab.TranscriptBatch) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Persist(ctx, key, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = (*HTTPSink)(nil)
	_ Sink = Fanout(nil)
)
