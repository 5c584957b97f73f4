package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/session"
)

type recordedFlush struct {
	key   string
	batch collab.TranscriptBatch
}

type recordingSink struct {
	mu      sync.Mutex
	flushes []recordedFlush
	err     error
}

func (r *recordingSink) Persist(_ context.Context, key string, batch collab.TranscriptBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, recordedFlush{key: key, batch: batch})
	return r.err
}

func (r *recordingSink) snapshot() []recordedFlush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedFlush(nil), r.flushes...)
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Bucket+"/"+*in.Key] = data
	if in.ContentType != nil {
		m.types[*in.Key] = *in.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func newSession(meetingID string) *session.Session {
	return session.New("sess-1", session.Options{MeetingID: meetingID})
}

func addEntries(s *session.Session, n int) {
	for i := 0; i < n; i++ {
		s.AddTranscriptEntry("Alice", fmt.Sprintf("line %d", s.TranscriptLen()))
	}
}

func TestWriterCadenceAndFinalFlush(t *testing.T) {
	sess := newSession("meet-1")
	sink := &recordingSink{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	w := NewWriter(sess, sink, 5, nil, metrics)
	w.Start()

	for i := 0; i < 12; i++ {
		addEntries(sess, 1)
		w.Observe()
	}
	require.NoError(t, w.Close(context.Background()))

	flushes := sink.snapshot()
	require.Len(t, flushes, 3)
	assert.Len(t, flushes[0].batch.Entries, 5)
	assert.Equal(t, "line 0", flushes[0].batch.Entries[0].Text)
	assert.Len(t, flushes[1].batch.Entries, 5)
	assert.Equal(t, "line 5", flushes[1].batch.Entries[0].Text)
	assert.Len(t, flushes[2].batch.Entries, 2)
	assert.True(t, flushes[2].batch.IsFinal)
	for _, f := range flushes {
		assert.Equal(t, "meet-1", f.key)
		assert.Equal(t, "sess-1", f.batch.SessionID)
	}
	assert.False(t, flushes[0].batch.IsFinal)
	assert.Equal(t, 12, w.Persisted())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TranscriptFlushes.WithLabelValues("cadence", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TranscriptFlushes.WithLabelValues("final", "ok")))
}

func TestWriterFinalFlushWithoutNewEntries(t *testing.T) {
	sess := newSession("")
	sink := &recordingSink{}
	w := NewWriter(sess, sink, 5, nil, nil)
	w.Start()

	addEntries(sess, 5)
	assert.True(t, w.Observe())
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, w.Close(context.Background()))

	flushes := sink.snapshot()
	require.Len(t, flushes, 2)
	assert.Empty(t, flushes[1].batch.Entries)
	assert.True(t, flushes[1].batch.IsFinal)
	assert.Equal(t, "sess-1", flushes[1].key, "falls back to the session id without a meeting")
}

func TestWriterObserveAfterCloseIsNoop(t *testing.T) {
	sess := newSession("meet-1")
	sink := &recordingSink{}
	w := NewWriter(sess, sink, 1, nil, nil)
	require.NoError(t, w.Close(context.Background()))

	addEntries(sess, 3)
	assert.False(t, w.Observe())
	assert.Len(t, sink.snapshot(), 1)
}

func TestWriterSinkErrorsDoNotStopDelivery(t *testing.T) {
	sess := newSession("meet-1")
	sink := &recordingSink{err: errors.New("unavailable")}
	w := NewWriter(sess, sink, 2, nil, nil)
	w.Start()

	addEntries(sess, 4)
	w.Observe()
	require.NoError(t, w.Close(context.Background()))
	assert.Len(t, sink.snapshot(), 2)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("bad sink")}
	f := Fanout{bad, nil, ok}

	err := f.Persist(context.Background(), "k", collab.TranscriptBatch{SessionID: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad sink")
	assert.Len(t, ok.snapshot(), 1, "later sinks still receive the batch")
}

type fakePersister struct {
	meetingID string
	batch     collab.TranscriptBatch
}

func (f *fakePersister) PersistTranscript(_ context.Context, meetingID string, batch collab.TranscriptBatch) error {
	f.meetingID, f.batch = meetingID, batch
	return nil
}

func TestHTTPSinkDelegates(t *testing.T) {
	p := &fakePersister{}
	batch := collab.TranscriptBatch{SessionID: "s", IsFinal: true}
	require.NoError(t, NewHTTPSink(p).Persist(context.Background(), "meet-9", batch))
	assert.Equal(t, "meet-9", p.meetingID)
	assert.Equal(t, batch, p.batch)
}

func TestArchiveSinkWritesFullTranscriptOnFinal(t *testing.T) {
	client := newMockS3()
	a := NewArchiveSink(client, "bucket", "transcripts")
	a.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, a.Persist(context.Background(), "meet-1", collab.TranscriptBatch{
		SessionID: "sess-1",
		Entries:   []session.TranscriptEntry{{Speaker: "Alice", Text: "hi", Timestamp: ts}},
	}))
	assert.Empty(t, client.objects, "nothing uploaded before the final batch")

	require.NoError(t, a.Persist(context.Background(), "meet-1", collab.TranscriptBatch{
		SessionID: "sess-1",
		IsFinal:   true,
		Entries:   []session.TranscriptEntry{{Speaker: "AIDA", Text: "hello", Timestamp: ts}},
	}))

	raw, ok := client.objects["bucket/transcripts/meet-1/sess-1.json"]
	require.True(t, ok)
	assert.Equal(t, "application/json", client.types["transcripts/meet-1/sess-1.json"])
	var doc Document
	require.NoError(t, json.NewDecoder(bytes.NewReader(raw)).Decode(&doc))
	assert.Equal(t, "meet-1", doc.Key)
	require.Len(t, doc.Entries, 2)
	assert.Equal(t, "hi", doc.Entries[0].Text)
	assert.Equal(t, "hello", doc.Entries[1].Text)
	assert.Empty(t, a.pending)
}

func TestArchiveSinkSurfacesAPIErrorCode(t *testing.T) {
	client := newMockS3()
	client.putErr = &apiError{code: "AccessDenied"}
	a := NewArchiveSink(client, "bucket", "")

	err := a.Persist(context.Background(), "meet-1", collab.TranscriptBatch{SessionID: "s", IsFinal: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
	assert.Contains(t, err.Error(), "meet-1/s.json")
}
