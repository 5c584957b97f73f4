package lifecycle

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("meeting not found")
	ErrStaleTransition = errors.New("stale lifecycle transition")
)

// State is the coarse phase of a call or meeting.
type State string

const (
	StateCreated        State = "created"
	StateConnected      State = "connected"
	StateRecording      State = "recording"
	StateEnded          State = "ended"
	StatePostProcessing State = "post_processing"
	StateCompleted      State = "completed"
)

var stateRank = map[State]int{
	StateCreated:        0,
	StateConnected:      1,
	StateRecording:      2,
	StateEnded:          3,
	StatePostProcessing: 4,
	StateCompleted:      5,
}

func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Precedes reports whether s comes strictly before other.
func (s State) Precedes(other State) bool {
	return stateRank[s] < stateRank[other]
}

// Record is the lifecycle entry for one meeting.
type Record struct {
	MeetingID        string         `json:"meeting_id"`
	CallConnectionID string         `json:"call_connection_id"`
	State            State          `json:"state"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Participants     []string       `json:"participants"`
	Metadata         map[string]any `json:"metadata"`
}

func (r Record) clone() Record {
	out := r
	out.Participants = append([]string(nil), r.Participants...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Store persists lifecycle records. Save is an upsert keyed by MeetingID.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, meetingID string) (Record, error)
	Close() error
}
