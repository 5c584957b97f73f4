package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/session"
)

// MeetingRecord is the data-service representation of a lifecycle record.
type MeetingRecord struct {
	MeetingID        string         `json:"meeting_id"`
	CallConnectionID string         `json:"call_connection_id"`
	State            string         `json:"state"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Participants     []string       `json:"participants"`
	Metadata         map[string]any `json:"metadata"`
}

// MeetingPatch is a state transition with optional metadata to merge.
type MeetingPatch struct {
	State    string         `json:"state"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TranscriptBatch is one transcript persistence request.
type TranscriptBatch struct {
	Entries   []session.TranscriptEntry `json:"entries"`
	SessionID string                    `json:"session_id"`
	IsFinal   bool                      `json:"is_final"`
}

// DataService talks to the persistence service.
type DataService struct {
	http httpClient
}

func NewDataService(baseURL string, timeout time.Duration, metrics *observability.Metrics) *DataService {
	return &DataService{http: newHTTPClient("data", baseURL, timeout, metrics)}
}

func (d *DataService) CreateMeeting(ctx context.Context, rec MeetingRecord) error {
	return d.http.do(ctx, "create_meeting", http.MethodPost, "/api/meetings", nil, rec, nil)
}

func (d *DataService) PatchMeeting(ctx context.Context, meetingID string, patch MeetingPatch) error {
	return d.http.do(ctx, "patch_meeting", http.MethodPatch, "/api/meetings/"+url.PathEscape(meetingID), nil, patch, nil)
}

func (d *DataService) PersistTranscript(ctx context.Context, meetingID string, batch TranscriptBatch) error {
	if batch.Entries == nil {
		batch.Entries = []session.TranscriptEntry{}
	}
	return d.http.do(ctx, "persist_transcript", http.MethodPost, "/api/transcripts/"+url.PathEscape(meetingID), nil, batch, nil)
}

// SearchMeetingNotes returns the data service's answer verbatim.
func (d *DataService) SearchMeetingNotes(ctx context.Context, query string, daysBack int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("days_back", strconv.Itoa(daysBack))
	var out json.RawMessage
	if err := d.http.do(ctx, "meeting_notes", http.MethodGet, "/api/meeting-notes", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActionStatus returns the data service's answer verbatim.
func (d *DataService) ActionStatus(ctx context.Context, query string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("query", query)
	var out json.RawMessage
	if err := d.http.do(ctx, "action_status", http.MethodGet, "/api/actions", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
