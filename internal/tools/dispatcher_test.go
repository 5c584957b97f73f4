package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/session"
)

type fakeMeetings struct {
	query    string
	daysBack int
	err      error
}

func (f *fakeMeetings) SearchMeetingNotes(_ context.Context, query string, daysBack int) (json.RawMessage, error) {
	f.query, f.daysBack = query, daysBack
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"notes":[]}`), nil
}

func (f *fakeMeetings) ActionStatus(_ context.Context, query string) (json.RawMessage, error) {
	f.query = query
	return json.RawMessage(`{"actions":[{"status":"open"}]}`), nil
}

type fakeBackend struct {
	name  string
	req   collab.ToolRequest
	panic bool
}

func (f *fakeBackend) InvokeTool(_ context.Context, name string, req collab.ToolRequest) (json.RawMessage, error) {
	if f.panic {
		panic("boom")
	}
	f.name, f.req = name, req
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestDispatcher(t *testing.T, deps Deps) (*Dispatcher, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	d, err := NewDispatcher(deps, nil, metrics)
	require.NoError(t, err)
	return d, metrics
}

func snapshot() session.Snapshot {
	return session.Snapshot{
		SessionID:        "sess-1",
		CallConnectionID: "cc-1",
		MeetingID:        "meet-1",
		Participants:     []string{"Alice"},
		SpeakerMap:       map[string]string{"8:acs:alice": "Alice"},
		IsMeetingMode:    true,
		TranscriptCount:  4,
		StartTime:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	return m
}

func TestDefinitionsOrderAndSchemas(t *testing.T) {
	d, _ := newTestDispatcher(t, Deps{})

	defs := d.Definitions()
	require.Len(t, defs, 8)
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
		assert.Equal(t, "function", def.Type)
		assert.NotEmpty(t, def.Description)
	}
	assert.Equal(t, []string{
		"get_call_context", "search_knowledge", "get_meeting_notes", "get_calendar",
		"send_email_draft", "schedule_meeting", "web_search", "get_action_status",
	}, names)

	raw, err := json.Marshal(defs[5].Parameters)
	require.NoError(t, err)
	var schema struct {
		Type       string   `json:"type"`
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type    string          `json:"type"`
			Default json.RawMessage `json:"default"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema.Type)
	assert.ElementsMatch(t, []string{"subject", "attendees", "time"}, schema.Required)
	assert.Equal(t, "array", schema.Properties["attendees"].Type)
	assert.JSONEq(t, "30", string(schema.Properties["duration_minutes"].Default))
}

func TestExecuteUnknownTool(t *testing.T) {
	d, metrics := newTestDispatcher(t, Deps{})

	res := d.Execute(context.Background(), "launch_rockets", "{}", snapshot())
	assert.False(t, res.OK)
	assert.Equal(t, map[string]any{"error": "Unknown tool: launch_rockets"}, decode(t, res.Output))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("unknown", "unknown")))
}

func TestExecuteCallContextIsLocal(t *testing.T) {
	d, _ := newTestDispatcher(t, Deps{})

	res := d.Execute(context.Background(), "get_call_context", "", snapshot())
	require.True(t, res.OK)
	out := decode(t, res.Output)
	assert.Equal(t, "sess-1", out["session_id"])
	assert.Equal(t, "cc-1", out["call_connection_id"])
	assert.Equal(t, "meet-1", out["meeting_id"])
	assert.Equal(t, true, out["is_meeting_mode"])
	assert.Equal(t, []any{"Alice"}, out["participants"])
	assert.Equal(t, float64(4), out["transcript_count"])
	assert.Equal(t, "2026-01-02T03:04:05Z", out["start_time"])
}

func TestExecuteMalformedArgumentsTreatedAsEmpty(t *testing.T) {
	meetings := &fakeMeetings{}
	d, _ := newTestDispatcher(t, Deps{Meetings: meetings})

	res := d.Execute(context.Background(), "get_meeting_notes", "{not json", snapshot())
	require.True(t, res.OK)
	assert.Equal(t, "", meetings.query)
	assert.Equal(t, 30, meetings.daysBack)
	assert.JSONEq(t, `{"notes":[]}`, res.Output)
}

func TestExecuteMeetingNotesPassesArguments(t *testing.T) {
	meetings := &fakeMeetings{}
	d, _ := newTestDispatcher(t, Deps{Meetings: meetings})

	res := d.Execute(context.Background(), "get_meeting_notes", `{"query":"budget","days_back":7}`, snapshot())
	require.True(t, res.OK)
	assert.Equal(t, "budget", meetings.query)
	assert.Equal(t, 7, meetings.daysBack)
}

func TestExecuteHandlerErrorBecomesFailurePayload(t *testing.T) {
	d, metrics := newTestDispatcher(t, Deps{Meetings: &fakeMeetings{err: errors.New("down")}})

	res := d.Execute(context.Background(), "get_meeting_notes", `{"query":"x"}`, snapshot())
	assert.False(t, res.OK)
	assert.Equal(t, map[string]any{"error": "Tool 'get_meeting_notes' execution failed"}, decode(t, res.Output))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("get_meeting_notes", "error")))
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	d, _ := newTestDispatcher(t, Deps{Backend: &fakeBackend{panic: true}})

	res := d.Execute(context.Background(), "web_search", `{"query":"weather"}`, snapshot())
	assert.False(t, res.OK)
	assert.Equal(t, "web_search", res.Tool)
	assert.Equal(t, map[string]any{"error": "Tool 'web_search' execution failed"}, decode(t, res.Output))
}

func TestExecuteScheduleMeetingAppliesDefaults(t *testing.T) {
	backend := &fakeBackend{}
	d, _ := newTestDispatcher(t, Deps{Backend: backend})

	res := d.Execute(context.Background(), "schedule_meeting",
		`{"subject":"Sync","attendees":["bob@example.com"],"time":"tomorrow at 2pm"}`, snapshot())
	require.True(t, res.OK)
	assert.Equal(t, "schedule_meeting", backend.name)
	assert.Equal(t, 30, backend.req.Arguments["duration_minutes"])
	assert.Equal(t, []string{"bob@example.com"}, backend.req.Arguments["attendees"])
	assert.Equal(t, map[string]any{
		"session_id":         "sess-1",
		"call_connection_id": "cc-1",
		"meeting_id":         "meet-1",
	}, backend.req.Context)
}

func TestExecuteMissingRequiredArgument(t *testing.T) {
	backend := &fakeBackend{}
	d, _ := newTestDispatcher(t, Deps{Backend: backend})

	res := d.Execute(context.Background(), "send_email_draft", `{"to":"bob","subject":"hi"}`, snapshot())
	assert.False(t, res.OK)
	assert.Contains(t, decode(t, res.Output)["error"], "body")
	assert.Empty(t, backend.name)
}

func TestExecuteCalendarDefaultsToToday(t *testing.T) {
	backend := &fakeBackend{}
	d, _ := newTestDispatcher(t, Deps{Backend: backend})

	res := d.Execute(context.Background(), "get_calendar", "{}", snapshot())
	require.True(t, res.OK)
	assert.Equal(t, "today", backend.req.Arguments["time_range"])
}

func TestExecuteWithoutBackendReportsUnavailable(t *testing.T) {
	d, _ := newTestDispatcher(t, Deps{})

	for _, name := range []string{"search_knowledge", "get_action_status"} {
		res := d.Execute(context.Background(), name, `{"query":"q"}`, snapshot())
		require.True(t, res.OK, name)
		assert.Equal(t, "unavailable", decode(t, res.Output)["status"], name)
	}
}
