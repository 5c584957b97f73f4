package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/callevents"
	"github.com/ent0n29/aida-voice/internal/lifecycle"
)

type stubGateway struct{ active int }

func (g *stubGateway) Accept(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (g *stubGateway) ActiveCount() int { return g.active }

type stubCalls struct {
	routed      [][]callevents.Event
	incoming    callevents.IncomingOutcome
	incomingErr error
	outbound    []callevents.OutboundRequest
	outboundErr error
}

func (c *stubCalls) Route(_ context.Context, events []callevents.Event) callevents.Outcome {
	c.routed = append(c.routed, events)
	for _, ev := range events {
		if ev.Type == callevents.TypeSubscriptionValidation {
			return callevents.Outcome{Validated: true, ValidationCode: "code-1"}
		}
	}
	return callevents.Outcome{}
}

func (c *stubCalls) HandleIncoming(context.Context, []callevents.Event) (callevents.IncomingOutcome, error) {
	return c.incoming, c.incomingErr
}

func (c *stubCalls) CreateOutbound(_ context.Context, req callevents.OutboundRequest) (callevents.OutboundResult, error) {
	c.outbound = append(c.outbound, req)
	if c.outboundErr != nil {
		return callevents.OutboundResult{}, c.outboundErr
	}
	if req.Target == "" {
		return callevents.OutboundResult{}, callevents.ErrTargetRequired
	}
	return callevents.OutboundResult{CallConnectionID: "cc-1", MeetingID: "cc-1"}, nil
}

type stubMeetings struct{ err error }

func (m stubMeetings) Complete(_ context.Context, id string) (lifecycle.Record, error) {
	if m.err != nil {
		return lifecycle.Record{}, m.err
	}
	return lifecycle.Record{MeetingID: id, State: lifecycle.StateCompleted}, nil
}

func newTestServer(t *testing.T, calls *stubCalls, meetings MeetingCompleter) http.Handler {
	t.Helper()
	srv := New(Options{
		Gateway:  &stubGateway{active: 2},
		Calls:    calls,
		Meetings: meetings,
		Logger:   zap.NewNop(),
	})
	return srv.Router(t.Context())
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &stubCalls{}, nil)
	rec, body := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "aida-voice", body["service"])
	assert.EqualValues(t, 2, body["active_sessions"])

	rec, body = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestWebhookRoutesBatch(t *testing.T) {
	calls := &stubCalls{}
	h := newTestServer(t, calls, nil)

	rec, body := do(t, h, http.MethodPost, "/api/calls/webhook", `[{"type":"Microsoft.Communication.CallConnected","data":{}}]`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok"}, body)

	rec, body = do(t, h, http.MethodPost, "/api/calls/webhook", `{"type":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"code-1"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"validationResponse": "code-1"}, body)
	assert.Len(t, calls.routed, 2)

	rec, body = do(t, h, http.MethodPost, "/api/calls/webhook", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON", body["error"])
	assert.Len(t, calls.routed, 2)
}

func TestIncomingCallResponses(t *testing.T) {
	cases := []struct {
		name   string
		calls  *stubCalls
		status int
		body   map[string]any
	}{
		{
			name:   "answered",
			calls:  &stubCalls{incoming: callevents.IncomingOutcome{Answered: &callevents.AnswerResult{CallConnectionID: "cc", MeetingID: "m", Mode: "direct-call", Caller: "Unknown Caller"}}},
			status: http.StatusOK,
			body:   map[string]any{"call_connection_id": "cc", "meeting_id": "m", "mode": "direct-call", "caller": "Unknown Caller"},
		},
		{
			name:   "validation",
			calls:  &stubCalls{incoming: callevents.IncomingOutcome{Validation: &callevents.Outcome{Validated: true, ValidationCode: "v"}}},
			status: http.StatusOK,
			body:   map[string]any{"validationResponse": "v"},
		},
		{
			name:   "nothing to answer",
			calls:  &stubCalls{},
			status: http.StatusOK,
			body:   map[string]any{"status": "ok"},
		},
		{
			name:   "missing context",
			calls:  &stubCalls{incomingErr: callevents.ErrMissingCallContext},
			status: http.StatusBadRequest,
			body:   map[string]any{"error": "Missing incomingCallContext"},
		},
		{
			name:   "not ready",
			calls:  &stubCalls{incomingErr: callevents.ErrNotReady},
			status: http.StatusServiceUnavailable,
			body:   map[string]any{"error": "Service not ready"},
		},
		{
			name:   "answer failed",
			calls:  &stubCalls{incomingErr: fmt.Errorf("%w: boom", callevents.ErrAnswerFailed)},
			status: http.StatusInternalServerError,
			body:   map[string]any{"error": "Failed to answer call"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, tc.calls, nil)
			rec, body := do(t, h, http.MethodPost, "/api/calls/incoming", `[{"type":"Microsoft.Communication.IncomingCall","data":{}}]`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.body, body)
		})
	}
}

func TestCreateCall(t *testing.T) {
	calls := &stubCalls{}
	h := newTestServer(t, calls, nil)

	rec, body := do(t, h, http.MethodPost, "/api/calls/create", `{"target":"  +15551234567 ","meeting_id":"m-1","media_streaming":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cc-1", body["call_connection_id"])
	require.Len(t, calls.outbound, 1)
	assert.Equal(t, "+15551234567", calls.outbound[0].Target)
	require.NotNil(t, calls.outbound[0].MediaStreaming)
	assert.False(t, *calls.outbound[0].MediaStreaming)

	rec, body = do(t, h, http.MethodPost, "/api/calls/create", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "target is required", body["error"])

	calls.outboundErr = errors.New("platform down")
	rec, body = do(t, h, http.MethodPost, "/api/calls/create", `{"target":"+1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to create call", body["error"])
}

func TestCompleteMeeting(t *testing.T) {
	h := newTestServer(t, &stubCalls{}, stubMeetings{})
	rec, body := do(t, h, http.MethodPost, "/api/meetings/m-1/complete", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", body["state"])

	h = newTestServer(t, &stubCalls{}, stubMeetings{err: lifecycle.ErrNotFound})
	rec, _ = do(t, h, http.MethodPost, "/api/meetings/m-1/complete", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallRoutesAreRateLimited(t *testing.T) {
	srv := New(Options{Gateway: &stubGateway{}, Calls: &stubCalls{}, RateLimitRPS: 0.001, RateLimitBurst: 2})
	h := srv.Router(t.Context())

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodPost, "/api/calls/webhook", `[]`)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := do(t, h, http.MethodPost, "/api/calls/webhook", `[]`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_exceeded", body["code"])

	// Health checks are outside the limited group.
	rec, _ = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://ops.example.com"}, false)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://other.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/calls/create", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoveryReturns500(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
