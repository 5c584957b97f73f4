package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/callevents"
	"github.com/ent0n29/aida-voice/internal/lifecycle"
	"github.com/ent0n29/aida-voice/internal/observability"
)

const maxWebhookBody = 1 << 20

// MediaGateway accepts the telephony media socket.
type MediaGateway interface {
	Accept(w http.ResponseWriter, r *http.Request)
	ActiveCount() int
}

// CallRouter handles call notifications and call control.
type CallRouter interface {
	Route(ctx context.Context, events []callevents.Event) callevents.Outcome
	HandleIncoming(ctx context.Context, events []callevents.Event) (callevents.IncomingOutcome, error)
	CreateOutbound(ctx context.Context, req callevents.OutboundRequest) (callevents.OutboundResult, error)
}

// MeetingCompleter receives the intelligence service's completion callback.
type MeetingCompleter interface {
	Complete(ctx context.Context, meetingID string) (lifecycle.Record, error)
}

type Options struct {
	Gateway        MediaGateway
	Calls          CallRouter
	Meetings       MeetingCompleter
	AllowAnyOrigin bool
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *zap.Logger
}

type Server struct {
	gateway  MediaGateway
	calls    CallRouter
	meetings MeetingCompleter
	opts     Options
	logger   *zap.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 50
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 100
	}
	return &Server{
		gateway:  opts.Gateway,
		calls:    opts.Calls,
		meetings: opts.Meetings,
		opts:     opts,
		logger:   logger.With(zap.String("component", "http")),
	}
}

// Router builds the HTTP surface. ctx bounds the rate limiter's janitor.
func (s *Server) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.opts.AllowedOrigins, s.opts.AllowAnyOrigin),
	)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/voice-v2", s.handleMediaSocket)

	r.Route("/api/calls", func(r chi.Router) {
		r.Use(RateLimiter(ctx, s.opts.RateLimitRPS, s.opts.RateLimitBurst, s.logger))
		r.Post("/webhook", s.handleCallWebhook)
		r.Post("/incoming", s.handleIncomingCall)
		r.Post("/create", s.handleCreateCall)
	})
	r.Post("/api/meetings/{id}/complete", s.handleCompleteMeeting)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         "aida-voice",
		"active_sessions": s.activeSessions(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.gateway == nil || s.calls == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.activeSessions(),
	})
}

func (s *Server) handleMediaSocket(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "media gateway not configured")
		return
	}
	s.gateway.Accept(w, r)
}

func (s *Server) handleCallWebhook(w http.ResponseWriter, r *http.Request) {
	events, ok := s.readBatch(w, r)
	if !ok {
		return
	}
	out := s.calls.Route(r.Context(), events)
	respondJSON(w, http.StatusOK, out.Body())
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	events, ok := s.readBatch(w, r)
	if !ok {
		return
	}
	out, err := s.calls.HandleIncoming(r.Context(), events)
	switch {
	case errors.Is(err, callevents.ErrMissingCallContext):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing incomingCallContext"})
	case errors.Is(err, callevents.ErrNotReady):
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service not ready"})
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to answer call"})
	case out.Validation != nil:
		respondJSON(w, http.StatusOK, out.Validation.Body())
	case out.Answered != nil:
		respondJSON(w, http.StatusOK, out.Answered)
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service not ready"})
		return
	}
	var req callevents.OutboundRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	req.Target = strings.TrimSpace(req.Target)

	res, err := s.calls.CreateOutbound(r.Context(), req)
	switch {
	case errors.Is(err, callevents.ErrTargetRequired):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create call"})
	default:
		respondJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleCompleteMeeting(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_meeting_id", "missing meeting id")
		return
	}
	if s.meetings == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "lifecycle manager not configured")
		return
	}
	rec, err := s.meetings.Complete(r.Context(), id)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		respondError(w, http.StatusNotFound, "meeting_not_found", err.Error())
	case errors.Is(err, lifecycle.ErrStaleTransition):
		respondError(w, http.StatusConflict, "stale_transition", err.Error())
	case err != nil:
		s.logger.Error("complete meeting failed", zap.String("meeting_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to complete meeting")
	default:
		respondJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) readBatch(w http.ResponseWriter, r *http.Request) ([]callevents.Event, bool) {
	if s.calls == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service not ready"})
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return nil, false
	}
	events, err := callevents.ParseBatch(body)
	if err != nil {
		s.logger.Warn("invalid webhook body", zap.String("path", r.URL.Path), zap.Error(err))
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return nil, false
	}
	return events, true
}

func (s *Server) activeSessions() int {
	if s.gateway == nil {
		return 0
	}
	return s.gateway.ActiveCount()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
