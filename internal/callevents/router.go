package callevents

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/bindings"
	"github.com/ent0n29/aida-voice/internal/lifecycle"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/session"
	"github.com/ent0n29/aida-voice/internal/telephony"
)

// Telephony places and answers calls.
type Telephony interface {
	AnswerCall(ctx context.Context, req telephony.AnswerRequest) (telephony.CallConnection, error)
	CreateCall(ctx context.Context, req telephony.CreateRequest) (telephony.CallConnection, error)
}

// Lifecycle is the part of the lifecycle manager the router drives.
type Lifecycle interface {
	Create(ctx context.Context, meetingID, callConnectionID string) (lifecycle.Record, error)
	UpdateState(ctx context.Context, meetingID string, state lifecycle.State, metadata map[string]any) (lifecycle.Record, error)
	SetParticipants(ctx context.Context, meetingID string, participants []string) error
}

// participantRefresher is implemented by bridges that push roster changes
// to the model.
type participantRefresher interface {
	RefreshParticipants()
}

type Options struct {
	Registry  *session.Registry
	Bindings  bindings.Store
	Lifecycle Lifecycle
	// Telephony is nil when call automation is not configured.
	Telephony    Telephony
	CallbackURL  string
	TransportURL string
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

type Router struct {
	registry     *session.Registry
	bindings     bindings.Store
	lifecycle    Lifecycle
	telephony    Telephony
	callbackURL  string
	transportURL string
	logger       *zap.Logger
	metrics      *observability.Metrics
	newID        func() string
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:     opts.Registry,
		bindings:     opts.Bindings,
		lifecycle:    opts.Lifecycle,
		telephony:    opts.Telephony,
		callbackURL:  opts.CallbackURL,
		transportURL: opts.TransportURL,
		logger:       logger.With(zap.String("component", "call_events")),
		metrics:      opts.Metrics,
		newID:        newUUID,
	}
}

// Route applies a batch of lifecycle events in order. A subscription
// validation event ends the batch and is answered immediately.
func (r *Router) Route(ctx context.Context, events []Event) Outcome {
	for _, ev := range events {
		r.observe(ev.Type)
		data := decodeData[CallData](ev)
		log := r.logger.With(
			zap.String("type", string(ev.Type)),
			zap.String("call_connection_id", data.CallConnectionID),
		)

		switch ev.Type {
		case TypeSubscriptionValidation:
			log.Info("event subscription validation")
			return Outcome{Validated: true, ValidationCode: data.ValidationCode}
		case TypeCallConnected:
			r.callConnected(ctx, log, data)
		case TypeCallDisconnected:
			r.callDisconnected(ctx, log, data)
		case TypeParticipantsUpdated:
			r.participantsUpdated(ctx, log, data)
		case TypeMediaStreamingStarted:
			r.mediaStreamingStarted(ctx, log, data)
		case TypeMediaStreamingStopped:
			log.Info("media streaming stopped")
		case TypePlayCompleted, TypeRecognizeCompleted:
			log.Debug("call automation event")
		default:
			log.Debug("unhandled call event")
		}
	}
	return Outcome{}
}

func (r *Router) callConnected(ctx context.Context, log *zap.Logger, data CallData) {
	log.Info("call connected", zap.String("server_call_id", data.ServerCallID))
	meetingID := ""
	if entry, ok := r.resolve(ctx, data.CallConnectionID); ok {
		entry.Session.SetServerCallID(data.ServerCallID)
		meetingID = entry.Session.MeetingID()
	} else {
		meetingID = r.bindingMeeting(ctx, data.CallConnectionID)
	}
	r.advance(ctx, log, meetingID, lifecycle.StateConnected)
}

func (r *Router) callDisconnected(ctx context.Context, log *zap.Logger, data CallData) {
	log.Info("call disconnected")
	entry, ok := r.resolve(ctx, data.CallConnectionID)
	if !ok {
		log.Info("no live session for disconnected call")
		return
	}
	// The flush and lifecycle hand-off must finish even if telephony drops
	// the webhook request.
	if err := entry.Bridge.Stop(context.WithoutCancel(ctx)); err != nil {
		log.Warn("bridge stop reported errors", zap.String("session_id", entry.Session.ID()), zap.Error(err))
	}
}

func (r *Router) participantsUpdated(ctx context.Context, log *zap.Logger, data CallData) {
	log.Info("participants updated", zap.Int("count", len(data.Participants)))
	entry, ok := r.resolve(ctx, data.CallConnectionID)
	if !ok {
		return
	}
	added := entry.Session.MergeParticipants(data.Participants)
	if len(added) == 0 {
		return
	}
	log.Info("new participants", zap.Strings("names", added))
	if refresher, ok := entry.Bridge.(participantRefresher); ok {
		refresher.RefreshParticipants()
	}
	if meetingID := entry.Session.MeetingID(); meetingID != "" && r.lifecycle != nil {
		err := r.lifecycle.SetParticipants(ctx, meetingID, entry.Session.Participants())
		if err != nil && !errors.Is(err, lifecycle.ErrNotFound) {
			log.Warn("lifecycle participants update failed", zap.Error(err))
		}
	}
}

func (r *Router) mediaStreamingStarted(ctx context.Context, log *zap.Logger, data CallData) {
	log.Info("media streaming started")
	meetingID := ""
	if entry, ok := r.resolve(ctx, data.CallConnectionID); ok {
		meetingID = entry.Session.MeetingID()
	} else {
		log.Info("media streaming started before the media socket registered")
		meetingID = r.bindingMeeting(ctx, data.CallConnectionID)
	}
	r.advance(ctx, log, meetingID, lifecycle.StateRecording)
}

func (r *Router) advance(ctx context.Context, log *zap.Logger, meetingID string, state lifecycle.State) {
	if meetingID == "" || r.lifecycle == nil {
		return
	}
	_, err := r.lifecycle.UpdateState(ctx, meetingID, state, nil)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, lifecycle.ErrStaleTransition):
		log.Debug("lifecycle transition skipped", zap.String("meeting_id", meetingID), zap.String("state", string(state)), zap.Error(err))
	default:
		log.Warn("lifecycle transition failed", zap.String("meeting_id", meetingID), zap.Error(err))
	}
}

// resolve finds the live session for a call connection. Sessions whose
// media socket opened before the call connection id was known are found
// through their binding and indexed on the way.
func (r *Router) resolve(ctx context.Context, callConnectionID string) (session.Entry, bool) {
	if callConnectionID == "" || r.registry == nil {
		return session.Entry{}, false
	}
	if entry, err := r.registry.ByCallConnection(callConnectionID); err == nil {
		return entry, true
	}
	if r.bindings == nil {
		return session.Entry{}, false
	}
	b, err := r.bindings.ByCallConnection(ctx, callConnectionID)
	if err != nil {
		if !errors.Is(err, bindings.ErrNotFound) {
			r.logger.Warn("binding lookup failed", zap.String("call_connection_id", callConnectionID), zap.Error(err))
		}
		return session.Entry{}, false
	}
	entry, err := r.registry.ByMeeting(b.MeetingID)
	if err != nil {
		return session.Entry{}, false
	}
	if err := r.registry.BindCallConnection(entry.Session.ID(), callConnectionID); err != nil {
		// Removed between the two lookups.
		return session.Entry{}, false
	}
	return entry, true
}

func (r *Router) bindingMeeting(ctx context.Context, callConnectionID string) string {
	if callConnectionID == "" || r.bindings == nil {
		return ""
	}
	b, err := r.bindings.ByCallConnection(ctx, callConnectionID)
	if err != nil {
		return ""
	}
	return b.MeetingID
}

func (r *Router) observe(t Type) {
	if r.metrics != nil {
		r.metrics.WebhookEvents.WithLabelValues(t.Label()).Inc()
	}
}
