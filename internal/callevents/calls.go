package callevents

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/bindings"
	"github.com/ent0n29/aida-voice/internal/policy"
	"github.com/ent0n29/aida-voice/internal/telephony"
)

var (
	ErrMissingCallContext = errors.New("missing incomingCallContext")
	ErrTargetRequired     = errors.New("target is required")
	ErrNotReady           = errors.New("service not ready")
	ErrAnswerFailed       = errors.New("failed to answer call")
	ErrCreateFailed       = errors.New("failed to create call")
)

const defaultCallerName = "Unknown Caller"

// Join URLs that mark a plain call rather than a meeting.
var directCallSentinels = map[string]bool{
	"direct-call":   true,
	"incoming-call": true,
}

func newUUID() string { return uuid.NewString() }

// AnswerResult is the reply to an answered incoming call.
type AnswerResult struct {
	CallConnectionID string        `json:"call_connection_id"`
	MeetingID        string        `json:"meeting_id"`
	Mode             bindings.Mode `json:"mode"`
	Caller           string        `json:"caller"`
}

// IncomingOutcome is the result of an incoming-call batch. At most one of
// the fields is set; neither means nothing in the batch needed answering.
type IncomingOutcome struct {
	Validation *Outcome
	Answered   *AnswerResult
}

// HandleIncoming processes the first actionable event of an incoming-call
// batch: either a subscription validation or an IncomingCall.
func (r *Router) HandleIncoming(ctx context.Context, events []Event) (IncomingOutcome, error) {
	for _, ev := range events {
		switch ev.Type {
		case TypeSubscriptionValidation:
			r.observe(ev.Type)
			data := decodeData[CallData](ev)
			return IncomingOutcome{Validation: &Outcome{Validated: true, ValidationCode: data.ValidationCode}}, nil
		case TypeIncomingCall:
			r.observe(ev.Type)
			res, err := r.AnswerIncoming(ctx, decodeData[IncomingCallData](ev))
			if err != nil {
				return IncomingOutcome{}, err
			}
			return IncomingOutcome{Answered: &res}, nil
		}
	}
	return IncomingOutcome{}, nil
}

// AnswerIncoming answers a call with media streaming to the gateway. Every
// answered call gets a fresh meeting id, which doubles as the binding token
// the media socket presents.
func (r *Router) AnswerIncoming(ctx context.Context, data IncomingCallData) (AnswerResult, error) {
	caller := data.From.DisplayName
	if caller == "" {
		caller = defaultCallerName
	}
	joinURL := data.CustomContext.MeetingJoinURL
	mode := bindings.ModeDirect
	if joinURL != "" && !directCallSentinels[joinURL] {
		mode = bindings.ModeMeeting
	}
	meetingID := r.newID()

	log := r.logger.With(
		zap.String("meeting_id", meetingID),
		zap.String("mode", string(mode)),
		zap.String("caller", caller),
		policy.String("caller_raw_id", data.From.RawID),
	)
	log.Info("incoming call")

	if data.IncomingCallContext == "" {
		log.Error("incoming call without call context")
		return AnswerResult{}, ErrMissingCallContext
	}
	if r.telephony == nil {
		log.Error("telephony client not configured")
		return AnswerResult{}, ErrNotReady
	}

	binding := bindings.Binding{
		Token:       meetingID,
		MeetingID:   meetingID,
		Mode:        mode,
		CallerName:  caller,
		CallerRawID: data.From.RawID,
	}
	// Stored before answering: telephony may open the media socket before
	// the answer call returns.
	r.putBinding(ctx, log, binding)

	conn, err := r.telephony.AnswerCall(ctx, telephony.AnswerRequest{
		IncomingCallContext: data.IncomingCallContext,
		CallbackURI:         r.callbackURL,
		Media:               r.mediaStreaming(binding.Token),
		OperationContext:    meetingID,
	})
	if err != nil {
		log.Error("answer call failed", zap.Error(err))
		return AnswerResult{}, fmt.Errorf("%w: %w", ErrAnswerFailed, err)
	}

	binding.CallConnectionID = conn.CallConnectionID
	r.putBinding(ctx, log, binding)
	if r.lifecycle != nil {
		if _, err := r.lifecycle.Create(ctx, meetingID, conn.CallConnectionID); err != nil {
			log.Warn("lifecycle create failed", zap.Error(err))
		}
	}

	log.Info("call answered", zap.String("call_connection_id", conn.CallConnectionID))
	return AnswerResult{
		CallConnectionID: conn.CallConnectionID,
		MeetingID:        meetingID,
		Mode:             mode,
		Caller:           caller,
	}, nil
}

// OutboundRequest is the body of a create-call request.
type OutboundRequest struct {
	Target         string `json:"target"`
	MeetingID      string `json:"meeting_id"`
	MediaStreaming *bool  `json:"media_streaming"`
}

func (o OutboundRequest) streaming() bool {
	return o.MediaStreaming == nil || *o.MediaStreaming
}

type OutboundResult struct {
	CallConnectionID string `json:"call_connection_id"`
	MeetingID        string `json:"meeting_id"`
}

// CreateOutbound places a call to req.Target. A lifecycle record is only
// created when the caller names a meeting.
func (r *Router) CreateOutbound(ctx context.Context, req OutboundRequest) (OutboundResult, error) {
	if req.Target == "" {
		return OutboundResult{}, ErrTargetRequired
	}
	if r.telephony == nil {
		return OutboundResult{}, ErrNotReady
	}
	log := r.logger.With(policy.String("target", req.Target), zap.String("meeting_id", req.MeetingID))

	create := telephony.CreateRequest{
		Target:           req.Target,
		CallbackURI:      r.callbackURL,
		OperationContext: req.MeetingID,
	}
	var binding bindings.Binding
	if req.streaming() {
		binding = bindings.Binding{
			Token:     r.newID(),
			MeetingID: req.MeetingID,
			Mode:      bindings.ModeDirect,
		}
		r.putBinding(ctx, log, binding)
		create.Media = r.mediaStreaming(binding.Token)
	}

	conn, err := r.telephony.CreateCall(ctx, create)
	if err != nil {
		log.Error("create call failed", zap.Error(err))
		return OutboundResult{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	if binding.Token != "" {
		binding.CallConnectionID = conn.CallConnectionID
		r.putBinding(ctx, log, binding)
	}
	if req.MeetingID != "" && r.lifecycle != nil {
		if _, err := r.lifecycle.Create(ctx, req.MeetingID, conn.CallConnectionID); err != nil {
			log.Warn("lifecycle create failed", zap.Error(err))
		}
	}

	log.Info("outbound call created", zap.String("call_connection_id", conn.CallConnectionID))
	meetingID := req.MeetingID
	if meetingID == "" {
		meetingID = conn.CallConnectionID
	}
	return OutboundResult{CallConnectionID: conn.CallConnectionID, MeetingID: meetingID}, nil
}

func (r *Router) mediaStreaming(token string) *telephony.MediaStreaming {
	if r.transportURL == "" {
		return nil
	}
	u, err := url.Parse(r.transportURL)
	if err != nil {
		return &telephony.MediaStreaming{TransportURL: r.transportURL}
	}
	q := u.Query()
	q.Set("binding", token)
	u.RawQuery = q.Encode()
	return &telephony.MediaStreaming{TransportURL: u.String()}
}

func (r *Router) putBinding(ctx context.Context, log *zap.Logger, b bindings.Binding) {
	if r.bindings == nil {
		return
	}
	if err := r.bindings.Put(ctx, b); err != nil {
		log.Warn("store call binding failed", zap.Error(err))
	}
}
