// Package bridge relays one call's audio between the telephony media socket
// and a realtime speech model, and keeps the call's transcript and tool
// round-trips in step with the model's event stream.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/audio"
	"github.com/ent0n29/aida-voice/internal/lifecycle"
	"github.com/ent0n29/aida-voice/internal/logging"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/policy"
	"github.com/ent0n29/aida-voice/internal/protocol"
	"github.com/ent0n29/aida-voice/internal/realtime"
	"github.com/ent0n29/aida-voice/internal/reliability"
	"github.com/ent0n29/aida-voice/internal/session"
	"github.com/ent0n29/aida-voice/internal/tools"
	"github.com/ent0n29/aida-voice/internal/transcript"
	"github.com/ent0n29/aida-voice/internal/wakeword"
)

var ErrAlreadyStarted = errors.New("bridge already started")

// State is the bridge lifecycle. Transitions only move forward.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Connector opens a model session.
type Connector interface {
	Connect(ctx context.Context, sc realtime.SessionConfig) (realtime.Session, error)
}

// ToolExecutor is the dispatcher the bridge hands function calls to.
type ToolExecutor interface {
	Definitions() []realtime.ToolDefinition
	Execute(ctx context.Context, name, rawArgs string, call session.Snapshot) tools.Result
}

// Lifecycle is the part of the lifecycle manager the bridge reports to.
type Lifecycle interface {
	Get(ctx context.Context, meetingID string) (lifecycle.Record, error)
	Adopt(ctx context.Context, rec lifecycle.Record) (lifecycle.Record, error)
	End(ctx context.Context, meetingID string) error
}

type Deps struct {
	Connector       Connector
	Tools           ToolExecutor
	Lifecycle       Lifecycle
	Transcripts     transcript.Sink
	Wake            *wakeword.Detector
	Voice           string
	PersistInterval int
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

type Bridge struct {
	sess    *session.Session
	deps    Deps
	cc      *CallContext
	writer  *transcript.Writer
	wake    *wakeword.Detector
	logger  *zap.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	state State
	conn  realtime.Session

	relayCancel context.CancelFunc
	relayDone   chan struct{}
	toolsWG     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func New(sess *session.Session, deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("component", "bridge"),
		zap.String("session_id", sess.ID()),
	)
	wake := deps.Wake
	if wake == nil {
		wake = wakeword.NewDetector(logger)
	}
	var writer *transcript.Writer
	if deps.Transcripts != nil {
		writer = transcript.NewWriter(sess, deps.Transcripts, deps.PersistInterval, logger, deps.Metrics)
	}
	return &Bridge{
		sess:    sess,
		deps:    deps,
		cc:      newCallContext(),
		writer:  writer,
		wake:    wake,
		logger:  logger,
		metrics: deps.Metrics,
		done:    make(chan struct{}),
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once the bridge has fully stopped.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Context exposes the shared call state, mainly for tests and diagnostics.
func (b *Bridge) Context() *CallContext { return b.cc }

// Start connects to the model and launches the event relay.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.state = StateConnecting
	b.mu.Unlock()

	if b.writer != nil {
		b.writer.Start()
	}

	var defs []realtime.ToolDefinition
	if b.deps.Tools != nil {
		defs = b.deps.Tools.Definitions()
	}
	conn, err := b.deps.Connector.Connect(ctx, realtime.SessionConfig{
		Instructions: BuildInstructions(b.sess.MeetingMode(), b.sess.Participants()),
		Voice:        b.deps.Voice,
		Tools:        defs,
	})
	if err != nil {
		b.logger.Error("realtime connect failed", zap.Error(err))
		return fmt.Errorf("connect realtime model: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Lock()
	if b.state != StateConnecting {
		// Stop won the race while we were dialing.
		b.mu.Unlock()
		cancel()
		_ = conn.Close()
		return errors.New("bridge stopped during connect")
	}
	b.conn = conn
	b.relayCancel = cancel
	b.relayDone = make(chan struct{})
	b.state = StateActive
	b.mu.Unlock()

	go b.relay(relayCtx, conn)

	b.logger.Info("bridge started",
		zap.String("call_connection_id", b.sess.CallConnectionID()),
		zap.String("meeting_id", b.sess.MeetingID()),
		zap.Bool("meeting_mode", b.sess.MeetingMode()),
	)
	b.sessionEvent("bridge_started")
	return nil
}

// Stop tears the bridge down once. Later and concurrent calls wait for the
// first to finish and return its result.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.stopErr = b.stop(ctx)
	})
	<-b.done
	return b.stopErr
}

func (b *Bridge) stop(ctx context.Context) error {
	b.mu.Lock()
	prev := b.state
	b.state = StateDraining
	conn := b.conn
	cancel := b.relayCancel
	relayDone := b.relayDone
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.state = StateStopped
		b.mu.Unlock()
		close(b.done)
		b.sessionEvent("bridge_stopped")
	}()

	if prev == StateIdle {
		return nil
	}

	if cancel != nil {
		cancel()
		<-relayDone
	}
	b.toolsWG.Wait()

	var errs []error
	if b.writer != nil {
		if err := b.writer.Close(ctx); err != nil {
			b.logger.Warn("final transcript flush incomplete", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			b.logger.Debug("realtime close", zap.Error(err))
		}
	}
	if meetingID := b.sess.MeetingID(); meetingID != "" && b.deps.Lifecycle != nil {
		if err := b.endMeeting(ctx, meetingID); err != nil {
			b.logger.Warn("lifecycle end failed", zap.String("meeting_id", meetingID), zap.Error(err))
			errs = append(errs, err)
		}
	}

	b.logger.Info("bridge stopped",
		zap.String("meeting_id", b.sess.MeetingID()),
		zap.Int("transcript_entries", b.sess.TranscriptLen()),
	)
	return errors.Join(errs...)
}

// endMeeting supplies the lifecycle record from session state when the
// manager has lost it.
func (b *Bridge) endMeeting(ctx context.Context, meetingID string) error {
	if _, err := b.deps.Lifecycle.Get(ctx, meetingID); errors.Is(err, lifecycle.ErrNotFound) {
		_, err := b.deps.Lifecycle.Adopt(ctx, lifecycle.Record{
			MeetingID:        meetingID,
			CallConnectionID: b.sess.CallConnectionID(),
			State:            lifecycle.StateRecording,
			CreatedAt:        b.sess.StartTime(),
			Participants:     b.sess.Participants(),
		})
		if err != nil {
			return err
		}
	}
	return b.deps.Lifecycle.End(ctx, meetingID)
}

// HandleMessage processes one text frame from the media socket.
func (b *Bridge) HandleMessage(raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnsupportedKind):
			b.logger.Debug("ignoring media frame", zap.String("kind", string(frame.Kind)))
		case errors.Is(err, protocol.ErrEmptyAudio):
			b.audioFrame("inbound", "empty")
		default:
			b.logger.Warn("malformed media frame", zap.Error(err))
		}
		return
	}

	switch frame.Kind {
	case protocol.KindAudioMetadata:
		b.checkMetadata(frame.Metadata)
	case protocol.KindAudioData:
		pcm, err := frame.Audio.PCM()
		if err != nil {
			b.logger.Warn("undecodable audio frame", zap.Error(err))
			b.audioFrame("inbound", "invalid")
			return
		}
		b.cc.SetLastSpeaker(frame.Audio.ParticipantRawID)
		b.forward(pcm, !frame.Audio.Silent)
	case protocol.KindStoppedMediaStreaming:
		b.logger.Info("media streaming stopped by platform")
		go func() { _ = b.Stop(context.Background()) }()
	}
}

// HandleRawAudio forwards a binary PCM frame. Binary frames carry no speech
// flag, so they never trigger barge-in.
func (b *Bridge) HandleRawAudio(pcm []byte) {
	b.forward(pcm, false)
}

func (b *Bridge) checkMetadata(md *protocol.AudioMetadata) {
	fields := []zap.Field{
		zap.String("encoding", md.Encoding),
		zap.Int("sample_rate", md.SampleRate),
		zap.Int("channels", md.Channels),
	}
	mismatch := (md.SampleRate != 0 && md.SampleRate != audio.StreamSampleRate) ||
		(md.Channels != 0 && md.Channels != 1) ||
		(md.Encoding != "" && !strings.EqualFold(md.Encoding, "PCM"))
	if mismatch {
		b.logger.Warn("unexpected media format, expected PCM 24kHz mono", fields...)
		return
	}
	b.logger.Info("media metadata", fields...)
}

func (b *Bridge) forward(pcm []byte, speech bool) {
	b.mu.Lock()
	state, conn := b.state, b.conn
	b.mu.Unlock()

	if state != StateActive || conn == nil {
		b.audioFrame("inbound", "dropped_inactive")
		return
	}
	if !b.sess.ShouldForwardAudio() {
		b.audioFrame("inbound", "dropped_gated")
		return
	}
	if speech {
		b.bargeIn(conn, "caller_audio")
	}
	if err := conn.AppendAudio(pcm); err != nil {
		b.logger.Debug("append audio failed", zap.Error(err))
		b.audioFrame("inbound", "error")
		return
	}
	b.audioFrame("inbound", "forwarded")
}

// bargeIn interrupts the model's current response: cancel generation,
// truncate what the caller has not heard, and drop queued playback.
func (b *Bridge) bargeIn(conn realtime.Session, trigger string) {
	in, ok := b.cc.BeginInterrupt()
	if !ok {
		return
	}
	b.logger.Info("barge-in",
		zap.String("trigger", trigger),
		zap.String("response_id", in.ResponseID),
		zap.String("item_id", in.ItemID),
		zap.Int("audio_end_ms", in.AudioEndMS),
	)
	if b.metrics != nil {
		b.metrics.BargeIns.Inc()
	}
	if err := conn.CancelResponse(in.ResponseID); err != nil {
		b.logger.Warn("cancel response failed", zap.Error(err))
	}
	if in.ItemID != "" {
		if err := conn.TruncateItem(in.ItemID, 0, in.AudioEndMS); err != nil {
			b.logger.Warn("truncate item failed", zap.Error(err))
		}
	}
	if media := b.sess.Media(); media != nil {
		if err := media.WriteJSON(protocol.NewStopAudio()); err != nil {
			b.logger.Warn("stop audio failed", zap.Error(err))
		}
	}
}

// RefreshParticipants pushes updated instructions after the roster changed.
// Direct calls keep their original prompt.
func (b *Bridge) RefreshParticipants() {
	if !b.sess.MeetingMode() {
		return
	}
	b.mu.Lock()
	state, conn := b.state, b.conn
	b.mu.Unlock()
	if state != StateActive || conn == nil {
		return
	}
	instructions := BuildInstructions(true, b.sess.Participants())
	if err := conn.UpdateInstructions(instructions); err != nil {
		b.logger.Warn("instruction refresh failed", zap.Error(err))
	}
}

func (b *Bridge) relay(ctx context.Context, conn realtime.Session) {
	stoppedByUs := false
	defer func() {
		close(b.relayDone)
		if !stoppedByUs {
			go func() { _ = b.Stop(context.Background()) }()
		}
	}()
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			stoppedByUs = true
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					stoppedByUs = true
					return
				}
				b.logger.Warn("realtime event stream ended")
				return
			}
			b.handleEvent(ctx, conn, ev)
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, conn realtime.Session, ev realtime.ServerEvent) {
	if b.metrics != nil {
		label := string(ev.Type)
		if !ev.Type.Known() {
			label = "unknown"
		}
		b.metrics.ModelEvents.WithLabelValues(label).Inc()
	}

	switch ev.Type {
	case realtime.EventSessionCreated:
		if ev.Session != nil {
			b.logger.Info("realtime session created", zap.String("realtime_session_id", ev.Session.ID))
		}
	case realtime.EventSessionUpdated:
		b.logger.Debug("realtime session updated")

	case realtime.EventSpeechStarted:
		b.bargeIn(conn, "model_vad")
	case realtime.EventSpeechStopped:
		b.logger.Debug("caller speech stopped")

	case realtime.EventResponseCreated:
		id := ev.ResponseID
		if ev.Response != nil && ev.Response.ID != "" {
			id = ev.Response.ID
		}
		b.cc.ResponseStarted(id)
	case realtime.EventResponseOutputItemAdded:
		if ev.Item != nil {
			b.cc.ItemAdded(ev.Item.ID)
		}
	case realtime.EventResponseDone:
		id := ev.ResponseID
		if ev.Response != nil && ev.Response.ID != "" {
			id = ev.Response.ID
		}
		b.cc.ResponseFinished(id)

	case realtime.EventResponseAudioDelta:
		b.playAudio(ev)
	case realtime.EventResponseAudioDone:
		b.cc.AudioDone()

	case realtime.EventResponseAudioTranscriptDelta:
		b.cc.AppendText(ev.Delta)
	case realtime.EventResponseAudioTranscriptDone:
		text := b.cc.TakeText()
		if ev.Transcript != "" {
			text = ev.Transcript
		}
		b.appendTranscript(AssistantName, text)

	case realtime.EventInputTranscriptionCompleted:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return
		}
		speaker := b.sess.SpeakerName(b.cc.LastSpeaker())
		b.appendTranscript(speaker, text)
		if b.sess.MeetingMode() {
			b.wake.Evaluate(text, b.sess)
		}

	case realtime.EventFunctionCallArgumentsDone:
		b.startToolCall(ctx, conn, ev)

	case realtime.EventError:
		b.logModelError(ev.Error)

	default:
		b.logger.Debug("unhandled realtime event", zap.String("type", string(ev.Type)))
	}
}

func (b *Bridge) playAudio(ev realtime.ServerEvent) {
	if ev.Delta == "" {
		return
	}
	if !b.cc.AudioDelta(ev.ResponseID, ev.ItemID, decodedLen(ev.Delta)) {
		b.audioFrame("outbound", "dropped_interrupted")
		return
	}
	media := b.sess.Media()
	if media == nil {
		b.audioFrame("outbound", "dropped_no_socket")
		return
	}
	if err := media.WriteJSON(protocol.NewOutboundAudio(ev.Delta)); err != nil {
		b.logger.Debug("send audio to call failed", zap.Error(err))
		b.audioFrame("outbound", "error")
		return
	}
	b.audioFrame("outbound", "forwarded")
}

func (b *Bridge) appendTranscript(speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.sess.AddTranscriptEntry(speaker, text)
	b.logger.Debug("transcript entry", zap.String("speaker", speaker), policy.String("text", logging.Truncate(text, 200)))
	if b.writer != nil {
		b.writer.Observe()
	}
}

// startToolCall runs the tool off the relay goroutine so audio keeps
// flowing. Every call id gets exactly one function output.
func (b *Bridge) startToolCall(ctx context.Context, conn realtime.Session, ev realtime.ServerEvent) {
	if ev.CallID == "" {
		b.logger.Warn("function call without call_id", zap.String("tool", ev.Name))
		return
	}
	b.cc.AddToolCall(ev.CallID, toolCall{Name: ev.Name, ResponseID: ev.ResponseID})
	snapshot := b.sess.Snapshot()

	b.toolsWG.Add(1)
	go func() {
		defer b.toolsWG.Done()
		var res tools.Result
		if b.deps.Tools != nil {
			res = b.deps.Tools.Execute(ctx, ev.Name, ev.Arguments, snapshot)
		} else {
			res = tools.Result{Tool: ev.Name, Output: fmt.Sprintf(`{"error":"Unknown tool: %s"}`, ev.Name)}
		}
		b.logger.Info("tool call finished",
			zap.String("tool", ev.Name),
			zap.String("call_id", ev.CallID),
			zap.Bool("ok", res.OK),
		)
		if err := conn.SendFunctionOutput(ev.CallID, res.Output); err != nil {
			b.logger.Warn("send function output failed", zap.String("call_id", ev.CallID), zap.Error(err))
		}
		if b.cc.FinishToolCall(ev.CallID) > 0 {
			return
		}
		if err := conn.CreateResponse(); err != nil {
			b.logger.Warn("request continuation failed", zap.Error(err))
		}
	}()
}

func (b *Bridge) logModelError(detail *realtime.ErrorDetail) {
	if detail == nil {
		b.logger.Error("realtime error without detail")
		return
	}
	fields := []zap.Field{
		zap.String("type", detail.Type),
		zap.String("code", detail.Code),
		zap.String("message", detail.Message),
	}
	if reliability.IsTransientModelError(detail.Code) {
		b.logger.Warn("realtime transient error", fields...)
		return
	}
	b.logger.Error("realtime error", fields...)
}

func (b *Bridge) audioFrame(direction, outcome string) {
	if b.metrics != nil {
		b.metrics.AudioFrames.WithLabelValues(direction, outcome).Inc()
	}
}

func (b *Bridge) sessionEvent(event string) {
	if b.metrics != nil {
		b.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

// decodedLen is the byte length of a padded base64 payload.
func decodedLen(b64 string) int {
	n := base64.StdEncoding.DecodedLen(len(b64))
	if strings.HasSuffix(b64, "==") {
		return n - 2
	}
	if strings.HasSuffix(b64, "=") {
		return n - 1
	}
	return n
}

var _ session.Bridge = (*Bridge)(nil)
