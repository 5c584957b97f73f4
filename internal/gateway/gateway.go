// Package gateway accepts the telephony media websocket, builds the session
// and bridge for it, and pumps frames until either side goes away.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/aida-voice/internal/bindings"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/session"
)

const (
	defaultReadLimit   = 1 << 20
	defaultStopTimeout = 30 * time.Second
	writeTimeout       = 10 * time.Second
)

// Bridge is what the gateway drives for each accepted socket.
type Bridge interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HandleMessage(raw []byte)
	HandleRawAudio(pcm []byte)
	Done() <-chan struct{}
}

// BridgeFactory builds the bridge for a freshly created session.
type BridgeFactory func(sess *session.Session) Bridge

type Options struct {
	Registry       *session.Registry
	Bindings       bindings.Store
	NewBridge      BridgeFactory
	AllowAnyOrigin bool
	ReadLimit      int64
	StopTimeout    time.Duration
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

type Gateway struct {
	registry    *session.Registry
	bindings    bindings.Store
	newBridge   BridgeFactory
	readLimit   int64
	stopTimeout time.Duration
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	allowAny := opts.AllowAnyOrigin
	return &Gateway{
		registry:    opts.Registry,
		bindings:    opts.Bindings,
		newBridge:   opts.NewBridge,
		readLimit:   opts.ReadLimit,
		stopTimeout: opts.StopTimeout,
		logger:      logger.With(zap.String("component", "gateway")),
		metrics:     opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony media streaming never sends Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// ActiveCount is the number of live sessions.
func (g *Gateway) ActiveCount() int {
	return g.registry.Count()
}

// Accept serves one media socket for its whole life. Teardown always runs
// Stop and then removes the session, whichever side ended the call.
func (g *Gateway) Accept(w http.ResponseWriter, r *http.Request) {
	opts, caller := g.sessionOptions(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.sessionEvent("ws_rejected")
		g.logger.Warn("media socket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := session.New(uuid.NewString(), opts)
	if caller.RawID != "" && caller.DisplayName != "" {
		sess.MergeParticipants([]session.Participant{caller})
	}
	sess.AttachMedia(&socketWriter{conn: conn})
	log := g.logger.With(
		zap.String("session_id", sess.ID()),
		zap.String("call_connection_id", sess.CallConnectionID()),
		zap.String("meeting_id", sess.MeetingID()),
	)

	b := g.newBridge(sess)
	if err := g.registry.Register(sess, b); err != nil {
		log.Error("register session failed", zap.Error(err))
		return
	}
	g.sessionEvent("ws_connected")
	g.updateActive()
	log.Info("media socket accepted", zap.Bool("meeting_mode", sess.MeetingMode()))

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), g.stopTimeout)
		defer cancel()
		if err := b.Stop(stopCtx); err != nil {
			log.Warn("bridge stop reported errors", zap.Error(err))
		}
		g.registry.Remove(sess.ID())
		g.updateActive()
		g.sessionEvent("ws_disconnected")
		log.Info("media socket closed", zap.Int("transcript_entries", sess.TranscriptLen()))
	}()

	if err := b.Start(r.Context()); err != nil {
		log.Error("bridge start failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "model unavailable"),
			time.Now().Add(time.Second))
		return
	}

	// A bridge that stops on its own (model gone, streaming stopped,
	// disconnect webhook) unblocks the read loop by closing the socket.
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		select {
		case <-b.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-pumpDone:
		}
	}()

	conn.SetReadLimit(g.readLimit)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				log.Info("media socket read ended", zap.Error(err))
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			b.HandleMessage(data)
		case websocket.BinaryMessage:
			b.HandleRawAudio(data)
		}
	}
}

// Shutdown stops every live bridge concurrently and clears the registry. A
// failing bridge does not cut the others short; all errors are joined.
func (g *Gateway) Shutdown(ctx context.Context) error {
	entries := g.registry.Clear()
	g.updateActive()
	if len(entries) == 0 {
		return nil
	}
	g.logger.Info("stopping live sessions", zap.Int("count", len(entries)))

	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, entry := range entries {
		eg.Go(func() error {
			if err := entry.Bridge.Stop(ctx); err != nil {
				g.logger.Warn("bridge stop failed during shutdown",
					zap.String("session_id", entry.Session.ID()), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", entry.Session.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// sessionOptions seeds the session from the binding token the transport URL
// carries, falling back to explicit query parameters and headers.
func (g *Gateway) sessionOptions(r *http.Request) (session.Options, session.Participant) {
	q := r.URL.Query()
	opts := session.Options{
		CallConnectionID: firstNonEmpty(q.Get("call_connection_id"), r.Header.Get("x-ms-call-connection-id")),
		MeetingID:        q.Get("meeting_id"),
		MeetingMode:      bindings.Mode(q.Get("mode")) == bindings.ModeMeeting,
	}
	var caller session.Participant

	token := q.Get("binding")
	if token == "" || g.bindings == nil {
		return opts, caller
	}
	b, err := g.bindings.Get(r.Context(), token)
	if err != nil {
		if !errors.Is(err, bindings.ErrNotFound) {
			g.logger.Warn("binding lookup failed", zap.Error(err))
		} else {
			g.logger.Info("unknown binding token on media socket")
		}
		return opts, caller
	}
	opts.CallConnectionID = firstNonEmpty(b.CallConnectionID, opts.CallConnectionID)
	opts.MeetingID = firstNonEmpty(b.MeetingID, opts.MeetingID)
	opts.MeetingMode = b.MeetingMode()
	caller = session.Participant{RawID: b.CallerRawID, DisplayName: b.CallerName}
	return opts, caller
}

func (g *Gateway) updateActive() {
	if g.metrics != nil {
		g.metrics.ActiveSessions.Set(float64(g.registry.Count()))
	}
}

func (g *Gateway) sessionEvent(event string) {
	if g.metrics != nil {
		g.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// socketWriter serializes writes; gorilla allows one concurrent writer and
// both the relay and barge-in write to the socket.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketWriter) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
