// Package lifecycle tracks the coarse state of each meeting and kicks off
// post-call processing once a call has ended and its transcript has settled.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/observability"
)

// DefaultSettleDelay is how long End waits before triggering post-processing.
// The call-disconnected webhook routinely beats the bridge's final transcript
// flush by a few seconds.
const DefaultSettleDelay = 5 * time.Second

// Remote mirrors lifecycle records into the data service.
type Remote interface {
	CreateMeeting(ctx context.Context, rec collab.MeetingRecord) error
	PatchMeeting(ctx context.Context, meetingID string, patch collab.MeetingPatch) error
}

// PostProcessor starts summarization of an ended meeting.
type PostProcessor interface {
	TriggerPostProcessing(ctx context.Context, meetingID string) error
}

type Options struct {
	Store         Store
	Remote        Remote
	PostProcessor PostProcessor
	SettleDelay   time.Duration
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	Now           func() time.Time
}

// Manager owns the in-memory lifecycle cache. The Store holds the durable
// copy; a cache miss falls through to it.
type Manager struct {
	store       Store
	remote      Remote
	processor   PostProcessor
	settleDelay time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	mu      sync.Mutex
	records map[string]Record

	pending sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = NewInMemoryStore()
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:       opts.Store,
		remote:      opts.Remote,
		processor:   opts.PostProcessor,
		settleDelay: opts.SettleDelay,
		logger:      opts.Logger.With(zap.String("component", "lifecycle")),
		metrics:     opts.Metrics,
		now:         opts.Now,
		records:     make(map[string]Record),
	}
}

// Create seeds a record in state created. An existing record is returned
// unchanged.
func (m *Manager) Create(ctx context.Context, meetingID, callConnectionID string) (Record, error) {
	if meetingID == "" {
		return Record{}, errors.New("meeting id is required")
	}
	if existing, err := m.Get(ctx, meetingID); err == nil {
		return existing, nil
	}

	now := m.now()
	rec := Record{
		MeetingID:        meetingID,
		CallConnectionID: callConnectionID,
		State:            StateCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
		Participants:     []string{},
		Metadata:         map[string]any{},
	}
	m.mu.Lock()
	m.records[meetingID] = rec
	m.mu.Unlock()

	m.persist(ctx, rec)
	m.observe(StateCreated)
	m.logger.Info("meeting created",
		zap.String("meeting_id", meetingID),
		zap.String("call_connection_id", callConnectionID),
	)
	m.background(func(ctx context.Context) {
		if m.remote == nil {
			return
		}
		err := m.remote.CreateMeeting(ctx, collab.MeetingRecord{
			MeetingID:        rec.MeetingID,
			CallConnectionID: rec.CallConnectionID,
			State:            string(rec.State),
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
			Participants:     rec.Participants,
			Metadata:         rec.Metadata,
		})
		if err != nil {
			m.logger.Warn("persist meeting failed", zap.String("meeting_id", meetingID), zap.Error(err))
		}
	})
	return rec.clone(), nil
}

// Get returns the cached record, loading it from the store on a miss.
func (m *Manager) Get(ctx context.Context, meetingID string) (Record, error) {
	m.mu.Lock()
	rec, ok := m.records[meetingID]
	m.mu.Unlock()
	if ok {
		return rec.clone(), nil
	}

	rec, err := m.store.Load(ctx, meetingID)
	if err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	if cached, ok := m.records[meetingID]; ok {
		rec = cached
	} else {
		m.records[meetingID] = rec
	}
	m.mu.Unlock()
	return rec.clone(), nil
}

// Adopt installs rec when nothing is known about its meeting. Callers that
// hold authoritative call state use it to recover from a lost cache entry.
func (m *Manager) Adopt(ctx context.Context, rec Record) (Record, error) {
	if rec.MeetingID == "" {
		return Record{}, errors.New("meeting id is required")
	}
	if existing, err := m.Get(ctx, rec.MeetingID); err == nil {
		return existing, nil
	}
	now := m.now()
	if !rec.State.Valid() {
		rec.State = StateConnected
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Participants == nil {
		rec.Participants = []string{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	m.mu.Lock()
	if cached, ok := m.records[rec.MeetingID]; ok {
		m.mu.Unlock()
		return cached.clone(), nil
	}
	m.records[rec.MeetingID] = rec.clone()
	m.mu.Unlock()

	m.persist(ctx, rec)
	m.logger.Info("meeting adopted", zap.String("meeting_id", rec.MeetingID), zap.String("state", string(rec.State)))
	return rec.clone(), nil
}

// UpdateState moves a meeting forward and merges metadata. Unknown meetings
// return ErrNotFound, which callers should treat as a normal race outcome;
// a backwards move returns ErrStaleTransition and changes nothing.
func (m *Manager) UpdateState(ctx context.Context, meetingID string, state State, metadata map[string]any) (Record, error) {
	return m.advance(ctx, meetingID, state, metadata, false)
}

// advance applies a transition. With strict set, re-entering the current
// state is also stale.
func (m *Manager) advance(ctx context.Context, meetingID string, state State, metadata map[string]any, strict bool) (Record, error) {
	if !state.Valid() {
		return Record{}, fmt.Errorf("unknown state %q", state)
	}
	if _, err := m.Get(ctx, meetingID); err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Debug("state update for unknown meeting", zap.String("meeting_id", meetingID), zap.String("state", string(state)))
		}
		return Record{}, err
	}

	m.mu.Lock()
	rec, ok := m.records[meetingID]
	if !ok {
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if state.Precedes(rec.State) || (strict && state == rec.State) {
		m.mu.Unlock()
		return rec.clone(), fmt.Errorf("%w: %s -> %s", ErrStaleTransition, rec.State, state)
	}
	changed := rec.State != state
	rec = rec.clone()
	rec.State = state
	rec.UpdatedAt = m.now()
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	m.records[meetingID] = rec
	m.mu.Unlock()

	m.persist(ctx, rec)
	if changed {
		m.observe(state)
		m.logger.Info("meeting state changed", zap.String("meeting_id", meetingID), zap.String("state", string(state)))
	}
	patch := collab.MeetingPatch{State: string(state), Metadata: metadata}
	m.background(func(ctx context.Context) {
		if m.remote == nil {
			return
		}
		if err := m.remote.PatchMeeting(ctx, meetingID, patch); err != nil {
			m.logger.Warn("patch meeting failed", zap.String("meeting_id", meetingID), zap.Error(err))
		}
	})
	return rec.clone(), nil
}

// SetParticipants replaces the participant list without changing state.
func (m *Manager) SetParticipants(ctx context.Context, meetingID string, participants []string) error {
	if _, err := m.Get(ctx, meetingID); err != nil {
		return err
	}
	m.mu.Lock()
	rec, ok := m.records[meetingID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	rec = rec.clone()
	rec.Participants = append([]string(nil), participants...)
	rec.UpdatedAt = m.now()
	m.records[meetingID] = rec
	m.mu.Unlock()
	m.persist(ctx, rec)
	return nil
}

// End marks the meeting ended right away and, after the settle delay, moves
// it to post_processing and asks for summarization. The delayed half runs in
// the background; Wait drains it. Ending an already ended meeting is a no-op.
func (m *Manager) End(ctx context.Context, meetingID string) error {
	if _, err := m.advance(ctx, meetingID, StateEnded, nil, true); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			m.logger.Debug("meeting already ended", zap.String("meeting_id", meetingID))
			return nil
		}
		return err
	}

	m.background(func(ctx context.Context) {
		if m.settleDelay > 0 {
			timer := time.NewTimer(m.settleDelay)
			<-timer.C
		}
		if _, err := m.UpdateState(ctx, meetingID, StatePostProcessing, nil); err != nil {
			m.logger.Warn("post-processing transition skipped", zap.String("meeting_id", meetingID), zap.Error(err))
			return
		}
		m.trigger(ctx, meetingID)
	})
	return nil
}

// Complete records that post-processing finished.
func (m *Manager) Complete(ctx context.Context, meetingID string) (Record, error) {
	return m.UpdateState(ctx, meetingID, StateCompleted, map[string]any{"completed_at": m.now().Format(time.RFC3339)})
}

// Wait blocks until every background persistence call and pending
// post-processing trigger has finished, or ctx expires.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) trigger(ctx context.Context, meetingID string) {
	if m.processor == nil {
		m.logger.Warn("post-processing not configured", zap.String("meeting_id", meetingID))
		m.observeTrigger("skipped")
		return
	}
	if err := m.processor.TriggerPostProcessing(ctx, meetingID); err != nil {
		fields := []zap.Field{zap.String("meeting_id", meetingID), zap.Error(err)}
		var se *collab.StatusError
		if errors.As(err, &se) {
			fields = append(fields, zap.Int("status", se.StatusCode), zap.String("body", se.Body))
		}
		m.logger.Error("post-processing trigger failed", fields...)
		m.observeTrigger("error")
		return
	}
	m.logger.Info("post-processing triggered", zap.String("meeting_id", meetingID))
	m.observeTrigger("ok")
}

// background runs fn detached from the caller's cancellation.
func (m *Manager) background(fn func(ctx context.Context)) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		fn(context.Background())
	}()
}

func (m *Manager) persist(ctx context.Context, rec Record) {
	if err := m.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("lifecycle store write failed", zap.String("meeting_id", rec.MeetingID), zap.Error(err))
	}
}

func (m *Manager) observe(state State) {
	if m.metrics != nil {
		m.metrics.LifecycleTransitions.WithLabelValues(string(state)).Inc()
	}
}

func (m *Manager) observeTrigger(outcome string) {
	if m.metrics != nil {
		m.metrics.PostProcessTriggers.WithLabelValues(outcome).Inc()
	}
}
