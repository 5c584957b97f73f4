package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/observability"
)

type fakeRemote struct {
	mu      sync.Mutex
	created []collab.MeetingRecord
	patches []collab.MeetingPatch
}

func (f *fakeRemote) CreateMeeting(_ context.Context, rec collab.MeetingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeRemote) PatchMeeting(_ context.Context, _ string, patch collab.MeetingPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	return errors.New("data service down")
}

type fakeProcessor struct {
	calls atomic.Int32
	at    atomic.Int64
	err   error
}

func (f *fakeProcessor) TriggerPostProcessing(_ context.Context, _ string) error {
	f.calls.Add(1)
	f.at.Store(time.Now().UnixNano())
	return f.err
}

func newManager(t *testing.T, delay time.Duration, proc PostProcessor, remote Remote) (*Manager, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	m := NewManager(Options{
		Remote:        remote,
		PostProcessor: proc,
		SettleDelay:   delay,
		Metrics:       metrics,
	})
	return m, metrics
}

func waitDrained(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestCreateSeedsRecordAndPersistsRemotely(t *testing.T) {
	remote := &fakeRemote{}
	m, _ := newManager(t, 0, nil, remote)
	ctx := context.Background()

	rec, err := m.Create(ctx, "meet-1", "cc-1")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rec.State)
	assert.Equal(t, "cc-1", rec.CallConnectionID)

	again, err := m.Create(ctx, "meet-1", "cc-other")
	require.NoError(t, err)
	assert.Equal(t, "cc-1", again.CallConnectionID, "create is idempotent")

	waitDrained(t, m)
	require.Len(t, remote.created, 1)
	assert.Equal(t, "created", remote.created[0].State)
}

func TestUpdateStateUnknownMeeting(t *testing.T) {
	m, _ := newManager(t, 0, nil, nil)
	_, err := m.UpdateState(context.Background(), "missing", StateConnected, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStateIsMonotonicAndMergesMetadata(t *testing.T) {
	remote := &fakeRemote{}
	m, _ := newManager(t, 0, nil, remote)
	ctx := context.Background()
	_, err := m.Create(ctx, "meet-1", "cc-1")
	require.NoError(t, err)

	_, err = m.UpdateState(ctx, "meet-1", StateRecording, map[string]any{"a": 1})
	require.NoError(t, err)
	rec, err := m.UpdateState(ctx, "meet-1", StateRecording, map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, rec.Metadata)

	_, err = m.UpdateState(ctx, "meet-1", StateConnected, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)
	got, err := m.Get(ctx, "meet-1")
	require.NoError(t, err)
	assert.Equal(t, StateRecording, got.State)

	waitDrained(t, m)
	assert.Len(t, remote.patches, 2, "remote patch failures are swallowed")
}

func TestEndWaitsSettleDelayBeforeTrigger(t *testing.T) {
	proc := &fakeProcessor{}
	delay := 80 * time.Millisecond
	m, metrics := newManager(t, delay, proc, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "meet-1", "cc-1")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.End(ctx, "meet-1"))
	assert.Less(t, time.Since(start), delay, "End does not block on the settle delay")

	rec, err := m.Get(ctx, "meet-1")
	require.NoError(t, err)
	assert.Equal(t, StateEnded, rec.State)
	assert.Equal(t, int32(0), proc.calls.Load())

	waitDrained(t, m)
	assert.Equal(t, int32(1), proc.calls.Load())
	assert.GreaterOrEqual(t, time.Duration(proc.at.Load()-start.UnixNano()), delay)

	rec, err = m.Get(ctx, "meet-1")
	require.NoError(t, err)
	assert.Equal(t, StatePostProcessing, rec.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PostProcessTriggers.WithLabelValues("ok")))
}

func TestEndIsIdempotent(t *testing.T) {
	proc := &fakeProcessor{}
	m, _ := newManager(t, 0, proc, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "meet-1", "cc-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.End(ctx, "meet-1"))
		}()
	}
	wg.Wait()
	waitDrained(t, m)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestEndUnknownMeetingReturnsNotFound(t *testing.T) {
	m, _ := newManager(t, 0, &fakeProcessor{}, nil)
	assert.ErrorIs(t, m.End(context.Background(), "missing"), ErrNotFound)
}

func TestAdoptFillsCacheMiss(t *testing.T) {
	proc := &fakeProcessor{}
	m, _ := newManager(t, 0, proc, nil)
	ctx := context.Background()

	rec, err := m.Adopt(ctx, Record{MeetingID: "meet-9", CallConnectionID: "cc-9", State: StateRecording})
	require.NoError(t, err)
	assert.Equal(t, StateRecording, rec.State)

	again, err := m.Adopt(ctx, Record{MeetingID: "meet-9", State: StateCreated})
	require.NoError(t, err)
	assert.Equal(t, StateRecording, again.State, "adopt never overrides a known record")

	require.NoError(t, m.End(ctx, "meet-9"))
	waitDrained(t, m)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestGetFallsThroughToStore(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Record{MeetingID: "meet-7", State: StateConnected}))

	m := NewManager(Options{Store: store})
	rec, err := m.Get(ctx, "meet-7")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, rec.State)
}

func TestTriggerFailureAgainstIntelligenceService(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/meetings/meet-1/process", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	m := NewManager(Options{
		PostProcessor: collab.NewIntelligenceService(srv.URL, time.Second, metrics),
		Metrics:       metrics,
	})
	ctx := context.Background()
	_, err := m.Create(ctx, "meet-1", "cc-1")
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, "meet-1"))
	waitDrained(t, m)

	assert.Equal(t, int32(1), hits.Load(), "no automatic retry")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PostProcessTriggers.WithLabelValues("error")))
	rec, err := m.Get(ctx, "meet-1")
	require.NoError(t, err)
	assert.Equal(t, StatePostProcessing, rec.State)
}

func TestCompleteAndSetParticipants(t *testing.T) {
	m, _ := newManager(t, 0, &fakeProcessor{}, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "meet-1", "cc-1")
	require.NoError(t, err)

	require.NoError(t, m.SetParticipants(ctx, "meet-1", []string{"Alice", "Bob"}))
	rec, err := m.Complete(ctx, "meet-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, []string{"Alice", "Bob"}, rec.Participants)
	assert.Contains(t, rec.Metadata, "completed_at")

	_, err = m.UpdateState(ctx, "meet-1", StateEnded, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)
	assert.ErrorIs(t, m.SetParticipants(ctx, "missing", nil), ErrNotFound)
}
