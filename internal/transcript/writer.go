package transcript

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/session"
)

// DefaultInterval is the number of new entries that triggers a flush.
const DefaultInterval = 5

// Source is the transcript owner a Writer reads from.
type Source interface {
	ID() string
	MeetingID() string
	TranscriptLen() int
	TranscriptSince(from int) []session.TranscriptEntry
}

type flush struct {
	key   string
	batch collab.TranscriptBatch
}

// Writer flushes one session's transcript through a Sink. Batches are sent
// by a single goroutine in the order they were cut, so a slow collaborator
// never blocks the relay and never reorders entries.
type Writer struct {
	src      Source
	sink     Sink
	interval int
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu        sync.Mutex
	persisted int
	closed    bool
	queue     chan flush
	done      chan struct{}
	startOnce sync.Once
}

func NewWriter(src Source, sink Sink, interval int, logger *zap.Logger, metrics *observability.Metrics) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		src:      src,
		sink:     sink,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan flush, 64),
		done:     make(chan struct{}),
	}
}

// Start launches the delivery goroutine. Calling it more than once is a no-op.
func (w *Writer) Start() {
	w.startOnce.Do(func() { go w.run() })
}

// Observe cuts a batch once at least interval entries have accumulated since
// the last cut. It reports whether a batch was queued.
func (w *Writer) Observe() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	n := w.src.TranscriptLen()
	if n-w.persisted < w.interval {
		return false
	}
	w.enqueueLocked(n, false)
	return true
}

// Close queues the final batch, which is sent even when it carries no new
// entries, and waits for every queued batch to be delivered or for ctx to
// expire.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.enqueueLocked(w.src.TranscriptLen(), true)
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	w.Start()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Persisted is the number of entries handed to the sink so far.
func (w *Writer) Persisted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.persisted
}

func (w *Writer) enqueueLocked(upTo int, final bool) {
	entries := w.src.TranscriptSince(w.persisted)
	if len(entries) > upTo-w.persisted {
		entries = entries[:upTo-w.persisted]
	}
	key := w.src.MeetingID()
	if key == "" {
		key = w.src.ID()
	}
	w.persisted = upTo
	// Blocks only while 64 batches are still undelivered.
	w.queue <- flush{
		key: key,
		batch: collab.TranscriptBatch{
			Entries:   entries,
			SessionID: w.src.ID(),
			IsFinal:   final,
		},
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for f := range w.queue {
		kind := "cadence"
		if f.batch.IsFinal {
			kind = "final"
		}
		err := w.sink.Persist(context.Background(), f.key, f.batch)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			w.logger.Warn("transcript flush failed",
				zap.String("kind", kind),
				zap.String("key", f.key),
				zap.Int("entries", len(f.batch.Entries)),
				zap.Error(err),
			)
		} else {
			w.logger.Debug("transcript flushed",
				zap.String("kind", kind),
				zap.String("key", f.key),
				zap.Int("entries", len(f.batch.Entries)),
			)
		}
		if w.metrics != nil {
			w.metrics.TranscriptFlushes.WithLabelValues(kind, outcome).Inc()
		}
	}
}
