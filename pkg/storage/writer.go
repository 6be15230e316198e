package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vjranagit/heartwatch/pkg/types"
)

var (
	// ErrQueueFull is returned when the writer cannot accept another operation
	ErrQueueFull = errors.New("writer queue full")

	// ErrWriterClosed is returned after Close
	ErrWriterClosed = errors.New("writer closed")
)

// ReadFunc receives the result of a queued MostRecent read
type ReadFunc func(sample types.Sample, ok bool, err error)

type op struct {
	mutation *Mutation
	read     ReadFunc
	barrier  chan struct{}
}

// WriterStats counts operations applied by the writer
type WriterStats struct {
	Applied uint64
	Failed  uint64
	Pending int
}

// Writer applies store operations one at a time in submission order.
//
// Submission never blocks. A DeleteAll submitted before an Insert always
// completes before it, and a MostRecent read observes every mutation
// submitted ahead of it. An attached journal is truncated each time the
// queue drains, so it only ever holds mutations not yet handled.
type Writer struct {
	store  SampleStore
	wal    *WAL
	logger *slog.Logger
	ops    chan op
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	applied atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter starts a writer over store. wal may be nil.
func NewWriter(store SampleStore, wal *WAL, queueSize int, logger *slog.Logger) *Writer {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Writer{
		store:  store,
		wal:    wal,
		logger: logger,
		ops:    make(chan op, queueSize),
		done:   make(chan struct{}),
	}

	go w.run()

	return w
}

// Insert queues an insert-if-absent of sample
func (w *Writer) Insert(sample types.Sample) error {
	return w.submit(op{mutation: &Mutation{Kind: MutationInsert, Sample: &sample}})
}

// DeleteAll queues removal of every sample
func (w *Writer) DeleteAll() error {
	return w.submit(op{mutation: &Mutation{Kind: MutationDeleteAll}})
}

// MostRecent queues a read of the most recent sample; fn runs on the
// writer goroutine
func (w *Writer) MostRecent(fn ReadFunc) error {
	return w.submit(op{read: fn})
}

// Wait blocks until every operation submitted before it has been applied
func (w *Writer) Wait(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := w.submit(op{barrier: barrier}); err != nil {
		return err
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns operation counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Applied: w.applied.Load(),
		Failed:  w.failed.Load(),
		Pending: len(w.ops),
	}
}

// submit journals and enqueues o. Holding mu across both keeps journal
// order equal to queue order.
func (w *Writer) submit(o op) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	// Only run drains ops, so spare capacity seen here cannot vanish
	if len(w.ops) == cap(w.ops) {
		return ErrQueueFull
	}

	if o.mutation != nil && w.wal != nil {
		if err := w.wal.Append(*o.mutation); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}

	w.ops <- o
	return nil
}

func (w *Writer) run() {
	defer close(w.done)

	ctx := context.Background()
	for o := range w.ops {
		switch {
		case o.barrier != nil:
			// Waiters see the journal already trimmed
			w.checkpoint()
			close(o.barrier)
			continue
		case o.read != nil:
			sample, ok, err := w.store.MostRecent(ctx)
			if err != nil {
				w.failed.Add(1)
				w.logger.Error("most recent read failed", "error", err)
			} else {
				w.applied.Add(1)
			}
			o.read(sample, ok, err)
		default:
			if err := Apply(ctx, w.store, *o.mutation); err != nil {
				w.failed.Add(1)
				w.logger.Error("store mutation failed", "op", o.mutation.Kind, "error", err)
			} else {
				w.applied.Add(1)
			}
		}

		w.checkpoint()
	}
}

// checkpoint truncates the journal when the queue is empty. Submitters hold
// mu while journaling and enqueueing, so an empty queue under mu means every
// journaled mutation has been handled.
func (w *Writer) checkpoint() {
	if w.wal == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || len(w.ops) > 0 {
		return
	}
	if err := w.wal.Truncate(); err != nil {
		w.logger.Warn("journal checkpoint failed", "error", err)
	}
}

// Close stops accepting operations, drains the queue and removes the
// journal, since everything in it has now been applied
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()

	<-w.done

	if w.wal != nil {
		return w.wal.Remove()
	}
	return nil
}

// Apply performs a single mutation against store
func Apply(ctx context.Context, store SampleStore, m Mutation) error {
	switch m.Kind {
	case MutationInsert:
		if m.Sample == nil {
			return fmt.Errorf("insert mutation without sample")
		}
		return store.Insert(ctx, *m.Sample)
	case MutationDeleteAll:
		return store.DeleteAll(ctx)
	default:
		return fmt.Errorf("unknown mutation %q", m.Kind)
	}
}
