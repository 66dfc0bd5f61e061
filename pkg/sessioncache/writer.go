package sessioncache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// queueCapacity bounds how many pending writes may lag behind the call.
	queueCapacity = 256

	// writeTimeout caps each drained write so one slow cache operation
	// cannot stall the queue.
	writeTimeout = 2 * time.Second
)

// Writer decouples cache writes from the audio path. Writes are enqueued
// without blocking and drained by a background goroutine; when the queue is
// full the write is dropped and counted instead of back-pressuring audio.
type Writer struct {
	store  Store
	queue  chan func(context.Context) error
	onDrop func()

	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithDropHook registers fn to be called once per dropped write, in addition
// to the Dropped counter. fn must not block.
func WithDropHook(fn func()) WriterOption {
	return func(w *Writer) {
		w.onDrop = fn
	}
}

// NewWriter starts the drain goroutine for store.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store: store,
		queue: make(chan func(context.Context) error, queueCapacity),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.drainLoop()
	return w
}

func (w *Writer) drainLoop() {
	defer close(w.done)
	for op := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := op(ctx); err != nil {
			slog.Warn("session cache write failed", "error", err)
		}
		cancel()
	}
}

// enqueue queues op without blocking. Overflow and post-close writes are
// dropped and counted.
func (w *Writer) enqueue(op func(context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.drop()
		return
	}
	select {
	case w.queue <- op:
	default:
		w.drop()
	}
}

func (w *Writer) drop() {
	w.dropped.Add(1)
	if w.onDrop != nil {
		w.onDrop()
	}
}

// PutCall queues an upsert of the mirrored call state.
func (w *Writer) PutCall(call CallState) {
	w.enqueue(func(ctx context.Context) error {
		return w.store.PutCall(ctx, call)
	})
}

// AppendEntry queues one transcript append for callSID.
func (w *Writer) AppendEntry(callSID string, entry Entry) {
	w.enqueue(func(ctx context.Context) error {
		return w.store.AppendEntry(ctx, callSID, entry)
	})
}

// Dropped returns how many writes were discarded due to overflow.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting writes, drains everything already queued and waits
// for the drain goroutine to exit. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return nil
}
