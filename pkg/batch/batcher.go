package batch

import (
	"context"
	"sync"
	"time"
)

// ProcessFunc handles one flushed batch.
type ProcessFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to a ProcessFunc when the batch is
// full or the interval elapses. Add never blocks; once maxPending items are
// queued the oldest are dropped.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	maxPending    int
	process       ProcessFunc[T]
	onError       func(err error, items int)

	mu      sync.Mutex
	pending []T
	dropped uint64

	flushChan chan struct{}
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

type Option[T any] func(*Batcher[T])

// WithMaxPending bounds the queue. Zero means 100 batches.
func WithMaxPending[T any](n int) Option[T] {
	return func(b *Batcher[T]) { b.maxPending = n }
}

// WithErrorHandler is called with every failed batch.
func WithErrorHandler[T any](fn func(err error, items int)) Option[T] {
	return func(b *Batcher[T]) { b.onError = fn }
}

// NewBatcher starts the flush loop. Call Stop to flush and exit.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, process ProcessFunc[T], opts ...Option[T]) *Batcher[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		process:       process,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxPending <= 0 {
		b.maxPending = batchSize * 100
	}

	go b.run()

	return b
}

func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	if len(b.pending) >= b.maxPending {
		b.pending = b.pending[1:]
		b.dropped++
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

// Flush processes everything queued so far in batches of batchSize.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	var firstErr error
	for start := 0; start < len(items); start += b.batchSize {
		end := start + b.batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := b.process(ctx, items[start:end]); err != nil {
			if b.onError != nil {
				b.onError(err, end-start)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			_ = b.Flush(context.Background())
			return
		}
	}
}

// Stop flushes remaining items and waits for the loop to exit. It is safe
// to call more than once.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.done
}

func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped is the number of items discarded because the queue was full.
func (b *Batcher[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
