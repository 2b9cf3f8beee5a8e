package draft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FlushFunc writes the latest value queued for key.
type FlushFunc[V any] func(ctx context.Context, key string, value V) error

type pendingEdit[V any] struct {
	value V
	timer *time.Timer
	seq   uint64
}

// EditQueue coalesces rapid writes per key. Each Enqueue restarts the key's
// timer; when it fires only the last value is written. Writes are serialized
// across keys, so the last value enqueued for a key is also the last one
// written.
type EditQueue[V any] struct {
	mu      sync.Mutex
	delay   time.Duration
	flush   FlushFunc[V]
	pending map[string]*pendingEdit[V]
	seq     uint64
	closed  bool
	logger  zerolog.Logger

	sendMu   sync.Mutex
	inflight sync.WaitGroup
}

// NewEditQueue returns a queue that writes through flush after delay.
func NewEditQueue[V any](delay time.Duration, flush FlushFunc[V], logger zerolog.Logger) *EditQueue[V] {
	return &EditQueue[V]{
		delay:   delay,
		flush:   flush,
		pending: make(map[string]*pendingEdit[V]),
		logger:  logger,
	}
}

// Enqueue replaces any pending value for key and restarts its timer.
func (q *EditQueue[V]) Enqueue(key string, value V) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	seq := q.seq
	if p, ok := q.pending[key]; ok {
		if p.timer.Stop() {
			q.inflight.Done()
		}
		p.value = value
		p.seq = seq
	} else {
		q.pending[key] = &pendingEdit[V]{value: value, seq: seq}
	}
	q.inflight.Add(1)
	q.pending[key].timer = time.AfterFunc(q.delay, func() {
		defer q.inflight.Done()
		q.fire(key, seq)
	})
}

// fire holds sendMu while it claims the value, so a concurrent Flush either
// sees the value still pending or waits for this write to finish.
func (q *EditQueue[V]) fire(key string, seq uint64) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.mu.Lock()
	p, ok := q.pending[key]
	if !ok || p.seq != seq {
		q.mu.Unlock()
		return
	}
	delete(q.pending, key)
	q.mu.Unlock()

	if err := q.flush(context.Background(), key, p.value); err != nil {
		q.logger.Warn().Err(err).Str("key", key).Msg("debounced edit write failed")
	}
}

// take removes and returns pending values, stopping their timers. A stopped
// timer never runs its callback, so its inflight slot is released here.
func (q *EditQueue[V]) take(keys ...string) map[string]V {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]V)
	grab := func(key string, p *pendingEdit[V]) {
		if p.timer.Stop() {
			q.inflight.Done()
		}
		delete(q.pending, key)
		out[key] = p.value
	}
	if len(keys) == 0 {
		for k, p := range q.pending {
			grab(k, p)
		}
		return out
	}
	for _, k := range keys {
		if p, ok := q.pending[k]; ok {
			grab(k, p)
		}
	}
	return out
}

// Flush writes every pending value now, after any timer-driven write that is
// already running. Errors are joined.
func (q *EditQueue[V]) Flush(ctx context.Context) error {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	var errs []error
	for k, v := range q.take() {
		if err := q.flush(ctx, k, v); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// FlushKey writes the pending value of one key now.
func (q *EditQueue[V]) FlushKey(ctx context.Context, key string) error {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	for k, v := range q.take(key) {
		if err := q.flush(ctx, k, v); err != nil {
			return fmt.Errorf("flush %s: %w", k, err)
		}
	}
	return nil
}

// Discard drops the pending value for key without writing it.
func (q *EditQueue[V]) Discard(key string) bool {
	return len(q.take(key)) > 0
}

// Pending reports how many keys have unwritten values.
func (q *EditQueue[V]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close flushes what is pending and refuses further edits.
func (q *EditQueue[V]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	err := q.Flush(ctx)
	q.inflight.Wait()
	return err
}
