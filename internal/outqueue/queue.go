// Package outqueue batches outbound channel messages into single writes.
//
// Messages are buffered in submission order and flushed after a debounce
// interval. At most one flush is in flight at a time. A failed write puts the
// whole batch back at the front of the buffer, in its original order, and
// schedules a retry with bounded exponential backoff.
package outqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/airlock-go/internal/wire"
)

const (
	DefaultDebounce    = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMaxAttempts = 10

	minRetryBase = 50 * time.Millisecond
	drainPoll    = 10 * time.Millisecond
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrRetriesExhausted wraps the last write error once MaxAttempts
	// consecutive writes have failed.
	ErrRetriesExhausted = errors.New("outbound write retries exhausted")
)

// Sender writes one ordered batch. A nil error means the server accepted the
// batch; outcomes of individual messages arrive elsewhere.
type Sender func(ctx context.Context, batch []wire.Outbound) error

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithDebounce sets the delay between the first enqueue and the flush.
func WithDebounce(d time.Duration) Option {
	return func(q *Queue) { q.debounce = d }
}

// WithMaxBackoff caps the retry delay after failed writes.
func WithMaxBackoff(d time.Duration) Option {
	return func(q *Queue) { q.maxBackoff = d }
}

// WithMaxAttempts bounds consecutive failed writes before the queue gives up
// and reports ErrRetriesExhausted through the fatal callback. Zero retries
// forever.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithOnFatal registers the callback invoked when retries are exhausted.
func WithOnFatal(fn func(error)) Option {
	return func(q *Queue) { q.onFatal = fn }
}

// WithOnFlush registers an observer called after every write attempt.
func WithOnFlush(fn func(batch []wire.Outbound, err error)) Option {
	return func(q *Queue) { q.onFlush = fn }
}

// Queue is safe for concurrent use.
type Queue struct {
	send        Sender
	log         *slog.Logger
	debounce    time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	onFatal     func(error)
	onFlush     func([]wire.Outbound, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	buf      []wire.Outbound
	timer    *time.Timer
	busy     bool
	failures int
	closed   bool
}

// New constructs a Queue writing through send.
func New(send Sender, opts ...Option) *Queue {
	q := &Queue{
		send:        send,
		log:         slog.New(slog.DiscardHandler),
		debounce:    DefaultDebounce,
		maxBackoff:  DefaultMaxBackoff,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Enqueue appends messages in order and arms the debounce timer if no flush
// is already scheduled.
func (q *Queue) Enqueue(msgs ...wire.Outbound) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.buf = append(q.buf, msgs...)
	if q.timer == nil {
		q.scheduleLocked(q.debounce)
	}
	return nil
}

// Pending returns a copy of the messages waiting to be written.
func (q *Queue) Pending() []wire.Outbound {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]wire.Outbound, len(q.buf))
	copy(out, q.buf)
	return out
}

// Flush writes everything currently buffered as one batch. It reports whether
// a write was attempted. A flush requested while another is in flight only
// re-arms the timer.
func (q *Queue) Flush(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.busy {
		if q.timer == nil && !q.closed {
			q.scheduleLocked(q.debounce)
		}
		q.mu.Unlock()
		return false, nil
	}
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	batch := q.buf
	q.buf = nil
	q.busy = true
	q.mu.Unlock()

	err := q.send(ctx, batch)
	if q.onFlush != nil {
		q.onFlush(batch, err)
	}

	q.mu.Lock()
	q.busy = false
	if err != nil {
		// Failed batches go back whole, ahead of anything enqueued meanwhile.
		requeued := make([]wire.Outbound, 0, len(batch)+len(q.buf))
		requeued = append(requeued, batch...)
		q.buf = append(requeued, q.buf...)
		q.failures++
		attempt := q.failures
		if q.maxAttempts > 0 && attempt >= q.maxAttempts {
			q.stopTimerLocked()
			q.mu.Unlock()
			q.log.Error("queue.flush.exhausted", slog.Int("attempts", attempt), slog.String("err", err.Error()))
			fatal := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
			if q.onFatal != nil {
				q.onFatal(fatal)
			}
			return true, fatal
		}
		delay := q.backoff(attempt)
		if !q.closed {
			q.scheduleLocked(delay)
		}
		q.mu.Unlock()
		q.log.Warn("queue.flush.fail",
			slog.Int("messages", len(batch)),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("err", err.Error()))
		return true, err
	}
	q.failures = 0
	if len(q.buf) > 0 && q.timer == nil && !q.closed {
		q.scheduleLocked(q.debounce)
	}
	q.mu.Unlock()
	q.log.Debug("queue.flush.ok", slog.Int("messages", len(batch)))
	return true, nil
}

// Drain flushes until the buffer is empty, a write fails or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, busy := len(q.buf), q.busy
		q.mu.Unlock()
		if n == 0 && !busy {
			return nil
		}
		if !busy {
			if _, err := q.Flush(ctx); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
}

// Close stops scheduled flushes and rejects further messages. Buffered
// messages are discarded; call Drain first to deliver them.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.stopTimerLocked()
	dropped := len(q.buf)
	q.buf = nil
	q.mu.Unlock()
	q.cancel()
	if dropped > 0 {
		q.log.Warn("queue.close.discard", slog.Int("messages", dropped))
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	base := q.debounce
	if base < minRetryBase {
		base = minRetryBase
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	if d > q.maxBackoff {
		return q.maxBackoff
	}
	return d
}

func (q *Queue) scheduleLocked(d time.Duration) {
	q.stopTimerLocked()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		if q.timer != t {
			q.mu.Unlock()
			return
		}
		q.timer = nil
		q.mu.Unlock()
		_, _ = q.Flush(q.ctx)
	})
	q.timer = t
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
