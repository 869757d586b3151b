package outqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/airlock-go/internal/wire"
)

type recordingSender struct {
	mu      sync.Mutex
	batches [][]wire.Outbound
	fail    []error // consumed in order; nil entries succeed
	block   chan struct{}
	entered chan struct{}
}

func (s *recordingSender) send(ctx context.Context, batch []wire.Outbound) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]wire.Outbound, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	if len(s.fail) > 0 {
		err := s.fail[0]
		s.fail = s.fail[1:]
		return err
	}
	return nil
}

func (s *recordingSender) snapshot() [][]wire.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]wire.Outbound, len(s.batches))
	copy(out, s.batches)
	return out
}

func waitForBatches(t *testing.T, s *recordingSender, n int, timeout time.Duration) [][]wire.Outbound {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		b := s.snapshot()
		if len(b) >= n {
			return b
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d batches, got %d", n, len(b))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ids(batch []wire.Outbound) []int64 {
	out := make([]int64, len(batch))
	for i, m := range batch {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a []int64, b ...int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func poke(id int64) wire.Outbound {
	return wire.NewPoke(id, "zod", "hood", "helm-hi", nil)
}

func TestQueue_BatchesInSubmissionOrder(t *testing.T) {
	t.Parallel()

	s := &recordingSender{}
	q := New(s.send, WithDebounce(20*time.Millisecond))
	defer q.Close()

	for _, id := range []int64{1, 2, 3} {
		if err := q.Enqueue(poke(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	batches := waitForBatches(t, s, 1, time.Second)
	if !equalIDs(ids(batches[0]), 1, 2, 3) {
		t.Fatalf("want [1 2 3] in one batch, got %v", ids(batches[0]))
	}
	time.Sleep(60 * time.Millisecond)
	if got := len(s.snapshot()); got != 1 {
		t.Fatalf("expected exactly one write, got %d", got)
	}
}

func TestQueue_FailedBatchRequeuedInOrder(t *testing.T) {
	t.Parallel()

	s := &recordingSender{fail: []error{errors.New("connection reset")}}
	q := New(s.send, WithDebounce(time.Hour))
	defer q.Close()

	_ = q.Enqueue(poke(1), poke(2), poke(3))

	attempted, err := q.Flush(context.Background())
	if !attempted || err == nil {
		t.Fatalf("expected failed write, got attempted=%v err=%v", attempted, err)
	}
	if got := ids(q.Pending()); !equalIDs(got, 1, 2, 3) {
		t.Fatalf("want [1 2 3] requeued, got %v", got)
	}

	_ = q.Enqueue(poke(4))
	if got := ids(q.Pending()); !equalIDs(got, 1, 2, 3, 4) {
		t.Fatalf("want requeued batch ahead of new messages, got %v", got)
	}

	if _, err := q.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	batches := s.snapshot()
	if len(batches) != 2 || !equalIDs(ids(batches[1]), 1, 2, 3, 4) {
		t.Fatalf("unexpected batches: %v", batches)
	}
	if len(q.Pending()) != 0 {
		t.Fatalf("expected empty buffer")
	}
}

func TestQueue_RetryIsScheduledAfterFailure(t *testing.T) {
	t.Parallel()

	s := &recordingSender{fail: []error{errors.New("boom")}}
	q := New(s.send, WithDebounce(10*time.Millisecond), WithMaxBackoff(50*time.Millisecond))
	defer q.Close()

	_ = q.Enqueue(poke(1))
	batches := waitForBatches(t, s, 2, 2*time.Second)
	if !equalIDs(ids(batches[1]), 1) {
		t.Fatalf("expected retry of [1], got %v", ids(batches[1]))
	}
}

func TestQueue_EmptyFlushIsNoop(t *testing.T) {
	t.Parallel()

	s := &recordingSender{}
	q := New(s.send)
	defer q.Close()

	attempted, err := q.Flush(context.Background())
	if attempted || err != nil {
		t.Fatalf("expected no-op, got attempted=%v err=%v", attempted, err)
	}
	if len(s.snapshot()) != 0 {
		t.Fatalf("expected no writes")
	}
}

func TestQueue_SingleFlight(t *testing.T) {
	t.Parallel()

	s := &recordingSender{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	q := New(s.send, WithDebounce(time.Hour))
	defer q.Close()

	_ = q.Enqueue(poke(1))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Flush(context.Background())
	}()
	<-s.entered

	_ = q.Enqueue(poke(2))
	attempted, err := q.Flush(context.Background())
	if attempted || err != nil {
		t.Fatalf("flush while busy should not write, got attempted=%v err=%v", attempted, err)
	}

	close(s.block)
	<-done

	if _, err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	batches := s.snapshot()
	if len(batches) != 2 || !equalIDs(ids(batches[0]), 1) || !equalIDs(ids(batches[1]), 2) {
		t.Fatalf("unexpected batches: %v", batches)
	}
}

func TestQueue_RetriesExhausted(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := &recordingSender{fail: []error{boom, boom}}
	fatalCh := make(chan error, 1)
	q := New(s.send,
		WithDebounce(time.Hour),
		WithMaxAttempts(2),
		WithOnFatal(func(err error) { fatalCh <- err }),
	)
	defer q.Close()

	_ = q.Enqueue(poke(1))
	_, _ = q.Flush(context.Background())
	_, err := q.Flush(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, boom) {
		t.Fatalf("want exhausted wrapping boom, got %v", err)
	}
	select {
	case got := <-fatalCh:
		if !errors.Is(got, ErrRetriesExhausted) {
			t.Fatalf("unexpected fatal: %v", got)
		}
	default:
		t.Fatalf("expected fatal callback")
	}
}

func TestQueue_Backoff(t *testing.T) {
	q := New(nil, WithDebounce(100*time.Millisecond), WithMaxBackoff(time.Second))
	defer q.Close()

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := q.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: want %v got %v", i+1, w, got)
		}
	}
}

func TestQueue_DrainAndClose(t *testing.T) {
	t.Parallel()

	s := &recordingSender{}
	q := New(s.send, WithDebounce(time.Hour))

	_ = q.Enqueue(poke(1), wire.NewDelete())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	q.Close()

	if err := q.Enqueue(poke(2)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed, got %v", err)
	}
	batches := s.snapshot()
	if len(batches) != 1 || len(batches[0]) != 2 || batches[0][1].Action != wire.ActionDelete {
		t.Fatalf("unexpected batches: %v", batches)
	}
}
