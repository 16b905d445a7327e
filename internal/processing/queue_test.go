package processing_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/processing"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

// Flood the queue and check that processing intervals never overlap and
// follow enqueue order.
func TestFloodIsSequential(t *testing.T) {
	t.Parallel()

	type span struct {
		item       int
		start, end time.Time
	}
	var (
		mu       sync.Mutex
		spans    []span
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)

	q := processing.New(func(ctx context.Context, n int) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxSeen.Load()
			if cur <= m || maxSeen.CompareAndSwap(m, cur) {
				break
			}
		}
		start := time.Now()
		time.Sleep(time.Millisecond)
		mu.Lock()
		spans = append(spans, span{item: n, start: start, end: time.Now()})
		mu.Unlock()
		return nil
	})
	defer q.Close()

	const n = 50
	for i := range n {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(spans) == n
	})

	if got := maxSeen.Load(); got != 1 {
		t.Errorf("max in flight = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range spans {
		if spans[i].item != i {
			t.Errorf("spans[%d].item = %d, want FIFO order", i, spans[i].item)
		}
		if i > 0 && spans[i].start.Before(spans[i-1].end) {
			t.Errorf("item %d started before item %d finished", spans[i].item, spans[i-1].item)
		}
	}
}

func TestErrorDoesNotStall(t *testing.T) {
	t.Parallel()

	var processed atomic.Int32
	var errs atomic.Int32
	q := processing.New(func(ctx context.Context, n int) error {
		processed.Add(1)
		if n%2 == 0 {
			return errors.New("boom")
		}
		return nil
	}, processing.WithOnError(func(n int, err error) { errs.Add(1) }))
	defer q.Close()

	for i := range 6 {
		_ = q.Enqueue(i)
	}
	waitFor(t, func() bool { return processed.Load() == 6 })
	waitFor(t, func() bool { return errs.Load() == 3 })
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	var processed atomic.Int32
	q := processing.New(func(ctx context.Context, n int) error {
		processed.Add(1)
		if n == 0 {
			panic("bad item")
		}
		return nil
	})
	defer q.Close()

	_ = q.Enqueue(0)
	_ = q.Enqueue(1)
	waitFor(t, func() bool { return processed.Load() == 2 })
}

func TestResetInvalidatesBacklog(t *testing.T) {
	t.Parallel()

	started := make(chan int, 10)
	var reported atomic.Int32
	q := processing.New(func(ctx context.Context, n int) error {
		started <- n
		<-ctx.Done()
		return ctx.Err()
	}, processing.WithOnError(func(int, error) { reported.Add(1) }))
	defer q.Close()

	_ = q.Enqueue(1)
	_ = q.Enqueue(2)
	_ = q.Enqueue(3)
	if got := <-started; got != 1 {
		t.Fatalf("first item = %d, want 1", got)
	}

	if dropped := q.Reset(); dropped != 2 {
		t.Errorf("Reset dropped %d, want 2", dropped)
	}
	waitFor(t, func() bool { return !q.Active() })

	_ = q.Enqueue(4)
	if got := <-started; got != 4 {
		t.Errorf("next item = %d, want 4", got)
	}
	if reported.Load() != 0 {
		t.Errorf("cancellation reported as error %d times", reported.Load())
	}
}

func TestPreempt(t *testing.T) {
	t.Parallel()

	started := make(chan int, 10)
	q := processing.New(func(ctx context.Context, n int) error {
		started <- n
		if n == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	defer q.Close()

	_ = q.Enqueue(1)
	_ = q.Enqueue(2)
	<-started

	if err := q.Preempt(9); err != nil {
		t.Fatalf("Preempt: %v", err)
	}
	if got := <-started; got != 9 {
		t.Errorf("after preempt ran %d, want 9", got)
	}
	waitFor(t, func() bool { return !q.Active() && q.Len() == 0 })
	select {
	case n := <-started:
		t.Errorf("dropped item %d still ran", n)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	q := processing.New(func(ctx context.Context, n int) error {
		<-ctx.Done()
		return nil
	})
	_ = q.Enqueue(1)
	waitFor(t, q.Active)

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := q.Enqueue(2); !errors.Is(err, processing.ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}
