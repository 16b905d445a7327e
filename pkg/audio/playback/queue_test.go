package playback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

func waitIdle(t *testing.T, q *playback.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFIFOOrderNoOverlap(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Delay: 5 * time.Millisecond}
	q := playback.New(p)
	defer q.Close()

	for _, s := range []string{"one", "two", "three", "four"} {
		if err := q.Push(playback.Item{Audio: []byte(s), Text: s}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	waitIdle(t, q)

	played := p.Played()
	want := []string{"one", "two", "three", "four"}
	if len(played) != len(want) {
		t.Fatalf("played %d items, want %d", len(played), len(want))
	}
	for i, w := range want {
		if string(played[i]) != w {
			t.Errorf("played[%d] = %q, want %q", i, played[i], w)
		}
	}
	if got := p.MaxConcurrent(); got != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", got)
	}
}

func TestStopAllThenPush(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Hold: true}
	muter := &mock.Muter{}
	q := playback.New(p, playback.WithMuter(muter))
	defer q.Close()

	_ = q.Push(playback.Item{Audio: []byte("a")})
	_ = q.Push(playback.Item{Audio: []byte("b")})
	_ = q.Push(playback.Item{Audio: []byte("c")})
	waitFor(t, func() bool { return len(p.Started()) == 1 })

	if dropped := q.StopAll(); dropped != 3 {
		t.Errorf("StopAll dropped %d, want 3", dropped)
	}
	if muter.Muted() {
		t.Error("microphone still muted after StopAll returned")
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after StopAll, want 0", q.Len())
	}

	_ = q.Push(playback.Item{Audio: []byte("d")})
	waitFor(t, func() bool { return len(p.Started()) == 2 })
	p.Release()
	waitIdle(t, q)

	started := p.Started()
	if len(started) != 2 || string(started[1]) != "d" {
		t.Fatalf("started = %q, want [a d]", started)
	}
	if p.Interrupted() != 1 {
		t.Errorf("Interrupted = %d, want 1", p.Interrupted())
	}
}

func TestStopAllIdleIsNoop(t *testing.T) {
	t.Parallel()

	muter := &mock.Muter{}
	q := playback.New(&mock.Player{}, playback.WithMuter(muter))
	defer q.Close()

	if n := q.StopAll(); n != 0 {
		t.Errorf("StopAll on idle queue = %d, want 0", n)
	}
	if calls := muter.Calls(); len(calls) != 0 {
		t.Errorf("muter calls = %v, want none", calls)
	}
}

func TestMuteGuardReleasedOnEveryPath(t *testing.T) {
	t.Parallel()

	t.Run("natural finish", func(t *testing.T) {
		t.Parallel()
		muter := &mock.Muter{}
		q := playback.New(&mock.Player{}, playback.WithMuter(muter))
		defer q.Close()

		_ = q.Push(playback.Item{Audio: []byte("x")})
		waitIdle(t, q)
		if got := muter.Calls(); len(got) != 2 || !got[0] || got[1] {
			t.Errorf("muter calls = %v, want [true false]", got)
		}
	})

	t.Run("player error", func(t *testing.T) {
		t.Parallel()
		muter := &mock.Muter{}
		q := playback.New(&mock.Player{Err: errors.New("boom")}, playback.WithMuter(muter))
		defer q.Close()

		_ = q.Push(playback.Item{Audio: []byte("x")})
		_ = q.Push(playback.Item{Audio: []byte("y")})
		waitIdle(t, q)
		if muter.Muted() {
			t.Error("still muted after failing items")
		}
	})

	t.Run("close", func(t *testing.T) {
		t.Parallel()
		muter := &mock.Muter{}
		p := &mock.Player{Hold: true}
		q := playback.New(p, playback.WithMuter(muter))

		_ = q.Push(playback.Item{Audio: []byte("x")})
		waitFor(t, func() bool { return len(p.Started()) == 1 })
		_ = q.Close()
		if muter.Muted() {
			t.Error("still muted after Close")
		}
		if err := q.Push(playback.Item{}); !errors.Is(err, playback.ErrClosed) {
			t.Errorf("Push after Close = %v, want ErrClosed", err)
		}
	})
}

func TestHooks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}

	q := playback.New(&mock.Player{},
		playback.WithOnStart(func(it playback.Item) { record("start:" + it.Text) }),
		playback.WithOnFinish(func(it playback.Item, err error) { record("finish:" + it.Text) }),
	)
	defer q.Close()

	_ = q.Push(playback.Item{Audio: []byte{1}, Text: "hi"})
	_ = q.Push(playback.Item{Audio: []byte{2}, Text: "there"})
	waitIdle(t, q)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	})

	want := []string{"start:hi", "finish:hi", "start:there", "finish:there"}
	mu.Lock()
	defer mu.Unlock()
	for i, w := range want {
		if events[i] != w {
			t.Errorf("events[%d] = %q, want %q", i, events[i], w)
		}
	}
}

func TestGapBetweenItems(t *testing.T) {
	t.Parallel()

	p := &mock.Player{}
	q := playback.New(p, playback.WithGap(30*time.Millisecond))
	defer q.Close()

	start := time.Now()
	_ = q.Push(playback.Item{Audio: []byte{1}})
	_ = q.Push(playback.Item{Audio: []byte{2}})
	waitIdle(t, q)

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("two items finished in %v, want at least one 30ms gap", elapsed)
	}
}

func TestWaitIdleContext(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Hold: true}
	q := playback.New(p)
	defer q.Close()

	_ = q.Push(playback.Item{Audio: []byte{1}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitIdle = %v, want DeadlineExceeded", err)
	}
	p.Release()
	waitIdle(t, q)
}
