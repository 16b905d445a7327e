package resilience

import (
	"errors"
	"testing"
	"time"
)

func newGroup(t *testing.T, cfg FallbackConfig) *FallbackGroup[string] {
	t.Helper()
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, FallbackConfig{})

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "primary" {
		t.Fatalf("called = %v, want [primary]", called)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, FallbackConfig{})

	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-secondary" {
		t.Fatalf("result = %q, want from-secondary", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, FallbackConfig{})

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want it to wrap the last error", err)
	}
}

func TestFallbackGroup_ShouldFallbackStops(t *testing.T) {
	t.Parallel()
	errFinal := errors.New("final")
	fg := newGroup(t, FallbackConfig{
		ShouldFallback: func(err error) bool { return !errors.Is(err, errFinal) },
	})

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return errFinal
	})
	if err != errFinal {
		t.Fatalf("err = %v, want errFinal unwrapped", err)
	}
	if len(called) != 1 {
		t.Fatalf("called = %v, want only primary", called)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	st := fg.Status()
	if st[0].Name != "primary" || st[0].State != StateOpen {
		t.Fatalf("status[0] = %+v, want primary open", st[0])
	}
	if st[1].State != StateClosed {
		t.Fatalf("status[1] = %+v, want closed", st[1])
	}

	var called []string
	if err := fg.Execute(func(v string) error { called = append(called, v); return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want [secondary]", called)
	}
}

func TestFallbackGroup_AllOpen(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("only", "only", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	_ = fg.Execute(func(string) error { return errTest })

	err := fg.Execute(func(string) error { return nil })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
	if fg.Len() != 1 {
		t.Errorf("Len = %d, want 1", fg.Len())
	}
}
