package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func fail() error { return errBackend }
func ok() error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New("test_open", Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Do(fail, nil); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Do(func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New("test_recover", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Do(fail, nil)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if err := cb.Do(ok, nil); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one success, got %s", cb.State())
	}
	if err := cb.Do(ok, nil); err != nil {
		t.Fatalf("second probe should pass: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New("test_reopen", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Do(fail, nil)
	now = now.Add(2 * time.Second)
	_ = cb.Do(fail, nil)
	if cb.State() != StateOpen {
		t.Fatalf("expected reopened, got %s", cb.State())
	}
}

func TestBreaker_IgnoredErrorsCountAsSuccess(t *testing.T) {
	errMiss := errors.New("miss")
	cb := New("test_ignore", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})

	err := cb.Do(func() error { return errMiss }, func(err error) bool { return errors.Is(err, errMiss) })
	if !errors.Is(err, errMiss) {
		t.Fatalf("ignored error should still be returned, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("ignored error must not trip the breaker, got %s", cb.State())
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	m := NewManager(DefaultConfig())
	a := m.GetOrCreate("test_mgr")
	b := m.GetOrCreate("test_mgr")
	if a != b {
		t.Error("expected the same breaker instance")
	}
	if st := m.States()["test_mgr"]; st != StateClosed {
		t.Errorf("expected closed, got %s", st)
	}
}
