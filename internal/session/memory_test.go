package session

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	if err := s.Put(ctx, "s1", "k", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, ok, err := s.Get(ctx, "s1", "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get = %q %v %v", v, ok, err)
	}

	// Replace.
	_ = s.Put(ctx, "s1", "k", []byte("v2"))
	v, _, _ = s.Get(ctx, "s1", "k")
	if string(v) != "v2" {
		t.Errorf("expected v2, got %q", v)
	}

	// Scoped per session.
	if _, ok, _ := s.Get(ctx, "s2", "k"); ok {
		t.Error("value leaked across sessions")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	in := []byte("abc")
	_ = s.Put(ctx, "s1", "k", in)
	in[0] = 'X'

	out, _, _ := s.Get(ctx, "s1", "k")
	if string(out) != "abc" {
		t.Errorf("stored value mutated through caller slice: %q", out)
	}
	out[0] = 'Y'
	again, _, _ := s.Get(ctx, "s1", "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
}

func TestMemoryStore_ForgetIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	_ = s.Put(ctx, "s1", "k", []byte("v"))

	for i := 0; i < 2; i++ {
		if err := s.Forget(ctx, "s1", "k"); err != nil {
			t.Fatalf("Forget #%d failed: %v", i, err)
		}
	}
	if _, ok, _ := s.Get(ctx, "s1", "k"); ok {
		t.Error("value survived Forget")
	}
	if err := s.Forget(ctx, "missing", "k"); err != nil {
		t.Errorf("Forget on unknown session: %v", err)
	}
}

func TestMemoryStore_IdleExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10 * time.Second)
	now := time.Unix(1000, 0)
	s.nowFunc = func() time.Time { return now }

	_ = s.Touch(ctx, "s1")
	_ = s.Put(ctx, "s1", "k", []byte("v"))

	now = now.Add(8 * time.Second)
	if live, _ := s.Exists(ctx, "s1"); !live {
		t.Fatal("session expired too early")
	}
	_ = s.Touch(ctx, "s1") // slides TTL to t=1018

	now = now.Add(8 * time.Second)
	if live, _ := s.Exists(ctx, "s1"); !live {
		t.Fatal("touch did not extend TTL")
	}

	now = now.Add(3 * time.Second)
	if live, _ := s.Exists(ctx, "s1"); live {
		t.Fatal("session should have expired")
	}
	if _, ok, _ := s.Get(ctx, "s1", "k"); ok {
		t.Error("value survived session expiry")
	}
}

func TestMemoryStore_CapacityEvictsLRU(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStoreWithCapacity(time.Minute, 2)

	_ = s.Touch(ctx, "a")
	_ = s.Touch(ctx, "b")
	_ = s.Touch(ctx, "a") // a is now most recent
	_ = s.Touch(ctx, "c") // evicts b

	if s.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", s.Len())
	}
	if live, _ := s.Exists(ctx, "b"); live {
		t.Error("expected b to be evicted")
	}
	if live, _ := s.Exists(ctx, "a"); !live {
		t.Error("expected a to survive")
	}
}

func TestMemoryStore_Destroy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	_ = s.Put(ctx, "s1", "k", []byte("v"))
	_ = s.Destroy(ctx, "s1")
	if live, _ := s.Exists(ctx, "s1"); live {
		t.Error("session survived Destroy")
	}
}
