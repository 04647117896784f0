package rate

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// ---- SlidingWindow Tests ----

func TestSlidingWindow_Basic(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindow(5)

	// Mock time: Start at T=100
	now := int64(100)
	sw.nowFunc = func() int64 { return now }

	for i := 0; i < 5; i++ {
		res, err := sw.Allow(ctx, "ip1")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d denied: %+v %v", i+1, res, err)
		}
		if res.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 4-i, res.Remaining)
		}
	}

	res, _ := sw.Allow(ctx, "ip1")
	if res.Allowed {
		t.Fatal("6th request within a minute should be denied")
	}
	// Everything was counted at T=100, which leaves the window at T=160.
	if res.RetryAfter != 60*time.Second {
		t.Errorf("expected retry after 60s, got %v", res.RetryAfter)
	}

	// Keys are independent.
	if res, _ := sw.Allow(ctx, "ip2"); !res.Allowed {
		t.Error("other key should not be limited")
	}
}

func TestSlidingWindow_Slides(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindow(3)
	now := int64(100)
	sw.nowFunc = func() int64 { return now }

	sw.Allow(ctx, "k") // T=100
	now = 130
	sw.Allow(ctx, "k") // T=130
	sw.Allow(ctx, "k") // T=130

	now = 159
	res, _ := sw.Allow(ctx, "k")
	if res.Allowed {
		t.Fatal("window [100,159] already holds 3 events")
	}
	// T=100 leaves at T=160.
	if res.RetryAfter != time.Second {
		t.Errorf("expected retry after 1s, got %v", res.RetryAfter)
	}

	now = 160
	res, _ = sw.Allow(ctx, "k")
	if !res.Allowed {
		t.Fatal("T=100 event should have left the window")
	}
	if res.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", res.Remaining)
	}

	// A long pause clears everything.
	now = 1000
	res, _ = sw.Allow(ctx, "k")
	if !res.Allowed || res.Remaining != 2 {
		t.Errorf("expected fresh window, got %+v", res)
	}
}

func TestSlidingWindow_DeniedNotCounted(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindow(1)
	now := int64(100)
	sw.nowFunc = func() int64 { return now }

	sw.Allow(ctx, "k")
	for i := 0; i < 10; i++ {
		now++
		sw.Allow(ctx, "k")
	}
	// Only the T=100 event counts, so T=160 is allowed again.
	now = 160
	if res, _ := sw.Allow(ctx, "k"); !res.Allowed {
		t.Error("denied requests must not extend the window")
	}
}

func TestSlidingWindow_LRU(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindowWithCapacity(1, 2)
	now := int64(100)
	sw.nowFunc = func() int64 { return now }

	sw.Allow(ctx, "k1")
	sw.Allow(ctx, "k2")
	sw.Allow(ctx, "k3") // evicts k1

	if sw.lru.Len() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", sw.lru.Len())
	}
	if _, ok := sw.items["k1"]; ok {
		t.Error("expected k1 to be evicted")
	}
	// k1 starts over after eviction.
	if res, _ := sw.Allow(ctx, "k1"); !res.Allowed {
		t.Error("evicted key should start with an empty window")
	}
}

func TestSlidingWindow_ManyKeys(t *testing.T) {
	ctx := context.Background()
	sw := NewSlidingWindowWithCapacity(1, 100)
	for i := 0; i < 1000; i++ {
		sw.Allow(ctx, fmt.Sprintf("ip-%d", i))
	}
	if sw.lru.Len() > 100 {
		t.Errorf("capacity exceeded: %d", sw.lru.Len())
	}
}
