package rate

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

/*
Package rate limits handshake endpoint calls per client:
  1) SlidingWindow: bounded-memory, per-key sliding window in process
  2) RedisLimiter: the same window shared across gate instances

Both count in one-minute windows; limits are per minute.
*/

var (
	// ErrRateLimited is returned by callers that surface a denied Result as an error.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnavailable wraps limiter backend failures.
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// Result of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter counts one event for key and reports whether it fits the limit.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// =========================
// Sliding window (bounded LRU)
// =========================

const windowSec = 60

type SlidingWindow struct {
	mu      sync.Mutex
	limit   int
	cap     int // max keys to retain
	items   map[string]*list.Element
	lru     *list.List   // front = most recently used
	nowFunc func() int64 // for tests; defaults to time.Now().Unix()
}

type windowEntry struct {
	key     string
	lastSec int64             // last updated second
	buckets [windowSec]uint16 // counts per second; last bucket is lastSec
}

// NewSlidingWindow creates a 10k-capacity limiter allowing limit events per minute.
func NewSlidingWindow(limit int) *SlidingWindow {
	return NewSlidingWindowWithCapacity(limit, 10000)
}

// NewSlidingWindowWithCapacity creates a bounded limiter.
func NewSlidingWindowWithCapacity(limit, capacity int) *SlidingWindow {
	if limit <= 0 {
		limit = 60
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &SlidingWindow{
		limit:   limit,
		cap:     capacity,
		items:   make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		nowFunc: func() int64 { return time.Now().Unix() },
	}
}

// Allow records an event for key unless the last minute already holds limit
// events. Denied events are not counted. It is O(window) per call.
func (s *SlidingWindow) Allow(_ context.Context, key string) (Result, error) {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Evicting live keys resets their windows, so make key explosion visible.
	if n := s.lru.Len(); n > s.cap*90/100 && n%100 == 0 {
		log.Warn().Int("entries", n).Int("capacity", s.cap).Msg("rate limiter approaching capacity")
	}

	el, ok := s.items[key]
	if !ok {
		if s.lru.Len() >= s.cap {
			if back := s.lru.Back(); back != nil {
				delete(s.items, back.Value.(*windowEntry).key)
				s.lru.Remove(back)
			}
		}
		el = s.lru.PushFront(&windowEntry{key: key, lastSec: now})
		s.items[key] = el
	} else {
		s.lru.MoveToFront(el)
	}
	en := el.Value.(*windowEntry)
	advance(en, now)

	sum := 0
	for _, c := range en.buckets {
		sum += int(c)
	}
	if sum >= s.limit {
		return Result{Allowed: false, RetryAfter: retryAfter(en)}, nil
	}
	if en.buckets[windowSec-1] < 65535 {
		en.buckets[windowSec-1]++
	}
	return Result{Allowed: true, Remaining: s.limit - sum - 1}, nil
}

// advance shifts the second-buckets forward to catch up with now.
func advance(en *windowEntry, now int64) {
	if now <= en.lastSec {
		return
	}
	diff := now - en.lastSec
	en.lastSec = now
	if diff >= windowSec {
		en.buckets = [windowSec]uint16{}
		return
	}
	shift := int(diff)
	copy(en.buckets[:], en.buckets[shift:])
	for i := windowSec - shift; i < windowSec; i++ {
		en.buckets[i] = 0
	}
}

// retryAfter is the time until the oldest counted second leaves the window.
func retryAfter(en *windowEntry) time.Duration {
	for i, c := range en.buckets {
		if c > 0 {
			return time.Duration(i+1) * time.Second
		}
	}
	return time.Second
}
