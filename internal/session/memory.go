package session

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process with an idle TTL and bounded
// cardinality via LRU. It suits a single gate instance.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]*list.Element
	lru     *list.List // front = most recently used
	ttl     time.Duration
	cap     int
	nowFunc func() time.Time
}

type memEntry struct {
	sid       string
	values    map[string][]byte
	expiresAt time.Time
}

// NewMemoryStore creates a store with default capacity (100k sessions).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return NewMemoryStoreWithCapacity(ttl, 100_000)
}

func NewMemoryStoreWithCapacity(ttl time.Duration, capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &MemoryStore{
		data:    make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		ttl:     ttl,
		cap:     capacity,
		nowFunc: time.Now,
	}
}

// live returns the entry for sid, purging it if expired. Caller holds mu.
func (s *MemoryStore) live(sid string, now time.Time) *memEntry {
	el, ok := s.data[sid]
	if !ok {
		return nil
	}
	en := el.Value.(*memEntry)
	if now.After(en.expiresAt) {
		delete(s.data, sid)
		s.lru.Remove(el)
		return nil
	}
	return en
}

// ensure returns a live entry for sid, creating it and evicting the LRU tail
// when full. Caller holds mu.
func (s *MemoryStore) ensure(sid string, now time.Time) *memEntry {
	if en := s.live(sid, now); en != nil {
		en.expiresAt = now.Add(s.ttl)
		s.lru.MoveToFront(s.data[sid])
		return en
	}
	if s.lru.Len() >= s.cap {
		if back := s.lru.Back(); back != nil {
			old := back.Value.(*memEntry)
			delete(s.data, old.sid)
			s.lru.Remove(back)
		}
	}
	en := &memEntry{sid: sid, values: make(map[string][]byte), expiresAt: now.Add(s.ttl)}
	s.data[sid] = s.lru.PushFront(en)
	return en
}

func (s *MemoryStore) Get(_ context.Context, sid, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	en := s.live(sid, s.nowFunc())
	if en == nil {
		return nil, false, nil
	}
	v, ok := en.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *MemoryStore) Put(_ context.Context, sid, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(sid, s.nowFunc()).values[key] = cp
	return nil
}

func (s *MemoryStore) Forget(_ context.Context, sid, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if en := s.live(sid, s.nowFunc()); en != nil {
		delete(en.values, key)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, sid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(sid, s.nowFunc()) != nil, nil
}

func (s *MemoryStore) Touch(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(sid, s.nowFunc())
	return nil
}

func (s *MemoryStore) Destroy(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[sid]; ok {
		delete(s.data, sid)
		s.lru.Remove(el)
	}
	return nil
}

// Len reports the number of tracked sessions, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
