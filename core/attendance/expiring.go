package attendance

import (
	"sort"
	"sync"
	"time"
)

type (
	// ExpiringSet is a set of keys that drop out on their own after a TTL.
	ExpiringSet struct {
		ttl time.Duration

		mu     sync.Mutex
		items  map[string]*expiringEntry
		closed bool
	}

	expiringEntry struct {
		timer *time.Timer
	}
)

func NewExpiringSet(ttl time.Duration) *ExpiringSet {
	return &ExpiringSet{ttl: ttl, items: make(map[string]*expiringEntry)}
}

// Add inserts key, or restarts its TTL when already present.
func (s *ExpiringSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.items[key]; ok {
		old.timer.Stop()
	}
	e := new(expiringEntry)
	e.timer = time.AfterFunc(s.ttl, func() { s.expire(key, e) })
	s.items[key] = e
}

func (s *ExpiringSet) expire(key string, e *expiringEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[key] == e {
		delete(s.items, key)
	}
}

func (s *ExpiringSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

func (s *ExpiringSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Keys returns the live keys, sorted.
func (s *ExpiringSet) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every key and stops their timers.
func (s *ExpiringSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

func (s *ExpiringSet) clear() {
	for k, e := range s.items {
		e.timer.Stop()
		delete(s.items, k)
	}
}

// Close clears the set for good: later Adds are ignored.
func (s *ExpiringSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	s.closed = true
}
