package cache

import (
	"container/list"
	"sync"
	"time"
)

// Seen remembers recently observed keys with a TTL, evicting the least
// recently observed key once full. It answers "have we had this before?"
// for vendor record ids.
type Seen[K comparable] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List // front is most recent
	nowFn    func() time.Time
}

type seenEntry[K comparable] struct {
	key       K
	firstSeen time.Time
	expiresAt time.Time
}

// NewSeen builds a set holding at most capacity keys. ttl <= 0 keeps keys
// until evicted.
func NewSeen[K comparable](capacity int, ttl time.Duration) *Seen[K] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Seen[K]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// WithClock replaces the expiry clock.
func (s *Seen[K]) WithClock(now func() time.Time) *Seen[K] {
	s.nowFn = now
	return s
}

// Observe marks key as seen now. It reports whether key was already present
// and unexpired, and when it was first seen.
func (s *Seen[K]) Observe(key K) (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*seenEntry[K])
		if !s.expired(e, now) {
			s.order.MoveToFront(elem)
			e.expiresAt = s.expiry(now)
			return true, e.firstSeen
		}
		s.remove(elem)
	}

	if s.order.Len() >= s.capacity {
		if oldest := s.order.Back(); oldest != nil {
			s.remove(oldest)
		}
	}
	s.items[key] = s.order.PushFront(&seenEntry[K]{key: key, firstSeen: now, expiresAt: s.expiry(now)})
	return false, now
}

// Len counts stored keys, including expired ones not yet dropped.
func (s *Seen[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *Seen[K]) expiry(now time.Time) time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(s.ttl)
}

func (s *Seen[K]) expired(e *seenEntry[K], now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (s *Seen[K]) remove(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*seenEntry[K]).key)
}
