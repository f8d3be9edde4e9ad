package memory

import (
	"context"
	"sync"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
)

const defaultCapacity = 1440

// Store keeps the latest result and a bounded history in process memory. It
// backs the admin API and is always configured.
type Store struct {
	capacity int

	mu      sync.RWMutex
	history []event.Result // ring, oldest at head
	head    int
	size    int
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{capacity: capacity, history: make([]event.Result, capacity)}
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Publish(_ context.Context, r event.Result) error {
	r = r.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.head + s.size) % s.capacity
	s.history[idx] = r
	if s.size < s.capacity {
		s.size++
	} else {
		s.head = (s.head + 1) % s.capacity
	}
	return nil
}

// Latest returns the newest published result.
func (s *Store) Latest() (event.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return event.Result{}, false
	}
	return s.history[(s.head+s.size-1)%s.capacity].Clone(), true
}

// History returns up to limit results, newest first. limit <= 0 means all.
func (s *Store) History(limit int) []event.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]event.Result, 0, limit)
	for k := 0; k < limit; k++ {
		out = append(out, s.history[(s.head+s.size-1-k)%s.capacity].Clone())
	}
	return out
}
