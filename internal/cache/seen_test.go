package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestSeen_Observe(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := NewSeen[int64](10, time.Hour).WithClock(clk.Now)

	seen, first := s.Observe(42)
	assert.False(t, seen)
	assert.Equal(t, clk.now, first)

	clk.now = clk.now.Add(time.Minute)
	seen, first = s.Observe(42)
	assert.True(t, seen)
	assert.Equal(t, clk.now.Add(-time.Minute), first, "first-seen time is kept")
	assert.Equal(t, 1, s.Len())
}

func TestSeen_Expiry(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := NewSeen[string](10, time.Minute).WithClock(clk.Now)

	s.Observe("a")
	clk.now = clk.now.Add(59 * time.Second)
	seen, _ := s.Observe("a")
	assert.True(t, seen, "observing refreshes the ttl")

	clk.now = clk.now.Add(time.Minute)
	seen, _ = s.Observe("a")
	assert.False(t, seen, "expired key counts as new")
	assert.Equal(t, 1, s.Len())
}

func TestSeen_NoTTL(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := NewSeen[int](2, 0).WithClock(clk.Now)
	s.Observe(1)
	clk.now = clk.now.Add(24 * 365 * time.Hour)
	seen, _ := s.Observe(1)
	assert.True(t, seen)
}

func TestSeen_EvictsLeastRecent(t *testing.T) {
	s := NewSeen[int](3, time.Hour)
	s.Observe(1)
	s.Observe(2)
	s.Observe(3)
	s.Observe(1) // refresh 1

	s.Observe(4) // evicts 2
	assert.Equal(t, 3, s.Len())
	for _, k := range []int{1, 3, 4} {
		seen, _ := s.Observe(k)
		assert.True(t, seen, "key %d kept", k)
	}
	seen, _ := s.Observe(2) // evicts 1
	assert.False(t, seen, "least recent key was evicted")
}

func TestSeen_ZeroCapacity(t *testing.T) {
	s := NewSeen[int](0, time.Hour)
	s.Observe(1)
	s.Observe(2)
	assert.Equal(t, 1, s.Len())
	seen, _ := s.Observe(2)
	assert.True(t, seen)
}

func TestSeen_Concurrent(t *testing.T) {
	s := NewSeen[int](64, time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Observe((g * 1000) + i%100)
				s.Len()
			}
		}(g)
	}
	wg.Wait()
	require.LessOrEqual(t, s.Len(), 64)
}
