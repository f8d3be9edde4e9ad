package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/tbm-forecaster/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "default", b.Name())
	assert.Equal(t, 5, b.failureThreshold)
	assert.Equal(t, 1, b.successThreshold)
	assert.Equal(t, 2*time.Minute, b.openTimeout)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Name: "open-test", FailureThreshold: 3, OpenTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "below threshold")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("open-test")))
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Now: newFakeClock().Now})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenOutcome(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{name: "success closes", success: true, want: StateClosed},
		{name: "failure reopens", success: false, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := New(Config{FailureThreshold: 1, OpenTimeout: time.Second, Now: clock.Now})
			b.RecordFailure()
			clock.Advance(time.Second)
			require.NoError(t, b.Allow())

			if tt.success {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreaker_ReopenRestartsCooldown(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions [][2]State
	b := New(Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Second,
		Now:              clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, [2]State{from, to})
		},
	})

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Second)
	_ = b.Allow()
	b.RecordSuccess()

	assert.Equal(t, [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, transitions)
}

func TestBreaker_Do(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Now: newFakeClock().Now})
	boom := errors.New("boom")
	countable := func(err error) bool { return !errors.Is(err, context.Canceled) }

	require.NoError(t, b.Do(func() error { return nil }, countable))

	for i := 0; i < 5; i++ {
		err := b.Do(func() error { return context.Canceled }, countable)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State(), "cancellations are not counted")

	assert.ErrorIs(t, b.Do(func() error { return boom }, countable), boom)
	assert.ErrorIs(t, b.Do(func() error { return boom }, countable), boom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil }, countable)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{FailureThreshold: 100, Now: newFakeClock().Now})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); b.RecordFailure() }()
		go func() { defer wg.Done(); b.RecordSuccess() }()
		go func() { defer wg.Done(); _ = b.Allow() }()
	}
	wg.Wait()
	assert.Contains(t, []State{StateClosed, StateOpen}, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
