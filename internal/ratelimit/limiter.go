package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/emperorhan/tbm-forecaster/internal/metrics"
)

// Limiter enforces a minimum interval between vendor requests. A call made
// too soon after the previous one sleeps for the difference.
type Limiter struct {
	limiter *rate.Limiter
	tbmID   string
}

// NewLimiter allows one request per minInterval with no burst. A
// non-positive interval disables limiting.
func NewLimiter(minInterval time.Duration, tbmID string) *Limiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, 1),
		tbmID:   tbmID,
	}
}

// Wait blocks until the next request may start, or ctx is done.
// Reserve guarantees exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.FetchRateLimitWaits.WithLabelValues(l.tbmID).Inc()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// RecordCall counts one vendor call. status is "ok" or the retry
// classification reason of the failure.
func RecordCall(tbmID, op, status string) {
	metrics.FetchRequestsTotal.WithLabelValues(tbmID, op, status).Inc()
}
