package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/emperorhan/tbm-forecaster/internal/metrics"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
	defaultRPS      = 5
)

// budget is the token bucket shape for one group of endpoints.
type budget struct {
	name  string
	path  string // prefix; "" matches every path
	rps   rate.Limit
	burst int
}

func (b budget) matches(r *http.Request) bool {
	if b.path == "" {
		return true
	}
	return r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, b.path)
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware throttles API readers per budget and client IP.
// Dashboards poll the forecast every few seconds; the window and history
// endpoints return larger bodies and get a tighter budget.
type RateLimitMiddleware struct {
	budgets []budget // last entry is the catch-all
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	buckets map[string]*clientBucket // "budget|clientIP"

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts a goroutine that sweeps idle buckets; call
// Stop to release it. rps is the per-client rate of the cheap endpoints.
func NewRateLimitMiddleware(logger *slog.Logger, rps float64) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if rps <= 0 {
		rps = defaultRPS
	}
	rl := &RateLimitMiddleware{
		budgets: []budget{
			{name: "history", path: "/api/v1/forecast/history", rps: rate.Limit(rps / 5), burst: 2},
			{name: "window", path: "/api/v1/window", rps: rate.Limit(rps / 2), burst: 3},
			{name: "default", rps: rate.Limit(rps), burst: max(1, int(rps*4))},
		},
		logger:  logger.With("component", "admin_ratelimit"),
		nowFunc: time.Now,
		buckets: make(map[string]*clientBucket),
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-staleLimiterTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// LimiterCount is the number of tracked budget/client pairs.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Wrap rejects over-budget requests with 429 before they reach next.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := rl.budgetFor(r)
		client := extractClientIP(r)

		if !rl.bucket(b, client).Allow() {
			metrics.APIRequestsThrottled.WithLabelValues(b.name).Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Debug("api rate limit exceeded",
				"budget", b.name,
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", client,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) budgetFor(r *http.Request) budget {
	for _, b := range rl.budgets {
		if b.matches(r) {
			return b
		}
	}
	return rl.budgets[len(rl.budgets)-1]
}

func (rl *RateLimitMiddleware) bucket(b budget, client string) *rate.Limiter {
	key := b.name + "|" + client
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cb, ok := rl.buckets[key]; ok {
		cb.lastSeen = now
		return cb.limiter
	}
	cb := &clientBucket{limiter: rate.NewLimiter(b.rps, b.burst), lastSeen: now}
	rl.buckets[key] = cb
	return cb.limiter
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the socket peer.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
