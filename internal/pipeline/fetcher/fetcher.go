package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/emperorhan/tbm-forecaster/internal/circuitbreaker"
	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/metrics"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/retry"
	"github.com/emperorhan/tbm-forecaster/internal/ratelimit"
	"github.com/emperorhan/tbm-forecaster/internal/tracing"
)

//go:generate mockgen -destination=mocks/mock_querier.go -package=mocks . Querier

// Querier is the vendor wire client.
type Querier interface {
	TBMID() string
	Query(ctx context.Context, begin, end time.Time, limit int) ([]model.RawRecord, error)
}

const (
	OpLatest  = "latest"
	OpHistory = "history"
	OpProbe   = "probe"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryDelay     = time.Second
	defaultLatestLookback = 7 * 24 * time.Hour
)

// FetchError is returned once every attempt of a fetch has failed, or a
// terminal error stopped the attempts early.
type FetchError struct {
	Stage    string
	Attempts int
	Reason   string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s) reason=%s: %v", e.Stage, e.Attempts, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Stats is a point-in-time copy of the fetch counters.
type Stats struct {
	Requests      int64     `json:"total_requests"`
	Successes     int64     `json:"successful_requests"`
	Failures      int64     `json:"failed_requests"`
	Retries       int64     `json:"retries"`
	SuccessRate   float64   `json:"success_rate"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at"`
}

type Config struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	LatestLookback time.Duration
}

// Fetcher wraps the vendor client with rate limiting, retries and a circuit
// breaker.
type Fetcher struct {
	client  Querier
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	tbmID   string

	maxAttempts    int
	retryDelay     time.Duration
	latestLookback time.Duration
	now            func() time.Time
	sleepFn        func(ctx context.Context, d time.Duration) error

	statsMu sync.Mutex
	stats   Stats
}

type Option func(*Fetcher)

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

func WithSleepFn(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleepFn = fn }
}

// New builds a Fetcher. limiter and breaker may be nil.
func New(
	client Querier,
	limiter *ratelimit.Limiter,
	breaker *circuitbreaker.Breaker,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.LatestLookback <= 0 {
		cfg.LatestLookback = defaultLatestLookback
	}
	f := &Fetcher{
		client:         client,
		limiter:        limiter,
		breaker:        breaker,
		logger:         logger.With("component", "fetcher"),
		tbmID:          client.TBMID(),
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		latestLookback: cfg.LatestLookback,
		now:            time.Now,
		sleepFn:        sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FetchLatest returns the newest record in the latest-lookback window.
func (f *Fetcher) FetchLatest(ctx context.Context) (model.RawRecord, error) {
	end := f.now()
	records, err := f.fetch(ctx, OpLatest, end.Add(-f.latestLookback), end, 1)
	if err != nil {
		return model.RawRecord{}, err
	}
	latest := records[0]
	for _, r := range records[1:] {
		if r.ID > latest.ID {
			latest = r
		}
	}
	return latest, nil
}

// FetchHistory returns up to limit records from the last lookback, oldest
// first. Only warm-start uses it.
func (f *Fetcher) FetchHistory(ctx context.Context, lookback time.Duration, limit int) ([]model.RawRecord, error) {
	end := f.now()
	records, err := f.fetch(ctx, OpHistory, end.Add(-lookback), end, limit)
	if err != nil {
		return nil, err
	}
	sorted := make([]model.RawRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted, nil
}

// Probe checks connectivity with a single latest query.
func (f *Fetcher) Probe(ctx context.Context) error {
	end := f.now()
	_, err := f.fetch(ctx, OpProbe, end.Add(-f.latestLookback), end, 1)
	return err
}

func (f *Fetcher) Stats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	s := f.stats
	if s.Requests > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Requests) * 100
	}
	return s
}

func (f *Fetcher) fetch(ctx context.Context, op string, begin, end time.Time, limit int) ([]model.RawRecord, error) {
	ctx, span := tracing.Tracer("fetcher").Start(ctx, "fetcher."+op,
		otelTrace.WithAttributes(
			attribute.String("tbm_id", f.tbmID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.FetchLatency.WithLabelValues(f.tbmID, op).Observe(time.Since(start).Seconds())
	}()

	var records []model.RawRecord
	call := func() error {
		var err error
		records, err = f.fetchWithRetry(ctx, op, begin, end, limit)
		return err
	}
	var err error
	if f.breaker == nil {
		err = call()
	} else {
		// One outcome per fetch; a cancelled context says nothing about the vendor.
		err = f.breaker.Do(call, func(err error) bool { return !errors.Is(err, context.Canceled) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			f.recordRejected(err)
			err = &FetchError{Stage: op, Reason: "circuit_open", Err: err}
		}
	}
	if err != nil {
		metrics.FetchErrors.WithLabelValues(f.tbmID, op).Inc()
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, op string, begin, end time.Time, limit int) ([]model.RawRecord, error) {
	stage := "fetcher." + op
	var lastErr error
	lastDecision := retry.Decision{Class: retry.ClassTerminal, Reason: "unset"}

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, &FetchError{Stage: op, Attempts: attempt - 1, Reason: "context_canceled", Err: err}
			}
		}

		records, err := f.client.Query(ctx, begin, end, limit)
		f.recordRequest(err)
		if err == nil {
			ratelimit.RecordCall(f.tbmID, op, "ok")
			return records, nil
		}
		lastErr = err
		lastDecision = retry.Classify(err)
		ratelimit.RecordCall(f.tbmID, op, lastDecision.Reason)

		if ctx.Err() != nil {
			return nil, &FetchError{Stage: op, Attempts: attempt, Reason: "context_canceled", Err: ctx.Err()}
		}
		if !lastDecision.IsTransient() {
			return nil, &FetchError{Stage: op, Attempts: attempt, Reason: lastDecision.Reason, Err: err}
		}
		if attempt == f.maxAttempts {
			break
		}

		f.logger.Warn("vendor fetch failed; retrying",
			"stage", stage,
			"classification", lastDecision.Class,
			"classification_reason", lastDecision.Reason,
			"attempt", attempt,
			"max_attempts", f.maxAttempts,
			"delay", f.retryDelay,
			"error", err,
		)
		metrics.FetchRetriesTotal.WithLabelValues(f.tbmID, op).Inc()
		f.recordRetry()

		if sleepErr := f.sleepFn(ctx, f.retryDelay); sleepErr != nil {
			return nil, &FetchError{Stage: op, Attempts: attempt, Reason: "context_canceled", Err: sleepErr}
		}
	}

	return nil, &FetchError{Stage: op, Attempts: f.maxAttempts, Reason: lastDecision.Reason, Err: lastErr}
}

func (f *Fetcher) recordRequest(err error) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	f.stats.Requests++
	if err == nil {
		f.stats.Successes++
		f.stats.LastSuccessAt = f.now()
		return
	}
	f.stats.Failures++
	f.stats.LastError = err.Error()
	f.stats.LastErrorAt = f.now()
}

func (f *Fetcher) recordRejected(err error) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	f.stats.LastError = err.Error()
	f.stats.LastErrorAt = f.now()
}

func (f *Fetcher) recordRetry() {
	f.statsMu.Lock()
	f.stats.Retries++
	f.statsMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
