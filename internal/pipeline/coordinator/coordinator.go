package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/metrics"
	"github.com/emperorhan/tbm-forecaster/internal/tracing"
)

// EveryTick disables the wall-clock gate.
const EveryTick = -1

const (
	DefaultInterval    = time.Second
	DefaultFetchSecond = 10
)

// Stepper runs one pipeline iteration. *pipeline.Pipeline satisfies it.
type Stepper interface {
	TBMID() string
	Step(ctx context.Context, now time.Time) (event.Result, error)
}

// panicRecorder lets the stepper count a recovered panic against its health.
type panicRecorder interface {
	RecordPanic(ctx context.Context, err error)
}

type Config struct {
	Interval    time.Duration
	FetchSecond int
}

// Coordinator polls the wall clock and runs a step once per minute, at
// FetchSecond. A second that passes while a step is still running is skipped,
// not queued.
type Coordinator struct {
	stepper     Stepper
	interval    time.Duration
	fetchSecond int
	logger      *slog.Logger
	now         func() time.Time

	lastFetch time.Time
	onStep    func(event.Result, error)
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithStepHook is called after every triggered step.
func WithStepHook(fn func(event.Result, error)) Option {
	return func(c *Coordinator) { c.onStep = fn }
}

func New(stepper Stepper, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchSecond < EveryTick || cfg.FetchSecond > 59 {
		cfg.FetchSecond = DefaultFetchSecond
	}
	c := &Coordinator{
		stepper:     stepper,
		interval:    cfg.Interval,
		fetchSecond: cfg.FetchSecond,
		logger:      logger.With("component", "coordinator"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		"tbm_id", c.stepper.TBMID(),
		"interval", c.interval,
		"fetch_second", c.fetchSecond,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Check immediately on start, then on interval. Step failures never stop
	// the loop; only the context does.
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping")
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Due reports whether a step should run at now and, if so, marks the minute
// as fetched.
func (c *Coordinator) Due(now time.Time) bool {
	if c.fetchSecond == EveryTick {
		return true
	}
	if now.Second() != c.fetchSecond {
		return false
	}
	minute := now.Truncate(time.Minute)
	if minute.Equal(c.lastFetch) {
		return false
	}
	c.lastFetch = minute
	return true
}

func (c *Coordinator) tick(ctx context.Context) {
	tbm := c.stepper.TBMID()
	metrics.CoordinatorTicksTotal.WithLabelValues(tbm).Inc()

	now := c.now()
	if !c.Due(now) {
		return
	}
	metrics.CoordinatorStepsTriggered.WithLabelValues(tbm).Inc()

	ctx, span := tracing.Tracer("coordinator").Start(ctx, "coordinator.tick",
		otelTrace.WithAttributes(
			attribute.String("tbm_id", tbm),
			attribute.String("scheduled_at", now.Format(time.RFC3339)),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := c.safeStep(ctx, now)
	metrics.CoordinatorTickLatency.WithLabelValues(tbm).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.CoordinatorTickErrors.WithLabelValues(tbm).Inc()
		tracing.Fail(span, err)
		if ctx.Err() == nil {
			c.logger.Error("pipeline step failed", "error", err)
		}
	} else {
		span.SetAttributes(attribute.Int64("step", res.Step))
		c.logger.Debug("pipeline step done",
			"step", res.Step,
			"state", res.State,
			"prediction_kind", res.ForecastKind,
			"stale", res.Stale,
		)
	}
	if c.onStep != nil {
		c.onStep(res, err)
	}
}

func (c *Coordinator) safeStep(ctx context.Context, now time.Time) (res event.Result, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("pipeline step panicked: %v", r)
		c.logger.Error("recovered panic in pipeline step", "panic", r, "stack", string(debug.Stack()))
		if pr, ok := c.stepper.(panicRecorder); ok {
			pr.RecordPanic(ctx, err)
		}
	}()
	return c.stepper.Step(ctx, now)
}
