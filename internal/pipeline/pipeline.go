package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/tbm-forecaster/internal/alert"
	"github.com/emperorhan/tbm-forecaster/internal/cache"
	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/metrics"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/dedup"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/fetcher"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/imputation"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/mapper"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/quality"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/state"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/window"
	"github.com/emperorhan/tbm-forecaster/internal/scaler"
	"github.com/emperorhan/tbm-forecaster/internal/store"
	"github.com/emperorhan/tbm-forecaster/internal/tracing"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks . Source

// Source is the vendor side of the pipeline. *fetcher.Fetcher satisfies it.
type Source interface {
	FetchLatest(ctx context.Context) (model.RawRecord, error)
	FetchHistory(ctx context.Context, lookback time.Duration, limit int) ([]model.RawRecord, error)
	Probe(ctx context.Context) error
	Stats() fetcher.Stats
}

// Forecaster is the prediction side. *predictor.Orchestrator satisfies it.
type Forecaster interface {
	Predict(ctx context.Context, w window.Window, step int64) *model.Prediction
	Last() *model.Prediction
}

// Phase is the per-step control state.
type Phase string

const (
	PhaseCollecting  Phase = "collecting"
	PhaseReadyActive Phase = "ready_active"
	PhaseReadyRest   Phase = "ready_rest"
)

const (
	RestPolicySmartFill = "smart_fill"
	RestPolicyPredict   = "predict"
)

const alertTimeout = 5 * time.Second

// ErrAllPublishersFailed is returned by Step when no sink took the result.
var ErrAllPublishersFailed = errors.New("all publishers failed")

type Config struct {
	TBMID              string
	Mode               model.DataSourceMode
	RestPolicy         string
	FallbackToRandom   bool
	HistoryLookback    time.Duration
	HistoryLimit       int
	UnhealthyThreshold int
}

// Deps are the collaborators a Pipeline is built from. Source may be nil in
// random_only mode; Alerter, Replay and Sink are optional.
type Deps struct {
	Source     Source
	Mapper     *mapper.Mapper
	Detector   *dedup.Detector
	Imputer    *imputation.Engine
	Window     *window.Buffer
	Classifier *state.Classifier
	Forecaster Forecaster
	Validator  *quality.Validator
	Replay     *cache.Seen[int64]
	Publishers []store.Publisher
	Sink       event.Sink
	Alerter    alert.Alerter
	Now        func() time.Time
}

// Pipeline holds all mutable forecasting state for one machine. Step is
// driven by a single goroutine; every other method is safe to call from
// readers concurrently.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	health *PipelineHealth

	step atomic.Int64

	mu                 sync.RWMutex
	mode               model.DataSourceMode
	latest             *event.Result
	fetchFailureStreak int
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = model.ModeAPIPredictionFill
	}
	if cfg.RestPolicy == "" {
		cfg.RestPolicy = RestPolicySmartFill
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = 10 * time.Minute
	}
	switch {
	case deps.Mapper == nil, deps.Detector == nil, deps.Imputer == nil,
		deps.Window == nil, deps.Classifier == nil, deps.Forecaster == nil:
		return nil, errors.New("pipeline: mapper, detector, imputer, window, classifier and forecaster are required")
	case cfg.Mode.UsesAPI() && deps.Source == nil:
		return nil, fmt.Errorf("pipeline: mode %s needs a vendor source", cfg.Mode)
	}
	if cfg.HistoryLimit < deps.Window.Size() {
		cfg.HistoryLimit = deps.Window.Size()
	}
	if deps.Sink == nil {
		deps.Sink = event.NewLogSink(logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "pipeline", "tbm_id", cfg.TBMID),
		health: NewPipelineHealth(cfg.TBMID, cfg.UnhealthyThreshold),
		mode:   cfg.Mode,
	}, nil
}

func (p *Pipeline) TBMID() string { return p.cfg.TBMID }

func (p *Pipeline) Mode() model.DataSourceMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// StepCount is the number of steps run so far.
func (p *Pipeline) StepCount() int64 { return p.step.Load() }

// Window returns an immutable copy of the sliding window.
func (p *Pipeline) Window() window.Window { return p.deps.Window.Snapshot() }

// Phase derives the control state from the window and the last machine state.
func (p *Pipeline) Phase() Phase {
	if !p.deps.Window.IsReady() {
		return PhaseCollecting
	}
	if p.deps.Classifier.Current() == model.MachineStateActive {
		return PhaseReadyActive
	}
	return PhaseReadyRest
}

func (p *Pipeline) Health() HealthSnapshot {
	snap := p.health.Snapshot()
	snap.Mode = string(p.Mode())
	snap.Phase = string(p.Phase())
	snap.Step = p.StepCount()
	return snap
}

// HealthStatus is the coarse status for /healthz.
func (p *Pipeline) HealthStatus() HealthStatus { return p.health.Status() }

// FetchStats is nil in random_only mode without a source.
func (p *Pipeline) FetchStats() *fetcher.Stats {
	if p.deps.Source == nil {
		return nil
	}
	s := p.deps.Source.Stats()
	return &s
}

// QualityReport returns the cumulative data quality, or nil when disabled.
func (p *Pipeline) QualityReport() *quality.Cumulative {
	if p.deps.Validator == nil {
		return nil
	}
	c := p.deps.Validator.Cumulative()
	return &c
}

// Latest returns the last result produced by Step.
func (p *Pipeline) Latest() (event.Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return event.Result{}, false
	}
	return p.latest.Clone(), true
}

// Cached is what readers see between fetches: the newest window vector
// tagged cached, with the last forecast and machine state.
func (p *Pipeline) Cached() event.Result {
	w := p.deps.Window.Snapshot()
	res, ok := p.Latest()
	if !ok {
		res = event.Result{
			TBMID:        p.cfg.TBMID,
			Mode:         p.Mode(),
			ForecastKind: event.ForecastNone,
			State:        p.deps.Classifier.Current(),
		}
	}
	res.ID = uuid.NewString()
	res.Timestamp = p.deps.Now()
	res.BufferReady = w.Ready
	res.Quality = nil
	res.Stale = false
	res.RecordID = 0

	tag := model.SourceCached
	newest, has := w.Newest()
	if !has {
		tag = model.SourceSimulated
	}
	res.Current = newest
	for i := range res.Sources {
		res.Sources[i] = tag
	}
	return res
}

// Probe checks the vendor once. On failure with fallback enabled the
// pipeline switches to random_only; otherwise it stays in its API mode and
// relies on imputation. The probe error is returned either way.
func (p *Pipeline) Probe(ctx context.Context) error {
	mode := p.Mode()
	if !mode.UsesAPI() {
		return nil
	}
	err := p.deps.Source.Probe(ctx)
	if err == nil {
		p.logger.Info("vendor probe ok", "mode", mode)
		return nil
	}
	if !p.cfg.FallbackToRandom {
		p.logger.Warn("vendor probe failed; continuing with imputation", "mode", mode, "error", err)
		return err
	}

	p.mu.Lock()
	p.mode = model.ModeRandomOnly
	p.mu.Unlock()
	p.logger.Warn("vendor probe failed; falling back to random walk", "from", mode, "error", err)
	p.deps.Sink.Emit(ctx, event.Event{
		Kind:  event.KindModeFallback,
		TBMID: p.cfg.TBMID,
		Attrs: map[string]any{"from": string(mode), "to": string(model.ModeRandomOnly)},
		Err:   err,
	})
	p.sendAlert(ctx, alert.Alert{
		Type:    alert.AlertTypeModeFallback,
		TBMID:   p.cfg.TBMID,
		Title:   "Vendor probe failed, simulating data",
		Message: err.Error(),
		Fields:  map[string]string{"from_mode": string(mode)},
	})
	return err
}

// WarmStart seeds the window from vendor history. A failed history fetch is
// not fatal: the window is then seeded with synthetic vectors.
func (p *Pipeline) WarmStart(ctx context.Context) error {
	ctx, span := tracing.Tracer("pipeline").Start(ctx, "pipeline.warm_start")
	defer span.End()

	var records []model.RawRecord
	if p.Mode().UsesAPI() {
		var err error
		records, err = p.deps.Source.FetchHistory(ctx, p.cfg.HistoryLookback, p.cfg.HistoryLimit)
		if err != nil {
			if ctx.Err() != nil {
				tracing.Fail(span, ctx.Err())
				return ctx.Err()
			}
			p.logger.Warn("history fetch failed; seeding synthetic window", "error", err)
			records = nil
		}
	}

	size := p.deps.Window.Size()
	vectors, report := p.deps.Imputer.WarmStart(records, size, p.deps.Mapper)
	if err := p.deps.Window.Seed(vectors); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("warm start: %w", err)
	}

	// Prime dedup and replay detection with the newest history record so the
	// first live fetch that repeats it is recognised.
	if n := len(records); n > 0 {
		used := records
		if len(used) > size {
			used = used[len(used)-size:]
		}
		if p.deps.Replay != nil {
			for _, rec := range used {
				p.deps.Replay.Observe(rec.ID)
			}
		}
		fv, _ := p.deps.Mapper.Map(used[len(used)-1])
		p.deps.Detector.Check(fv)
	}

	metrics.WindowReady.WithLabelValues(p.cfg.TBMID).Set(1)
	span.SetAttributes(
		attribute.Int("records", report.Records),
		attribute.Int("synthetic", report.Synthetic),
	)
	p.logger.Info("window warm-started",
		"records", report.Records,
		"used", report.Used,
		"synthetic", report.Synthetic,
		"filled_slots", report.FilledSlots,
	)
	p.deps.Sink.Emit(ctx, event.Event{
		Kind:  event.KindWarmStart,
		TBMID: p.cfg.TBMID,
		Attrs: map[string]any{
			"records":      report.Records,
			"used":         report.Used,
			"synthetic":    report.Synthetic,
			"filled_slots": report.FilledSlots,
		},
	})
	return nil
}

// observation is the completed vector for one step and how it was obtained.
type observation struct {
	vector      model.Vector
	sources     [model.FeatureCount]model.Source
	recordID    int64
	stale       bool
	quality     *event.QualitySummary
	fetchFailed bool
	fetchErr    error
}

// Step runs one fetch → map → dedup → impute → push → classify →
// predict-or-fill → publish cycle. Vendor trouble degrades into imputation;
// the error is non-nil only when the context ends or every publisher fails.
func (p *Pipeline) Step(ctx context.Context, now time.Time) (event.Result, error) {
	// The counter only advances once the step has an observation.
	step := p.step.Load() + 1
	mode := p.Mode()
	start := time.Now()

	ctx, span := tracing.Tracer("pipeline").Start(ctx, "pipeline.step",
		otelTrace.WithAttributes(
			attribute.String("tbm_id", p.cfg.TBMID),
			attribute.Int64("step", step),
			attribute.String("mode", string(mode)),
		),
	)
	defer span.End()

	obs, err := p.observe(ctx, step, mode)
	if err != nil {
		tracing.Fail(span, err)
		return event.Result{}, err
	}
	p.step.Store(step)
	obs = p.guardVector(ctx, step, obs)

	p.deps.Window.Push(obs.vector)
	w := p.deps.Window.Snapshot()

	machine, changed := p.deps.Classifier.Observe(obs.vector.Readings())
	if changed {
		metrics.StateTransitionsTotal.WithLabelValues(p.cfg.TBMID, string(machine)).Inc()
		p.logger.Info("machine state changed", "step", step, "state", machine)
		p.deps.Sink.Emit(ctx, event.Event{
			Kind:  event.KindStateTransition,
			TBMID: p.cfg.TBMID,
			Step:  step,
			Attrs: map[string]any{"state": string(machine)},
		})
	}

	res := event.Result{
		ID:           uuid.NewString(),
		TBMID:        p.cfg.TBMID,
		Step:         step,
		Timestamp:    now,
		Mode:         mode,
		Current:      obs.vector,
		Sources:      obs.sources,
		ForecastKind: event.ForecastNone,
		BufferReady:  w.Ready,
		State:        machine,
		Stale:        obs.stale,
		RecordID:     obs.recordID,
		Quality:      obs.quality,
	}
	p.forecast(ctx, step, w, machine, &res)

	p.recordGauges(step, w.Ready, machine)
	span.SetAttributes(
		attribute.String("state", string(machine)),
		attribute.String("prediction_kind", string(res.ForecastKind)),
		attribute.Bool("stale", obs.stale),
	)

	p.mu.Lock()
	latest := res.Clone()
	p.latest = &latest
	p.mu.Unlock()

	pubErr := p.publish(ctx, res)

	var stepErr error
	switch {
	case obs.fetchFailed:
		stepErr = obs.fetchErr
	case pubErr != nil:
		stepErr = pubErr
	}
	p.recordHealth(ctx, stepErr, time.Since(start))
	if pubErr != nil {
		tracing.Fail(span, pubErr)
		return res, pubErr
	}
	return res, nil
}

func (p *Pipeline) observe(ctx context.Context, step int64, mode model.DataSourceMode) (observation, error) {
	if mode == model.ModeRandomOnly {
		var obs observation
		obs.vector = p.deps.Imputer.RandomWalk()
		for i := range obs.sources {
			obs.sources[i] = model.SourceSimulated
		}
		metrics.ImputedSlotsTotal.WithLabelValues(p.cfg.TBMID, string(model.SourceSimulated)).Add(model.FeatureCount)
		return obs, nil
	}

	var obs observation
	var fv model.FeatureVector
	rec, err := p.deps.Source.FetchLatest(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		return obs, ctx.Err()
	case err != nil:
		obs.fetchFailed = true
		obs.fetchErr = err
		p.onFetchFailure(ctx, step, err)
	default:
		p.onFetchSuccess(ctx, step, rec)
		obs.recordID = rec.ID
		p.checkReplay(ctx, step, rec)

		var report mapper.Report
		fv, report = p.deps.Mapper.Map(rec)
		if p.deps.Validator != nil {
			obs.quality = p.deps.Validator.Validate(fv).Summary()
		}
		if !report.Decoded || report.ParseFailures > 0 || report.UnknownCodes > 0 {
			p.logger.Debug("payload partially decoded",
				"record_id", rec.ID,
				"decoded", report.Decoded,
				"parse_failures", report.ParseFailures,
				"unknown_codes", report.UnknownCodes,
			)
		}

		var stale bool
		fv, stale = p.deps.Detector.Check(fv)
		if stale {
			obs.stale = true
			metrics.StaleReadsTotal.WithLabelValues(p.cfg.TBMID).Inc()
			p.deps.Sink.Emit(ctx, event.Event{
				Kind:  event.KindStale,
				TBMID: p.cfg.TBMID,
				Step:  step,
				Attrs: map[string]any{"record_id": rec.ID},
			})
		}
	}

	obs.vector, obs.sources = p.deps.Imputer.Fill(fv, p.deps.Forecaster.Last(), mode)
	p.countSources(ctx, step, obs.sources)
	return obs, nil
}

func (p *Pipeline) onFetchSuccess(ctx context.Context, step int64, rec model.RawRecord) {
	p.mu.Lock()
	p.fetchFailureStreak = 0
	p.mu.Unlock()
	p.deps.Sink.Emit(ctx, event.Event{
		Kind:  event.KindFetchOK,
		TBMID: p.cfg.TBMID,
		Step:  step,
		Attrs: map[string]any{"record_id": rec.ID, "create_time": rec.CreateTime},
	})
}

func (p *Pipeline) onFetchFailure(ctx context.Context, step int64, err error) {
	p.mu.Lock()
	p.fetchFailureStreak++
	streak := p.fetchFailureStreak
	p.mu.Unlock()

	p.deps.Sink.Emit(ctx, event.Event{
		Kind:  event.KindFetchFailed,
		TBMID: p.cfg.TBMID,
		Step:  step,
		Attrs: map[string]any{"consecutive_failures": streak},
		Err:   err,
	})
	if streak == p.health.unhealthyThreshold {
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeFetchOutage,
			TBMID:   p.cfg.TBMID,
			Title:   "Vendor telemetry unavailable",
			Message: err.Error(),
			Fields:  map[string]string{"consecutive_failures": strconv.Itoa(streak)},
		})
	}
}

func (p *Pipeline) checkReplay(ctx context.Context, step int64, rec model.RawRecord) {
	if p.deps.Replay == nil {
		return
	}
	seen, first := p.deps.Replay.Observe(rec.ID)
	if !seen {
		return
	}
	metrics.VendorReplaysTotal.WithLabelValues(p.cfg.TBMID).Inc()
	p.deps.Sink.Emit(ctx, event.Event{
		Kind:  event.KindReplay,
		TBMID: p.cfg.TBMID,
		Step:  step,
		Attrs: map[string]any{"record_id": rec.ID, "first_seen": first},
	})
}

func (p *Pipeline) countSources(ctx context.Context, step int64, sources [model.FeatureCount]model.Source) {
	counts := make(map[model.Source]int, 3)
	for _, s := range sources {
		counts[s]++
	}
	for s, n := range counts {
		metrics.ImputedSlotsTotal.WithLabelValues(p.cfg.TBMID, string(s)).Add(float64(n))
	}
	if imputed := model.FeatureCount - counts[model.SourceReal]; imputed > 0 {
		p.deps.Sink.Emit(ctx, event.Event{
			Kind:  event.KindImputed,
			TBMID: p.cfg.TBMID,
			Step:  step,
			Attrs: map[string]any{
				"imputed":   imputed,
				"predicted": counts[model.SourcePredicted],
				"filled":    counts[model.SourceFilled],
			},
		})
	}
}

// guardVector keeps the window shape intact: a vector that is not finite is
// replaced wholesale by zeros.
func (p *Pipeline) guardVector(ctx context.Context, step int64, obs observation) observation {
	err := scaler.CheckFinite(obs.vector)
	if err == nil {
		return obs
	}
	metrics.MalformedVectorsTotal.WithLabelValues(p.cfg.TBMID).Inc()
	p.logger.Warn("malformed vector replaced with zeros", "step", step, "error", err)
	p.deps.Sink.Emit(ctx, event.Event{Kind: event.KindMalformed, TBMID: p.cfg.TBMID, Step: step, Err: err})
	obs.vector = model.Vector{}
	for i := range obs.sources {
		obs.sources[i] = model.SourceFilled
	}
	return obs
}

func (p *Pipeline) forecast(ctx context.Context, step int64, w window.Window, machine model.MachineState, res *event.Result) {
	if !w.Ready {
		return
	}
	if machine == model.MachineStateRest && p.cfg.RestPolicy == RestPolicySmartFill {
		fill := p.deps.Imputer.SmartFill(res.Current)
		res.Forecast = &fill
		res.ForecastKind = event.ForecastSmartFill
		return
	}

	pred := p.deps.Forecaster.Predict(ctx, w, step)
	if pred == nil {
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeInferenceFailure,
			TBMID:   p.cfg.TBMID,
			Title:   "Forecast unavailable",
			Message: "inference failed; publishing a null forecast",
			Fields:  map[string]string{"step": strconv.FormatInt(step, 10)},
		})
		return
	}
	vec := pred.Vector
	res.Forecast = &vec
	res.ForecastKind = event.ForecastModel
}

func (p *Pipeline) recordGauges(step int64, ready bool, machine model.MachineState) {
	metrics.PipelineStep.WithLabelValues(p.cfg.TBMID).Set(float64(step))
	metrics.WindowReady.WithLabelValues(p.cfg.TBMID).Set(boolGauge(ready))
	metrics.MachineActive.WithLabelValues(p.cfg.TBMID).Set(boolGauge(machine == model.MachineStateActive))
}

// publish fans the result out concurrently. It fails only when every
// publisher failed.
func (p *Pipeline) publish(ctx context.Context, res event.Result) error {
	pubs := p.deps.Publishers
	if len(pubs) == 0 {
		return nil
	}
	errs := make([]error, len(pubs))
	var g errgroup.Group
	for i, pub := range pubs {
		g.Go(func() error {
			start := time.Now()
			err := pub.Publish(ctx, res.Clone())
			metrics.PublishLatency.WithLabelValues(p.cfg.TBMID, pub.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.PublishErrors.WithLabelValues(p.cfg.TBMID, pub.Name()).Inc()
				p.deps.Sink.Emit(ctx, event.Event{
					Kind:  event.KindPublishFailed,
					TBMID: p.cfg.TBMID,
					Step:  res.Step,
					Attrs: map[string]any{"sink": pub.Name()},
					Err:   err,
				})
				errs[i] = fmt.Errorf("%s: %w", pub.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed < len(pubs) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAllPublishersFailed, errors.Join(errs...))
}

func (p *Pipeline) recordHealth(ctx context.Context, stepErr error, elapsed time.Duration) {
	p.health.RecordLatency(elapsed)
	if stepErr == nil {
		if p.health.RecordSuccess() {
			p.logger.Info("pipeline recovered")
			p.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeRecovery,
				TBMID:   p.cfg.TBMID,
				Title:   "Pipeline recovered",
				Message: "steps are succeeding again",
			})
		}
		return
	}
	if p.health.RecordFailure(stepErr) {
		p.logger.Error("pipeline unhealthy", "error", stepErr)
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeUnhealthy,
			TBMID:   p.cfg.TBMID,
			Title:   "Pipeline unhealthy",
			Message: stepErr.Error(),
			Fields:  map[string]string{"threshold": strconv.Itoa(p.health.unhealthyThreshold)},
		})
	}
}

// RecordPanic counts a step that panicked as a health failure.
func (p *Pipeline) RecordPanic(ctx context.Context, err error) {
	p.recordHealth(ctx, err, 0)
}

func (p *Pipeline) sendAlert(ctx context.Context, a alert.Alert) {
	if p.deps.Alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := p.deps.Alerter.Send(ctx, a); err != nil {
		p.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
