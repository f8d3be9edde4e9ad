package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/inference"
	"github.com/emperorhan/tbm-forecaster/internal/metrics"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/window"
	"github.com/emperorhan/tbm-forecaster/internal/scaler"
	"github.com/emperorhan/tbm-forecaster/internal/tracing"
)

const defaultTimeout = 5 * time.Second

var (
	ErrEmptyWindow = errors.New("window is empty")
	ErrOutputShape = errors.New("unexpected inference output shape")
	ErrNoEngine    = errors.New("inference engine not configured")
	ErrNoScaler    = errors.New("scaler not loaded")
)

// Scaler is the min-max contract paired with the model.
type Scaler interface {
	Transform(rows [][model.FeatureCount]float64) [][model.FeatureCount]float64
	InverseTransform(row [model.FeatureCount]float64) [model.FeatureCount]float64
}

type Config struct {
	TBMID     string
	InputName string
	Timeout   time.Duration
}

// Orchestrator runs one forecast per call and owns the last good prediction.
type Orchestrator struct {
	engine    inference.Engine
	scaler    Scaler
	sink      event.Sink
	logger    *slog.Logger
	tbmID     string
	inputName string
	timeout   time.Duration

	mu   sync.RWMutex
	last *model.Prediction
}

func New(engine inference.Engine, s Scaler, cfg Config, sink event.Sink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = event.NewLogSink(logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	return &Orchestrator{
		engine:    engine,
		scaler:    s,
		sink:      sink,
		logger:    logger.With("component", "predictor"),
		tbmID:     cfg.TBMID,
		inputName: cfg.InputName,
		timeout:   cfg.Timeout,
	}
}

// Predict forecasts the step after w. It returns nil on any failure; the
// cached prediction is then left as it was.
func (o *Orchestrator) Predict(ctx context.Context, w window.Window, step int64) *model.Prediction {
	ctx, span := tracing.Tracer("predictor").Start(ctx, "predictor.predict",
		otelTrace.WithAttributes(
			attribute.String("tbm_id", o.tbmID),
			attribute.Int64("step", step),
			attribute.Int("window_len", w.Len()),
		),
	)
	defer span.End()

	start := time.Now()
	vec, err := o.forecast(ctx, w)
	metrics.InferenceLatency.WithLabelValues(o.tbmID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.InferenceCallsTotal.WithLabelValues(o.tbmID, "error").Inc()
		tracing.Fail(span, err)
		o.logger.Warn("inference failed", "step", step, "error", err)
		o.sink.Emit(ctx, event.Event{Kind: event.KindInferenceFailed, TBMID: o.tbmID, Step: step, Err: err})
		return nil
	}
	metrics.InferenceCallsTotal.WithLabelValues(o.tbmID, "ok").Inc()

	p := &model.Prediction{Vector: vec, Step: step}
	o.mu.Lock()
	o.last = p.Clone()
	o.mu.Unlock()
	return p
}

// Last returns a copy of the last successful prediction, or nil.
func (o *Orchestrator) Last() *model.Prediction {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last.Clone()
}

func (o *Orchestrator) forecast(ctx context.Context, w window.Window) (model.Vector, error) {
	if o.engine == nil {
		return model.Vector{}, ErrNoEngine
	}
	if o.scaler == nil {
		return model.Vector{}, ErrNoScaler
	}
	rows := w.Flatten()
	if len(rows) == 0 {
		return model.Vector{}, ErrEmptyWindow
	}
	scaled := o.scaler.Transform(rows)

	data := make([]float32, 0, len(scaled)*model.FeatureCount)
	for _, row := range scaled {
		for _, x := range row {
			data = append(data, float32(x))
		}
	}
	in := inference.Tensor{Name: o.inputName, Shape: []int{1, len(scaled), model.FeatureCount}, Data: data}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	out, err := o.engine.Infer(callCtx, in)
	if err != nil {
		return model.Vector{}, fmt.Errorf("infer: %w", err)
	}
	if len(out.Data) != model.FeatureCount || out.Elements() != model.FeatureCount {
		return model.Vector{}, fmt.Errorf("%w: shape %v with %d values", ErrOutputShape, out.Shape, len(out.Data))
	}

	var norm [model.FeatureCount]float64
	for i, x := range out.Data {
		norm[i] = float64(x)
	}
	raw := o.scaler.InverseTransform(norm)
	if err := scaler.CheckFinite(raw); err != nil {
		return model.Vector{}, fmt.Errorf("inverse transform: %w", err)
	}
	return model.VectorFromSlice(raw[:])
}
