package event

import (
	"context"
	"log/slog"
	"sync"
)

// Kind names a pipeline event.
type Kind string

const (
	KindFetchOK         Kind = "fetch_ok"
	KindFetchFailed     Kind = "fetch_failed"
	KindStale           Kind = "stale_read"
	KindReplay          Kind = "vendor_replay"
	KindImputed         Kind = "imputation_applied"
	KindMalformed       Kind = "malformed_vector"
	KindStateTransition Kind = "state_transition"
	KindInferenceFailed Kind = "inference_failed"
	KindPublishFailed   Kind = "publish_failed"
	KindModeFallback    Kind = "mode_fallback"
	KindWarmStart       Kind = "warm_start"
)

// Event is one structured status report from the pipeline.
type Event struct {
	Kind  Kind
	TBMID string
	Step  int64
	Attrs map[string]any
	Err   error
}

// Sink receives pipeline events. Implementations must not block.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSink writes events to slog. Failures log at Warn, the rest at Info.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) {
	args := make([]any, 0, 6+2*len(ev.Attrs))
	args = append(args, "event", string(ev.Kind), "tbm_id", ev.TBMID, "step", ev.Step)
	for k, v := range ev.Attrs {
		args = append(args, k, v)
	}
	level := slog.LevelInfo
	if ev.Err != nil {
		args = append(args, "error", ev.Err)
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "pipeline event", args...)
}

// Recorder keeps every event in memory. Tests use it to assert emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}
