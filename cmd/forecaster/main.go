package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/tbm-forecaster/internal/admin"
	"github.com/emperorhan/tbm-forecaster/internal/alert"
	"github.com/emperorhan/tbm-forecaster/internal/artifact"
	"github.com/emperorhan/tbm-forecaster/internal/cache"
	"github.com/emperorhan/tbm-forecaster/internal/circuitbreaker"
	"github.com/emperorhan/tbm-forecaster/internal/config"
	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/inference"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/coordinator"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/dedup"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/fetcher"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/imputation"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/mapper"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/predictor"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/quality"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/state"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/window"
	"github.com/emperorhan/tbm-forecaster/internal/ratelimit"
	"github.com/emperorhan/tbm-forecaster/internal/store/memory"
	"github.com/emperorhan/tbm-forecaster/internal/tracing"
	"github.com/emperorhan/tbm-forecaster/internal/vendor"
)

const serviceName = "tbm-forecaster"

func main() {
	cfg, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	opts, err := applyFlags(cfg, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("invalid command line", "error", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(logger)

	tbmID := resolveTBMID(cfg)
	logger.Info("starting "+serviceName,
		"tbm_id", tbmID,
		"mode", cfg.Pipeline.Mode,
		"vendor_endpoint", cfg.Vendor.Endpoint,
		"inference_url", cfg.Inference.URL,
		"fetch_second", cfg.Pipeline.FetchSecond,
		"window_size", cfg.Pipeline.WindowSize,
		"rest_policy", cfg.Pipeline.RestPolicy,
		"once", opts.once,
	)

	tracingCfg := tracing.Config{
		ServiceName: serviceName,
		TBMID:       tbmID,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	}
	if cfg.Tracing.Enabled {
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), tracingCfg)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := artifact.NewLoader(artifact.S3Config{
		Region:    cfg.Artifacts.S3Region,
		Endpoint:  cfg.Artifacts.S3Endpoint,
		PathStyle: cfg.Artifacts.S3PathStyle,
	})
	arts, err := loadArtifacts(ctx, loader, cfg.Artifacts, logger)
	if err != nil {
		logger.Error("failed to load artifacts", "error", err)
		os.Exit(1)
	}

	engine := inference.NewHTTPEngine(inference.HTTPConfig{
		BaseURL:   cfg.Inference.URL,
		Model:     cfg.Inference.Model,
		InputName: cfg.Inference.InputName,
		Timeout:   cfg.Inference.Timeout,
	}, logger)
	if err := checkEngineReady(ctx, engine, cfg.Inference.Required); err != nil {
		logger.Error("inference engine not ready", "url", cfg.Inference.URL, "model", cfg.Inference.Model, "error", err)
		os.Exit(1)
	}

	alerter := buildAlerter(cfg.Alert, logger)

	sink := event.NewLogSink(logger)
	results := memory.New(cfg.Pipeline.ResultHistorySize)
	publishers, closers, err := buildPublishers(ctx, cfg, results, logger)
	if err != nil {
		logger.Error("failed to initialize publishers", "error", err)
		os.Exit(1)
	}
	defer closeAll(closers, logger)

	var source pipeline.Source
	if cfg.Pipeline.Mode.UsesAPI() {
		loc, err := time.LoadLocation(cfg.Vendor.Timezone)
		if err != nil {
			logger.Error("invalid vendor timezone", "error", err)
			os.Exit(1)
		}
		client := vendor.NewClient(vendor.Config{
			Endpoint:       cfg.Vendor.Endpoint,
			Token:          cfg.Vendor.Token,
			TBMID:          tbmID,
			Location:       loc,
			ConnectTimeout: cfg.Vendor.ConnectTimeout,
			RequestTimeout: cfg.Vendor.RequestTimeout,
		}, logger)
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:             "vendor-" + tbmID,
			FailureThreshold: cfg.Fetch.BreakerFailureThreshold,
			OpenTimeout:      cfg.Fetch.BreakerCooldown,
			OnStateChange:    breakerAlerts(tbmID, alerter, logger),
		})
		source = fetcher.New(client, ratelimit.NewLimiter(cfg.Fetch.MinInterval, tbmID), breaker, fetcher.Config{
			MaxAttempts:    cfg.Fetch.MaxAttempts,
			RetryDelay:     cfg.Fetch.RetryDelay,
			LatestLookback: cfg.Fetch.LatestLookback,
		}, logger)
	}

	var imputer *imputation.Engine
	if cfg.Pipeline.RandomSeed != 0 {
		imputer = imputation.NewSeeded(arts.catalog, uint64(cfg.Pipeline.RandomSeed))
	} else {
		imputer = imputation.New(arts.catalog, nil)
	}

	var sc predictor.Scaler
	if arts.scaler != nil {
		sc = arts.scaler
	}
	orchestrator := predictor.New(engine, sc, predictor.Config{
		TBMID:     tbmID,
		InputName: cfg.Inference.InputName,
		Timeout:   cfg.Inference.Timeout,
	}, sink, logger)

	p, err := pipeline.New(pipeline.Config{
		TBMID:              tbmID,
		Mode:               cfg.Pipeline.Mode,
		RestPolicy:         cfg.Pipeline.RestPolicy,
		FallbackToRandom:   cfg.Pipeline.FallbackToRandom,
		HistoryLookback:    cfg.Fetch.HistoryLookback,
		HistoryLimit:       cfg.Fetch.HistoryLimit,
		UnhealthyThreshold: cfg.Pipeline.UnhealthyThreshold,
	}, pipeline.Deps{
		Source:     source,
		Mapper:     mapper.New(arts.catalog, logger),
		Detector:   dedup.New(),
		Imputer:    imputer,
		Window:     window.New(cfg.Pipeline.WindowSize),
		Classifier: state.NewTorque(),
		Forecaster: orchestrator,
		Validator:  quality.New(arts.catalog, tbmID),
		Replay:     cache.NewSeen[int64](cfg.Pipeline.ReplayCacheSize, cfg.Pipeline.ReplayCacheTTL),
		Publishers: publishers,
		Sink:       sink,
		Alerter:    alerter,
	}, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	// A failed probe is not fatal: the pipeline either fell back to
	// random_only or keeps imputing until the vendor answers.
	_ = p.Probe(ctx)
	if err := p.WarmStart(ctx); err != nil {
		logger.Error("warm start failed", "error", err)
		os.Exit(1)
	}

	if opts.once {
		if err := runOnce(ctx, p, os.Stdout); err != nil {
			logger.Error("single step failed", "error", err)
			os.Exit(1)
		}
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	limiter := admin.NewRateLimitMiddleware(logger, cfg.Server.RateLimitRPS)
	defer limiter.Stop()
	api := admin.NewServer(p, logger,
		admin.WithHistory(results),
		admin.WithRateLimit(limiter),
		admin.WithAllowedOrigins(cfg.Server.CORSOrigins),
	)

	coord := coordinator.New(p, coordinator.Config{
		Interval:    cfg.Pipeline.TickInterval,
		FetchSecond: cfg.Pipeline.FetchSecond,
	}, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.HTTPPort, newHTTPHandler(p, api.Handler()), logger)
	})

	g.Go(func() error {
		return coord.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("forecaster exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("forecaster shut down gracefully", "steps", p.StepCount())
}

func resolveTBMID(cfg *config.Config) string {
	if cfg.Vendor.TBMID != "" {
		return cfg.Vendor.TBMID
	}
	return "simulated"
}

type readyChecker interface {
	Ready(ctx context.Context) error
}

// checkEngineReady fails only when inference is required. An optional engine
// that is down yields null forecasts until it comes up.
func checkEngineReady(ctx context.Context, engine readyChecker, required bool) error {
	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := engine.Ready(readyCtx)
	if err == nil || !required {
		if err != nil {
			slog.Warn("inference engine not ready; forecasts will be null until it is", "error", err)
		}
		return nil
	}
	return err
}

func runOnce(ctx context.Context, p *pipeline.Pipeline, out *os.File) error {
	res, err := p.Step(ctx, time.Now())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func breakerAlerts(tbmID string, alerter alert.Alerter, logger *slog.Logger) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		logger.Warn("vendor circuit breaker state changed", "from", from, "to", to)
		if to != circuitbreaker.StateOpen {
			return
		}
		// The callback runs under the breaker lock; deliver off it.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeBreakerOpen,
				TBMID:   tbmID,
				Title:   "Vendor circuit breaker open",
				Message: "vendor requests are short-circuited until the cooldown elapses",
				Fields:  map[string]string{"from": from.String()},
			})
			if err != nil {
				logger.Warn("breaker alert delivery failed", "error", err)
			}
		}()
	}
}
