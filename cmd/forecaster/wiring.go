package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/emperorhan/tbm-forecaster/internal/alert"
	"github.com/emperorhan/tbm-forecaster/internal/config"
	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline"
	"github.com/emperorhan/tbm-forecaster/internal/scaler"
	"github.com/emperorhan/tbm-forecaster/internal/store"
	"github.com/emperorhan/tbm-forecaster/internal/store/kafka"
	"github.com/emperorhan/tbm-forecaster/internal/store/memory"
	"github.com/emperorhan/tbm-forecaster/internal/store/mqtt"
	"github.com/emperorhan/tbm-forecaster/internal/store/redis"
)

type cliOptions struct {
	once bool
}

// applyFlags parses args onto cfg. Only flags given on the command line
// override the environment.
func applyFlags(cfg *config.Config, args []string) (cliOptions, error) {
	var (
		opts        cliOptions
		catalog     string
		scalerPath  string
		mode        string
		fetchSecond int
		httpPort    int
	)

	fs := pflag.NewFlagSet("forecaster", pflag.ContinueOnError)
	fs.StringVar(&catalog, "catalog", cfg.Artifacts.CatalogPath, "feature catalog YAML (path, file:// or s3:// URL)")
	fs.StringVar(&scalerPath, "scaler", cfg.Artifacts.ScalerPath, "min-max scaler parameters (path, file:// or s3:// URL)")
	fs.StringVar(&mode, "mode", string(cfg.Pipeline.Mode), "data source mode: random_only, api_zero_fill, api_random_fill, api_prediction_fill")
	fs.IntVar(&fetchSecond, "fetch-second", cfg.Pipeline.FetchSecond, "second of each minute to fetch at, -1 for every tick")
	fs.BoolVar(&opts.once, "once", false, "run a single step, print the result and exit")
	fs.IntVar(&httpPort, "http-port", cfg.Server.HTTPPort, "HTTP port for the API, /healthz and /metrics")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if fs.Changed("catalog") {
		cfg.Artifacts.CatalogPath = catalog
	}
	if fs.Changed("scaler") {
		cfg.Artifacts.ScalerPath = scalerPath
	}
	if fs.Changed("mode") {
		m, err := model.ParseDataSourceMode(mode)
		if err != nil {
			return opts, fmt.Errorf("--mode: %w", err)
		}
		cfg.Pipeline.Mode = m
	}
	if fs.Changed("fetch-second") {
		cfg.Pipeline.FetchSecond = fetchSecond
	}
	if fs.Changed("http-port") {
		cfg.Server.HTTPPort = httpPort
	}
	return opts, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

type artifactSource interface {
	Load(ctx context.Context, location string) ([]byte, error)
}

type artifacts struct {
	catalog *model.Catalog
	scaler  *scaler.MinMax // nil disables inference
}

// loadArtifacts resolves the catalog override and the scaler. Fitted scaler
// ranges replace the catalog's generation ranges.
func loadArtifacts(ctx context.Context, src artifactSource, cfg config.ArtifactConfig, logger *slog.Logger) (artifacts, error) {
	out := artifacts{catalog: model.DefaultCatalog()}

	if cfg.CatalogPath != "" {
		data, err := src.Load(ctx, cfg.CatalogPath)
		if err != nil {
			return out, fmt.Errorf("load catalog: %w", err)
		}
		c, err := config.ParseCatalog(data)
		if err != nil {
			return out, err
		}
		out.catalog = c
		logger.Info("feature catalog loaded", "location", cfg.CatalogPath)
	}

	if cfg.ScalerPath == "" {
		logger.Warn("no scaler configured; forecasts stay null")
		return out, nil
	}
	data, err := src.Load(ctx, cfg.ScalerPath)
	if err != nil {
		return out, fmt.Errorf("load scaler: %w", err)
	}
	s, err := scaler.Parse(data)
	if err != nil {
		return out, err
	}
	c, err := out.catalog.WithRanges(s.Ranges())
	if err != nil {
		return out, fmt.Errorf("apply scaler ranges: %w", err)
	}
	out.catalog = c
	out.scaler = s
	logger.Info("scaler loaded", "location", cfg.ScalerPath)
	return out, nil
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(alerters) == 0 {
		logger.Info("no alert channels configured")
		return alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, alerters...)
}

// buildPublishers always includes the in-memory history; redis, kafka and
// mqtt are added when configured. The returned closers run in reverse order.
func buildPublishers(ctx context.Context, cfg *config.Config, results *memory.Store, logger *slog.Logger) ([]store.Publisher, []io.Closer, error) {
	pubs := []store.Publisher{results}
	var closers []io.Closer

	fail := func(err error) ([]store.Publisher, []io.Closer, error) {
		closeAll(closers, logger)
		return nil, nil, err
	}

	if cfg.Redis.URL != "" {
		p, err := redis.NewPublisher(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix, cfg.Redis.StreamMaxLen)
		if err != nil {
			return fail(fmt.Errorf("redis publisher: %w", err))
		}
		pubs = append(pubs, p)
		closers = append(closers, p)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		p := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		pubs = append(pubs, p)
		closers = append(closers, p)
	}
	if cfg.MQTT.BrokerURL != "" {
		p, err := mqtt.NewPublisher(mqtt.Config{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return fail(fmt.Errorf("mqtt publisher: %w", err))
		}
		pubs = append(pubs, p)
		closers = append(closers, p)
	}

	names := make([]string, 0, len(pubs))
	for _, p := range pubs {
		names = append(names, p.Name())
	}
	logger.Info("publishers configured", "publishers", names)
	return pubs, closers, nil
}

func closeAll(closers []io.Closer, logger *slog.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warn("failed to close publisher", "error", err)
		}
	}
}

type healthReporter interface {
	HealthStatus() pipeline.HealthStatus
}

// newHTTPHandler mounts /healthz, /metrics and the read API on one mux.
// /healthz answers 503 once the pipeline is unhealthy.
func newHTTPHandler(h healthReporter, api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := h.HealthStatus()
		if status == pipeline.HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(status))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", api)
	return mux
}

func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
