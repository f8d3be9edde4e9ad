package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/tbm-forecaster/internal/alert"
	"github.com/emperorhan/tbm-forecaster/internal/circuitbreaker"
	"github.com/emperorhan/tbm-forecaster/internal/config"
	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline"
	"github.com/emperorhan/tbm-forecaster/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Artifacts.CatalogPath = "env-catalog.yaml"
	cfg.Pipeline.Mode = model.ModeAPIPredictionFill
	cfg.Pipeline.FetchSecond = 10
	cfg.Server.HTTPPort = 8080
	return cfg
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, cfg *config.Config, opts cliOptions)
		wantErr string
	}{
		{
			name: "no flags keeps environment",
			check: func(t *testing.T, cfg *config.Config, opts cliOptions) {
				assert.Equal(t, "env-catalog.yaml", cfg.Artifacts.CatalogPath)
				assert.Equal(t, model.ModeAPIPredictionFill, cfg.Pipeline.Mode)
				assert.Equal(t, 10, cfg.Pipeline.FetchSecond)
				assert.Equal(t, 8080, cfg.Server.HTTPPort)
				assert.False(t, opts.once)
			},
		},
		{
			name: "flags override",
			args: []string{"--catalog", "s3://bucket/catalog.yaml", "--scaler=scaler.json", "--mode", "random_only", "--fetch-second=-1", "--http-port", "9090", "--once"},
			check: func(t *testing.T, cfg *config.Config, opts cliOptions) {
				assert.Equal(t, "s3://bucket/catalog.yaml", cfg.Artifacts.CatalogPath)
				assert.Equal(t, "scaler.json", cfg.Artifacts.ScalerPath)
				assert.Equal(t, model.ModeRandomOnly, cfg.Pipeline.Mode)
				assert.Equal(t, -1, cfg.Pipeline.FetchSecond)
				assert.Equal(t, 9090, cfg.Server.HTTPPort)
				assert.True(t, opts.once)
			},
		},
		{name: "unknown mode", args: []string{"--mode", "api_magic_fill"}, wantErr: "--mode"},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: "bogus"},
		{name: "positional argument", args: []string{"extra"}, wantErr: "unexpected argument: extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			opts, err := applyFlags(cfg, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg, opts)
		})
	}
}

func TestApplyFlags_Help(t *testing.T) {
	_, err := applyFlags(baseConfig(), []string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newLogger(io.Discard, tt.level)
			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tt.want))
			assert.False(t, logger.Enabled(ctx, tt.want-1))
		})
	}

	var buf bytes.Buffer
	newLogger(&buf, "info").Info("hello", "tbm_id", "TBM-1")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"tbm_id":"TBM-1"`)
}

type fakeArtifacts map[string]string

func (f fakeArtifacts) Load(_ context.Context, loc string) ([]byte, error) {
	data, ok := f[loc]
	if !ok {
		return nil, fmt.Errorf("open artifact: %s: no such file", loc)
	}
	return []byte(data), nil
}

func scalerJSON() string {
	lo := make([]string, model.FeatureCount)
	hi := make([]string, model.FeatureCount)
	for i := range lo {
		lo[i] = fmt.Sprint(i)
		hi[i] = fmt.Sprint(i*10 + 5)
	}
	return `{"data_min_":[` + strings.Join(lo, ",") + `],"data_max_":[` + strings.Join(hi, ",") + `]}`
}

func TestLoadArtifacts(t *testing.T) {
	first := model.DefaultCatalog().Features()[0].Name

	t.Run("defaults without artifacts", func(t *testing.T) {
		arts, err := loadArtifacts(t.Context(), fakeArtifacts{}, config.ArtifactConfig{}, discard())
		require.NoError(t, err)
		assert.Nil(t, arts.scaler)
		assert.Equal(t, model.DefaultCatalog().Features(), arts.catalog.Features())
	})

	t.Run("catalog override and scaler ranges", func(t *testing.T) {
		src := fakeArtifacts{
			"catalog.yaml": "codes:\n  " + first + ": date999\n",
			"scaler.json":  scalerJSON(),
		}
		arts, err := loadArtifacts(t.Context(), src, config.ArtifactConfig{CatalogPath: "catalog.yaml", ScalerPath: "scaler.json"}, discard())
		require.NoError(t, err)
		require.NotNil(t, arts.scaler)
		assert.Equal(t, "date999", arts.catalog.Features()[0].VendorCode)

		lo, hi := arts.catalog.Range(3)
		assert.Equal(t, 3.0, lo)
		assert.Equal(t, 35.0, hi)
	})

	t.Run("missing scaler", func(t *testing.T) {
		_, err := loadArtifacts(t.Context(), fakeArtifacts{}, config.ArtifactConfig{ScalerPath: "nope.json"}, discard())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load scaler")
	})

	t.Run("malformed catalog", func(t *testing.T) {
		src := fakeArtifacts{"catalog.yaml": "unknown_key: 1\n"}
		_, err := loadArtifacts(t.Context(), src, config.ArtifactConfig{CatalogPath: "catalog.yaml"}, discard())
		require.Error(t, err)
	})
}

func TestBuildAlerter(t *testing.T) {
	assert.IsType(t, alert.NoopAlerter{}, buildAlerter(config.AlertConfig{}, discard()))

	a := buildAlerter(config.AlertConfig{
		SlackWebhookURL: "http://127.0.0.1/slack",
		WebhookURL:      "http://127.0.0.1/hook",
		Cooldown:        time.Minute,
	}, discard())
	multi, ok := a.(*alert.MultiAlerter)
	require.True(t, ok)
	assert.Equal(t, 2, multi.Len())
}

func TestBuildPublishers_MemoryOnly(t *testing.T) {
	results := memory.New(8)
	pubs, closers, err := buildPublishers(t.Context(), baseConfig(), results, discard())
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, "memory", pubs[0].Name())
	assert.Empty(t, closers)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseAll_ReverseOrder(t *testing.T) {
	var order []int
	closers := []io.Closer{
		closerFunc(func() error { order = append(order, 1); return nil }),
		closerFunc(func() error { order = append(order, 2); return errors.New("broken pipe") }),
		closerFunc(func() error { order = append(order, 3); return nil }),
	}
	closeAll(closers, discard())
	assert.Equal(t, []int{3, 2, 1}, order)
}

type staticHealth pipeline.HealthStatus

func (s staticHealth) HealthStatus() pipeline.HealthStatus { return pipeline.HealthStatus(s) }

func TestHTTPHandler(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name   string
		health pipeline.HealthStatus
		path   string
		code   int
		body   string
	}{
		{"healthy", pipeline.HealthStatusHealthy, "/healthz", http.StatusOK, "HEALTHY"},
		{"degraded still serves", pipeline.HealthStatusDegraded, "/healthz", http.StatusOK, "DEGRADED"},
		{"unhealthy", pipeline.HealthStatusUnhealthy, "/healthz", http.StatusServiceUnavailable, "UNHEALTHY"},
		{"metrics", pipeline.HealthStatusHealthy, "/metrics", http.StatusOK, "go_goroutines"},
		{"api is delegated", pipeline.HealthStatusHealthy, "/api/v1/forecast", http.StatusTeapot, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHTTPHandler(staticHealth(tt.health), api)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

type fakeReady struct{ err error }

func (f fakeReady) Ready(context.Context) error { return f.err }

func TestCheckEngineReady(t *testing.T) {
	down := errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")

	assert.NoError(t, checkEngineReady(t.Context(), fakeReady{}, true))
	assert.NoError(t, checkEngineReady(t.Context(), fakeReady{err: down}, false))
	assert.ErrorIs(t, checkEngineReady(t.Context(), fakeReady{err: down}, true), down)
}

type captureAlerter struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (c *captureAlerter) Send(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return nil
}

func (c *captureAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestBreakerAlerts(t *testing.T) {
	a := &captureAlerter{}
	onChange := breakerAlerts("TBM-7", a, discard())

	onChange(circuitbreaker.StateClosed, circuitbreaker.StateHalfOpen)
	onChange(circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	require.Eventually(t, func() bool { return a.count() == 1 }, time.Second, 5*time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, alert.AlertTypeBreakerOpen, a.sent[0].Type)
	assert.Equal(t, "TBM-7", a.sent[0].TBMID)
}

func TestResolveTBMID(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, "simulated", resolveTBMID(cfg))
	cfg.Vendor.TBMID = "TBM-3"
	assert.Equal(t, "TBM-3", resolveTBMID(cfg))
}
