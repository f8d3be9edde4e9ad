package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/fetcher"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/quality"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/window"
	"github.com/emperorhan/tbm-forecaster/internal/store"
)

const (
	defaultHistoryLimit = 60
	maxHistoryLimit     = 1440
)

// Provider is the read side of a running pipeline. *pipeline.Pipeline
// satisfies it.
type Provider interface {
	TBMID() string
	Latest() (event.Result, bool)
	Cached() event.Result
	Window() window.Window
	FetchStats() *fetcher.Stats
	QualityReport() *quality.Cumulative
	Health() pipeline.HealthSnapshot
}

// Server exposes the forecast and diagnostics over HTTP. Every endpoint is
// read-only.
type Server struct {
	provider Provider
	history  store.ResultReader
	limiter  *RateLimitMiddleware
	origins  []string
	logger   *slog.Logger
}

type ServerOption func(*Server)

// WithHistory enables GET /api/v1/forecast/history.
func WithHistory(r store.ResultReader) ServerOption {
	return func(s *Server) { s.history = r }
}

// WithRateLimit applies per-client rate limiting to every endpoint.
func WithRateLimit(rl *RateLimitMiddleware) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithAllowedOrigins sets the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

func NewServer(provider Provider, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		provider: provider,
		origins:  []string{"*"},
		logger:   logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API wrapped in request logging, rate limiting, CORS
// and panic recovery, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/forecast", s.handleForecast)
	mux.HandleFunc("GET /api/v1/forecast/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/current", s.handleCurrent)
	mux.HandleFunc("GET /api/v1/window", s.handleWindow)
	mux.HandleFunc("GET /api/v1/fetch/stats", s.handleFetchStats)
	mux.HandleFunc("GET /api/v1/quality", s.handleQuality)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	var h http.Handler = mux
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
	h = handlers.CORS(
		handlers.AllowedOrigins(s.origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
		handlers.ExposedHeaders([]string{"X-Request-ID"}),
	)(h)
	if s.limiter != nil {
		h = s.limiter.Wrap(h)
	}
	return RequestLog(s.logger, h)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("recovered panic in HTTP handler", "panic", v)
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	res, ok := s.provider.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no forecast yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type historyResponse struct {
	TBMID   string         `json:"tbm_id"`
	Count   int            `json:"count"`
	Results []event.Result `json:"results"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history not enabled")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	results := s.history.History(limit)
	if results == nil {
		results = []event.Result{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		TBMID:   s.provider.TBMID(),
		Count:   len(results),
		Results: results,
	})
}

// handleCurrent serves the newest window vector without triggering a fetch.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Cached())
}

type windowResponse struct {
	TBMID string `json:"tbm_id"`
	Size  int    `json:"size"`
	window.Window
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	win := s.provider.Window()
	writeJSON(w, http.StatusOK, windowResponse{
		TBMID:  s.provider.TBMID(),
		Size:   win.Len(),
		Window: win,
	})
}

func (s *Server) handleFetchStats(w http.ResponseWriter, r *http.Request) {
	stats := s.provider.FetchStats()
	if stats == nil {
		writeError(w, http.StatusNotFound, "fetch statistics unavailable without a vendor source")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	report := s.provider.QualityReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "quality validation disabled")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Health()
	status := http.StatusOK
	if snap.Status == string(pipeline.HealthStatusUnhealthy) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}
