package pipeline

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus is the coarse state reported at /healthz and used for alerts.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed steps
	// before the pipeline is unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 step latency above which
	// the pipeline is degraded.
	DefaultDegradedLatencyThreshold = 20 * time.Second

	latencyWindowSize = 10
)

// PipelineHealth tracks step outcomes for one machine.
type PipelineHealth struct {
	mu                       sync.RWMutex
	tbmID                    string
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	now                      func() time.Time
}

func NewPipelineHealth(tbmID string, unhealthyThreshold int) *PipelineHealth {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &PipelineHealth{
		tbmID:                    tbmID,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       unhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		now:                      time.Now,
	}
}

// RecordSuccess records a good step. It returns true when this recovers the
// pipeline from UNHEALTHY.
func (h *PipelineHealth) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return wasUnhealthy
}

// RecordFailure records a failed step. It returns true on the call that
// makes the pipeline UNHEALTHY.
func (h *PipelineHealth) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// RecordLatency adds a step duration. It can move HEALTHY and DEGRADED into
// each other but never overrides UNHEALTHY.
func (h *PipelineHealth) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)

	switch h.status {
	case HealthStatusHealthy, HealthStatusDegraded:
		if h.isLatencyDegraded() {
			h.status = HealthStatusDegraded
		} else if h.consecutiveFailures == 0 {
			h.status = HealthStatusHealthy
		}
	}
}

// must hold mu
func (h *PipelineHealth) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

// must hold mu
func (h *PipelineHealth) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), h.recentLatencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func (h *PipelineHealth) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *PipelineHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		TBMID:               h.tbmID,
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
		P95Latency:          h.percentileLatency(95).String(),
	}
}

// HealthSnapshot is the JSON view of PipelineHealth.
type HealthSnapshot struct {
	TBMID               string     `json:"tbm_id"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	P95Latency          string     `json:"p95_latency"`
	Mode                string     `json:"mode,omitempty"`
	Phase               string     `json:"phase,omitempty"`
	Step                int64      `json:"step_count"`
}
