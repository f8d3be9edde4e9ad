package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms, partitioned by TBM id.

const namespace = "forecaster"

var (
	// Coordinator
	CoordinatorTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "ticks_total",
		Help:      "Total coordinator loop iterations",
	}, []string{"tbm_id"})

	CoordinatorStepsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "steps_triggered_total",
		Help:      "Total iterations that ran a pipeline step",
	}, []string{"tbm_id"})

	CoordinatorTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "tick_errors_total",
		Help:      "Total coordinator step errors, including recovered panics",
	}, []string{"tbm_id"})

	CoordinatorTickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "step_duration_seconds",
		Help:      "Pipeline step duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"tbm_id"})

	// Fetcher
	FetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "requests_total",
		Help:      "Vendor requests by operation and outcome",
	}, []string{"tbm_id", "op", "status"})

	FetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "retries_total",
		Help:      "Vendor request retries",
	}, []string{"tbm_id", "op"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "errors_total",
		Help:      "Fetches that failed after retry exhaustion",
	}, []string{"tbm_id", "op"})

	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "fetch_duration_seconds",
		Help:      "Fetch duration including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"tbm_id", "op"})

	FetchRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "rate_limit_waits_total",
		Help:      "Requests delayed to honour the minimum request interval",
	}, []string{"tbm_id"})

	VendorReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "vendor_replays_total",
		Help:      "Latest-record fetches that returned an already seen record id",
	}, []string{"tbm_id"})

	// Pipeline
	StaleReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stale_reads_total",
		Help:      "Fetched vectors identical to the previous one",
	}, []string{"tbm_id"})

	ImputedSlotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "slots_total",
		Help:      "Published current-vector slots by provenance",
	}, []string{"tbm_id", "source"})

	MalformedVectorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "malformed_vectors_total",
		Help:      "Vectors replaced by the zero vector because of wrong shape",
	}, []string{"tbm_id"})

	PipelineStep = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "step_count",
		Help:      "Current pipeline step count",
	}, []string{"tbm_id"})

	WindowReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "window_ready",
		Help:      "1 when the sliding window holds a full input sequence",
	}, []string{"tbm_id"})

	MachineActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "machine_active",
		Help:      "1 while cutterhead torque indicates active boring",
	}, []string{"tbm_id"})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "state_transitions_total",
		Help:      "Machine state transitions by target state",
	}, []string{"tbm_id", "to"})

	// Inference
	InferenceCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "calls_total",
		Help:      "Inference invocations by outcome",
	}, []string{"tbm_id", "status"})

	InferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "duration_seconds",
		Help:      "Inference round trip including scaling",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"tbm_id"})

	// Publishing
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "errors_total",
		Help:      "Result publish failures by sink",
	}, []string{"tbm_id", "sink"})

	PublishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "duration_seconds",
		Help:      "Result publish duration by sink",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"tbm_id", "sink"})

	// Data quality
	QualityIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quality",
		Name:      "issues_total",
		Help:      "Slots flagged by the quality validator by kind",
	}, []string{"tbm_id", "kind"})

	QualityScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "quality",
		Name:      "score",
		Help:      "Share of valid slots in the latest fetched vector, 0-100",
	}, []string{"tbm_id"})

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"name"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// API
	APIRequestsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_throttled_total",
		Help:      "Total API requests rejected with 429",
	}, []string{"budget"})
)
