package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

type Config struct {
	Vendor    VendorConfig
	Fetch     FetchConfig
	Pipeline  PipelineConfig
	Inference InferenceConfig
	Artifacts ArtifactConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	MQTT      MQTTConfig
	Alert     AlertConfig
	Tracing   TracingConfig
	Server    ServerConfig
	Log       LogConfig
}

type VendorConfig struct {
	Endpoint       string
	Token          string
	TBMID          string
	Timezone       string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

type FetchConfig struct {
	MinInterval             time.Duration
	MaxAttempts             int
	RetryDelay              time.Duration
	LatestLookback          time.Duration
	HistoryLookback         time.Duration
	HistoryLimit            int
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
}

type PipelineConfig struct {
	Mode             model.DataSourceMode
	WindowSize       int
	FetchSecond      int
	TickInterval     time.Duration
	RestPolicy       string
	FallbackToRandom bool
	ReplayCacheSize  int
	ReplayCacheTTL   time.Duration
	RandomSeed       int64

	UnhealthyThreshold int
	ResultHistorySize  int
}

type InferenceConfig struct {
	URL       string
	Model     string
	InputName string
	Timeout   time.Duration
	Required  bool
}

type ArtifactConfig struct {
	ScalerPath  string
	CatalogPath string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

type RedisConfig struct {
	URL          string
	KeyPrefix    string
	StreamMaxLen int64
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	QoS         int
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type ServerConfig struct {
	HTTPPort     int
	RateLimitRPS float64
	CORSOrigins  []string
}

type LogConfig struct {
	Level string
}

const (
	RestPolicySmartFill = "smart_fill"
	RestPolicyPredict   = "predict"
)

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv reads the environment without cross-field validation, so that
// command-line overrides can be applied before Validate.
func LoadEnv() (*Config, error) {
	cfg := &Config{
		Vendor: VendorConfig{
			Endpoint:       getEnv("VENDOR_ENDPOINT", ""),
			Token:          getEnv("VENDOR_ACCESS_TOKEN", ""),
			TBMID:          getEnv("VENDOR_TBM_ID", ""),
			Timezone:       getEnv("VENDOR_TIMEZONE", "Asia/Shanghai"),
			ConnectTimeout: getEnvDuration("VENDOR_CONNECT_TIMEOUT", 10*time.Second),
			RequestTimeout: getEnvDuration("VENDOR_REQUEST_TIMEOUT", 30*time.Second),
		},
		Fetch: FetchConfig{
			MinInterval:             getEnvDuration("FETCH_MIN_INTERVAL", time.Second),
			MaxAttempts:             getEnvInt("FETCH_MAX_ATTEMPTS", 3),
			RetryDelay:              getEnvDuration("FETCH_RETRY_DELAY", time.Second),
			LatestLookback:          getEnvDuration("FETCH_LATEST_LOOKBACK", 7*24*time.Hour),
			HistoryLookback:         getEnvDuration("FETCH_HISTORY_LOOKBACK", 10*time.Minute),
			HistoryLimit:            getEnvInt("FETCH_HISTORY_LIMIT", 50),
			BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 2*time.Minute),
		},
		Pipeline: PipelineConfig{
			WindowSize:       getEnvInt("WINDOW_SIZE", 5),
			FetchSecond:      getEnvInt("FETCH_SECOND", 10),
			TickInterval:     getEnvDuration("TICK_INTERVAL", time.Second),
			RestPolicy:       getEnv("REST_POLICY", RestPolicySmartFill),
			FallbackToRandom: getEnvBool("FALLBACK_TO_RANDOM", false),
			ReplayCacheSize:  getEnvInt("REPLAY_CACHE_SIZE", 1024),
			ReplayCacheTTL:   getEnvDuration("REPLAY_CACHE_TTL", time.Hour),
			RandomSeed:       int64(getEnvInt("RANDOM_SEED", 0)),

			UnhealthyThreshold: getEnvInt("HEALTH_UNHEALTHY_THRESHOLD", 5),
			ResultHistorySize:  getEnvInt("RESULT_HISTORY_SIZE", 1440),
		},
		Inference: InferenceConfig{
			URL:       getEnv("INFERENCE_URL", "http://localhost:8000"),
			Model:     getEnv("INFERENCE_MODEL", "tbm-forecast"),
			InputName: getEnv("INFERENCE_INPUT_NAME", "input"),
			Timeout:   getEnvDuration("INFERENCE_TIMEOUT", 5*time.Second),
			Required:  getEnvBool("INFERENCE_REQUIRED", true),
		},
		Artifacts: ArtifactConfig{
			ScalerPath:  getEnv("SCALER_PATH", ""),
			CatalogPath: getEnv("CATALOG_PATH", ""),
			S3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
			S3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
			S3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "tbm"),
			StreamMaxLen: int64(getEnvInt("REDIS_STREAM_MAXLEN", 10000)),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "tbm.forecast"),
		},
		MQTT: MQTTConfig{
			BrokerURL:   getEnv("MQTT_BROKER_URL", ""),
			ClientID:    getEnv("MQTT_CLIENT_ID", "tbm-forecaster"),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "tbm"),
			QoS:         getEnvInt("MQTT_QOS", 1),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        getEnvDuration("ALERT_COOLDOWN", 30*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("OTEL_TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
		Server: ServerConfig{
			HTTPPort:     getEnvInt("HTTP_PORT", 8080),
			RateLimitRPS: getEnvFloat("API_RATE_LIMIT_RPS", 5),
			CORSOrigins:  splitList(getEnv("API_CORS_ORIGINS", "*")),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	mode, err := model.ParseDataSourceMode(getEnv("DATA_SOURCE_MODE", string(model.ModeAPIPredictionFill)))
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.Mode = mode
	return cfg, nil
}

// Validate checks cross-field constraints. It is exported so flag overrides
// applied after Load can be re-checked.
func (c *Config) Validate() error {
	if c.Pipeline.Mode.UsesAPI() {
		if c.Vendor.Endpoint == "" {
			return fmt.Errorf("VENDOR_ENDPOINT is required for mode %s", c.Pipeline.Mode)
		}
		if c.Vendor.Token == "" {
			return fmt.Errorf("VENDOR_ACCESS_TOKEN is required for mode %s", c.Pipeline.Mode)
		}
		if c.Vendor.TBMID == "" {
			return fmt.Errorf("VENDOR_TBM_ID is required for mode %s", c.Pipeline.Mode)
		}
	}
	if _, err := time.LoadLocation(c.Vendor.Timezone); err != nil {
		return fmt.Errorf("VENDOR_TIMEZONE: %w", err)
	}
	if c.Pipeline.WindowSize < 1 {
		return fmt.Errorf("WINDOW_SIZE must be >= 1, got %d", c.Pipeline.WindowSize)
	}
	if c.Pipeline.FetchSecond < -1 || c.Pipeline.FetchSecond > 59 {
		return fmt.Errorf("FETCH_SECOND must be in [-1,59], got %d", c.Pipeline.FetchSecond)
	}
	if c.Pipeline.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	switch c.Pipeline.RestPolicy {
	case RestPolicySmartFill, RestPolicyPredict:
	default:
		return fmt.Errorf("REST_POLICY must be %q or %q, got %q", RestPolicySmartFill, RestPolicyPredict, c.Pipeline.RestPolicy)
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("FETCH_MAX_ATTEMPTS must be >= 1, got %d", c.Fetch.MaxAttempts)
	}
	if c.Fetch.HistoryLimit < c.Pipeline.WindowSize {
		return fmt.Errorf("FETCH_HISTORY_LIMIT (%d) must be >= WINDOW_SIZE (%d)", c.Fetch.HistoryLimit, c.Pipeline.WindowSize)
	}
	if c.Inference.Required && c.Inference.URL == "" {
		return fmt.Errorf("INFERENCE_URL is required")
	}
	if c.Artifacts.ScalerPath == "" && (c.Inference.Required || c.Pipeline.Mode.UsesAPI()) {
		return fmt.Errorf("SCALER_PATH is required for mode %s", c.Pipeline.Mode)
	}
	if c.Pipeline.UnhealthyThreshold < 1 {
		return fmt.Errorf("HEALTH_UNHEALTHY_THRESHOLD must be >= 1, got %d", c.Pipeline.UnhealthyThreshold)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.Server.HTTPPort)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("1500ms") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
