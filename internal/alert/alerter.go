package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/tbm-forecaster/internal/metrics"
)

type AlertType string

const (
	AlertTypeUnhealthy        AlertType = "UNHEALTHY"
	AlertTypeRecovery         AlertType = "RECOVERY"
	AlertTypeFetchOutage      AlertType = "FETCH_OUTAGE"
	AlertTypeInferenceFailure AlertType = "INFERENCE_FAILURE"
	AlertTypeBreakerOpen      AlertType = "BREAKER_OPEN"
	AlertTypeModeFallback     AlertType = "MODE_FALLBACK"
)

// Alert is one operator notification about a machine.
type Alert struct {
	Type    AlertType
	TBMID   string
	Title   string
	Message string
	Fields  map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Named alerters report their channel for metrics.
type Named interface {
	Channel() string
}

// MultiAlerter fans alerts out to every channel. The same type for the same
// machine is sent at most once per cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// WithClock replaces the cooldown clock.
func (m *MultiAlerter) WithClock(now func() time.Time) *MultiAlerter {
	m.now = now
	return m
}

// Len is the number of configured channels.
func (m *MultiAlerter) Len() int { return len(m.alerters) }

func cooldownKey(a Alert) string {
	return string(a.Type) + ":" + a.TBMID
}

// Send dispatches alert to all channels and returns the first channel error.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)
	now := m.now()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(channelOf(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", channelOf(a),
				"type", alert.Type,
				"tbm_id", alert.TBMID,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(channelOf(a), string(alert.Type)).Inc()
	}
	return firstErr
}

func channelOf(a Alerter) string {
	if n, ok := a.(Named); ok {
		return n.Channel()
	}
	return "unknown"
}

// SlackAlerter posts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Channel() string { return "slack" }

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeFetchOutage, AlertTypeBreakerOpen:
		emoji = ":satellite_antenna:"
	case AlertTypeInferenceFailure:
		emoji = ":brain:"
	case AlertTypeModeFallback:
		emoji = ":twisted_rightwards_arrows:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s: %s\n%s", emoji, alert.Type, alert.TBMID, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}
	return postJSON(ctx, s.client, s.webhookURL, "slack", map[string]string{"text": b.String()})
}

// WebhookAlerter posts the alert as JSON to a generic endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (w *WebhookAlerter) Channel() string { return "webhook" }

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, w.client, w.url, "webhook", map[string]any{
		"type":    string(alert.Type),
		"tbm_id":  alert.TBMID,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    w.now().UTC().Format(time.RFC3339),
	})
}

func postJSON(ctx context.Context, client *http.Client, url, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter is used when no channel is configured.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, Alert) error { return nil }
