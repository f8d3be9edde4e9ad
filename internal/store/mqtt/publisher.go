package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/store"
)

const connectTimeout = 10 * time.Second

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

type Config struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// Publisher sends each result retained to <prefix>/<tbm_id>/forecast so a
// late subscriber gets the current forecast immediately.
type Publisher struct {
	client publisher
	prefix string
	qos    byte
}

// NewPublisher connects to the broker with automatic reconnect.
func NewPublisher(cfg Config) (*Publisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(true)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect mqtt %s: timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, err)
	}
	return newPublisher(client, cfg.TopicPrefix, cfg.QoS), nil
}

func newPublisher(client publisher, prefix string, qos byte) *Publisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "tbm"
	}
	return &Publisher{client: client, prefix: prefix, qos: qos}
}

func (p *Publisher) Name() string { return "mqtt" }

// Topic returns the forecast topic for a machine.
func (p *Publisher) Topic(tbmID string) string {
	if tbmID == "" {
		tbmID = "unknown"
	}
	return p.prefix + "/" + tbmID + "/forecast"
}

func (p *Publisher) Publish(ctx context.Context, r event.Result) error {
	payload, err := store.Encode(r)
	if err != nil {
		return err
	}
	topic := p.Topic(r.TBMID)
	token := p.client.Publish(topic, p.qos, true, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
