package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/store"
)

const defaultStreamMaxLen = 10000

// commands is the subset of *redis.Client the publisher uses.
type commands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Publisher keeps the latest result under <prefix>:latest and appends every
// result to the capped stream <prefix>:results.
type Publisher struct {
	client    commands
	latestKey string
	streamKey string
	maxLen    int64
}

// NewPublisher connects to url and pings the server.
func NewPublisher(ctx context.Context, url, prefix string, maxLen int64) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newPublisher(client, prefix, maxLen), nil
}

func newPublisher(client commands, prefix string, maxLen int64) *Publisher {
	if prefix == "" {
		prefix = "tbm"
	}
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &Publisher{
		client:    client,
		latestKey: prefix + ":latest",
		streamKey: prefix + ":results",
		maxLen:    maxLen,
	}
}

func (p *Publisher) Name() string { return "redis" }

func (p *Publisher) Publish(ctx context.Context, r event.Result) error {
	payload, err := store.Encode(r)
	if err != nil {
		return err
	}
	if err := p.client.Set(ctx, p.latestKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.latestKey, err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamKey,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"step":    strconv.FormatInt(r.Step, 10),
			"tbm_id":  r.TBMID,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", p.streamKey, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
