package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
)

type fakeRedis struct {
	sets   map[string]any
	adds   []*redis.XAddArgs
	setErr error
	addErr error
	closed bool
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	if f.sets == nil {
		f.sets = map[string]any{}
	}
	f.sets[key] = value
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	if f.addErr != nil {
		return redis.NewStringResult("", f.addErr)
	}
	f.adds = append(f.adds, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestPublisher_SetsLatestAndAppends(t *testing.T) {
	fake := &fakeRedis{}
	p := newPublisher(fake, "site-a", 0)

	r := event.Result{TBMID: "TBM-07", Step: 12, BufferReady: true}
	require.NoError(t, p.Publish(context.Background(), r))

	raw, ok := fake.sets["site-a:latest"]
	require.True(t, ok)
	var decoded event.Result
	require.NoError(t, json.Unmarshal(raw.([]byte), &decoded))
	assert.Equal(t, int64(12), decoded.Step)

	require.Len(t, fake.adds, 1)
	add := fake.adds[0]
	assert.Equal(t, "site-a:results", add.Stream)
	assert.Equal(t, int64(defaultStreamMaxLen), add.MaxLen)
	assert.True(t, add.Approx)
	values := add.Values.(map[string]any)
	assert.Equal(t, "12", values["step"])
	assert.Equal(t, "TBM-07", values["tbm_id"])

	require.NoError(t, p.Close())
	assert.True(t, fake.closed)
	assert.Equal(t, "redis", p.Name())
}

func TestPublisher_Errors(t *testing.T) {
	tests := []struct {
		name   string
		fake   *fakeRedis
		errMsg string
	}{
		{name: "set fails", fake: &fakeRedis{setErr: errors.New("READONLY")}, errMsg: "redis set tbm:latest"},
		{name: "xadd fails", fake: &fakeRedis{addErr: errors.New("OOM")}, errMsg: "redis xadd tbm:results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPublisher(tt.fake, "", 50)
			err := p.Publish(context.Background(), event.Result{Step: 1})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewPublisher_BadURL(t *testing.T) {
	_, err := NewPublisher(context.Background(), "not-a-url://", "tbm", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}
