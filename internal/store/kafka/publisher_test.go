package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublisher_WritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "tbm.forecast")
	ts := time.Date(2026, 3, 1, 10, 0, 10, 0, time.UTC)

	require.NoError(t, p.Publish(context.Background(), event.Result{
		TBMID:        "TBM-07",
		Step:         3,
		Timestamp:    ts,
		ForecastKind: event.ForecastModel,
	}))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "TBM-07", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	assert.Equal(t, []kafka.Header{
		{Key: "step", Value: []byte("3")},
		{Key: "prediction_kind", Value: []byte("model")},
	}, msg.Headers)

	var decoded event.Result
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, int64(3), decoded.Step)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WrapsWriteError(t *testing.T) {
	cause := errors.New("leader not available")
	p := newPublisher(&fakeWriter{err: cause}, "tbm.forecast")

	err := p.Publish(context.Background(), event.Result{})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "kafka write tbm.forecast")
	assert.Equal(t, "kafka", p.Name())
}
