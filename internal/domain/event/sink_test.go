package event

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

func TestLogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Emit(context.Background(), Event{Kind: KindFetchOK, TBMID: "TBM-07", Step: 3, Attrs: map[string]any{"record_id": 42}})
	sink.Emit(context.Background(), Event{Kind: KindFetchFailed, TBMID: "TBM-07", Step: 4, Err: errors.New("http status 503")})

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "event=fetch_ok")
	assert.Contains(t, out, "record_id=42")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `error="http status 503"`)
}

func TestRecorderAndMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, b}

	sink.Emit(context.Background(), Event{Kind: KindStale})
	sink.Emit(context.Background(), Event{Kind: KindStale})
	sink.Emit(context.Background(), Event{Kind: KindReplay})

	for _, r := range []*Recorder{a, b} {
		require.Len(t, r.Events(), 3)
		assert.Equal(t, 2, r.Count(KindStale))
		assert.Equal(t, 1, r.Count(KindReplay))
		assert.Zero(t, r.Count(KindMalformed))
	}
}

func TestResultClone(t *testing.T) {
	var f model.Vector
	f[0] = 1
	r := Result{Forecast: &f, Quality: &QualitySummary{Missing: []int{1, 2}}}

	c := r.Clone()
	c.Forecast[0] = 9
	c.Quality.Missing[0] = 7
	assert.Equal(t, 1.0, r.Forecast[0])
	assert.Equal(t, []int{1, 2}, r.Quality.Missing)
}
