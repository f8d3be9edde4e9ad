package predictor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/inference"
	"github.com/emperorhan/tbm-forecaster/internal/inference/mocks"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/window"
	"github.com/emperorhan/tbm-forecaster/internal/scaler"
)

func seededWindow(t *testing.T, n int) (*window.Buffer, window.Window) {
	t.Helper()
	buf := window.New(n)
	vectors := make([]model.Vector, n)
	for k := range vectors {
		for i := range vectors[k] {
			vectors[k][i] = float64(k*100 + i)
		}
	}
	require.NoError(t, buf.Seed(vectors))
	return buf, buf.Snapshot()
}

// doubling is a scaler that multiplies by two, so the round trip is visible.
func doubling(t *testing.T) *scaler.MinMax {
	t.Helper()
	lo := make([]float64, model.FeatureCount)
	hi := make([]float64, model.FeatureCount)
	for i := range hi {
		hi[i] = 0.5
	}
	s, err := scaler.New(lo, hi, [2]float64{0, 1})
	require.NoError(t, err)
	return s
}

func unit(t *testing.T) *scaler.MinMax {
	t.Helper()
	lo := make([]float64, model.FeatureCount)
	hi := make([]float64, model.FeatureCount)
	for i := range hi {
		hi[i] = 1
	}
	s, err := scaler.New(lo, hi, [2]float64{0, 1})
	require.NoError(t, err)
	return s
}

func output(vals func(i int) float32) inference.Tensor {
	data := make([]float32, model.FeatureCount)
	for i := range data {
		data[i] = vals(i)
	}
	return inference.Tensor{Name: "output", Shape: []int{1, model.FeatureCount}, Data: data}
}

func TestPredict_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	_, w := seededWindow(t, 5)

	engine.EXPECT().Infer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, in inference.Tensor) (inference.Tensor, error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "inference call must be bounded")
			assert.Equal(t, "input", in.Name)
			assert.Equal(t, []int{1, 5, model.FeatureCount}, in.Shape)
			require.NoError(t, in.Validate())
			// Oldest row first, normalized by the doubling scaler.
			assert.Equal(t, float32(0), in.Data[0])
			assert.Equal(t, float32(2), in.Data[1])
			assert.Equal(t, float32(800), in.Data[4*model.FeatureCount])
			return output(func(i int) float32 { return float32(i) * 2 }), nil
		})

	o := New(engine, doubling(t), Config{TBMID: "TBM-07"}, &event.Recorder{}, nil)
	p := o.Predict(context.Background(), w, 7)
	require.NotNil(t, p)
	assert.Equal(t, int64(7), p.Step)
	for i, x := range p.Vector {
		assert.InDelta(t, float64(i), x, 1e-6, "slot %d", i)
	}

	last := o.Last()
	require.NotNil(t, last)
	assert.Equal(t, *p, *last)

	// Last hands out copies.
	last.Vector[0] = -1
	assert.NotEqual(t, -1.0, o.Last().Vector[0])
	p.Vector[1] = -1
	assert.NotEqual(t, -1.0, o.Last().Vector[1])
}

func TestPredict_FailureLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name string
		out  inference.Tensor
		err  error
	}{
		{name: "engine error", err: errors.New("model crashed")},
		{name: "short output", out: inference.Tensor{Shape: []int{1, 3}, Data: []float32{1, 2, 3}}},
		{name: "non-finite output", out: output(func(i int) float32 {
			if i == 4 {
				return float32(math.Inf(1))
			}
			return 1
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			engine := mocks.NewMockEngine(ctrl)
			buf, w := seededWindow(t, 5)
			sink := &event.Recorder{}
			o := New(engine, unit(t), Config{TBMID: "TBM-07"}, sink, nil)

			gomock.InOrder(
				engine.EXPECT().Infer(gomock.Any(), gomock.Any()).Return(output(func(int) float32 { return 3 }), nil),
				engine.EXPECT().Infer(gomock.Any(), gomock.Any()).Return(tt.out, tt.err),
			)

			first := o.Predict(context.Background(), w, 1)
			require.NotNil(t, first)
			before := buf.Snapshot()

			assert.Nil(t, o.Predict(context.Background(), w, 2))
			assert.Equal(t, before, buf.Snapshot(), "window untouched")
			assert.Equal(t, first, o.Last(), "cached prediction kept")
			assert.Equal(t, 1, sink.Count(event.KindInferenceFailed))
		})
	}
}

func TestPredict_Timeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	_, w := seededWindow(t, 5)

	engine.EXPECT().Infer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ inference.Tensor) (inference.Tensor, error) {
			<-ctx.Done()
			return inference.Tensor{}, ctx.Err()
		})

	sink := &event.Recorder{}
	o := New(engine, unit(t), Config{Timeout: 20 * time.Millisecond}, sink, nil)
	assert.Nil(t, o.Predict(context.Background(), w, 3))
	assert.Nil(t, o.Last())

	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.ErrorIs(t, evs[0].Err, context.DeadlineExceeded)
}

func TestPredict_EmptyWindowAndNoEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)

	o := New(engine, unit(t), Config{}, &event.Recorder{}, nil)
	assert.Nil(t, o.Predict(context.Background(), window.Window{}, 1))

	_, w := seededWindow(t, 2)
	sink := &event.Recorder{}
	assert.Nil(t, New(nil, unit(t), Config{}, sink, nil).Predict(context.Background(), w, 1))
	require.Len(t, sink.Events(), 1)
	assert.ErrorIs(t, sink.Events()[0].Err, ErrNoEngine)
}

func TestPredict_NoScalerNeverCallsEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	engine.EXPECT().Infer(gomock.Any(), gomock.Any()).Times(0)
	_, w := seededWindow(t, 5)

	sink := &event.Recorder{}
	o := New(engine, nil, Config{TBMID: "TBM-07"}, sink, nil)
	assert.Nil(t, o.Predict(context.Background(), w, 1))
	assert.Nil(t, o.Last())
	require.Len(t, sink.Events(), 1)
	assert.ErrorIs(t, sink.Events()[0].Err, ErrNoScaler)
}
