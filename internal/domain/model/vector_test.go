package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureVector_MissingCount(t *testing.T) {
	var fv FeatureVector
	assert.Equal(t, FeatureCount, fv.MissingCount())

	var v Vector
	for i := range v {
		v[i] = float64(i)
	}
	fv = v.Readings()
	assert.Zero(t, fv.MissingCount())
	assert.Equal(t, Present(30), fv[30])
}

func TestVectorFromSlice(t *testing.T) {
	vals := make([]float64, FeatureCount)
	vals[3] = 1.5

	v, err := VectorFromSlice(vals)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v[3])

	_, err = VectorFromSlice(vals[:20])
	assert.ErrorIs(t, err, ErrVectorLength)

	vals[7] = math.Inf(1)
	_, err = VectorFromSlice(vals)
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestPrediction_Clone(t *testing.T) {
	var nilPred *Prediction
	assert.Nil(t, nilPred.Clone())

	p := &Prediction{Step: 7}
	p.Vector[0] = 1
	cp := p.Clone()
	cp.Vector[0] = 2
	assert.Equal(t, 1.0, p.Vector[0])
	assert.Equal(t, int64(7), cp.Step)
}

func TestParseDataSourceMode(t *testing.T) {
	tests := []struct {
		in      string
		want    DataSourceMode
		wantErr bool
	}{
		{in: "1", want: ModeRandomOnly},
		{in: "random_only", want: ModeRandomOnly},
		{in: "2", want: ModeAPIZeroFill},
		{in: "API_RANDOM_FILL", want: ModeAPIRandomFill},
		{in: " 4 ", want: ModeAPIPredictionFill},
		{in: "api_prediction_fill", want: ModeAPIPredictionFill},
		{in: "5", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDataSourceMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.False(t, ModeRandomOnly.UsesAPI())
	assert.True(t, ModeAPIZeroFill.UsesAPI())
}
