package scaler

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

// MinMax is a fitted per-feature min-max scaler. It reproduces
// scikit-learn's MinMaxScaler, including its zero-range handling: a feature
// whose data_min_ equals data_max_ is scaled with unit range.
type MinMax struct {
	DataMin      model.Vector
	DataMax      model.Vector
	FeatureRange [2]float64

	scale  model.Vector
	offset model.Vector
}

type artifact struct {
	DataMin      []float64 `yaml:"data_min_"`
	DataMax      []float64 `yaml:"data_max_"`
	FeatureRange []float64 `yaml:"feature_range"`
}

// New validates the fitted parameters and precomputes the transform.
func New(dataMin, dataMax []float64, featureRange [2]float64) (*MinMax, error) {
	lo, err := model.VectorFromSlice(dataMin)
	if err != nil {
		return nil, fmt.Errorf("data_min_: %w", err)
	}
	hi, err := model.VectorFromSlice(dataMax)
	if err != nil {
		return nil, fmt.Errorf("data_max_: %w", err)
	}
	if !(featureRange[0] < featureRange[1]) {
		return nil, fmt.Errorf("feature_range [%v,%v] is not increasing", featureRange[0], featureRange[1])
	}
	s := &MinMax{DataMin: lo, DataMax: hi, FeatureRange: featureRange}
	width := featureRange[1] - featureRange[0]
	for i := range lo {
		span := hi[i] - lo[i]
		if span < 0 {
			return nil, fmt.Errorf("feature %d: data_max_ %v below data_min_ %v", i, hi[i], lo[i])
		}
		if span == 0 {
			span = 1
		}
		s.scale[i] = width / span
		s.offset[i] = featureRange[0] - lo[i]*s.scale[i]
	}
	return s, nil
}

// Parse reads a scaler artifact. JSON is accepted as a YAML subset.
func Parse(data []byte) (*MinMax, error) {
	var a artifact
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode scaler artifact: %w", err)
	}
	if len(a.DataMin) == 0 || len(a.DataMax) == 0 {
		return nil, errors.New("scaler artifact missing data_min_ or data_max_")
	}
	fr := [2]float64{0, 1}
	switch len(a.FeatureRange) {
	case 0:
	case 2:
		fr = [2]float64{a.FeatureRange[0], a.FeatureRange[1]}
	default:
		return nil, fmt.Errorf("feature_range has %d values, want 2", len(a.FeatureRange))
	}
	return New(a.DataMin, a.DataMax, fr)
}

// Transform normalizes each row.
func (s *MinMax) Transform(rows [][model.FeatureCount]float64) [][model.FeatureCount]float64 {
	out := make([][model.FeatureCount]float64, len(rows))
	for r, row := range rows {
		for i, x := range row {
			out[r][i] = x*s.scale[i] + s.offset[i]
		}
	}
	return out
}

// InverseTransform maps one normalized row back to raw units.
func (s *MinMax) InverseTransform(row [model.FeatureCount]float64) [model.FeatureCount]float64 {
	var out [model.FeatureCount]float64
	for i, x := range row {
		out[i] = (x - s.offset[i]) / s.scale[i]
	}
	return out
}

// Ranges exposes data_min_ and data_max_ as plain slices for catalog
// reconciliation.
func (s *MinMax) Ranges() (dataMin, dataMax []float64) {
	dataMin = make([]float64, model.FeatureCount)
	dataMax = make([]float64, model.FeatureCount)
	copy(dataMin, s.DataMin[:])
	copy(dataMax, s.DataMax[:])
	return dataMin, dataMax
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

// CheckFinite reports the first non-finite slot.
func CheckFinite(row [model.FeatureCount]float64) error {
	for i, x := range row {
		if !finite(x) {
			return fmt.Errorf("%w at index %d", model.ErrNonFinite, i)
		}
	}
	return nil
}
