package model

import (
	"errors"
	"fmt"
	"math"
)

// FeatureCount is the number of canonical operating parameters.
const FeatureCount = 31

var (
	ErrVectorLength = errors.New("feature vector has wrong length")
	ErrNonFinite    = errors.New("feature vector has non-finite value")
)

// Reading is one optional slot of a FeatureVector.
type Reading struct {
	Value float64
	Valid bool
}

// Present returns a valid Reading holding v.
func Present(v float64) Reading {
	return Reading{Value: v, Valid: true}
}

// FeatureVector is a catalog-ordered vector whose slots may be missing.
type FeatureVector [FeatureCount]Reading

// MissingCount returns the number of null slots.
func (v FeatureVector) MissingCount() int {
	n := 0
	for _, r := range v {
		if !r.Valid {
			n++
		}
	}
	return n
}

// Vector is a complete feature vector with every slot bound.
type Vector [FeatureCount]float64

// Readings lifts a complete vector into a FeatureVector.
func (v Vector) Readings() FeatureVector {
	var out FeatureVector
	for i, x := range v {
		out[i] = Present(x)
	}
	return out
}

// VectorFromSlice is the only way variable-length data becomes a Vector.
func VectorFromSlice(vals []float64) (Vector, error) {
	var out Vector
	if len(vals) != FeatureCount {
		return out, fmt.Errorf("%w: got %d, want %d", ErrVectorLength, len(vals), FeatureCount)
	}
	for i, x := range vals {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Vector{}, fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
		out[i] = x
	}
	return out, nil
}

// Prediction is a forecast vector with the step that produced it.
type Prediction struct {
	Vector Vector
	Step   int64
}

// Clone returns a copy safe to hand to another owner.
func (p *Prediction) Clone() *Prediction {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
