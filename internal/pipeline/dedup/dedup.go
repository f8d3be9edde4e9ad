package dedup

import "github.com/emperorhan/tbm-forecaster/internal/domain/model"

// DefaultTolerance is the absolute per-slot tolerance for equality.
const DefaultTolerance = 1e-6

// Detector flags a fetched vector that repeats the previous one. Vendors
// re-serve the last record when the machine stops reporting, so an identical
// read is not new information.
type Detector struct {
	Tolerance float64

	prev    model.FeatureVector
	hasPrev bool
}

func New() *Detector {
	return &Detector{Tolerance: DefaultTolerance}
}

// IsDuplicate reports whether every slot is null in both or valid in both
// and within tolerance.
func (d *Detector) IsDuplicate(current, previous model.FeatureVector) bool {
	tol := d.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	for i := range current {
		c, p := current[i], previous[i]
		if c.Valid != p.Valid {
			return false
		}
		if !c.Valid {
			continue
		}
		diff := c.Value - p.Value
		if diff < 0 {
			diff = -diff
		}
		if diff > tol {
			return false
		}
	}
	return true
}

// Check compares current against the last observed vector and remembers it.
// A duplicate comes back fully nulled with stale=true. The reference for the
// next call is always the raw observation.
func (d *Detector) Check(current model.FeatureVector) (model.FeatureVector, bool) {
	stale := d.hasPrev && d.IsDuplicate(current, d.prev)
	d.prev = current
	d.hasPrev = true
	if stale {
		return model.FeatureVector{}, true
	}
	return current, false
}
