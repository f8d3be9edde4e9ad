package quality

import (
	"sync"

	"github.com/emperorhan/tbm-forecaster/internal/domain/event"
	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/metrics"
)

// MinUsable is the number of valid slots a vector needs to count as usable.
const MinUsable = 25

// anomalyMargin widens the validity range before a reading counts as an
// anomaly rather than merely out of range.
const anomalyMargin = 0.2

const (
	KindMissing    = "missing"
	KindOutOfRange = "out_of_range"
	KindAnomaly    = "anomaly"
)

// Report is the verdict on one fetched vector. Every invalid slot lands in
// exactly one of Missing, OutOfRange or Anomalies.
type Report struct {
	Valid      int
	Score      float64
	Usable     bool
	Missing    []int
	OutOfRange []int
	Anomalies  []int
}

func (r Report) Summary() *event.QualitySummary {
	return &event.QualitySummary{
		Score:      r.Score,
		Usable:     r.Usable,
		Missing:    r.Missing,
		OutOfRange: r.OutOfRange,
		Anomalies:  r.Anomalies,
	}
}

// Cumulative aggregates every report since start or the last Reset.
type Cumulative struct {
	Validations    int64   `json:"total_validations"`
	Usable         int64   `json:"usable"`
	Unusable       int64   `json:"unusable"`
	MissingSlots   int64   `json:"missing_slots"`
	OutOfRange     int64   `json:"out_of_range_slots"`
	Anomalies      int64   `json:"anomaly_slots"`
	UsableRate     float64 `json:"usable_rate"`
	MissingRate    float64 `json:"missing_rate"`
	OutOfRangeRate float64 `json:"out_of_range_rate"`
	AnomalyRate    float64 `json:"anomaly_rate"`
}

// Validator checks fetched readings against sensor validity bounds. It only
// reports; it never changes values.
type Validator struct {
	catalog *model.Catalog
	tbmID   string

	mu    sync.Mutex
	stats Cumulative
}

func New(catalog *model.Catalog, tbmID string) *Validator {
	return &Validator{catalog: catalog, tbmID: tbmID}
}

func (v *Validator) Validate(fv model.FeatureVector) Report {
	var r Report
	for i, reading := range fv {
		if !reading.Valid {
			r.Missing = append(r.Missing, i)
			continue
		}
		f := v.catalog.At(i)
		if reading.Value >= f.ValidMin && reading.Value <= f.ValidMax {
			r.Valid++
			continue
		}
		lo := f.ValidMin - anomalyMargin*abs(f.ValidMin)
		hi := f.ValidMax + anomalyMargin*abs(f.ValidMax)
		if reading.Value < lo || reading.Value > hi {
			r.Anomalies = append(r.Anomalies, i)
		} else {
			r.OutOfRange = append(r.OutOfRange, i)
		}
	}
	r.Score = float64(r.Valid) / float64(model.FeatureCount) * 100
	r.Usable = r.Valid >= MinUsable

	v.record(r)
	return r
}

func (v *Validator) record(r Report) {
	metrics.QualityScore.WithLabelValues(v.tbmID).Set(r.Score)
	if n := len(r.Missing); n > 0 {
		metrics.QualityIssuesTotal.WithLabelValues(v.tbmID, KindMissing).Add(float64(n))
	}
	if n := len(r.OutOfRange); n > 0 {
		metrics.QualityIssuesTotal.WithLabelValues(v.tbmID, KindOutOfRange).Add(float64(n))
	}
	if n := len(r.Anomalies); n > 0 {
		metrics.QualityIssuesTotal.WithLabelValues(v.tbmID, KindAnomaly).Add(float64(n))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.stats.Validations++
	if r.Usable {
		v.stats.Usable++
	} else {
		v.stats.Unusable++
	}
	v.stats.MissingSlots += int64(len(r.Missing))
	v.stats.OutOfRange += int64(len(r.OutOfRange))
	v.stats.Anomalies += int64(len(r.Anomalies))
}

// Cumulative returns the aggregate with rates as percentages.
func (v *Validator) Cumulative() Cumulative {
	v.mu.Lock()
	s := v.stats
	v.mu.Unlock()

	if s.Validations == 0 {
		return s
	}
	slots := float64(s.Validations * model.FeatureCount)
	s.UsableRate = float64(s.Usable) / float64(s.Validations) * 100
	s.MissingRate = float64(s.MissingSlots) / slots * 100
	s.OutOfRangeRate = float64(s.OutOfRange) / slots * 100
	s.AnomalyRate = float64(s.Anomalies) / slots * 100
	return s
}

func (v *Validator) Reset() {
	v.mu.Lock()
	v.stats = Cumulative{}
	v.mu.Unlock()
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
