package event

import (
	"time"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

// ForecastKind says how Result.Forecast was produced.
type ForecastKind string

const (
	ForecastNone      ForecastKind = "none"
	ForecastModel     ForecastKind = "model"
	ForecastSmartFill ForecastKind = "smart_fill"
)

// Result is the structure published after every pipeline step.
// Current is always complete and Sources tags each of its slots.
type Result struct {
	ID           string                           `json:"id"`
	TBMID        string                           `json:"tbm_id"`
	Step         int64                            `json:"step_count"`
	Timestamp    time.Time                        `json:"timestamp"`
	Mode         model.DataSourceMode             `json:"mode"`
	Current      model.Vector                     `json:"current_values"`
	Sources      [model.FeatureCount]model.Source `json:"current_sources"`
	Forecast     *model.Vector                    `json:"prediction_values"`
	ForecastKind ForecastKind                     `json:"prediction_kind"`
	BufferReady  bool                             `json:"buffer_ready"`
	State        model.MachineState               `json:"tbm_status"`
	Stale        bool                             `json:"stale"`
	RecordID     int64                            `json:"record_id,omitempty"`
	Quality      *QualitySummary                  `json:"quality,omitempty"`
}

// QualitySummary is the per-step output of the data quality validator.
type QualitySummary struct {
	Score      float64 `json:"score"`
	Usable     bool    `json:"usable"`
	Missing    []int   `json:"missing,omitempty"`
	OutOfRange []int   `json:"out_of_range,omitempty"`
	Anomalies  []int   `json:"anomalies,omitempty"`
}

// SourceCounts tallies the provenance tags of Current.
func (r Result) SourceCounts() map[model.Source]int {
	counts := make(map[model.Source]int, 4)
	for _, s := range r.Sources {
		counts[s]++
	}
	return counts
}

// Clone deep-copies pointer fields.
func (r Result) Clone() Result {
	if r.Forecast != nil {
		f := *r.Forecast
		r.Forecast = &f
	}
	if r.Quality != nil {
		q := *r.Quality
		q.Missing = append([]int(nil), q.Missing...)
		q.OutOfRange = append([]int(nil), q.OutOfRange...)
		q.Anomalies = append([]int(nil), q.Anomalies...)
		r.Quality = &q
	}
	return r
}
