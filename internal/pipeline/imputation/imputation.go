package imputation

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
	"github.com/emperorhan/tbm-forecaster/internal/pipeline/mapper"
)

// Generic bounds used when a slot has no usable plausible range.
const (
	DefaultMin = 0.0
	DefaultMax = 100.0
)

const walkVariation = 0.10

// Ranges supplies the plausible [min,max] of each slot. *model.Catalog
// satisfies it.
type Ranges interface {
	Range(i int) (float64, float64)
}

// RecordMapper turns a vendor record into a nullable vector.
type RecordMapper interface {
	Map(rec model.RawRecord) (model.FeatureVector, mapper.Report)
}

// WarmStartReport summarises how the initial window was built.
type WarmStartReport struct {
	Records     int // history records offered
	Used        int // records that made it into the window
	Synthetic   int // vectors generated to pad a short history
	FilledSlots int // null slots inside used records filled from ranges
}

// Engine completes nullable vectors. It owns its random source and is safe
// for concurrent use.
type Engine struct {
	ranges Ranges

	mu   sync.Mutex
	rng  *rand.Rand
	walk *model.Vector
}

// New builds an Engine. A nil rng gets a randomly seeded PCG source.
func New(ranges Ranges, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{ranges: ranges, rng: rng}
}

// NewSeeded builds an Engine with a deterministic source.
func NewSeeded(ranges Ranges, seed uint64) *Engine {
	return New(ranges, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Fill completes v. Each null slot is resolved independently:
//
//	api_zero_fill        0
//	api_random_fill      uniform draw from the slot range
//	api_prediction_fill  last prediction, then uniform draw
//
// The uniform draw falls back to [DefaultMin,DefaultMax] when the slot has
// no finite range. Valid slots pass through tagged real.
func (e *Engine) Fill(v model.FeatureVector, last *model.Prediction, mode model.DataSourceMode) (model.Vector, [model.FeatureCount]model.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out model.Vector
	var sources [model.FeatureCount]model.Source
	for i, r := range v {
		switch {
		case r.Valid:
			out[i], sources[i] = r.Value, model.SourceReal
		case mode == model.ModeAPIZeroFill:
			out[i], sources[i] = 0, model.SourceFilled
		case mode != model.ModeAPIRandomFill && last != nil:
			out[i], sources[i] = last.Vector[i], model.SourcePredicted
		default:
			out[i], sources[i] = e.uniform(i), model.SourceFilled
		}
	}
	return out, sources
}

// Synthetic draws every slot uniformly from its range.
func (e *Engine) Synthetic() model.Vector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synthetic()
}

// RandomWalk produces the next simulated vector: the first one is uniform,
// later ones move each slot by up to ±10% of its previous value, clamped to
// the slot range.
func (e *Engine) RandomWalk() model.Vector {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.walk == nil {
		v := e.synthetic()
		e.walk = &v
		return v
	}
	var next model.Vector
	for i, base := range e.walk {
		lo, hi := e.bounds(i)
		variation := base * walkVariation * (e.rng.Float64()*2 - 1)
		next[i] = clamp(base+variation, lo, hi)
	}
	e.walk = &next
	return next
}

// SmartFill is the rest-state forecast: the completed current vector
// echoed back. Real and imputed slots keep their values; only a slot that
// is not finite is drawn from its range.
func (e *Engine) SmartFill(current model.Vector) model.Vector {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := current
	for i, x := range out {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			out[i] = e.uniform(i)
		}
	}
	return out
}

// WarmStart builds the initial window of exactly n vectors from history.
// Records are ordered by ascending id and the newest n kept. Nulls inside a
// record are drawn from ranges since there is no previous prediction yet. A
// short history is padded at the front with synthetic vectors so the real
// records stay newest.
func (e *Engine) WarmStart(records []model.RawRecord, n int, m RecordMapper) ([]model.Vector, WarmStartReport) {
	report := WarmStartReport{Records: len(records)}
	if n <= 0 {
		return nil, report
	}

	sorted := make([]model.RawRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	if len(sorted) > n {
		sorted = sorted[len(sorted)-n:]
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Vector, 0, n)
	for len(out)+len(sorted) < n {
		out = append(out, e.synthetic())
		report.Synthetic++
	}
	for _, rec := range sorted {
		fv, _ := m.Map(rec)
		var v model.Vector
		for i, r := range fv {
			if r.Valid {
				v[i] = r.Value
				continue
			}
			v[i] = e.uniform(i)
			report.FilledSlots++
		}
		out = append(out, v)
		report.Used++
	}
	return out, report
}

func (e *Engine) synthetic() model.Vector {
	var v model.Vector
	for i := range v {
		v[i] = e.uniform(i)
	}
	return v
}

func (e *Engine) uniform(i int) float64 {
	lo, hi := e.bounds(i)
	return lo + e.rng.Float64()*(hi-lo)
}

func (e *Engine) bounds(i int) (float64, float64) {
	if e.ranges == nil {
		return DefaultMin, DefaultMax
	}
	lo, hi := e.ranges.Range(i)
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || !(lo < hi) {
		return DefaultMin, DefaultMax
	}
	return lo, hi
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
