package model

import (
	"fmt"
	"math"
)

// TorqueIndex is the catalog slot of cutterhead torque, the machine state signal.
const TorqueIndex = 20

// Feature describes one canonical operating parameter.
// [Min,Max] bounds synthetic values; [ValidMin,ValidMax] bounds plausible sensor readings.
type Feature struct {
	Index      int     `yaml:"-" json:"index"`
	Name       string  `yaml:"name" json:"name"`
	Unit       string  `yaml:"unit" json:"unit"`
	VendorCode string  `yaml:"code" json:"code"`
	Min        float64 `yaml:"min" json:"min"`
	Max        float64 `yaml:"max" json:"max"`
	ValidMin   float64 `yaml:"valid_min" json:"valid_min"`
	ValidMax   float64 `yaml:"valid_max" json:"valid_max"`
}

// Catalog is the ordered, immutable list of FeatureCount features.
type Catalog struct {
	features []Feature
	byCode   map[string]int
}

// NewCatalog validates and indexes the given features.
func NewCatalog(features []Feature) (*Catalog, error) {
	if len(features) != FeatureCount {
		return nil, fmt.Errorf("catalog has %d features, want %d", len(features), FeatureCount)
	}
	c := &Catalog{
		features: make([]Feature, FeatureCount),
		byCode:   make(map[string]int, FeatureCount),
	}
	for i, f := range features {
		if f.VendorCode == "" {
			return nil, fmt.Errorf("feature %d (%s): empty vendor code", i, f.Name)
		}
		if prev, dup := c.byCode[f.VendorCode]; dup {
			return nil, fmt.Errorf("vendor code %s used by features %d and %d", f.VendorCode, prev, i)
		}
		if !(f.Min < f.Max) || math.IsInf(f.Min, 0) || math.IsInf(f.Max, 0) {
			return nil, fmt.Errorf("feature %d (%s): invalid range [%v,%v]", i, f.Name, f.Min, f.Max)
		}
		if f.ValidMin == 0 && f.ValidMax == 0 {
			f.ValidMin, f.ValidMax = f.Min, f.Max
		}
		f.Index = i
		c.features[i] = f
		c.byCode[f.VendorCode] = i
	}
	return c, nil
}

func (c *Catalog) Len() int { return len(c.features) }

func (c *Catalog) At(i int) Feature { return c.features[i] }

// Features returns a copy of the ordered feature list.
func (c *Catalog) Features() []Feature {
	out := make([]Feature, len(c.features))
	copy(out, c.features)
	return out
}

// Range returns the synthetic-value bounds of slot i.
func (c *Catalog) Range(i int) (float64, float64) {
	f := c.features[i]
	return f.Min, f.Max
}

// WithRanges returns a copy whose plausible ranges come from a fitted scaler.
// Slots where the scaler range is degenerate keep the catalog range.
func (c *Catalog) WithRanges(dataMin, dataMax []float64) (*Catalog, error) {
	if len(dataMin) != FeatureCount || len(dataMax) != FeatureCount {
		return nil, fmt.Errorf("%w: ranges %d/%d", ErrVectorLength, len(dataMin), len(dataMax))
	}
	features := c.Features()
	for i := range features {
		lo, hi := dataMin[i], dataMax[i]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || !(lo < hi) {
			continue
		}
		features[i].Min, features[i].Max = lo, hi
	}
	return NewCatalog(features)
}

// DefaultCatalog is the vendor field layout in use on site.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultFeatures())
	if err != nil {
		panic(err)
	}
	return c
}

func defaultFeatures() []Feature {
	fs := []Feature{
		{Name: "penetration", Unit: "MPa", VendorCode: "date120", Min: 0.5, Max: 3.0, ValidMin: 0.1, ValidMax: 5.0},
		{Name: "thrust_pressure_top", Unit: "MPa", VendorCode: "date16", Min: 0.5, Max: 3.0, ValidMin: 0.1, ValidMax: 5.0},
		{Name: "thrust_pressure_right", Unit: "MPa", VendorCode: "date17", Min: 0.5, Max: 3.0, ValidMin: 0.1, ValidMax: 5.0},
		{Name: "thrust_pressure_bottom", Unit: "MPa", VendorCode: "date18", Min: 0.5, Max: 3.0, ValidMin: 0.1, ValidMax: 5.0},
		{Name: "thrust_pressure_left", Unit: "MPa", VendorCode: "date19", Min: 0.5, Max: 3.0, ValidMin: 0.1, ValidMax: 5.0},
		{Name: "earth_pressure_right", Unit: "MPa", VendorCode: "date29", Min: 0.1, Max: 0.8, ValidMin: 0.01, ValidMax: 2.0},
		{Name: "earth_pressure_lower_right", Unit: "MPa", VendorCode: "date30", Min: 0.1, Max: 0.8, ValidMin: 0.01, ValidMax: 2.0},
		{Name: "earth_pressure_left", Unit: "MPa", VendorCode: "date31", Min: 0.1, Max: 0.8, ValidMin: 0.01, ValidMax: 2.0},
		{Name: "earth_pressure_lower_left", Unit: "MPa", VendorCode: "date32", Min: 0.1, Max: 0.8, ValidMin: 0.01, ValidMax: 2.0},
		{Name: "jack_speed_no16", Unit: "mm/min", VendorCode: "date7", Min: 10, Max: 50, ValidMin: 0, ValidMax: 100},
		{Name: "jack_speed_no4", Unit: "mm/min", VendorCode: "date8", Min: 10, Max: 50, ValidMin: 0, ValidMax: 100},
		{Name: "jack_speed_no8", Unit: "mm/min", VendorCode: "date9", Min: 10, Max: 50, ValidMin: 0, ValidMax: 100},
		{Name: "jack_speed_no12", Unit: "mm/min", VendorCode: "date10", Min: 10, Max: 50, ValidMin: 0, ValidMax: 100},
		{Name: "total_thrust", Unit: "kN", VendorCode: "date12", Min: 5000, Max: 15000, ValidMin: 1000, ValidMax: 20000},
		{Name: "jack_stroke_no16", Unit: "mm", VendorCode: "date3", Min: 100, Max: 2000, ValidMin: 0, ValidMax: 3000},
		{Name: "jack_stroke_no4", Unit: "mm", VendorCode: "date4", Min: 100, Max: 2000, ValidMin: 0, ValidMax: 3000},
		{Name: "jack_stroke_no8", Unit: "mm", VendorCode: "date5", Min: 100, Max: 2000, ValidMin: 0, ValidMax: 3000},
		{Name: "jack_stroke_no12", Unit: "mm", VendorCode: "date6", Min: 100, Max: 2000, ValidMin: 0, ValidMax: 3000},
		{Name: "advance_speed", Unit: "mm/min", VendorCode: "date78", Min: 20, Max: 80, ValidMin: 0, ValidMax: 100},
		{Name: "cutterhead_speed", Unit: "r/min", VendorCode: "date76", Min: 0.5, Max: 2.5, ValidMin: 0, ValidMax: 5},
		{Name: "cutterhead_torque", Unit: "kN·m", VendorCode: "date77", Min: 1000, Max: 5000, ValidMin: 0, ValidMax: 10000},
	}
	for i := 1; i <= 10; i++ {
		fs = append(fs, Feature{
			Name:       fmt.Sprintf("cutter_motor_torque_no%d", i),
			Unit:       "%",
			VendorCode: fmt.Sprintf("date%d", 46+i),
			Min:        20,
			Max:        100,
			ValidMin:   0,
			ValidMax:   100,
		})
	}
	return fs
}
