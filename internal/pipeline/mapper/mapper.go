package mapper

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

// Report describes how a record's payload mapped onto the catalog.
type Report struct {
	Decoded       bool // payload was valid JSON
	Present       int  // catalog slots with a parsed value
	ParseFailures int  // catalog codes present but not numeric
	UnknownCodes  int  // payload codes outside the catalog
}

// Mapper converts vendor payloads into catalog-ordered feature vectors.
// Every failure degrades to a null slot.
type Mapper struct {
	catalog *model.Catalog
	logger  *slog.Logger
}

func New(catalog *model.Catalog, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{catalog: catalog, logger: logger.With("component", "mapper")}
}

// Map decodes rec.Data and looks up every catalog code in it.
func (m *Mapper) Map(rec model.RawRecord) (model.FeatureVector, Report) {
	var vec model.FeatureVector
	var report Report

	payload, ok := decodePayload(rec.Data)
	if !ok {
		m.logger.Warn("undecodable record payload", "record_id", rec.ID, "bytes", len(rec.Data))
		return vec, report
	}
	report.Decoded = true

	known := 0
	for i := 0; i < m.catalog.Len(); i++ {
		f := m.catalog.At(i)
		raw, found := payload[f.VendorCode]
		if !found {
			continue
		}
		known++
		v, ok := parseAny(raw)
		if !ok {
			report.ParseFailures++
			m.logger.Debug("feature value not numeric",
				"record_id", rec.ID,
				"feature", f.Name,
				"code", f.VendorCode,
				"value", raw,
			)
			continue
		}
		vec[i] = model.Present(v)
		report.Present++
	}
	report.UnknownCodes = len(payload) - known
	return vec, report
}

func decodePayload(data string) (map[string]any, bool) {
	if strings.TrimSpace(data) == "" {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, false
	}
	return payload, true
}

func parseAny(raw any) (float64, bool) {
	switch v := raw.(type) {
	case string:
		return ParseValue(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil || !finite(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ParseValue extracts the numeric prefix of a vendor value such as
// "12.3(MPa)". NaN and infinities are rejected.
func ParseValue(s string) (float64, bool) {
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(f) {
		return 0, false
	}
	return f, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
