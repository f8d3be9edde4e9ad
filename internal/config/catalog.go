package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

// catalogFile is the on-disk layout of a feature catalog override.
//
//	features:
//	  - name: penetration
//	    unit: MPa
//	    code: date120
//	    min: 0.5
//	    max: 3.0
//
// Entries are positional. A file may instead list only vendor code remaps
// under "codes" (feature name -> code) on top of the default catalog.
type catalogFile struct {
	Features []model.Feature   `yaml:"features"`
	Codes    map[string]string `yaml:"codes"`
}

// ParseCatalog decodes a YAML catalog override. Unknown keys are rejected.
func ParseCatalog(data []byte) (*model.Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalog yaml: %w", err)
	}

	switch {
	case len(f.Features) > 0 && len(f.Codes) > 0:
		return nil, fmt.Errorf("catalog yaml: set either features or codes, not both")
	case len(f.Features) > 0:
		return model.NewCatalog(f.Features)
	case len(f.Codes) > 0:
		features := model.DefaultCatalog().Features()
		byName := make(map[string]int, len(features))
		for i, ft := range features {
			byName[ft.Name] = i
		}
		for name, code := range f.Codes {
			i, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("catalog yaml: unknown feature %q", name)
			}
			features[i].VendorCode = code
		}
		return model.NewCatalog(features)
	default:
		return nil, fmt.Errorf("catalog yaml: no features or codes")
	}
}
