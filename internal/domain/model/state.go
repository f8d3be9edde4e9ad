package model

import (
	"fmt"
	"strings"
)

// MachineState is the operating state derived from cutterhead torque.
type MachineState string

const (
	MachineStateActive MachineState = "active"
	MachineStateRest   MachineState = "rest"
)

func (s MachineState) String() string {
	return string(s)
}

// Source tags where a published value came from.
type Source string

const (
	SourceReal      Source = "real"
	SourcePredicted Source = "predicted"
	SourceFilled    Source = "filled"
	SourceCached    Source = "cached"
	SourceSimulated Source = "simulated"
)

func (s Source) String() string {
	return string(s)
}

// DataSourceMode selects how the pipeline obtains and completes each vector.
type DataSourceMode string

const (
	ModeRandomOnly        DataSourceMode = "random_only"
	ModeAPIZeroFill       DataSourceMode = "api_zero_fill"
	ModeAPIRandomFill     DataSourceMode = "api_random_fill"
	ModeAPIPredictionFill DataSourceMode = "api_prediction_fill"
)

func (m DataSourceMode) String() string {
	return string(m)
}

// UsesAPI reports whether the mode talks to the vendor endpoint.
func (m DataSourceMode) UsesAPI() bool {
	return m != ModeRandomOnly
}

// ParseDataSourceMode accepts the mode names and the legacy numerals 1-4.
func ParseDataSourceMode(s string) (DataSourceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", string(ModeRandomOnly):
		return ModeRandomOnly, nil
	case "2", string(ModeAPIZeroFill):
		return ModeAPIZeroFill, nil
	case "3", string(ModeAPIRandomFill):
		return ModeAPIRandomFill, nil
	case "4", string(ModeAPIPredictionFill):
		return ModeAPIPredictionFill, nil
	default:
		return "", fmt.Errorf("unknown data source mode %q", s)
	}
}
