// Package status defines the TCB status values used in Intel's TCB Info and QE Identity collateral.
package status

import "fmt"

// TCBStatus is the status of a TCB level as reported by Intel's PCS.
type TCBStatus string

// TCB status values, ordered from most to least trusted.
const (
	UpToDate                          TCBStatus = "UpToDate"
	SWHardeningNeeded                 TCBStatus = "SWHardeningNeeded"
	ConfigurationNeeded               TCBStatus = "ConfigurationNeeded"
	ConfigurationAndSWHardeningNeeded TCBStatus = "ConfigurationAndSWHardeningNeeded"
	OutOfDate                         TCBStatus = "OutOfDate"
	OutOfDateConfigurationNeeded      TCBStatus = "OutOfDateConfigurationNeeded"
	Revoked                           TCBStatus = "Revoked"
)

var severity = map[TCBStatus]int{
	UpToDate:                          0,
	SWHardeningNeeded:                 1,
	ConfigurationNeeded:               2,
	ConfigurationAndSWHardeningNeeded: 3,
	OutOfDate:                         4,
	OutOfDateConfigurationNeeded:      5,
	Revoked:                           6,
}

// Parse parses a TCB status string.
func Parse(s string) (TCBStatus, error) {
	status := TCBStatus(s)
	if _, ok := severity[status]; !ok {
		return "", fmt.Errorf("unknown TCB status %q", s)
	}
	return status, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TCBStatus) UnmarshalText(text []byte) error {
	status, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Worst returns the less trusted of two statuses.
// Unknown statuses are treated as Revoked.
func Worst(a, b TCBStatus) TCBStatus {
	sa, ok := severity[a]
	if !ok {
		return Revoked
	}
	sb, ok := severity[b]
	if !ok {
		return Revoked
	}
	if sb > sa {
		return b
	}
	return a
}

// Default returns the statuses accepted when the caller does not configure any.
func Default() []TCBStatus {
	return []TCBStatus{UpToDate, SWHardeningNeeded}
}
