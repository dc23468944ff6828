package domain

import "github.com/pkg/errors"

// RunMode selects how executions are verified and whether retries apply.
type RunMode string

const (
	// ModeSimulated replays ticks deterministically; actual deltas come from the cost model.
	ModeSimulated RunMode = "simulated"
	// ModeLive talks to real venues; actual deltas come from balance probes.
	ModeLive RunMode = "live"
)

// ParseRunMode validates s.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case ModeSimulated, ModeLive:
		return RunMode(s), nil
	}
	return "", errors.Errorf("unknown run mode %q", s)
}

// VenueFailureSeverity is the severity of an unrecoverable venue error.
// Simulated runs have no retry semantics, so any venue failure is fatal.
func (m RunMode) VenueFailureSeverity() Severity {
	if m == ModeSimulated {
		return SeverityCritical
	}
	return SeverityHigh
}
