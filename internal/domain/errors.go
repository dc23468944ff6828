package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Severity ranks how an error affects the running instruction sequence.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Halts reports whether errors of this severity stop the current sequence.
func (s Severity) Halts() bool {
	return s >= SeverityHigh
}

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeConfigInvalid          Code = "CONFIG_INVALID"
	CodeKeyNotSubscribed       Code = "CONFIG_KEY_NOT_SUBSCRIBED"
	CodeRouteNotFound          Code = "CONFIG_ROUTE_NOT_FOUND"
	CodeReconciliationMismatch Code = "RECONCILIATION_MISMATCH"
	CodeVenueError             Code = "VENUE_ERROR"
	CodeVenueTimeout           Code = "VENUE_TIMEOUT"
	CodeAtomicGroupFailed      Code = "ATOMIC_GROUP_FAILED"
	CodeRiskBreach             Code = "RISK_BREACH"
	CodePnLUnexplained         Code = "PNL_UNEXPLAINED"
	CodeMarketDataMissing      Code = "MARKET_DATA_MISSING"
	CodePlanningFailed         Code = "PLANNING_FAILED"
	CodeInstructionCancelled   Code = "INSTRUCTION_CANCELLED"
)

// KeyDiff is the per-key outcome of a reconciliation.
type KeyDiff struct {
	Key        PositionKey `json:"key"`
	Expected   string      `json:"expected"`
	Actual     string      `json:"actual"`
	Difference string      `json:"difference"`
}

// Error is the structured error raised anywhere along the execution path.
type Error struct {
	Code          Code      `json:"code"`
	Severity      Severity  `json:"severity"`
	Message       string    `json:"message"`
	InstructionID string    `json:"instruction_id,omitempty"`
	Expected      Deltas    `json:"expected,omitempty"`
	Actual        Deltas    `json:"actual,omitempty"`
	Diffs         []KeyDiff `json:"diffs,omitempty"`

	cause error
}

// NewError creates a structured error.
func NewError(code Code, severity Severity, format string, args ...any) *Error {
	return &Error{Code: code, Severity: severity, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and severity to cause. A nil cause yields nil.
func WrapError(cause error, code Code, severity Severity, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Severity: severity, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithInstruction records the failing instruction id.
func (e *Error) WithInstruction(id string) *Error {
	e.InstructionID = id
	return e
}

// WithDeltas records expected and actual deltas.
func (e *Error) WithDeltas(expected, actual Deltas) *Error {
	e.Expected = expected
	e.Actual = actual
	return e
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s] %s", e.Code, e.Severity, e.Message)
	if e.InstructionID != "" {
		fmt.Fprintf(&b, " (instruction %s)", e.InstructionID)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Cause supports github.com/pkg/errors.Cause.
func (e *Error) Cause() error {
	return e.cause
}

// Halts reports whether the error stops the current sequence.
func (e *Error) Halts() bool {
	return e.Severity.Halts()
}

// AsError extracts the structured error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CodeOf returns the code of err, or empty when err is unstructured.
func CodeOf(err error) Code {
	if de, ok := AsError(err); ok {
		return de.Code
	}
	return ""
}

// SeverityOf returns the severity of err. Unstructured errors are critical.
func SeverityOf(err error) Severity {
	if de, ok := AsError(err); ok {
		return de.Severity
	}
	return SeverityCritical
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	switch CodeOf(err) {
	case CodeConfigInvalid, CodeKeyNotSubscribed, CodeRouteNotFound:
		return true
	}
	return false
}
