package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionConfirmed ExecutionStatus = "confirmed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionResult is what a venue adapter reports for one instruction.
// Deltas is nil when the venue cannot report position changes and the
// caller must probe balances instead.
type ExecutionResult struct {
	Status   ExecutionStatus `json:"status"`
	Deltas   Deltas          `json:"deltas,omitempty"`
	Fee      decimal.Decimal `json:"fee"`
	FeeAsset string          `json:"fee_asset,omitempty"`
	VenueRef string          `json:"venue_ref,omitempty"`
}

// ExecutionRecord is an instruction together with its verified outcome.
type ExecutionRecord struct {
	Instruction Instruction     `json:"instruction"`
	Actual      Deltas          `json:"actual"`
	Status      ExecutionStatus `json:"status"`
	Fee         decimal.Decimal `json:"fee"`
	FeeAsset    string          `json:"fee_asset,omitempty"`
	VenueRef    string          `json:"venue_ref,omitempty"`
	Attempts    int             `json:"attempts"`
	LogicalTime time.Time       `json:"logical_time"`
	StartedAt   time.Time       `json:"started_at"`
	Duration    time.Duration   `json:"duration"`
	Error       string          `json:"error,omitempty"`
}

// GroupOutcome summarises an atomic group execution.
type GroupOutcome struct {
	Group   AtomicGroup       `json:"group"`
	Status  ExecutionStatus   `json:"status"`
	Records []ExecutionRecord `json:"records"`
	Actual  Deltas            `json:"actual"`
	Error   string            `json:"error,omitempty"`
}
