// Package audit records the domain event log of a run. Events are written to
// every configured sink and are never read back for control flow.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/ledger"
)

// Category partitions the event log.
type Category string

const (
	CategoryPositionSnapshot Category = "position_snapshot"
	CategoryLedgerMutation   Category = "ledger_mutation"
	CategoryExecution        Category = "execution_attempt"
	CategoryAtomicGroup      Category = "atomic_group"
	CategoryReconciliation   Category = "reconciliation"
	CategoryExposure         Category = "exposure"
	CategoryRisk             Category = "risk"
	CategoryPnL              Category = "pnl"
	CategoryError            Category = "error"
	CategoryDecision         Category = "decision"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryPositionSnapshot, CategoryLedgerMutation, CategoryExecution,
	CategoryAtomicGroup, CategoryReconciliation, CategoryExposure,
	CategoryRisk, CategoryPnL, CategoryError, CategoryDecision,
}

// Event is one audit log entry.
type Event struct {
	Seq      uint64          `json:"seq"`
	RunID    string          `json:"run_id"`
	Category Category        `json:"category"`
	Logical  time.Time       `json:"logical_time"`
	Wall     time.Time       `json:"wall_time"`
	Payload  json.RawMessage `json:"payload"`
}

// Sink stores events.
type Sink interface {
	Append(ctx context.Context, e Event) error
	Close() error
}

// Recorder stamps events and fans them out to sinks. Sink failures are
// logged and swallowed.
type Recorder struct {
	runID  string
	sinks  []Sink
	logger *zap.Logger
	wall   func() time.Time

	mu      sync.Mutex
	seq     uint64
	logical time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(r *Recorder) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithWallClock overrides the wall clock.
func WithWallClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.wall = now
	}
}

// New creates a recorder. An empty runID is replaced by a fresh uuid.
func New(runID string, opts ...Option) *Recorder {
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &Recorder{runID: runID, logger: zap.NewNop(), wall: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunID returns the run identifier stamped on every event.
func (r *Recorder) RunID() string {
	return r.runID
}

// Advance moves the logical clock, normally to the current tick timestamp.
func (r *Recorder) Advance(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logical = t
}

// Record appends payload under category.
func (r *Recorder) Record(category Category, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("audit payload cannot be encoded", zap.String("category", string(category)), zap.Error(err))
		return
	}

	// sinks are written under the lock so every sink sees events in seq order
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := Event{
		Seq:      r.seq,
		RunID:    r.runID,
		Category: category,
		Logical:  r.logical,
		Wall:     r.wall().UTC(),
		Payload:  raw,
	}

	for _, s := range r.sinks {
		if err := s.Append(context.Background(), e); err != nil {
			r.logger.Warn("audit sink append failed",
				zap.String("category", string(category)),
				zap.Uint64("seq", e.Seq),
				zap.Error(err))
		}
	}
}

// Close closes every sink and returns the first failure.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = errors.Wrap(err, "close audit sink")
		}
	}
	return first
}

// Snapshot records the ledger contents.
func (r *Recorder) Snapshot(snap domain.LedgerSnapshot) {
	r.Record(CategoryPositionSnapshot, snap)
}

// Mutations is a ledger.MutationHook.
func (r *Recorder) Mutations(ms []ledger.Mutation) {
	for _, m := range ms {
		r.Record(CategoryLedgerMutation, m)
	}
}

// Execution records one instruction outcome.
func (r *Recorder) Execution(rec domain.ExecutionRecord) {
	r.Record(CategoryExecution, rec)
}

// Group records an atomic group outcome.
func (r *Recorder) Group(out domain.GroupOutcome) {
	r.Record(CategoryAtomicGroup, out)
}

// ReconciliationEvent is the payload of a reconciliation event.
type ReconciliationEvent struct {
	InstructionID string           `json:"instruction_id"`
	Matched       bool             `json:"matched"`
	Checked       int              `json:"checked"`
	Expected      domain.Deltas    `json:"expected"`
	Actual        domain.Deltas    `json:"actual"`
	Diffs         []domain.KeyDiff `json:"diffs,omitempty"`
}

// Reconciliation records the comparison of expected and actual deltas.
func (r *Recorder) Reconciliation(instructionID string, expected, actual domain.Deltas, res ledger.Result) {
	r.Record(CategoryReconciliation, ReconciliationEvent{
		InstructionID: instructionID,
		Matched:       res.Matched,
		Checked:       res.Checked,
		Expected:      expected,
		Actual:        actual,
		Diffs:         res.KeyDiffs(),
	})
}

// Exposure records a valuation snapshot.
func (r *Recorder) Exposure(s *domain.ExposureSnapshot) {
	if s != nil {
		r.Record(CategoryExposure, s)
	}
}

// Risk records a risk assessment.
func (r *Recorder) Risk(a *domain.RiskAssessment) {
	if a != nil {
		r.Record(CategoryRisk, a)
	}
}

// PnL records an attribution.
func (r *Recorder) PnL(rec domain.PnLRecord) {
	r.Record(CategoryPnL, rec)
}

// ErrorEvent is the payload of an error event.
type ErrorEvent struct {
	Code          domain.Code      `json:"code"`
	Severity      string           `json:"severity"`
	Message       string           `json:"message"`
	InstructionID string           `json:"instruction_id,omitempty"`
	Expected      domain.Deltas    `json:"expected,omitempty"`
	Actual        domain.Deltas    `json:"actual,omitempty"`
	Diffs         []domain.KeyDiff `json:"diffs,omitempty"`
}

// Error records err with its code and deltas when it is a domain error.
func (r *Recorder) Error(err error) {
	if err == nil {
		return
	}
	ev := ErrorEvent{Message: err.Error(), Severity: domain.SeverityOf(err).String(), Code: domain.CodeOf(err)}
	if de, ok := domain.AsError(err); ok {
		ev.InstructionID = de.InstructionID
		ev.Expected = de.Expected
		ev.Actual = de.Actual
		ev.Diffs = de.Diffs
	}
	r.Record(CategoryError, ev)
}

// DecisionEvent is the payload of a strategy decision.
type DecisionEvent struct {
	Mode         string                        `json:"mode"`
	Trigger      string                        `json:"trigger"`
	Rebalance    bool                          `json:"rebalance"`
	Targets      map[domain.PositionKey]string `json:"targets,omitempty"`
	Instructions []domain.Instruction          `json:"instructions,omitempty"`
	Reason       string                        `json:"reason,omitempty"`
}

// Decision records what the strategy decided on a cycle.
func (r *Recorder) Decision(d DecisionEvent) {
	r.Record(CategoryDecision, d)
}
