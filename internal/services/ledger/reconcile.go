package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Tolerance bounds acceptable deviation per key: |actual-expected| <= Absolute + Relative*|expected|.
type Tolerance struct {
	Absolute decimal.Decimal
	Relative decimal.Decimal
}

// Allows reports whether the difference between expected and actual is tolerated.
func (t Tolerance) Allows(expected, actual decimal.Decimal) bool {
	bound := t.Absolute.Add(t.Relative.Mul(expected.Abs()))
	return actual.Sub(expected).Abs().LessThanOrEqual(bound)
}

// Diff is the outcome for one key.
type Diff struct {
	Key      domain.PositionKey
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

// Difference is actual minus expected.
func (d Diff) Difference() decimal.Decimal {
	return d.Actual.Sub(d.Expected)
}

// Result of a reconciliation. Diffs holds only keys beyond tolerance.
type Result struct {
	Matched bool
	Diffs   []Diff
	Checked int
}

// KeyDiffs converts the mismatches for error reporting.
func (r Result) KeyDiffs() []domain.KeyDiff {
	out := make([]domain.KeyDiff, 0, len(r.Diffs))
	for _, d := range r.Diffs {
		out = append(out, domain.KeyDiff{
			Key:        d.Key,
			Expected:   d.Expected.String(),
			Actual:     d.Actual.String(),
			Difference: d.Difference().String(),
		})
	}
	return out
}

// Reconcile compares the union of keys of expected and actual. A key missing
// on one side counts as zero. The function is pure, so reconciling an
// already matched pair again yields the same result.
func Reconcile(expected, actual domain.Deltas, tol Tolerance) Result {
	union := domain.Deltas{}
	for k := range expected {
		union[k] = decimal.Zero
	}
	for k := range actual {
		union[k] = decimal.Zero
	}

	res := Result{Matched: true, Checked: len(union)}
	for _, k := range union.Keys() {
		e, a := expected.Get(k), actual.Get(k)
		if !tol.Allows(e, a) {
			res.Matched = false
			res.Diffs = append(res.Diffs, Diff{Key: k, Expected: e, Actual: a})
		}
	}

	return res
}

// MismatchError builds the critical error reported for a failed reconciliation.
func MismatchError(instructionID string, expected, actual domain.Deltas, res Result) *domain.Error {
	err := domain.NewError(domain.CodeReconciliationMismatch, domain.SeverityCritical,
		"%d of %d keys outside tolerance", len(res.Diffs), res.Checked).
		WithInstruction(instructionID).
		WithDeltas(expected, actual)
	err.Diffs = res.KeyDiffs()
	return err
}
