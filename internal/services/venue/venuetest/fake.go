// Package venuetest provides a programmable adapter for tests.
package venuetest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Fake is a programmable venue adapter. By default it confirms every
// instruction with its expected deltas and applies them to Balances, so
// balance probes observe the change.
type Fake struct {
	mu sync.Mutex

	AdapterName string
	Types       map[domain.InstructionType]bool
	Balances    map[domain.PositionKey]decimal.Decimal

	// ExecuteFn overrides Execute when set.
	ExecuteFn func(ctx context.Context, in domain.Instruction) (domain.ExecutionResult, error)
	// AtomicFn overrides ExecuteAtomic when set.
	AtomicFn func(ctx context.Context, g domain.AtomicGroup) ([]domain.ExecutionResult, error)
	// ReportDeltas controls whether results carry deltas (simulated style)
	// or leave them nil for balance probing (live style).
	ReportDeltas bool

	Calls      []domain.Instruction
	GroupCalls []domain.AtomicGroup
}

// New returns a fake supporting every instruction type and reporting deltas.
func New(name string) *Fake {
	types := make(map[domain.InstructionType]bool, len(domain.AllInstructionTypes))
	for _, t := range domain.AllInstructionTypes {
		types[t] = true
	}
	return &Fake{
		AdapterName:  name,
		Types:        types,
		Balances:     map[domain.PositionKey]decimal.Decimal{},
		ReportDeltas: true,
	}
}

func (f *Fake) Name() string { return f.AdapterName }

func (f *Fake) Supports(t domain.InstructionType) bool { return f.Types[t] }

func (f *Fake) Execute(ctx context.Context, in domain.Instruction, _ domain.MarketData) (domain.ExecutionResult, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, in)
	fn := f.ExecuteFn
	f.mu.Unlock()

	if fn != nil {
		res, err := fn(ctx, in)
		if err == nil && res.Deltas != nil {
			f.apply(res.Deltas)
		}
		return res, err
	}

	f.apply(in.Expected)
	res := domain.ExecutionResult{Status: domain.ExecutionConfirmed, Fee: decimal.Zero}
	if f.ReportDeltas {
		res.Deltas = in.Expected.Clone()
	}
	return res, nil
}

func (f *Fake) ExecuteAtomic(ctx context.Context, g domain.AtomicGroup, md domain.MarketData) ([]domain.ExecutionResult, error) {
	f.mu.Lock()
	f.GroupCalls = append(f.GroupCalls, g)
	fn := f.AtomicFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, g)
	}

	out := make([]domain.ExecutionResult, 0, len(g.Instructions))
	for _, in := range g.Instructions {
		f.apply(in.Expected)
		res := domain.ExecutionResult{Status: domain.ExecutionConfirmed, Fee: decimal.Zero}
		if f.ReportDeltas {
			res.Deltas = in.Expected.Clone()
		}
		out = append(out, res)
	}
	return out, nil
}

func (f *Fake) GetBalance(_ context.Context, asset, venueName string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.Balances {
		if k.Venue == venueName && k.Symbol == asset && k.Type != domain.PositionTypePerp {
			return v, nil
		}
	}
	return decimal.Zero, nil
}

func (f *Fake) GetPosition(_ context.Context, symbol, venueName string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Balances[domain.PositionKey{Venue: venueName, Type: domain.PositionTypePerp, Symbol: symbol}], nil
}

// CallCount returns the number of Execute calls.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

func (f *Fake) apply(d domain.Deltas) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range d {
		f.Balances[k] = f.Balances[k].Add(v)
	}
}

// Basic is an adapter without atomic support.
type Basic struct {
	*Fake
}

// NewBasic wraps a fake so it does not satisfy venue.AtomicAdapter.
func NewBasic(name string) Basic {
	return Basic{Fake: New(name)}
}

// ExecuteAtomic is hidden by Basic.
func (Basic) ExecuteAtomic() {}
