package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

// Simulated is a deterministic multi-venue book. It charges the configured
// cost model, rejects debits that would overdraw a balance and executes
// atomic groups on a scratch copy that is committed only when every member
// succeeds and every flash loan is repaid.
type Simulated struct {
	mu     sync.RWMutex
	name   string
	logger *zap.Logger
	conv   *conversion.Service
	costs  domain.CostModel
	book   map[domain.PositionKey]decimal.Decimal
	entry  map[domain.PositionKey]decimal.Decimal
	seq    uint64
}

// NewSimulated creates a simulated venue seeded with initial balances.
func NewSimulated(name string, conv *conversion.Service, costs domain.CostModel, initial map[domain.PositionKey]decimal.Decimal, logger *zap.Logger) (*Simulated, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conv == nil {
		return nil, errors.New("conversion service is required for simulated venue")
	}

	book := make(map[domain.PositionKey]decimal.Decimal, len(initial))
	for k, v := range initial {
		book[k] = v
	}

	s := &Simulated{
		name:   name,
		logger: logger,
		conv:   conv,
		costs:  costs,
		book:   book,
		entry:  make(map[domain.PositionKey]decimal.Decimal),
	}

	logger.Info("simulated venue init",
		zap.String("name", name),
		zap.Int("positions", len(book)))

	return s, nil
}

// SetPerpEntry seeds the entry price of an initial perp position.
func (s *Simulated) SetPerpEntry(key domain.PositionKey, entry decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry[key] = entry
}

// Name implements Adapter.
func (s *Simulated) Name() string {
	return s.name
}

// Supports implements Adapter. The simulator serves every instruction type.
func (s *Simulated) Supports(domain.InstructionType) bool {
	return true
}

// Execute implements Adapter.
func (s *Simulated) Execute(ctx context.Context, in domain.Instruction, md domain.MarketData) (domain.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionResult{}, err
	}
	if in.Type == domain.InstructionFlashBorrow || in.Type == domain.InstructionFlashRepay {
		return domain.ExecutionResult{}, Rejected(nil, "%s must run inside an atomic group", in.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scratch := s.fork()
	eff, err := scratch.apply(in, md)
	if err != nil {
		return domain.ExecutionResult{Status: domain.ExecutionFailed}, err
	}
	s.commit(scratch)

	s.logger.Info("simulated instruction executed",
		zap.String("id", in.ID),
		zap.String("type", string(in.Type)),
		zap.String("amount", in.Amount.String()),
		zap.String("fee", eff.Fee.String()))

	return s.result(eff), nil
}

// ExecuteAtomic implements AtomicAdapter.
func (s *Simulated) ExecuteAtomic(ctx context.Context, group domain.AtomicGroup, md domain.MarketData) ([]domain.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(group.Instructions) == 0 {
		return nil, Rejected(nil, "atomic group %s is empty", group.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scratch := s.fork()
	results := make([]domain.ExecutionResult, 0, len(group.Instructions))
	for _, in := range group.Instructions {
		eff, err := scratch.apply(in, md)
		if err != nil {
			return nil, errors.Wrapf(err, "atomic group %s member %s (%s)", group.ID, in.ID, in.Type)
		}
		results = append(results, s.result(eff))
	}

	for asset, owed := range scratch.flash {
		if owed.IsPositive() {
			return nil, Rejected(nil, "atomic group %s leaves flash loan of %s %s unpaid", group.ID, owed, asset)
		}
	}

	s.commit(scratch)

	s.logger.Info("simulated atomic group executed",
		zap.String("group", group.ID),
		zap.Int("members", len(group.Instructions)))

	return results, nil
}

// GetBalance implements Adapter.
func (s *Simulated) GetBalance(_ context.Context, asset, venueName string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range []domain.PositionType{domain.PositionTypeBaseToken, domain.PositionTypeLST, domain.PositionTypeAToken, domain.PositionTypeDebtToken} {
		if v, ok := s.book[domain.PositionKey{Venue: venueName, Type: t, Symbol: asset}]; ok {
			return v, nil
		}
	}
	return decimal.Zero, nil
}

// GetPosition implements Adapter.
func (s *Simulated) GetPosition(_ context.Context, symbol, venueName string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.book[domain.PositionKey{Venue: venueName, Type: domain.PositionTypePerp, Symbol: symbol}], nil
}

// ApplyNotice implements NoticeSink.
func (s *Simulated) ApplyNotice(n domain.PositionNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.book[n.Key] = s.book[n.Key].Add(n.Delta)
	return nil
}

// Balances returns a copy of the book.
func (s *Simulated) Balances() map[domain.PositionKey]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.PositionKey]decimal.Decimal, len(s.book))
	for k, v := range s.book {
		out[k] = v
	}
	return out
}

func (s *Simulated) result(eff Effect) domain.ExecutionResult {
	s.seq++
	return domain.ExecutionResult{
		Status:   domain.ExecutionConfirmed,
		Deltas:   eff.Deltas,
		Fee:      eff.Fee,
		FeeAsset: eff.FeeAsset,
		VenueRef: fmt.Sprintf("%s-%d", s.name, s.seq),
	}
}

type simState struct {
	owner *Simulated
	book  map[domain.PositionKey]decimal.Decimal
	entry map[domain.PositionKey]decimal.Decimal
	flash map[string]decimal.Decimal
}

func (s *Simulated) fork() *simState {
	st := &simState{
		owner: s,
		book:  make(map[domain.PositionKey]decimal.Decimal, len(s.book)),
		entry: make(map[domain.PositionKey]decimal.Decimal, len(s.entry)),
		flash: map[string]decimal.Decimal{},
	}
	for k, v := range s.book {
		st.book[k] = v
	}
	for k, v := range s.entry {
		st.entry[k] = v
	}
	return st
}

func (s *Simulated) commit(st *simState) {
	s.book = st.book
	s.entry = st.entry
}

func (st *simState) apply(in domain.Instruction, md domain.MarketData) (Effect, error) {
	perp := PerpState{}
	if in.Target.Type == domain.PositionTypePerp {
		perp = PerpState{Quantity: st.book[in.Target], Entry: st.entry[in.Target]}
	}

	eff, err := Effects(st.owner.conv, st.owner.costs, in, md, perp)
	if err != nil {
		return Effect{}, err
	}

	for _, k := range eff.Deltas.Keys() {
		after := st.book[k].Add(eff.Deltas[k])
		if after.IsNegative() && k.Type != domain.PositionTypePerp {
			return Effect{}, Rejected(nil, "insufficient %s balance: have %s need %s",
				k.String(), st.book[k].String(), eff.Deltas[k].Neg().String())
		}
	}
	for _, k := range eff.Deltas.Keys() {
		st.book[k] = st.book[k].Add(eff.Deltas[k])
	}

	if in.Target.Type == domain.PositionTypePerp {
		st.entry[in.Target] = eff.NextPerp.Entry
	}

	switch in.Type {
	case domain.InstructionFlashBorrow:
		st.flash[in.Target.Symbol] = st.flash[in.Target.Symbol].Add(eff.FlashDebt)
	case domain.InstructionFlashRepay:
		owed := st.flash[in.Source.Symbol]
		if owed.IsZero() {
			return Effect{}, Rejected(nil, "flash repay of %s without outstanding loan", in.Source.Symbol)
		}
		st.flash[in.Source.Symbol] = owed.Add(eff.FlashDebt)
	}

	return eff, nil
}
