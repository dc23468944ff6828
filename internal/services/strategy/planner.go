package strategy

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
	"github.com/vadiminshakov/tightloop/internal/services/venue"
)

const (
	maxFundDepth = 4
	// amounts converted through an index are truncated so a full repay
	// never overshoots the debt.
	amountPlaces = 16
)

var errShortfall = errors.New("shortfall")

// PlannerConfig describes where assets live and how they can be moved.
type PlannerConfig struct {
	// WalletVenue holds the free balances every protocol position is built from.
	WalletVenue string
	// Quotes maps a venue with a spot market to its quote symbol.
	Quotes map[string]string
	// PerpMargin maps a perp venue to its margin symbol.
	PerpMargin map[string]string
	FlashLoans bool
	FlashVenue string
	// Costs are the estimates folded into expected deltas.
	Costs domain.CostModel
	// Dust is the quantity below which a difference is ignored.
	Dust decimal.Decimal
}

// Planner turns target positions into an ordered instruction list.
type Planner struct {
	cfg    PlannerConfig
	conv   *conversion.Service
	logger *zap.Logger
	newID  func() string
}

// NewPlanner creates a planner.
func NewPlanner(cfg PlannerConfig, conv *conversion.Service, logger *zap.Logger) (*Planner, error) {
	if conv == nil {
		return nil, errors.New("planner requires a conversion service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WalletVenue == "" {
		cfg.WalletVenue = "wallet"
	}
	if cfg.Dust.IsZero() {
		cfg.Dust = decimal.New(1, -8)
	}
	if cfg.FlashLoans && cfg.FlashVenue == "" {
		return nil, errors.New("incorrect 'strategy.planner.flash_venue' param in yaml config: required when flash loans are enabled")
	}

	return &Planner{cfg: cfg, conv: conv, logger: logger, newID: uuid.NewString}, nil
}

// Plan orders the instructions moving positions to targets. Reductions come
// first (perp reductions, repay, withdraw, unstake, sells, transfers out),
// then builds (transfers in, buys, stake, supply, borrow). An open flash
// loan group is closed before wallet sweeps and perp increases.
func (p *Planner) Plan(positions domain.LedgerSnapshot, targets Targets, md domain.MarketData, exp *domain.ExposureSnapshot) ([]domain.Instruction, error) {
	pl := &plan{
		Planner: p,
		md:      md,
		targets: targets,
		proj:    make(map[domain.PositionKey]decimal.Decimal, len(positions.Positions)),
		perp:    map[domain.PositionKey]venue.PerpState{},
		flash:   map[domain.PositionKey]decimal.Decimal{},
	}
	for k, v := range positions.Positions {
		pl.proj[k] = v
	}

	for _, k := range targets.Keys() {
		if _, ok := pl.proj[k]; !ok {
			return nil, notSubscribed(k)
		}
		if k.Type == domain.PositionTypePerp {
			st := venue.PerpState{Quantity: pl.proj[k]}
			if pe, ok := exp.Position(k); ok {
				st.Entry = pe.EntryPrice
			}
			pl.perp[k] = st
		}
	}

	phases := []func() error{
		pl.reducePerps,
		pl.repay,
		pl.withdraw,
		pl.unstake,
		func() error { return pl.sell(false) },
		pl.transferOut,
		pl.transferIn,
		pl.buy,
		pl.stake,
		pl.supply,
		pl.borrow,
		pl.closeFlash,
		func() error { return pl.sell(true) },
		pl.increasePerps,
	}
	for _, phase := range phases {
		if err := phase(); err != nil {
			return nil, err
		}
	}

	if len(pl.out) > 0 {
		p.logger.Info("rebalance planned",
			zap.Int("instructions", len(pl.out)),
			zap.Int("targets", len(targets)))
	}
	return pl.out, nil
}

type plan struct {
	*Planner
	md      domain.MarketData
	targets Targets
	proj    map[domain.PositionKey]decimal.Decimal
	perp    map[domain.PositionKey]venue.PerpState
	out     []domain.Instruction

	group   string
	seq     int
	flash   map[domain.PositionKey]decimal.Decimal
	closing bool
}

func (pl *plan) dust() decimal.Decimal {
	return pl.cfg.Dust
}

// delta is target minus projected quantity.
func (pl *plan) delta(k domain.PositionKey) decimal.Decimal {
	return pl.targets[k].Sub(pl.proj[k])
}

func (pl *plan) targetKeys(t domain.PositionType) []domain.PositionKey {
	var out []domain.PositionKey
	for _, k := range pl.targets.Keys() {
		if k.Type == t {
			out = append(out, k)
		}
	}
	return out
}

// holding is the wallet key an asset symbol is held under.
func (pl *plan) holding(sym string) domain.PositionKey {
	t := domain.PositionTypeBaseToken
	if pl.conv.RuleFor(domain.PositionTypeBaseToken, sym).Method == conversion.MethodUnwrap {
		t = domain.PositionTypeLST
	}
	return domain.PositionKey{Venue: pl.cfg.WalletVenue, Type: t, Symbol: sym}
}

func (pl *plan) quoteKey(venueName string) (domain.PositionKey, bool) {
	sym, ok := pl.cfg.Quotes[venueName]
	if !ok {
		return domain.PositionKey{}, false
	}
	k := domain.PositionKey{Venue: venueName, Type: domain.PositionTypeBaseToken, Symbol: sym}
	if _, ok := pl.proj[k]; !ok {
		return domain.PositionKey{}, false
	}
	return k, true
}

// tradable reports whether k can be bought or sold against its venue's quote.
func (pl *plan) tradable(k domain.PositionKey) bool {
	if k.Type != domain.PositionTypeBaseToken {
		return false
	}
	q, ok := pl.quoteKey(k.Venue)
	return ok && q != k
}

func (pl *plan) spotType(venueName string) domain.InstructionType {
	if venueName == pl.cfg.WalletVenue {
		return domain.InstructionSwap
	}
	return domain.InstructionTrade
}

// surplus is what k can give away without falling below its target.
// Non-target wallet balances are free.
func (pl *plan) surplus(k domain.PositionKey) decimal.Decimal {
	v := pl.proj[k]
	if t, ok := pl.targets[k]; ok {
		v = v.Sub(t)
	} else if k.Venue != pl.cfg.WalletVenue {
		return decimal.Zero
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func debits(in domain.Instruction) bool {
	switch in.Type {
	case domain.InstructionBorrow, domain.InstructionFlashBorrow:
		return false
	}
	return !in.IsPerpTrade()
}

// emit estimates the instruction effects, applies them to the projection
// and appends the instruction to the plan.
func (pl *plan) emit(in domain.Instruction) error {
	for _, k := range []domain.PositionKey{in.Source, in.Target} {
		if k.IsZero() {
			continue
		}
		if _, ok := pl.proj[k]; !ok {
			return notSubscribed(k)
		}
	}

	if debits(in) && in.Type != domain.InstructionFlashRepay {
		have := pl.proj[in.Source]
		// amounts sized through an index or price carry division residue;
		// land the source exactly on its target
		if t, ok := pl.targets[in.Source]; ok {
			if exact := have.Sub(t); exact.IsPositive() && in.Amount.Sub(exact).Abs().LessThanOrEqual(pl.dust()) {
				in.Amount = exact
			}
		}
		if have.IsPositive() && in.Amount.GreaterThan(have) && in.Amount.Sub(have).LessThanOrEqual(pl.dust()) {
			in.Amount = have
		}
	}

	var perp venue.PerpState
	if in.IsPerpTrade() {
		perp = pl.perp[in.Target]
	}
	eff, err := venue.Effects(pl.conv, pl.cfg.Costs, in, pl.md, perp)
	if err != nil {
		return domain.WrapError(err, domain.CodePlanningFailed, domain.SeverityMedium, "cannot estimate %s %s -> %s", in.Type, in.Source, in.Target)
	}

	for _, k := range eff.Deltas.Keys() {
		if k.Type == domain.PositionTypePerp {
			continue
		}
		if after := pl.proj[k].Add(eff.Deltas[k]); after.IsNegative() {
			return domain.WrapError(errShortfall, domain.CodePlanningFailed, domain.SeverityMedium,
				"%s would overdraw %s: have %s, change %s", in.Type, k, pl.proj[k], eff.Deltas[k])
		}
	}
	for _, k := range eff.Deltas.Keys() {
		pl.proj[k] = pl.proj[k].Add(eff.Deltas[k])
	}

	switch {
	case in.IsPerpTrade():
		pl.perp[in.Target] = eff.NextPerp
	case in.Type == domain.InstructionFlashBorrow:
		pl.flash[in.Target] = pl.flash[in.Target].Add(eff.FlashDebt)
	case in.Type == domain.InstructionFlashRepay:
		pl.flash[in.Source] = pl.flash[in.Source].Add(eff.FlashDebt)
	}

	in.ID = pl.newID()
	in.Expected = eff.Deltas
	if pl.group != "" {
		pl.seq++
		in.GroupID = pl.group
		in.Sequence = pl.seq
	}
	pl.out = append(pl.out, in)

	pl.logger.Debug("instruction planned",
		zap.String("id", in.ID),
		zap.String("type", string(in.Type)),
		zap.String("venue", in.Venue),
		zap.String("amount", in.Amount.String()),
		zap.String("group", in.GroupID))
	return nil
}

// fund makes the projected balance of k at least need.
func (pl *plan) fund(k domain.PositionKey, need decimal.Decimal, allowFlash bool, depth int) error {
	if depth > maxFundDepth {
		return domain.WrapError(errShortfall, domain.CodePlanningFailed, domain.SeverityMedium, "cannot fund %s: too many hops", k)
	}
	if _, ok := pl.proj[k]; !ok {
		return notSubscribed(k)
	}

	// flash repayments must be exact
	tol := pl.dust()
	if pl.closing {
		tol = decimal.Zero
	}
	funded := func() bool { return need.Sub(pl.proj[k]).LessThanOrEqual(tol) }
	if funded() {
		return nil
	}

	steps := []func() error{
		func() error { return pl.transferInto(k, need) },
		func() error { return pl.stakeInto(k, need, allowFlash, depth) },
		func() error { return pl.swapInto(k, need, depth) },
		func() error { return pl.topUpBorrow(k, need) },
	}
	if allowFlash {
		steps = append(steps, func() error { return pl.flashBorrow(k, need) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
		if funded() {
			return nil
		}
	}

	return domain.WrapError(errShortfall, domain.CodePlanningFailed, domain.SeverityMedium,
		"cannot fund %s: need %s, have %s", k, need, pl.proj[k])
}

// tryFund funds k, tolerating a shortfall.
func (pl *plan) tryFund(k domain.PositionKey, need decimal.Decimal, allowFlash bool, depth int) error {
	err := pl.fund(k, need, allowFlash, depth)
	if err != nil && !errors.Is(err, errShortfall) {
		return err
	}
	return nil
}

func (pl *plan) transferInto(k domain.PositionKey, need decimal.Decimal) error {
	if k.Type != domain.PositionTypeBaseToken && k.Type != domain.PositionTypeLST {
		return nil
	}
	keep := decimal.NewFromInt(1).Sub(pl.cfg.Costs.TransferCost())

	sources := make([]domain.PositionKey, 0)
	for j := range pl.proj {
		if j != k && j.Symbol == k.Symbol && j.Type == k.Type {
			sources = append(sources, j)
		}
	}
	domain.SortKeys(sources)

	for _, j := range sources {
		short := need.Sub(pl.proj[k])
		if !short.IsPositive() {
			return nil
		}
		avail := pl.surplus(j)
		if avail.LessThanOrEqual(pl.dust()) {
			continue
		}
		gross := decimal.Min(short.Div(keep), avail)
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionTransfer, Venue: j.Venue,
			Source: j, Target: k, Amount: gross,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) stakeInto(k domain.PositionKey, need decimal.Decimal, allowFlash bool, depth int) error {
	if k.Type != domain.PositionTypeLST {
		return nil
	}
	rate, err := pl.conv.IndexFactor(k, pl.md)
	if err != nil {
		return err
	}
	h := pl.holding(pl.conv.Underlying(k))
	amount := need.Sub(pl.proj[k]).Mul(rate).Div(decimal.NewFromInt(1).Sub(pl.cfg.Costs.StakeCost()))

	if err := pl.tryFund(h, amount, allowFlash, depth+1); err != nil {
		return err
	}
	avail := decimal.Min(amount, pl.proj[h])
	if avail.LessThanOrEqual(pl.dust()) {
		return nil
	}
	return pl.emit(domain.Instruction{
		Type: domain.InstructionStake, Venue: k.Venue,
		Source: h, Target: k, Amount: avail,
	})
}

func (pl *plan) swapInto(k domain.PositionKey, need decimal.Decimal, depth int) error {
	if !pl.tradable(k) {
		return nil
	}
	q, _ := pl.quoteKey(k.Venue)

	pt, err := pl.conv.AssetPrice(k.Symbol, pl.md)
	if err != nil {
		return err
	}
	ps, err := pl.conv.AssetPrice(q.Symbol, pl.md)
	if err != nil {
		return err
	}
	if !ps.IsPositive() {
		return domain.NewError(domain.CodeMarketDataMissing, domain.SeverityMedium, "price of %s is not positive", q.Symbol)
	}

	keep := decimal.NewFromInt(1).Sub(pl.cfg.Costs.SpotCost())
	amount := need.Sub(pl.proj[k]).Mul(pt).Div(ps).Div(keep)

	if err := pl.tryFund(q, amount, false, depth+1); err != nil {
		return err
	}
	avail := decimal.Min(amount, pl.proj[q])
	if avail.LessThanOrEqual(pl.dust()) {
		return nil
	}
	return pl.emit(domain.Instruction{
		Type: pl.spotType(k.Venue), Venue: k.Venue,
		Source: q, Target: k, Amount: avail,
	})
}

// topUpBorrow covers what a closing flash group still owes by borrowing
// more of the same asset against a targeted debt position.
func (pl *plan) topUpBorrow(k domain.PositionKey, need decimal.Decimal) error {
	if !pl.closing || k.Venue != pl.cfg.WalletVenue {
		return nil
	}
	for _, d := range pl.targetKeys(domain.PositionTypeDebtToken) {
		if pl.conv.Underlying(d) != k.Symbol {
			continue
		}
		return pl.emit(domain.Instruction{
			Type: domain.InstructionBorrow, Venue: d.Venue,
			Source: d, Target: k, Amount: need.Sub(pl.proj[k]),
		})
	}
	return nil
}

func (pl *plan) flashBorrow(k domain.PositionKey, need decimal.Decimal) error {
	if !pl.cfg.FlashLoans || pl.closing || k.Venue != pl.cfg.WalletVenue {
		return nil
	}
	if pl.group == "" {
		pl.group = pl.newID()
		pl.seq = 0
	}
	return pl.emit(domain.Instruction{
		Type: domain.InstructionFlashBorrow, Venue: pl.cfg.FlashVenue,
		Target: k, Amount: need.Sub(pl.proj[k]),
	})
}

func (pl *plan) closeFlash() error {
	if pl.group == "" {
		return nil
	}
	pl.closing = true

	keys := make([]domain.PositionKey, 0, len(pl.flash))
	for k := range pl.flash {
		keys = append(keys, k)
	}
	domain.SortKeys(keys)

	for _, k := range keys {
		owed := pl.flash[k]
		if !owed.IsPositive() {
			continue
		}
		if err := pl.fund(k, owed, false, 0); err != nil {
			return err
		}
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionFlashRepay, Venue: pl.cfg.FlashVenue,
			Source: k, Amount: owed,
		}); err != nil {
			return err
		}
	}

	pl.group, pl.seq, pl.closing = "", 0, false
	return nil
}

func (pl *plan) marginKey(perp domain.PositionKey) (domain.PositionKey, error) {
	sym, ok := pl.cfg.PerpMargin[perp.Venue]
	if !ok {
		return domain.PositionKey{}, domain.NewError(domain.CodePlanningFailed, domain.SeverityHigh,
			"no margin asset configured for perp venue %s", perp.Venue)
	}
	return domain.PositionKey{Venue: perp.Venue, Type: domain.PositionTypeBaseToken, Symbol: sym}, nil
}

// tradePerp changes the perp position by size, funding the margin debit first.
func (pl *plan) tradePerp(k domain.PositionKey, size decimal.Decimal) error {
	margin, err := pl.marginKey(k)
	if err != nil {
		return err
	}
	in := domain.Instruction{Type: domain.InstructionTrade, Venue: k.Venue, Source: margin, Target: k, Amount: size}

	eff, err := venue.Effects(pl.conv, pl.cfg.Costs, in, pl.md, pl.perp[k])
	if err != nil {
		return domain.WrapError(err, domain.CodePlanningFailed, domain.SeverityMedium, "cannot estimate perp trade on %s", k)
	}
	if debit := eff.Deltas.Get(margin).Neg(); debit.IsPositive() {
		if err := pl.fund(margin, debit, false, 0); err != nil {
			return err
		}
	}
	return pl.emit(in)
}

func (pl *plan) reducePerps() error {
	for _, k := range pl.targetKeys(domain.PositionTypePerp) {
		c, t := pl.proj[k], pl.targets[k]
		if c.IsZero() {
			continue
		}
		flip := !t.IsZero() && t.Sign() != c.Sign()
		if !flip && t.Abs().GreaterThanOrEqual(c.Abs()) {
			continue
		}
		size := t.Sub(c)
		if flip {
			size = c.Neg()
		}
		if size.Abs().LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.tradePerp(k, size); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) increasePerps() error {
	for _, k := range pl.targetKeys(domain.PositionTypePerp) {
		size := pl.delta(k)
		if size.Abs().LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.tradePerp(k, size); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) repay() error {
	for _, k := range pl.targetKeys(domain.PositionTypeDebtToken) {
		units := pl.delta(k).Neg()
		if units.LessThanOrEqual(pl.dust()) {
			continue
		}
		idx, err := pl.conv.IndexFactor(k, pl.md)
		if err != nil {
			return err
		}
		amount := units.Mul(idx).RoundDown(amountPlaces)
		h := pl.holding(pl.conv.Underlying(k))
		if err := pl.fund(h, amount, true, 0); err != nil {
			return err
		}
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionRepay, Venue: k.Venue,
			Source: h, Target: k, Amount: amount,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) withdraw() error {
	for _, k := range pl.targetKeys(domain.PositionTypeAToken) {
		units := pl.delta(k).Neg()
		if units.LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionWithdraw, Venue: k.Venue,
			Source: k, Target: pl.holding(pl.conv.Underlying(k)), Amount: units,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) unstake() error {
	for _, k := range pl.targetKeys(domain.PositionTypeLST) {
		units := pl.delta(k).Neg()
		if units.LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionUnstake, Venue: k.Venue,
			Source: k, Target: pl.holding(pl.conv.Underlying(k)), Amount: units,
		}); err != nil {
			return err
		}
	}
	return nil
}

// sell moves surplus of tradable keys into their venue's quote. Wallet keys
// are swept only after builds so they can fund stakes and supplies first.
func (pl *plan) sell(wallet bool) error {
	for _, k := range pl.targetKeys(domain.PositionTypeBaseToken) {
		if !pl.tradable(k) || (k.Venue == pl.cfg.WalletVenue) != wallet {
			continue
		}
		units := pl.delta(k).Neg()
		if units.LessThanOrEqual(pl.dust()) {
			continue
		}
		q, _ := pl.quoteKey(k.Venue)
		if err := pl.emit(domain.Instruction{
			Type: pl.spotType(k.Venue), Venue: k.Venue,
			Source: k, Target: q, Amount: units,
		}); err != nil {
			return err
		}
	}
	return nil
}

// transferOut returns surplus held at other venues to a wallet target that
// is below its level.
func (pl *plan) transferOut() error {
	keep := decimal.NewFromInt(1).Sub(pl.cfg.Costs.TransferCost())
	for _, k := range pl.targetKeys(domain.PositionTypeBaseToken) {
		if k.Venue == pl.cfg.WalletVenue || pl.tradable(k) {
			continue
		}
		h := pl.holding(k.Symbol)
		if _, ok := pl.targets[h]; !ok || h == k {
			continue
		}
		want := pl.delta(h)
		avail := pl.surplus(k)
		if want.LessThanOrEqual(pl.dust()) || avail.LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionTransfer, Venue: k.Venue,
			Source: k, Target: h, Amount: decimal.Min(want.Div(keep), avail),
		}); err != nil {
			return err
		}
	}
	return nil
}

// transferIn tops up balances that can only be funded by transfer.
func (pl *plan) transferIn() error {
	for _, k := range pl.targetKeys(domain.PositionTypeBaseToken) {
		if pl.tradable(k) || pl.delta(k).LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.tryFund(k, pl.targets[k], false, 0); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) buy() error {
	for _, k := range pl.targetKeys(domain.PositionTypeBaseToken) {
		if !pl.tradable(k) || pl.delta(k).LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.fund(k, pl.targets[k], true, 0); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) stake() error {
	for _, k := range pl.targetKeys(domain.PositionTypeLST) {
		if pl.delta(k).LessThanOrEqual(pl.dust()) {
			continue
		}
		if err := pl.fund(k, pl.targets[k], true, 0); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) supply() error {
	for _, k := range pl.targetKeys(domain.PositionTypeAToken) {
		units := pl.delta(k)
		if units.LessThanOrEqual(pl.dust()) {
			continue
		}
		idx, err := pl.conv.IndexFactor(k, pl.md)
		if err != nil {
			return err
		}
		amount := units.Mul(idx)
		h := pl.holding(pl.conv.Underlying(k))
		if err := pl.fund(h, amount, true, 0); err != nil {
			return err
		}
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionSupply, Venue: k.Venue,
			Source: h, Target: k, Amount: amount,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (pl *plan) borrow() error {
	for _, k := range pl.targetKeys(domain.PositionTypeDebtToken) {
		units := pl.delta(k)
		if units.LessThanOrEqual(pl.dust()) {
			continue
		}
		idx, err := pl.conv.IndexFactor(k, pl.md)
		if err != nil {
			return err
		}
		if err := pl.emit(domain.Instruction{
			Type: domain.InstructionBorrow, Venue: k.Venue,
			Source: k, Target: pl.holding(pl.conv.Underlying(k)), Amount: units.Mul(idx),
		}); err != nil {
			return err
		}
	}
	return nil
}

func notSubscribed(k domain.PositionKey) *domain.Error {
	return domain.NewError(domain.CodeKeyNotSubscribed, domain.SeverityHigh, "planner key %s is not subscribed", k)
}
