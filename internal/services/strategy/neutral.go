package strategy

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

// marketNeutral earns staking yield on an LST and shorts the perp against
// the LST's root exposure. When smoothed funding costs more than the
// configured limit the whole book moves back to the stable asset.
//
// params: stable, asset, lst (wallet keys), perp, hedge_ratio (default 1),
// allocation (default 0.98), funding_period (default 8), max_funding_cost
// (default 0.0005 per period).
type marketNeutral struct {
	cfg        Config
	stable     domain.PositionKey
	asset      domain.PositionKey
	lst        domain.PositionKey
	perp       domain.PositionKey
	hedgeRatio decimal.Decimal
	allocation decimal.Decimal
	funding    *fundingRegime
	logger     *zap.Logger
}

func newMarketNeutral(cfg Config, conv *conversion.Service, logger *zap.Logger) (Decider, error) {
	s := &marketNeutral{cfg: cfg, logger: logger}

	var err error
	if s.stable, err = cfg.Params.Key("stable"); err != nil {
		return nil, err
	}
	if s.asset, err = cfg.Params.Key("asset"); err != nil {
		return nil, err
	}
	if s.lst, err = cfg.Params.Key("lst"); err != nil {
		return nil, err
	}
	if s.perp, err = cfg.Params.Key("perp"); err != nil {
		return nil, err
	}
	if s.perp.Type != domain.PositionTypePerp || s.lst.Type != domain.PositionTypeLST {
		return nil, errors.New("incorrect 'strategy.params' param in yaml config: perp must be a Perp key and lst an LST key")
	}
	if !conv.IsStable(s.stable.Symbol) {
		return nil, errors.Errorf("incorrect 'strategy.params.stable' param in yaml config: %s is not valued directly", s.stable.Symbol)
	}
	if conv.Underlying(s.lst) != s.asset.Symbol {
		return nil, errors.Errorf("incorrect 'strategy.params.lst' param in yaml config: %s does not unwrap to %s", s.lst, s.asset.Symbol)
	}
	if s.hedgeRatio, err = cfg.Params.Decimal("hedge_ratio", decimal.NewFromInt(1)); err != nil {
		return nil, err
	}
	if s.allocation, err = cfg.Params.Decimal("allocation", decimal.NewFromFloat(0.98)); err != nil {
		return nil, err
	}
	if !s.allocation.IsPositive() || s.allocation.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.New("incorrect 'strategy.params.allocation' param in yaml config: must be in (0, 1]")
	}
	period, err := cfg.Params.Int("funding_period", 8)
	if err != nil {
		return nil, err
	}
	maxCost, err := cfg.Params.Decimal("max_funding_cost", decimal.NewFromFloat(0.0005))
	if err != nil {
		return nil, err
	}
	// shorts receive positive funding: stay in while funding >= -maxCost
	s.funding = newFundingRegime(s.perp.Symbol, period, maxCost.Neg(), logger)

	return s, nil
}

func (s *marketNeutral) Mode() string { return ModeMarketNeutral }

func (s *marketNeutral) Keys() []domain.PositionKey {
	return []domain.PositionKey{s.stable, s.asset, s.lst, s.perp}
}

func (s *marketNeutral) TargetPositions(exp *domain.ExposureSnapshot, _ domain.MarketData) (Targets, error) {
	capital := valueOf(exp, s.stable).Add(valueOf(exp, s.asset)).Add(valueOf(exp, s.lst))

	if !s.funding.favorable() {
		stableUnits, err := unitsFor(exp, s.stable, capital)
		if err != nil {
			return nil, err
		}
		return Targets{s.stable: stableUnits, s.asset: decimal.Zero, s.lst: decimal.Zero, s.perp: decimal.Zero}, nil
	}

	lstValue := capital.Mul(s.allocation)
	lstUnits, err := unitsFor(exp, s.lst, lstValue)
	if err != nil {
		return nil, err
	}
	stableUnits, err := unitsFor(exp, s.stable, capital.Sub(lstValue))
	if err != nil {
		return nil, err
	}

	lp, _ := exp.Position(s.lst)
	return Targets{
		s.stable: stableUnits,
		s.asset:  decimal.Zero,
		s.lst:    lstUnits,
		s.perp:   lstUnits.Mul(lp.Factor()).Mul(s.hedgeRatio).Neg(),
	}, nil
}

func (s *marketNeutral) ShouldRebalance(exp *domain.ExposureSnapshot, positions domain.LedgerSnapshot, trigger Trigger) bool {
	s.funding.observe(trigger.Market)
	return shouldRebalance(s, s.cfg.RebalanceThreshold, exp, positions, trigger, s.logger)
}
