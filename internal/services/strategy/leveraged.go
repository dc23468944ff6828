package strategy

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

// leveragedStaking loops an LST: the LST is supplied as collateral, its
// underlying borrowed and staked again until the target LTV is reached.
//
// params: collateral (aToken of the LST), debt (debtToken of the
// underlying), asset (wallet key of the underlying), lst (wallet LST key),
// target_ltv, safe_ltv (used while the risk breaker is tripped, default
// target_ltv*0.8).
type leveragedStaking struct {
	cfg        Config
	collateral domain.PositionKey
	debt       domain.PositionKey
	asset      domain.PositionKey
	lst        domain.PositionKey
	targetLTV  decimal.Decimal
	safeLTV    decimal.Decimal
	logger     *zap.Logger

	mu     sync.Mutex
	derisk bool
}

func newLeveragedStaking(cfg Config, conv *conversion.Service, logger *zap.Logger) (Decider, error) {
	s := &leveragedStaking{cfg: cfg, logger: logger}

	var err error
	if s.collateral, err = cfg.Params.Key("collateral"); err != nil {
		return nil, err
	}
	if s.debt, err = cfg.Params.Key("debt"); err != nil {
		return nil, err
	}
	if s.asset, err = cfg.Params.Key("asset"); err != nil {
		return nil, err
	}
	if s.lst, err = cfg.Params.Key("lst"); err != nil {
		return nil, err
	}
	if s.collateral.Type != domain.PositionTypeAToken || s.debt.Type != domain.PositionTypeDebtToken || s.lst.Type != domain.PositionTypeLST {
		return nil, errors.New("incorrect 'strategy.params' param in yaml config: collateral must be an aToken, debt a debtToken and lst an LST")
	}
	if conv.Underlying(s.collateral) != s.lst.Symbol {
		return nil, errors.Errorf("incorrect 'strategy.params.collateral' param in yaml config: %s does not wrap %s", s.collateral, s.lst.Symbol)
	}
	if conv.Underlying(s.debt) != s.asset.Symbol || conv.Underlying(s.lst) != s.asset.Symbol {
		return nil, errors.Errorf("incorrect 'strategy.params.debt' param in yaml config: debt and lst must resolve to %s", s.asset.Symbol)
	}

	if s.targetLTV, err = cfg.Params.Decimal("target_ltv", decimal.Zero); err != nil {
		return nil, err
	}
	one := decimal.NewFromInt(1)
	if !s.targetLTV.IsPositive() || s.targetLTV.GreaterThanOrEqual(one) {
		return nil, errors.New("incorrect 'strategy.params.target_ltv' param in yaml config: must be in (0, 1)")
	}
	if s.safeLTV, err = cfg.Params.Decimal("safe_ltv", s.targetLTV.Mul(decimal.NewFromFloat(0.8))); err != nil {
		return nil, err
	}
	if s.safeLTV.IsNegative() || s.safeLTV.GreaterThan(s.targetLTV) {
		return nil, errors.New("incorrect 'strategy.params.safe_ltv' param in yaml config: must be in [0, target_ltv]")
	}

	return s, nil
}

func (s *leveragedStaking) Mode() string { return ModeLeveragedStaking }

func (s *leveragedStaking) Keys() []domain.PositionKey {
	return []domain.PositionKey{s.collateral, s.debt, s.asset, s.lst}
}

// ObserveRisk switches to the safe LTV while the circuit breaker is tripped.
func (s *leveragedStaking) ObserveRisk(a *domain.RiskAssessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	halted := a != nil && a.Halted
	if halted != s.derisk {
		s.logger.Info("leveraged staking risk mode changed", zap.Bool("derisk", halted))
	}
	s.derisk = halted
}

func (s *leveragedStaking) ltv(md domain.MarketData) decimal.Decimal {
	s.mu.Lock()
	ltv := s.targetLTV
	if s.derisk {
		ltv = s.safeLTV
	}
	s.mu.Unlock()

	// never target beyond what the protocol lets us open
	if params, ok := md.Protocol(s.collateral.Venue); ok && params.MaxLTV.IsPositive() && ltv.GreaterThan(params.MaxLTV) {
		ltv = params.MaxLTV
	}
	return ltv
}

// TargetPositions sizes collateral C and debt D from equity E so that
// D/C = L: C = E/(1-L), D = E*L/(1-L).
func (s *leveragedStaking) TargetPositions(exp *domain.ExposureSnapshot, md domain.MarketData) (Targets, error) {
	equity := decimal.Zero
	for _, k := range s.Keys() {
		equity = equity.Add(valueOf(exp, k))
	}
	if !equity.IsPositive() {
		return nil, domain.NewError(domain.CodePlanningFailed, domain.SeverityHigh, "no equity to lever: %s", equity)
	}

	ltv := s.ltv(md)
	one := decimal.NewFromInt(1)
	collValue := equity.Div(one.Sub(ltv))
	debtValue := collValue.Sub(equity)

	collUnits, err := unitsFor(exp, s.collateral, collValue)
	if err != nil {
		return nil, err
	}
	debtUnits, err := unitsFor(exp, s.debt, debtValue)
	if err != nil {
		return nil, err
	}

	return Targets{
		s.collateral: collUnits,
		s.debt:       debtUnits,
		s.asset:      decimal.Zero,
		s.lst:        decimal.Zero,
	}, nil
}

func (s *leveragedStaking) ShouldRebalance(exp *domain.ExposureSnapshot, positions domain.LedgerSnapshot, trigger Trigger) bool {
	return shouldRebalance(s, s.cfg.RebalanceThreshold, exp, positions, trigger, s.logger)
}
