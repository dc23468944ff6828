package strategy

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

// pureLending supplies everything above a wallet reserve to one lending market.
//
// params: asset (wallet key of the supplied asset), supply (aToken key),
// reserve (asset units kept in the wallet, default 0).
type pureLending struct {
	cfg     Config
	asset   domain.PositionKey
	supply  domain.PositionKey
	reserve decimal.Decimal
	logger  *zap.Logger
}

func newPureLending(cfg Config, conv *conversion.Service, logger *zap.Logger) (Decider, error) {
	asset, err := cfg.Params.Key("asset")
	if err != nil {
		return nil, err
	}
	supply, err := cfg.Params.Key("supply")
	if err != nil {
		return nil, err
	}
	if supply.Type != domain.PositionTypeAToken {
		return nil, errors.Errorf("incorrect 'strategy.params.supply' param in yaml config: %s is not an aToken", supply)
	}
	if under := conv.Underlying(supply); under != asset.Symbol {
		return nil, errors.Errorf("incorrect 'strategy.params.supply' param in yaml config: %s wraps %s, not %s", supply, under, asset.Symbol)
	}
	reserve, err := cfg.Params.Decimal("reserve", decimal.Zero)
	if err != nil {
		return nil, err
	}
	if reserve.IsNegative() {
		return nil, errors.New("incorrect 'strategy.params.reserve' param in yaml config: must not be negative")
	}

	return &pureLending{cfg: cfg, asset: asset, supply: supply, reserve: reserve, logger: logger}, nil
}

func (s *pureLending) Mode() string { return ModePureLending }

func (s *pureLending) Keys() []domain.PositionKey {
	return []domain.PositionKey{s.asset, s.supply}
}

func (s *pureLending) TargetPositions(exp *domain.ExposureSnapshot, _ domain.MarketData) (Targets, error) {
	a, err := quote(exp, s.supply)
	if err != nil {
		return nil, err
	}

	held := decimal.Zero
	if p, ok := exp.Position(s.asset); ok {
		held = p.Quantity
	}
	total := held.Add(a.Quantity.Mul(a.IndexFactor))

	wallet := decimal.Min(s.reserve, total)
	return Targets{
		s.asset:  wallet,
		s.supply: total.Sub(wallet).Div(a.IndexFactor),
	}, nil
}

func (s *pureLending) ShouldRebalance(exp *domain.ExposureSnapshot, positions domain.LedgerSnapshot, trigger Trigger) bool {
	return shouldRebalance(s, s.cfg.RebalanceThreshold, exp, positions, trigger, s.logger)
}
