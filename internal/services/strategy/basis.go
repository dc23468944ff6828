package strategy

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
	"github.com/vadiminshakov/tightloop/pkg/indicators"
)

// fundingRegime tracks smoothed funding for one perp and decides whether
// holding a short hedge is paid to carry.
type fundingRegime struct {
	mu       sync.Mutex
	symbol   string
	series   *indicators.Series
	minRate  decimal.Decimal
	last     bool
	observed time.Time
	logger   *zap.Logger
}

func newFundingRegime(symbol string, period int, minRate decimal.Decimal, logger *zap.Logger) *fundingRegime {
	return &fundingRegime{
		symbol:  symbol,
		series:  indicators.NewSeries(period),
		minRate: minRate,
		last:    true,
		logger:  logger,
	}
}

// observe records the funding rate in md, once per timestamp.
func (f *fundingRegime) observe(md domain.MarketData) {
	rate, ok := md.Funding(f.symbol)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !md.Timestamp.IsZero() && md.Timestamp.Equal(f.observed) {
		return
	}
	f.observed = md.Timestamp
	f.series.Push(rate)
}

// favorable reports whether the smoothed funding is at least minRate. With
// no observations the previous regime is kept.
func (f *fundingRegime) favorable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	ema, ok := f.series.EMA()
	if !ok {
		return f.last
	}
	now := ema.GreaterThanOrEqual(f.minRate)
	if now != f.last {
		f.logger.Info("funding regime changed",
			zap.String("symbol", f.symbol),
			zap.String("ema", ema.String()),
			zap.Bool("favorable", now))
	}
	f.last = now
	return now
}

// basisHedge holds spot and shorts the perp against it while smoothed
// funding pays for the carry; otherwise it sits in the quote asset.
//
// params: quote, spot (spot venue keys), perp (perp key), hedge_ratio
// (default 1), allocation (fraction of spot-venue value held as spot,
// default 0.99), funding_period (EMA period, default 8), min_funding
// (default 0).
type basisHedge struct {
	cfg        Config
	quoteKey   domain.PositionKey
	spot       domain.PositionKey
	perp       domain.PositionKey
	hedgeRatio decimal.Decimal
	allocation decimal.Decimal
	funding    *fundingRegime
	logger     *zap.Logger
}

func newBasisHedge(cfg Config, _ *conversion.Service, logger *zap.Logger) (Decider, error) {
	s := &basisHedge{cfg: cfg, logger: logger}

	var err error
	if s.quoteKey, err = cfg.Params.Key("quote"); err != nil {
		return nil, err
	}
	if s.spot, err = cfg.Params.Key("spot"); err != nil {
		return nil, err
	}
	if s.perp, err = cfg.Params.Key("perp"); err != nil {
		return nil, err
	}
	if s.perp.Type != domain.PositionTypePerp {
		return nil, errors.Errorf("incorrect 'strategy.params.perp' param in yaml config: %s is not a perp", s.perp)
	}
	if s.quoteKey.Venue != s.spot.Venue {
		return nil, errors.New("incorrect 'strategy.params.quote' param in yaml config: quote and spot must share a venue")
	}
	if s.hedgeRatio, err = cfg.Params.Decimal("hedge_ratio", decimal.NewFromInt(1)); err != nil {
		return nil, err
	}
	if s.allocation, err = cfg.Params.Decimal("allocation", decimal.NewFromFloat(0.99)); err != nil {
		return nil, err
	}
	if !s.allocation.IsPositive() || s.allocation.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.New("incorrect 'strategy.params.allocation' param in yaml config: must be in (0, 1]")
	}
	period, err := cfg.Params.Int("funding_period", 8)
	if err != nil {
		return nil, err
	}
	minFunding, err := cfg.Params.Decimal("min_funding", decimal.Zero)
	if err != nil {
		return nil, err
	}
	s.funding = newFundingRegime(s.perp.Symbol, period, minFunding, logger)

	return s, nil
}

func (s *basisHedge) Mode() string { return ModeBasisHedge }

func (s *basisHedge) Keys() []domain.PositionKey {
	return []domain.PositionKey{s.quoteKey, s.spot, s.perp}
}

func (s *basisHedge) TargetPositions(exp *domain.ExposureSnapshot, _ domain.MarketData) (Targets, error) {
	capital := valueOf(exp, s.quoteKey).Add(valueOf(exp, s.spot))

	if !s.funding.favorable() {
		quoteUnits, err := unitsFor(exp, s.quoteKey, capital)
		if err != nil {
			return nil, err
		}
		return Targets{s.quoteKey: quoteUnits, s.spot: decimal.Zero, s.perp: decimal.Zero}, nil
	}

	spotValue := capital.Mul(s.allocation)
	spotUnits, err := unitsFor(exp, s.spot, spotValue)
	if err != nil {
		return nil, err
	}
	quoteUnits, err := unitsFor(exp, s.quoteKey, capital.Sub(spotValue))
	if err != nil {
		return nil, err
	}

	sp, _ := exp.Position(s.spot)
	return Targets{
		s.quoteKey: quoteUnits,
		s.spot:     spotUnits,
		s.perp:     spotUnits.Mul(sp.Factor()).Mul(s.hedgeRatio).Neg(),
	}, nil
}

func (s *basisHedge) ShouldRebalance(exp *domain.ExposureSnapshot, positions domain.LedgerSnapshot, trigger Trigger) bool {
	s.funding.observe(trigger.Market)
	return shouldRebalance(s, s.cfg.RebalanceThreshold, exp, positions, trigger, s.logger)
}
