// Package strategy decides target positions and turns them into ordered
// instructions. Variants only read exposure and market data; they never
// call venue adapters.
package strategy

import (
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

// Mode ids.
const (
	ModePureLending      = "pure_lending"
	ModeBasisHedge       = "basis_hedge"
	ModeLeveragedStaking = "leveraged_staking"
	ModeMarketNeutral    = "market_neutral"
)

// TriggerKind says what woke the decision engine up.
type TriggerKind string

const (
	TriggerInitial TriggerKind = "initial"
	TriggerTick    TriggerKind = "tick"
	TriggerNotice  TriggerKind = "notice"
)

// Trigger describes the event that started a cycle.
type Trigger struct {
	Kind      TriggerKind
	Timestamp time.Time
	Notices   []domain.PositionNotice
	Market    domain.MarketData
}

// Targets are desired quantities per position key. Keys absent from the map
// are left alone.
type Targets map[domain.PositionKey]decimal.Decimal

// Keys returns the target keys in deterministic order.
func (t Targets) Keys() []domain.PositionKey {
	keys := make([]domain.PositionKey, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	domain.SortKeys(keys)
	return keys
}

// Decider is the contract every strategy mode implements.
type Decider interface {
	Mode() string
	// Keys lists every position key the mode reads or targets.
	Keys() []domain.PositionKey
	TargetPositions(exp *domain.ExposureSnapshot, md domain.MarketData) (Targets, error)
	ShouldRebalance(exp *domain.ExposureSnapshot, positions domain.LedgerSnapshot, trigger Trigger) bool
}

// RiskAware deciders adjust their targets after a risk assessment.
type RiskAware interface {
	ObserveRisk(a *domain.RiskAssessment)
}

// Config selects and parameterizes a mode.
type Config struct {
	Mode string
	// RebalanceThreshold is the value drift, as a fraction of total value,
	// that triggers a rebalance.
	RebalanceThreshold decimal.Decimal
	Params             Params
}

type builder func(cfg Config, conv *conversion.Service, logger *zap.Logger) (Decider, error)

var registry = map[string]builder{
	ModePureLending:      newPureLending,
	ModeBasisHedge:       newBasisHedge,
	ModeLeveragedStaking: newLeveragedStaking,
	ModeMarketNeutral:    newMarketNeutral,
}

// Modes lists the registered mode ids.
func Modes() []string {
	out := make([]string, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// New builds the decider registered for cfg.Mode.
func New(cfg Config, conv *conversion.Service, logger *zap.Logger) (Decider, error) {
	build, ok := registry[cfg.Mode]
	if !ok {
		return nil, errors.Errorf("incorrect 'strategy.mode' param in yaml config: unknown mode %q", cfg.Mode)
	}
	if conv == nil {
		return nil, errors.New("strategy requires a conversion service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RebalanceThreshold.IsZero() {
		cfg.RebalanceThreshold = decimal.NewFromFloat(0.01)
	}
	return build(cfg, conv, logger)
}

// Params are the mode-specific settings from the strategy.params section.
type Params map[string]string

// Key parses a required position key parameter.
func (p Params) Key(name string) (domain.PositionKey, error) {
	raw, ok := p[name]
	if !ok || raw == "" {
		return domain.PositionKey{}, errors.Errorf("incorrect 'strategy.params.%s' param in yaml config: required", name)
	}
	k, err := domain.ParsePositionKey(raw)
	if err != nil {
		return domain.PositionKey{}, errors.Wrapf(err, "incorrect 'strategy.params.%s' param in yaml config", name)
	}
	return k, nil
}

// Decimal parses an optional decimal parameter.
func (p Params) Decimal(name string, def decimal.Decimal) (decimal.Decimal, error) {
	raw, ok := p[name]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "incorrect 'strategy.params.%s' param in yaml config", name)
	}
	return v, nil
}

// Int parses an optional integer parameter.
func (p Params) Int(name string, def int) (int, error) {
	raw, ok := p[name]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "incorrect 'strategy.params.%s' param in yaml config", name)
	}
	return v, nil
}

// quote returns the priced exposure of key or a MARKET_DATA_MISSING error.
func quote(exp *domain.ExposureSnapshot, key domain.PositionKey) (domain.PositionExposure, error) {
	p, ok := exp.Position(key)
	if !ok || !p.UnitValue().IsPositive() {
		return domain.PositionExposure{}, domain.NewError(domain.CodeMarketDataMissing, domain.SeverityMedium,
			"position %s is not priced", key)
	}
	return p, nil
}

// valueOf is the signed value of key, zero when absent.
func valueOf(exp *domain.ExposureSnapshot, key domain.PositionKey) decimal.Decimal {
	p, ok := exp.Position(key)
	if !ok {
		return decimal.Zero
	}
	return p.Value
}

// unitsFor converts a currency value into quantity of key.
func unitsFor(exp *domain.ExposureSnapshot, key domain.PositionKey, value decimal.Decimal) (decimal.Decimal, error) {
	p, err := quote(exp, key)
	if err != nil {
		return decimal.Zero, err
	}
	return value.Div(p.UnitValue()), nil
}

// shouldRebalance is the drift check shared by every mode: the initial
// cycle and liquidations always rebalance; otherwise the value of the
// largest target deviation must exceed threshold * total value.
func shouldRebalance(d Decider, threshold decimal.Decimal, exp *domain.ExposureSnapshot, positions domain.LedgerSnapshot, trigger Trigger, logger *zap.Logger) bool {
	if trigger.Kind == TriggerInitial {
		return true
	}
	for _, n := range trigger.Notices {
		if n.Reason == domain.NoticeLiquidation {
			return true
		}
	}
	if exp == nil || !exp.TotalValue.IsPositive() {
		return false
	}

	targets, err := d.TargetPositions(exp, trigger.Market)
	if err != nil {
		logger.Warn("cannot compute targets for drift check", zap.String("mode", d.Mode()), zap.Error(err))
		return false
	}

	limit := threshold.Mul(exp.TotalValue)
	for _, k := range targets.Keys() {
		diff := targets[k].Sub(positions.Get(k)).Abs()
		if diff.IsZero() {
			continue
		}
		p, ok := exp.Position(k)
		if !ok {
			continue
		}
		unit := p.UnitValue()
		if k.Type == domain.PositionTypePerp {
			unit = p.RootPrice
		}
		if diff.Mul(unit).GreaterThan(limit) {
			logger.Info("drift above threshold",
				zap.String("mode", d.Mode()),
				zap.String("key", k.String()),
				zap.String("target", targets[k].String()),
				zap.String("current", positions.Get(k).String()))
			return true
		}
	}
	return false
}
