package risk

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Metric names.
const (
	MetricLTV                   = "ltv"
	MetricHealthFactor          = "health_factor"
	MetricMarginUsage           = "margin_usage"
	MetricDistanceToLiquidation = "distance_to_liquidation"
	MetricNetDelta              = "net_delta"
)

// Inputs is what every metric calculator sees.
type Inputs struct {
	Exposure *domain.ExposureSnapshot
	Market   domain.MarketData
}

// Reading is a metric value together with the limit implied by protocol
// parameters. Configured limits take precedence over the implied one.
type Reading struct {
	Value   *decimal.Decimal
	Implied Limit
}

// MetricFunc computes one metric. A nil Value means its inputs are missing.
type MetricFunc func(in Inputs) Reading

var registry = map[string]MetricFunc{
	MetricLTV:                   ltv,
	MetricHealthFactor:          healthFactor,
	MetricMarginUsage:           marginUsage,
	MetricDistanceToLiquidation: distanceToLiquidation,
	MetricNetDelta:              netDelta,
}

// Names lists the registered metrics.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Known reports whether a metric is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

type lendingVenue struct {
	name       string
	collateral decimal.Decimal
	debt       decimal.Decimal
}

func lendingVenues(e *domain.ExposureSnapshot) []lendingVenue {
	byVenue := map[string]*lendingVenue{}
	for _, k := range e.Keys() {
		if k.Type != domain.PositionTypeAToken && k.Type != domain.PositionTypeDebtToken {
			continue
		}
		p := e.Positions[k]
		lv, ok := byVenue[k.Venue]
		if !ok {
			lv = &lendingVenue{name: k.Venue}
			byVenue[k.Venue] = lv
		}
		if k.Type == domain.PositionTypeAToken {
			lv.collateral = lv.collateral.Add(p.Value)
		} else {
			lv.debt = lv.debt.Add(p.Value.Abs())
		}
	}

	out := make([]lendingVenue, 0, len(byVenue))
	for _, lv := range byVenue {
		out = append(out, *lv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

type perpVenue struct {
	name        string
	equity      decimal.Decimal
	notional    decimal.Decimal
	requirement decimal.Decimal
}

// perpVenues aggregates margin per venue holding perps: equity is the free
// balance plus unrealized PnL, requirement is notional times the
// maintenance margin. Venues without protocol parameters are skipped.
func perpVenues(e *domain.ExposureSnapshot, md domain.MarketData) []perpVenue {
	byVenue := map[string]*perpVenue{}
	for _, k := range e.Keys() {
		if k.Type != domain.PositionTypePerp {
			continue
		}
		params, ok := md.Protocol(k.Venue)
		if !ok {
			continue
		}
		p := e.Positions[k]
		pv, ok := byVenue[k.Venue]
		if !ok {
			pv = &perpVenue{name: k.Venue}
			byVenue[k.Venue] = pv
		}
		notional := p.Quantity.Abs().Mul(p.RootPrice)
		pv.notional = pv.notional.Add(notional)
		pv.requirement = pv.requirement.Add(notional.Mul(params.MaintenanceMargin))
		pv.equity = pv.equity.Add(p.Value)
	}

	for _, k := range e.Keys() {
		if k.Type != domain.PositionTypeBaseToken {
			continue
		}
		if pv, ok := byVenue[k.Venue]; ok {
			pv.equity = pv.equity.Add(e.Positions[k].Value)
		}
	}

	out := make([]perpVenue, 0, len(byVenue))
	for _, pv := range byVenue {
		if pv.notional.IsZero() {
			continue
		}
		out = append(out, *pv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ltv is the worst debt/collateral ratio across lending venues; its implied
// limit is that venue's liquidation threshold.
func ltv(in Inputs) Reading {
	var (
		worst *decimal.Decimal
		limit Limit
	)
	for _, lv := range lendingVenues(in.Exposure) {
		if !lv.collateral.IsPositive() {
			continue
		}
		v := lv.debt.Div(lv.collateral)
		if worst != nil && v.LessThanOrEqual(*worst) {
			continue
		}
		worst = &v
		limit = Limit{}
		if params, ok := in.Market.Protocol(lv.name); ok && params.LiquidationThreshold.IsPositive() {
			lt := params.LiquidationThreshold
			limit.Max = &lt
		}
	}
	return Reading{Value: worst, Implied: limit}
}

// healthFactor is the lowest collateral*LT/debt across venues with debt.
func healthFactor(in Inputs) Reading {
	var lowest *decimal.Decimal
	for _, lv := range lendingVenues(in.Exposure) {
		if !lv.debt.IsPositive() {
			continue
		}
		params, ok := in.Market.Protocol(lv.name)
		if !ok || !params.LiquidationThreshold.IsPositive() {
			continue
		}
		v := lv.collateral.Mul(params.LiquidationThreshold).Div(lv.debt)
		if lowest == nil || v.LessThan(*lowest) {
			lowest = &v
		}
	}
	one := decimal.NewFromInt(1)
	return Reading{Value: lowest, Implied: Limit{Min: &one}}
}

// marginUsage is the highest maintenance requirement over equity across perp venues.
func marginUsage(in Inputs) Reading {
	var highest *decimal.Decimal
	for _, pv := range perpVenues(in.Exposure, in.Market) {
		var v decimal.Decimal
		if pv.equity.IsPositive() {
			v = pv.requirement.Div(pv.equity)
		} else {
			// no equity left: fully used
			v = decimal.NewFromInt(1)
		}
		if highest == nil || v.GreaterThan(*highest) {
			highest = &v
		}
	}
	one := decimal.NewFromInt(1)
	return Reading{Value: highest, Implied: Limit{Max: &one}}
}

// distanceToLiquidation is the smallest adverse relative price move that
// would trigger liquidation on any venue: 1 - 1/HF for lending venues and
// (equity - requirement)/notional for perp venues.
func distanceToLiquidation(in Inputs) Reading {
	var nearest *decimal.Decimal
	consider := func(v decimal.Decimal) {
		if v.IsNegative() {
			v = decimal.Zero
		}
		if nearest == nil || v.LessThan(*nearest) {
			nearest = &v
		}
	}

	one := decimal.NewFromInt(1)
	for _, lv := range lendingVenues(in.Exposure) {
		if !lv.debt.IsPositive() {
			continue
		}
		params, ok := in.Market.Protocol(lv.name)
		if !ok || !params.LiquidationThreshold.IsPositive() || !lv.collateral.IsPositive() {
			continue
		}
		hf := lv.collateral.Mul(params.LiquidationThreshold).Div(lv.debt)
		consider(one.Sub(one.Div(hf)))
	}
	for _, pv := range perpVenues(in.Exposure, in.Market) {
		consider(pv.equity.Sub(pv.requirement).Div(pv.notional))
	}

	return Reading{Value: nearest}
}

// netDelta is |directional exposure| as a fraction of total value.
func netDelta(in Inputs) Reading {
	if in.Exposure == nil || !in.Exposure.TotalValue.IsPositive() {
		return Reading{}
	}
	v := in.Exposure.NetDelta.Abs().Div(in.Exposure.TotalValue)
	return Reading{Value: &v}
}
