package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProtocolParams are the risk parameters published by a venue.
type ProtocolParams struct {
	LiquidationThreshold decimal.Decimal `yaml:"liquidation_threshold" json:"liquidation_threshold"`
	MaxLTV               decimal.Decimal `yaml:"max_ltv" json:"max_ltv"`
	MaintenanceMargin    decimal.Decimal `yaml:"maintenance_margin" json:"maintenance_margin"`
	InitialMargin        decimal.Decimal `yaml:"initial_margin" json:"initial_margin"`
}

// MarketData is a point-in-time view of every price, rate and index the
// monitoring chain and the venues consume.
//
// Indices holds interest indices keyed by aToken/debtToken symbol and
// exchange rates keyed by LST symbol (underlying units per token).
type MarketData struct {
	Timestamp    time.Time                  `json:"timestamp"`
	SpotPrices   map[string]decimal.Decimal `json:"spot_prices,omitempty"`
	OraclePrices map[string]decimal.Decimal `json:"oracle_prices,omitempty"`
	MarkPrices   map[string]decimal.Decimal `json:"mark_prices,omitempty"`
	FundingRates map[string]decimal.Decimal `json:"funding_rates,omitempty"`
	Indices      map[string]decimal.Decimal `json:"indices,omitempty"`
	Protocols    map[string]ProtocolParams  `json:"protocols,omitempty"`
}

func lookup(m map[string]decimal.Decimal, key string) (decimal.Decimal, bool) {
	if m == nil {
		return decimal.Zero, false
	}
	v, ok := m[key]
	return v, ok
}

// Spot returns the spot price of symbol.
func (m MarketData) Spot(symbol string) (decimal.Decimal, bool) {
	return lookup(m.SpotPrices, symbol)
}

// Oracle returns the oracle price of symbol.
func (m MarketData) Oracle(symbol string) (decimal.Decimal, bool) {
	return lookup(m.OraclePrices, symbol)
}

// Mark returns the perp mark price of symbol.
func (m MarketData) Mark(symbol string) (decimal.Decimal, bool) {
	return lookup(m.MarkPrices, symbol)
}

// Funding returns the current funding rate of symbol.
func (m MarketData) Funding(symbol string) (decimal.Decimal, bool) {
	return lookup(m.FundingRates, symbol)
}

// Index returns the interest index or exchange rate published for symbol.
func (m MarketData) Index(symbol string) (decimal.Decimal, bool) {
	return lookup(m.Indices, symbol)
}

// Protocol returns the risk parameters of venue.
func (m MarketData) Protocol(venue string) (ProtocolParams, bool) {
	if m.Protocols == nil {
		return ProtocolParams{}, false
	}
	p, ok := m.Protocols[venue]
	return p, ok
}

// NoticeReason explains an externally originated position change.
type NoticeReason string

const (
	NoticeFunding     NoticeReason = "funding"
	NoticeReward      NoticeReason = "reward"
	NoticeDeposit     NoticeReason = "deposit"
	NoticeWithdrawal  NoticeReason = "withdrawal"
	NoticeLiquidation NoticeReason = "liquidation"
	NoticeAdjustment  NoticeReason = "adjustment"
)

// PositionNotice reports a position change that did not come from an instruction.
type PositionNotice struct {
	Key       PositionKey     `json:"key"`
	Delta     decimal.Decimal `json:"delta"`
	Reason    NoticeReason    `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
}
