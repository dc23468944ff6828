package exposure

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	walletUSDT = domain.MustParsePositionKey("wallet:BaseToken:USDT")
	walletLST  = domain.MustParsePositionKey("wallet:LST:weETH")
	aWEETH     = domain.MustParsePositionKey("aave:aToken:aweETH")
	debtWETH   = domain.MustParsePositionKey("aave:debtToken:debtWETH")
	perpETH    = domain.MustParsePositionKey("hyperliquid:Perp:ETH")
	solKey     = domain.MustParsePositionKey("binance:BaseToken:SOL")
)

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	conv, err := conversion.New("USD", map[string]conversion.Rule{
		"USDT":  {Method: conversion.MethodDirect},
		"WETH":  {Method: conversion.MethodSpot, PriceSymbol: "ETH"},
		"weETH": {Method: conversion.MethodUnwrap, Underlying: "WETH"},
	})
	require.NoError(t, err)
	return New(conv, nil)
}

func market(eth string) domain.MarketData {
	return domain.MarketData{
		Timestamp:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		SpotPrices: map[string]decimal.Decimal{"ETH": d(eth)},
		MarkPrices: map[string]decimal.Decimal{"ETH": d(eth)},
		Indices: map[string]decimal.Decimal{
			"aweETH":   d("1.01"),
			"debtWETH": d("1.02"),
			"weETH":    d("1.05"),
		},
	}
}

func snapshot(positions map[domain.PositionKey]string) domain.LedgerSnapshot {
	out := domain.LedgerSnapshot{Positions: map[domain.PositionKey]decimal.Decimal{}}
	for k, v := range positions {
		out.Positions[k] = d(v)
	}
	return out
}

func TestCalculate_Valuation(t *testing.T) {
	c := newCalc(t)

	snap := snapshot(map[domain.PositionKey]string{
		walletUSDT: "1000",
		walletLST:  "2",
		aWEETH:     "10",
		debtWETH:   "5",
	})
	exp := c.Calculate(snap, market("2000"), nil)

	usdt, ok := exp.Position(walletUSDT)
	require.True(t, ok)
	assert.True(t, usdt.Value.Equal(d("1000")))

	// 2 * 1.05 * 2000
	lst, _ := exp.Position(walletLST)
	assert.True(t, lst.Value.Equal(d("4200")), lst.Value.String())

	// 10 * 1.01 * 1.05 * 2000
	coll, _ := exp.Position(aWEETH)
	assert.True(t, coll.Value.Equal(d("21210")), coll.Value.String())

	// -(5 * 1.02 * 2000)
	debt, _ := exp.Position(debtWETH)
	assert.True(t, debt.Value.Equal(d("-10200")), debt.Value.String())
	assert.Equal(t, -1, debt.Sign)

	assert.True(t, exp.TotalValue.Equal(d("16210")), exp.TotalValue.String())
	assert.True(t, exp.NetDelta.Equal(d("15210")), exp.NetDelta.String())

	weth := exp.Assets["WETH"]
	// 2.1 + 10.605 - 5.1
	assert.True(t, weth.Units.Equal(d("7.605")), weth.Units.String())
	assert.Equal(t, "USD", exp.Currency)
}

func TestCalculate_Unpriced(t *testing.T) {
	c := newCalc(t)
	exp := c.Calculate(snapshot(map[domain.PositionKey]string{walletUSDT: "10", solKey: "3"}), market("2000"), nil)

	assert.Equal(t, []domain.PositionKey{solKey}, exp.Unpriced)
	assert.True(t, exp.TotalValue.Equal(d("10")))
	_, ok := exp.Position(solKey)
	assert.False(t, ok)
}

func TestCalculate_ZeroUnpricedIsIgnored(t *testing.T) {
	c := newCalc(t)
	exp := c.Calculate(snapshot(map[domain.PositionKey]string{solKey: "0"}), market("2000"), nil)
	assert.Empty(t, exp.Unpriced)
}

func TestCalculate_PerpEntryCarriedForward(t *testing.T) {
	c := newCalc(t)

	first := c.Calculate(snapshot(map[domain.PositionKey]string{perpETH: "-2"}), market("2000"), nil)
	p, _ := first.Position(perpETH)
	assert.True(t, p.EntryPrice.Equal(d("2000")))
	assert.True(t, p.Value.IsZero())
	assert.True(t, first.NetDelta.Equal(d("-4000")))

	second := c.Calculate(snapshot(map[domain.PositionKey]string{perpETH: "-2"}), market("1900"), first)
	p, _ = second.Position(perpETH)
	assert.True(t, p.EntryPrice.Equal(d("2000")))
	// short gains when the mark falls
	assert.True(t, p.Value.Equal(d("200")), p.Value.String())

	third := c.Calculate(snapshot(map[domain.PositionKey]string{perpETH: "-4"}), market("1900"), second)
	p, _ = third.Position(perpETH)
	assert.True(t, p.EntryPrice.Equal(d("1950")), p.EntryPrice.String())
}

func TestCarryEntry(t *testing.T) {
	prev := &domain.PositionExposure{Quantity: d("2"), EntryPrice: d("100")}

	tests := []struct {
		name string
		prev *domain.PositionExposure
		qty  string
		want string
	}{
		{"no prior", nil, "1", "120"},
		{"increase", prev, "4", "110"},
		{"reduce", prev, "1", "100"},
		{"flip", prev, "-1", "120"},
		{"close", prev, "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CarryEntry(tt.prev, d(tt.qty), d("120"))
			assert.True(t, got.Equal(d(tt.want)), got.String())
		})
	}
}

func TestHistory(t *testing.T) {
	h := NewHistory(2)
	assert.Nil(t, h.Last())

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		h.Append(&domain.ExposureSnapshot{Timestamp: base.Add(time.Duration(i) * time.Hour)})
	}
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, base.Add(2*time.Hour), h.Last().Timestamp)
	assert.Len(t, h.Since(base.Add(2*time.Hour)), 1)
}
