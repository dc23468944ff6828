package venue

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	walletUSDT = domain.MustParsePositionKey("wallet:BaseToken:USDT")
	walletWETH = domain.MustParsePositionKey("wallet:BaseToken:WETH")
	walletLST  = domain.MustParsePositionKey("wallet:LST:weETH")
	aUSDT      = domain.MustParsePositionKey("aave:aToken:aUSDT")
	aWEETH     = domain.MustParsePositionKey("aave:aToken:aweETH")
	debtWETH   = domain.MustParsePositionKey("aave:debtToken:debtWETH")
	perpMargin = domain.MustParsePositionKey("hyperliquid:BaseToken:USDC")
	perpETH    = domain.MustParsePositionKey("hyperliquid:Perp:ETH")
)

func testConv(t *testing.T) *conversion.Service {
	t.Helper()
	conv, err := conversion.New("USD", map[string]conversion.Rule{
		"USDT":  {Method: conversion.MethodDirect},
		"USDC":  {Method: conversion.MethodDirect},
		"WETH":  {Method: conversion.MethodSpot, PriceSymbol: "ETH"},
		"weETH": {Method: conversion.MethodUnwrap, Underlying: "WETH"},
	})
	require.NoError(t, err)
	return conv
}

func testMD() domain.MarketData {
	return domain.MarketData{
		SpotPrices: map[string]decimal.Decimal{"ETH": d("2000")},
		MarkPrices: map[string]decimal.Decimal{"ETH": d("2000")},
		Indices: map[string]decimal.Decimal{
			"aUSDT":    d("1"),
			"aweETH":   d("1"),
			"debtWETH": d("1"),
			"weETH":    d("1.25"),
		},
	}
}

func newSim(t *testing.T, costs domain.CostModel, initial map[domain.PositionKey]decimal.Decimal) *Simulated {
	t.Helper()
	s, err := NewSimulated("sim", testConv(t), costs, initial, nil)
	require.NoError(t, err)
	return s
}

func TestSimulated_Supply(t *testing.T) {
	s := newSim(t, domain.CostModel{}, map[domain.PositionKey]decimal.Decimal{walletUSDT: d("10000")})

	res, err := s.Execute(context.Background(), domain.Instruction{
		ID: "1", Type: domain.InstructionSupply, Venue: "aave",
		Source: walletUSDT, Target: aUSDT, Amount: d("10000"),
	}, testMD())
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionConfirmed, res.Status)
	assert.True(t, res.Deltas.Get(walletUSDT).Equal(d("-10000")))
	assert.True(t, res.Deltas.Get(aUSDT).Equal(d("10000")))

	bal, err := s.GetBalance(context.Background(), "aUSDT", "aave")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("10000")))
}

func TestSimulated_InsufficientBalance(t *testing.T) {
	s := newSim(t, domain.CostModel{}, map[domain.PositionKey]decimal.Decimal{walletUSDT: d("100")})

	_, err := s.Execute(context.Background(), domain.Instruction{
		ID: "1", Type: domain.InstructionSupply, Source: walletUSDT, Target: aUSDT, Amount: d("101"),
	}, testMD())
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	bal, _ := s.GetBalance(context.Background(), "USDT", "wallet")
	assert.True(t, bal.Equal(d("100")))
}

func TestSimulated_SwapCosts(t *testing.T) {
	costs := domain.CostModel{TradeFeeBps: d("10"), SlippageBps: d("5")}
	s := newSim(t, costs, map[domain.PositionKey]decimal.Decimal{walletUSDT: d("2000")})

	res, err := s.Execute(context.Background(), domain.Instruction{
		ID: "1", Type: domain.InstructionSwap, Source: walletUSDT, Target: walletWETH, Amount: d("2000"),
	}, testMD())
	require.NoError(t, err)

	// 2000 * (1 - 0.0015) / 2000
	assert.True(t, res.Deltas.Get(walletWETH).Equal(d("0.9985")), res.Deltas.String())
	assert.True(t, res.Fee.Equal(d("3")))
}

func leverageGroup(flash, borrow string) domain.AtomicGroup {
	return domain.AtomicGroup{ID: "g", Venue: "aave", Instructions: []domain.Instruction{
		{ID: "1", Type: domain.InstructionFlashBorrow, Target: walletWETH, Amount: d(flash), GroupID: "g", Sequence: 1},
		{ID: "2", Type: domain.InstructionStake, Source: walletWETH, Target: walletLST, Amount: d("2"), GroupID: "g", Sequence: 2},
		{ID: "3", Type: domain.InstructionSupply, Source: walletLST, Target: aWEETH, Amount: d("1.6"), GroupID: "g", Sequence: 3},
		{ID: "4", Type: domain.InstructionBorrow, Source: debtWETH, Target: walletWETH, Amount: d(borrow), GroupID: "g", Sequence: 4},
		{ID: "5", Type: domain.InstructionFlashRepay, Source: walletWETH, Amount: d(flash), GroupID: "g", Sequence: 5},
	}}
}

func TestSimulated_AtomicGroup(t *testing.T) {
	initial := map[domain.PositionKey]decimal.Decimal{walletWETH: d("1")}

	t.Run("all members applied", func(t *testing.T) {
		s := newSim(t, domain.CostModel{}, initial)
		results, err := s.ExecuteAtomic(context.Background(), leverageGroup("1", "1"), testMD())
		require.NoError(t, err)
		require.Len(t, results, 5)

		book := s.Balances()
		assert.True(t, book[aWEETH].Equal(d("1.6")))
		assert.True(t, book[debtWETH].Equal(d("1")))
		assert.True(t, book[walletWETH].IsZero())
		assert.True(t, book[walletLST].IsZero())
	})

	t.Run("unpaid flash loan leaves book untouched", func(t *testing.T) {
		s := newSim(t, domain.CostModel{}, initial)
		g := leverageGroup("1", "1")
		g.Instructions = g.Instructions[:4]

		_, err := s.ExecuteAtomic(context.Background(), g, testMD())
		require.Error(t, err)
		assert.Equal(t, initial, s.Balances())
	})

	t.Run("member failure leaves book untouched", func(t *testing.T) {
		s := newSim(t, domain.CostModel{}, initial)
		_, err := s.ExecuteAtomic(context.Background(), leverageGroup("1", "0.5"), testMD())
		require.Error(t, err)
		assert.Equal(t, initial, s.Balances())
	})
}

func TestSimulated_FlashOutsideGroup(t *testing.T) {
	s := newSim(t, domain.CostModel{}, nil)
	_, err := s.Execute(context.Background(), domain.Instruction{
		ID: "1", Type: domain.InstructionFlashBorrow, Target: walletWETH, Amount: d("1"),
	}, testMD())
	assert.Error(t, err)
}

func TestSimulated_PerpRoundTrip(t *testing.T) {
	costs := domain.CostModel{PerpFeeBps: d("5")}
	s := newSim(t, costs, map[domain.PositionKey]decimal.Decimal{perpMargin: d("1000")})
	md := testMD()

	res, err := s.Execute(context.Background(), domain.Instruction{
		ID: "1", Type: domain.InstructionTrade, Source: perpMargin, Target: perpETH, Amount: d("-1"),
	}, md)
	require.NoError(t, err)
	assert.True(t, res.Deltas.Get(perpETH).Equal(d("-1")))
	assert.True(t, res.Deltas.Get(perpMargin).Equal(d("-1")))

	md.MarkPrices["ETH"] = d("1900")
	res, err = s.Execute(context.Background(), domain.Instruction{
		ID: "2", Type: domain.InstructionTrade, Source: perpMargin, Target: perpETH, Amount: d("1"),
	}, md)
	require.NoError(t, err)

	// short closed 100 lower: +100 realised, 0.95 fee
	assert.True(t, res.Deltas.Get(perpMargin).Equal(d("99.05")), res.Deltas.String())

	pos, err := s.GetPosition(context.Background(), "ETH", "hyperliquid")
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}
