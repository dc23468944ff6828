package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	aUSDT    = domain.MustParsePositionKey("aave:aToken:aUSDT")
	debtWETH = domain.MustParsePositionKey("aave:debtToken:debtWETH")
	lst      = domain.MustParsePositionKey("wallet:LST:weETH")
	perpETH  = domain.MustParsePositionKey("hyperliquid:Perp:ETH")
	margin   = domain.MustParsePositionKey("hyperliquid:BaseToken:USDC")
	weth     = domain.MustParsePositionKey("wallet:BaseToken:WETH")
)

type pos struct {
	key                domain.PositionKey
	qty, idx, rate, px string
	sign               int
	entry              string
	root               string
}

func snapshot(ts time.Time, positions ...pos) *domain.ExposureSnapshot {
	out := &domain.ExposureSnapshot{Timestamp: ts, Positions: map[domain.PositionKey]domain.PositionExposure{}, TotalValue: decimal.Zero}
	for _, p := range positions {
		pe := domain.PositionExposure{
			Key:         p.key,
			Quantity:    d(p.qty),
			Sign:        p.sign,
			IndexFactor: d(p.idx),
			RateFactor:  d(p.rate),
			RootPrice:   d(p.px),
			Root:        p.root,
		}
		if p.key.Type == domain.PositionTypePerp {
			pe.EntryPrice = d(p.entry)
			pe.Value = pe.Quantity.Mul(pe.RootPrice.Sub(pe.EntryPrice))
		} else {
			pe.Value = pe.Quantity.Mul(pe.UnitValue()).Mul(decimal.NewFromInt(int64(p.sign)))
		}
		out.Positions[p.key] = pe
		out.TotalValue = out.TotalValue.Add(pe.Value)
	}
	return out
}

var (
	t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

func priorSnapshot() *domain.ExposureSnapshot {
	return snapshot(t0,
		pos{key: aUSDT, qty: "10000", idx: "1", rate: "1", px: "1", sign: 1},
		pos{key: debtWETH, qty: "2", idx: "1", rate: "1", px: "2000", sign: -1},
		pos{key: lst, qty: "5", idx: "1", rate: "1.05", px: "2000", sign: 1},
		pos{key: perpETH, qty: "-2", idx: "1", rate: "1", px: "2000", sign: 1, entry: "2000"},
		pos{key: margin, qty: "1000", idx: "1", rate: "1", px: "1", sign: 1},
	)
}

func bucket(t *testing.T, rec domain.PnLRecord, name, want string) {
	t.Helper()
	got, ok := rec.Buckets[name]
	require.True(t, ok, name)
	assert.True(t, got.Equal(d(want)), "%s: got %s want %s", name, got, want)
}

func TestAttribute_AllBuckets(t *testing.T) {
	a, err := New(Config{}, nil)
	require.NoError(t, err)

	current := snapshot(t1,
		pos{key: aUSDT, qty: "10000", idx: "1.01", rate: "1", px: "1", sign: 1},
		pos{key: debtWETH, qty: "2", idx: "1.02", rate: "1", px: "2100", sign: -1},
		pos{key: lst, qty: "5.1", idx: "1", rate: "1.06", px: "2100", sign: 1},
		pos{key: perpETH, qty: "-2", idx: "1", rate: "1", px: "2100", sign: 1, entry: "2000"},
		pos{key: margin, qty: "1005", idx: "1", rate: "1", px: "1", sign: 1},
	)
	notices := []domain.PositionNotice{
		{Key: margin, Delta: d("5"), Reason: domain.NoticeFunding},
		{Key: lst, Delta: d("0.1"), Reason: domain.NoticeReward},
	}

	rec, err := a.Attribute(priorSnapshot(), current, notices)
	require.NoError(t, err)

	bucket(t, rec, BucketPriceChange, "125")
	bucket(t, rec, BucketSupplyYield, "100")
	bucket(t, rec, BucketBorrowCost, "-84")
	bucket(t, rec, BucketStakingYield, "327.6")
	bucket(t, rec, BucketFunding, "5")
	bucket(t, rec, BucketTransactionCost, "0")
	bucket(t, rec, BucketExternalFlow, "0")

	assert.True(t, rec.Unexplained.IsZero(), rec.Unexplained.String())
	assert.True(t, rec.WithinTolerance)
	assert.True(t, rec.Explained().Equal(rec.TotalChange))
	assert.Equal(t, Order, rec.Order)
	assert.Equal(t, t0, rec.PeriodStart)
}

func TestAttribute_ExecutionCostsAndFlows(t *testing.T) {
	a, err := New(Config{}, nil)
	require.NoError(t, err)

	prior := snapshot(t0,
		pos{key: margin, qty: "1000", idx: "1", rate: "1", px: "1", sign: 1},
		pos{key: aUSDT, qty: "0", idx: "1", rate: "1", px: "1", sign: 1},
	)
	// 500 supplied with a 0.5 fee, plus a 200 deposit
	current := snapshot(t1,
		pos{key: margin, qty: "699.5", idx: "1", rate: "1", px: "1", sign: 1},
		pos{key: aUSDT, qty: "500", idx: "1", rate: "1", px: "1", sign: 1},
	)
	notices := []domain.PositionNotice{{Key: margin, Delta: d("200"), Reason: domain.NoticeDeposit}}

	rec, err := a.Attribute(prior, current, notices)
	require.NoError(t, err)
	bucket(t, rec, BucketTransactionCost, "-0.5")
	bucket(t, rec, BucketExternalFlow, "200")
	assert.True(t, rec.Unexplained.IsZero())
}

func TestAttribute_PerpTradeNetsToFee(t *testing.T) {
	a, err := New(Config{}, nil)
	require.NoError(t, err)

	prior := snapshot(t0,
		pos{key: perpETH, qty: "-2", idx: "1", rate: "1", px: "1900", sign: 1, entry: "2000"},
		pos{key: margin, qty: "1000", idx: "1", rate: "1", px: "1", sign: 1},
	)
	// close 1 contract at 1900: realize 100, pay 0.95 fee
	current := snapshot(t1,
		pos{key: perpETH, qty: "-1", idx: "1", rate: "1", px: "1900", sign: 1, entry: "2000"},
		pos{key: margin, qty: "1099.05", idx: "1", rate: "1", px: "1", sign: 1},
	)

	rec, err := a.Attribute(prior, current, nil)
	require.NoError(t, err)
	bucket(t, rec, BucketPriceChange, "0")
	bucket(t, rec, BucketTransactionCost, "-0.95")
}

func TestAttribute_BasisSplitsHedgedPerpMove(t *testing.T) {
	// long 2 WETH hedged with 2 short perps; the perp traded 10 rich and
	// converges to spot
	prior := snapshot(t0,
		pos{key: weth, qty: "2", idx: "1", rate: "1", px: "2000", sign: 1, root: "ETH"},
		pos{key: perpETH, qty: "-2", idx: "1", rate: "1", px: "2010", sign: 1, entry: "2010", root: "ETH"},
	)
	current := snapshot(t1,
		pos{key: weth, qty: "2", idx: "1", rate: "1", px: "2100", sign: 1, root: "ETH"},
		pos{key: perpETH, qty: "-2", idx: "1", rate: "1", px: "2100", sign: 1, entry: "2010", root: "ETH"},
	)

	t.Run("own bucket", func(t *testing.T) {
		a, err := New(Config{}, nil)
		require.NoError(t, err)

		rec, err := a.Attribute(prior, current, nil)
		require.NoError(t, err)
		bucket(t, rec, BucketPriceChange, "0")
		bucket(t, rec, BucketBasis, "20")
		bucket(t, rec, BucketTransactionCost, "0")
		assert.True(t, rec.TotalChange.Equal(d("20")), rec.TotalChange.String())
		assert.True(t, rec.Unexplained.IsZero(), rec.Unexplained.String())
	})

	t.Run("folded into price change", func(t *testing.T) {
		a, err := New(Config{Buckets: []string{BucketPriceChange, BucketTransactionCost}}, nil)
		require.NoError(t, err)

		rec, err := a.Attribute(prior, current, nil)
		require.NoError(t, err)
		bucket(t, rec, BucketPriceChange, "20")
		assert.NotContains(t, rec.Buckets, BucketBasis)
		assert.True(t, rec.Unexplained.IsZero(), rec.Unexplained.String())
	})
}

func TestAttribute_BasisZeroWithoutPerpLeg(t *testing.T) {
	a, err := New(Config{}, nil)
	require.NoError(t, err)

	prior := snapshot(t0, pos{key: weth, qty: "2", idx: "1", rate: "1", px: "2000", sign: 1, root: "ETH"})
	current := snapshot(t1, pos{key: weth, qty: "2", idx: "1", rate: "1", px: "2100", sign: 1, root: "ETH"})

	rec, err := a.Attribute(prior, current, nil)
	require.NoError(t, err)
	bucket(t, rec, BucketPriceChange, "200")
	bucket(t, rec, BucketBasis, "0")
}

func TestAttribute_UnhedgedPerpHasNoBasis(t *testing.T) {
	a, err := New(Config{}, nil)
	require.NoError(t, err)

	prior := snapshot(t0, pos{key: perpETH, qty: "-2", idx: "1", rate: "1", px: "2010", sign: 1, entry: "2010", root: "ETH"})
	current := snapshot(t1, pos{key: perpETH, qty: "-2", idx: "1", rate: "1", px: "2100", sign: 1, entry: "2010", root: "ETH"})

	rec, err := a.Attribute(prior, current, nil)
	require.NoError(t, err)
	bucket(t, rec, BucketPriceChange, "-180")
	bucket(t, rec, BucketBasis, "0")
}

func TestAttribute_UnexplainedBeyondTolerance(t *testing.T) {
	a, err := New(Config{Buckets: []string{BucketPriceChange}, Absolute: d("1")}, nil)
	require.NoError(t, err)

	current := snapshot(t1,
		pos{key: aUSDT, qty: "10000", idx: "1.01", rate: "1", px: "1", sign: 1},
	)
	prior := snapshot(t0,
		pos{key: aUSDT, qty: "10000", idx: "1", rate: "1", px: "1", sign: 1},
	)

	rec, err := a.Attribute(prior, current, nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodePnLUnexplained, domain.CodeOf(err))
	assert.Equal(t, domain.SeverityMedium, domain.SeverityOf(err))
	assert.False(t, rec.WithinTolerance)
	assert.True(t, rec.Unexplained.Equal(d("100")))
	assert.Equal(t, []string{BucketPriceChange}, rec.Order)
}

func TestAttribute_UnpricedShowsAsUnexplained(t *testing.T) {
	a, err := New(Config{Absolute: d("1000")}, nil)
	require.NoError(t, err)

	prior := snapshot(t0, pos{key: margin, qty: "100", idx: "1", rate: "1", px: "1", sign: 1})
	prior.Unpriced = []domain.PositionKey{aUSDT}
	current := snapshot(t1,
		pos{key: margin, qty: "100", idx: "1", rate: "1", px: "1", sign: 1},
		pos{key: aUSDT, qty: "50", idx: "1", rate: "1", px: "1", sign: 1},
	)

	rec, err := a.Attribute(prior, current, nil)
	require.NoError(t, err)
	assert.True(t, rec.Unexplained.Equal(d("50")))
	assert.True(t, rec.WithinTolerance)
}

func TestAttribute_NoPrior(t *testing.T) {
	a, err := New(Config{}, nil)
	require.NoError(t, err)

	rec, err := a.Attribute(nil, priorSnapshot(), nil)
	require.NoError(t, err)
	assert.True(t, rec.TotalChange.IsZero())
	assert.Len(t, rec.Buckets, len(Order))
}

func TestNew_UnknownBucket(t *testing.T) {
	_, err := New(Config{Buckets: []string{"alpha"}}, nil)
	assert.Error(t, err)

	for _, b := range Order {
		assert.True(t, Known(b), b)
	}
	assert.True(t, Known(BucketBasis))
}
