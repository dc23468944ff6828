package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Bucket names, in reporting order.
const (
	BucketPriceChange     = "price_change"
	BucketBasis           = "basis"
	BucketSupplyYield     = "supply_yield"
	BucketBorrowCost      = "borrow_cost"
	BucketStakingYield    = "staking_yield"
	BucketFunding         = "funding"
	BucketTransactionCost = "transaction_cost"
	BucketExternalFlow    = "external_flow"
)

// Order is the canonical bucket order.
var Order = []string{
	BucketPriceChange,
	BucketBasis,
	BucketSupplyYield,
	BucketBorrowCost,
	BucketStakingYield,
	BucketFunding,
	BucketTransactionCost,
	BucketExternalFlow,
}

// Component is one position's share of a period's value change.
type Component struct {
	Key domain.PositionKey
	// Price is the change due to the root price move on the opening quantity.
	// A perp with a spot leg on the same root is moved at the spot price.
	Price decimal.Decimal
	// Basis is the perp's share of the mark move beyond the spot move.
	Basis decimal.Decimal
	// IndexAccrual is interest accrued through the lending index.
	IndexAccrual decimal.Decimal
	// RateAccrual is staking accrued through the LST exchange rate.
	RateAccrual decimal.Decimal
	// Notices is the value of quantity changes reported by notices, by reason.
	Notices map[domain.NoticeReason]decimal.Decimal
	// Residual is the value of every other quantity change: executions,
	// including fees, slippage and realized perp PnL.
	Residual decimal.Decimal
}

// BucketFunc sums the contributions of one bucket. It contributes zero when
// its inputs are absent.
type BucketFunc func(parts []Component) decimal.Decimal

var registry = map[string]BucketFunc{
	BucketPriceChange: sum(func(c Component) decimal.Decimal { return c.Price }),
	BucketBasis:       sum(func(c Component) decimal.Decimal { return c.Basis }),
	BucketSupplyYield: sum(func(c Component) decimal.Decimal {
		if c.Key.Type == domain.PositionTypeDebtToken {
			return decimal.Zero
		}
		return c.IndexAccrual
	}),
	BucketBorrowCost: sum(func(c Component) decimal.Decimal {
		if c.Key.Type != domain.PositionTypeDebtToken {
			return decimal.Zero
		}
		return c.IndexAccrual
	}),
	BucketStakingYield: sum(func(c Component) decimal.Decimal {
		return c.RateAccrual.Add(c.Notices[domain.NoticeReward])
	}),
	BucketFunding: sum(func(c Component) decimal.Decimal {
		return c.Notices[domain.NoticeFunding]
	}),
	BucketTransactionCost: sum(func(c Component) decimal.Decimal { return c.Residual }),
	BucketExternalFlow: sum(func(c Component) decimal.Decimal {
		total := decimal.Zero
		for reason, v := range c.Notices {
			if reason == domain.NoticeFunding || reason == domain.NoticeReward {
				continue
			}
			total = total.Add(v)
		}
		return total
	}),
}

func sum(part func(Component) decimal.Decimal) BucketFunc {
	return func(parts []Component) decimal.Decimal {
		total := decimal.Zero
		for _, c := range parts {
			total = total.Add(part(c))
		}
		return total
	}
}

// Known reports whether a bucket is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}
