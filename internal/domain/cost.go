package domain

import "github.com/shopspring/decimal"

var bpsDivisor = decimal.NewFromInt(10000)

// CostModel holds execution costs in basis points. The simulated venue
// charges them; the planner uses the same figures to estimate expected deltas.
type CostModel struct {
	TradeFeeBps    decimal.Decimal `yaml:"trade_fee_bps" json:"trade_fee_bps"`
	SlippageBps    decimal.Decimal `yaml:"slippage_bps" json:"slippage_bps"`
	PerpFeeBps     decimal.Decimal `yaml:"perp_fee_bps" json:"perp_fee_bps"`
	TransferFeeBps decimal.Decimal `yaml:"transfer_fee_bps" json:"transfer_fee_bps"`
	StakeFeeBps    decimal.Decimal `yaml:"stake_fee_bps" json:"stake_fee_bps"`
	UnstakeFeeBps  decimal.Decimal `yaml:"unstake_fee_bps" json:"unstake_fee_bps"`
	FlashFeeBps    decimal.Decimal `yaml:"flash_fee_bps" json:"flash_fee_bps"`
}

func bps(v decimal.Decimal) decimal.Decimal {
	return v.Div(bpsDivisor)
}

// SpotCost is the fraction lost on a trade or swap.
func (c CostModel) SpotCost() decimal.Decimal {
	return bps(c.TradeFeeBps.Add(c.SlippageBps))
}

// PerpFee is the fee fraction of perp notional.
func (c CostModel) PerpFee() decimal.Decimal {
	return bps(c.PerpFeeBps)
}

// TransferCost is the fraction lost on a transfer.
func (c CostModel) TransferCost() decimal.Decimal {
	return bps(c.TransferFeeBps)
}

// StakeCost is the fraction lost when staking.
func (c CostModel) StakeCost() decimal.Decimal {
	return bps(c.StakeFeeBps)
}

// UnstakeCost is the fraction lost when unstaking.
func (c CostModel) UnstakeCost() decimal.Decimal {
	return bps(c.UnstakeFeeBps)
}

// FlashPremium is the fraction owed on top of a flash loan.
func (c CostModel) FlashPremium() decimal.Decimal {
	return bps(c.FlashFeeBps)
}
