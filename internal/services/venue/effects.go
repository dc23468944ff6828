package venue

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

// PerpState is the position a perp trade is applied to.
type PerpState struct {
	Quantity decimal.Decimal
	Entry    decimal.Decimal
}

// Effect is the computed outcome of one instruction.
type Effect struct {
	Deltas    domain.Deltas
	Fee       decimal.Decimal
	FeeAsset  string
	FillPrice decimal.Decimal
	FlashDebt decimal.Decimal
	NextPerp  PerpState
}

// Effects computes the position deltas an instruction produces under the
// given cost model and market data. It is pure: the simulated venue uses it
// with its charged costs and the planner with its cost estimates.
func Effects(conv *conversion.Service, costs domain.CostModel, in domain.Instruction, md domain.MarketData, perp PerpState) (Effect, error) {
	a := in.Amount
	if in.Type != domain.InstructionTrade || in.Target.Type != domain.PositionTypePerp {
		if !a.IsPositive() {
			return Effect{}, Rejected(nil, "%s amount must be positive, got %s", in.Type, a)
		}
	}

	one := decimal.NewFromInt(1)
	eff := Effect{Deltas: domain.Deltas{}, Fee: decimal.Zero}

	switch in.Type {
	case domain.InstructionSupply:
		idx, err := conv.IndexFactor(in.Target, md)
		if err != nil {
			return Effect{}, err
		}
		eff.Deltas.Add(in.Source, a.Neg())
		eff.Deltas.Add(in.Target, a.Div(idx))

	case domain.InstructionWithdraw:
		idx, err := conv.IndexFactor(in.Source, md)
		if err != nil {
			return Effect{}, err
		}
		eff.Deltas.Add(in.Source, a.Neg())
		eff.Deltas.Add(in.Target, a.Mul(idx))

	case domain.InstructionBorrow:
		idx, err := conv.IndexFactor(in.Source, md)
		if err != nil {
			return Effect{}, err
		}
		eff.Deltas.Add(in.Source, a.Div(idx))
		eff.Deltas.Add(in.Target, a)

	case domain.InstructionRepay:
		idx, err := conv.IndexFactor(in.Target, md)
		if err != nil {
			return Effect{}, err
		}
		eff.Deltas.Add(in.Source, a.Neg())
		eff.Deltas.Add(in.Target, a.Div(idx).Neg())

	case domain.InstructionStake:
		rate, err := conv.IndexFactor(in.Target, md)
		if err != nil {
			return Effect{}, err
		}
		eff.Fee = a.Mul(costs.StakeCost())
		eff.FeeAsset = in.Source.Symbol
		eff.Deltas.Add(in.Source, a.Neg())
		eff.Deltas.Add(in.Target, a.Sub(eff.Fee).Div(rate))

	case domain.InstructionUnstake:
		rate, err := conv.IndexFactor(in.Source, md)
		if err != nil {
			return Effect{}, err
		}
		gross := a.Mul(rate)
		eff.Fee = gross.Mul(costs.UnstakeCost())
		eff.FeeAsset = in.Target.Symbol
		eff.Deltas.Add(in.Source, a.Neg())
		eff.Deltas.Add(in.Target, gross.Sub(eff.Fee))

	case domain.InstructionSwap, domain.InstructionTrade:
		if in.Target.Type == domain.PositionTypePerp {
			return perpEffect(costs, in, md, perp)
		}
		ps, err := conv.AssetPrice(in.Source.Symbol, md)
		if err != nil {
			return Effect{}, err
		}
		pt, err := conv.AssetPrice(in.Target.Symbol, md)
		if err != nil {
			return Effect{}, err
		}
		if !pt.IsPositive() {
			return Effect{}, errors.Errorf("price of %s is not positive", in.Target.Symbol)
		}
		eff.FillPrice = pt.Div(ps)
		eff.Fee = a.Mul(costs.SpotCost())
		eff.FeeAsset = in.Source.Symbol
		eff.Deltas.Add(in.Source, a.Neg())
		eff.Deltas.Add(in.Target, a.Sub(eff.Fee).Mul(ps).Div(pt))

	case domain.InstructionTransfer:
		eff.Fee = a.Mul(costs.TransferCost())
		eff.FeeAsset = in.Source.Symbol
		eff.Deltas.Add(in.Source, a.Neg())
		eff.Deltas.Add(in.Target, a.Sub(eff.Fee))

	case domain.InstructionFlashBorrow:
		eff.Deltas.Add(in.Target, a)
		eff.FlashDebt = a.Mul(one.Add(costs.FlashPremium()))
		eff.Fee = eff.FlashDebt.Sub(a)
		eff.FeeAsset = in.Target.Symbol

	case domain.InstructionFlashRepay:
		eff.Deltas.Add(in.Source, a.Neg())
		eff.FlashDebt = a.Neg()

	default:
		return Effect{}, errors.Wrapf(ErrUnsupported, "instruction type %q", in.Type)
	}

	return eff, nil
}

// perpEffect trades signed contracts at the mark price. Reducing a position
// realises (mark - entry) on the closed part into the margin balance.
func perpEffect(costs domain.CostModel, in domain.Instruction, md domain.MarketData, perp PerpState) (Effect, error) {
	if in.Amount.IsZero() {
		return Effect{}, Rejected(nil, "perp trade size is zero")
	}
	if in.Source.IsZero() {
		return Effect{}, errors.New("perp trade requires a margin source key")
	}
	mark, ok := md.Mark(in.Target.Symbol)
	if !ok {
		return Effect{}, domain.NewError(domain.CodeMarketDataMissing, domain.SeverityHigh, "mark price for %s is not available", in.Target.Symbol)
	}

	size := in.Amount
	q0 := perp.Quantity
	q1 := q0.Add(size)

	realized := decimal.Zero
	next := PerpState{Quantity: q1, Entry: perp.Entry}

	switch {
	case q0.IsZero() || q0.Sign() == size.Sign():
		// open or increase
		if q1.IsZero() {
			next.Entry = decimal.Zero
		} else {
			next.Entry = q0.Mul(perp.Entry).Add(size.Mul(mark)).Div(q1)
		}
	default:
		closed := size.Abs()
		if closed.GreaterThan(q0.Abs()) {
			closed = q0.Abs()
		}
		closedSigned := closed
		if q0.IsNegative() {
			closedSigned = closed.Neg()
		}
		realized = closedSigned.Mul(mark.Sub(perp.Entry))
		switch {
		case q1.IsZero():
			next.Entry = decimal.Zero
		case q1.Sign() != q0.Sign():
			next.Entry = mark
		}
	}

	fee := size.Abs().Mul(mark).Mul(costs.PerpFee())
	eff := Effect{
		Deltas:    domain.Deltas{},
		Fee:       fee,
		FeeAsset:  in.Source.Symbol,
		FillPrice: mark,
		NextPerp:  next,
	}
	eff.Deltas.Add(in.Target, size)
	if margin := realized.Sub(fee); !margin.IsZero() {
		eff.Deltas.Add(in.Source, margin)
	}

	return eff, nil
}
