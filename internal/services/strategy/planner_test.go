package strategy

import (
	"context"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
	"github.com/vadiminshakov/tightloop/internal/services/venue"
)

func newPlanner(t *testing.T, conv *conversion.Service, cfg PlannerConfig) *Planner {
	t.Helper()
	p, err := NewPlanner(cfg, conv, nil)
	require.NoError(t, err)
	n := 0
	p.newID = func() string {
		n++
		return "i" + strconv.Itoa(n)
	}
	return p
}

func newBook(t *testing.T, conv *conversion.Service, costs domain.CostModel, snap domain.LedgerSnapshot) *venue.Simulated {
	t.Helper()
	sim, err := venue.NewSimulated("sim", conv, costs, snap.Positions, nil)
	require.NoError(t, err)
	return sim
}

// execute runs a plan against the simulated book the way the sequencer
// segments it.
func execute(t *testing.T, sim *venue.Simulated, ins []domain.Instruction, md domain.MarketData) {
	t.Helper()
	steps, err := domain.Steps(ins)
	require.NoError(t, err)
	for _, s := range steps {
		if s.Group != nil {
			_, err := sim.ExecuteAtomic(context.Background(), *s.Group, md)
			require.NoError(t, err, "group %s", s.Group.ID)
			continue
		}
		_, err := sim.Execute(context.Background(), *s.Instruction, md)
		require.NoError(t, err, "instruction %s %s", s.Instruction.ID, s.Instruction.Type)
	}
}

func types(ins []domain.Instruction) []domain.InstructionType {
	out := make([]domain.InstructionType, len(ins))
	for i, in := range ins {
		out[i] = in.Type
	}
	return out
}

func TestPlanner_Supply(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	snap := snapshot(map[domain.PositionKey]string{walletUSDT: "10000"})

	p := newPlanner(t, conv, PlannerConfig{})
	ins, err := p.Plan(snap, Targets{walletUSDT: d("0"), aUSDT: d("10000")}, md, expose(t, conv, snap, md))
	require.NoError(t, err)
	require.Len(t, ins, 1)

	in := ins[0]
	assert.Equal(t, domain.InstructionSupply, in.Type)
	assert.Equal(t, "aave", in.Venue)
	assert.Equal(t, walletUSDT, in.Source)
	assert.Equal(t, aUSDT, in.Target)
	assert.True(t, in.Amount.Equal(d("10000")))
	assert.True(t, in.Expected.Get(walletUSDT).Equal(d("-10000")))
	assert.True(t, in.Expected.Get(aUSDT).Equal(d("10000")))
	assert.False(t, in.Grouped())
}

func TestPlanner_SupplyThroughIndexLeavesExactReserve(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	md.Indices["aUSDT"] = d("1.01")
	snap := snapshot(map[domain.PositionKey]string{walletUSDT: "1100", aUSDT: "9900"})

	s, err := New(Config{Mode: ModePureLending, Params: Params{
		"asset": walletUSDT.String(), "supply": aUSDT.String(), "reserve": "100",
	}}, conv, nil)
	require.NoError(t, err)
	exp := expose(t, conv, snap, md)
	targets, err := s.TargetPositions(exp, md)
	require.NoError(t, err)

	ins, err := newPlanner(t, conv, PlannerConfig{}).Plan(snap, targets, md, exp)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, domain.InstructionSupply, ins[0].Type)
	assert.True(t, ins[0].Amount.Equal(d("1000")), ins[0].Amount.String())
	assert.True(t, ins[0].Expected.Get(walletUSDT).Equal(d("-1000")))

	sim := newBook(t, conv, domain.CostModel{}, snap)
	execute(t, sim, ins, md)
	wallet := sim.Balances()[walletUSDT]
	assert.True(t, wallet.Equal(d("100")), wallet.String())
}

func TestPlanner_NoChange(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	snap := snapshot(map[domain.PositionKey]string{aUSDT: "10000"})

	ins, err := newPlanner(t, conv, PlannerConfig{}).Plan(snap, Targets{aUSDT: d("10000.000000001")}, md, nil)
	require.NoError(t, err)
	assert.Empty(t, ins)
}

func TestPlanner_UnsubscribedTarget(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	snap := snapshot(nil)

	_, err := newPlanner(t, conv, PlannerConfig{}).Plan(snap, Targets{
		domain.MustParsePositionKey("compound:aToken:aUSDT"): d("1"),
	}, md, nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodeKeyNotSubscribed, domain.CodeOf(err))
}

func TestPlanner_LeverageWithFlashLoan(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	costs := domain.CostModel{FlashFeeBps: d("9")}
	snap := snapshot(map[domain.PositionKey]string{walletWETH: "1"})

	s, err := New(Config{Mode: ModeLeveragedStaking, Params: leveragedParams()}, conv, nil)
	require.NoError(t, err)
	exp := expose(t, conv, snap, md)
	targets, err := s.TargetPositions(exp, md)
	require.NoError(t, err)

	p := newPlanner(t, conv, PlannerConfig{FlashLoans: true, FlashVenue: "aave", Costs: costs})
	ins, err := p.Plan(snap, targets, md, exp)
	require.NoError(t, err)

	// the premium is covered by a second borrow before the loan is repaid
	assert.Equal(t, []domain.InstructionType{
		domain.InstructionFlashBorrow,
		domain.InstructionStake,
		domain.InstructionSupply,
		domain.InstructionBorrow,
		domain.InstructionBorrow,
		domain.InstructionFlashRepay,
	}, types(ins))

	group := ins[0].GroupID
	require.NotEmpty(t, group)
	for i, in := range ins {
		assert.Equal(t, group, in.GroupID)
		assert.Equal(t, i+1, in.Sequence)
	}
	near(t, "2.3333333", ins[0].Amount)
	assert.Equal(t, "aave", ins[0].Venue)

	sim := newBook(t, conv, costs, snap)
	execute(t, sim, ins, md)

	book := sim.Balances()
	near(t, "2.6666666", book[aWEETH])
	near(t, "2.3354333", book[debtWETH])
	assert.True(t, book[walletWETH].IsZero(), book[walletWETH].String())
	assert.True(t, book[walletLST].IsZero(), book[walletLST].String())
}

func TestPlanner_LeverageWithoutFlashLoan(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	snap := snapshot(map[domain.PositionKey]string{walletWETH: "1"})

	_, err := newPlanner(t, conv, PlannerConfig{}).Plan(snap, Targets{
		aWEETH: d("2.4"), debtWETH: d("2"), walletWETH: decimal.Zero, walletLST: decimal.Zero,
	}, md, nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodePlanningFailed, domain.CodeOf(err))
}

func TestPlanner_Unwind(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	snap := snapshot(map[domain.PositionKey]string{aWEETH: "2.4", debtWETH: "2"})

	p := newPlanner(t, conv, PlannerConfig{FlashLoans: true, FlashVenue: "aave"})
	ins, err := p.Plan(snap, Targets{
		aWEETH: decimal.Zero, debtWETH: decimal.Zero, walletWETH: decimal.Zero, walletLST: decimal.Zero,
	}, md, nil)
	require.NoError(t, err)

	assert.Equal(t, []domain.InstructionType{
		domain.InstructionFlashBorrow,
		domain.InstructionRepay,
		domain.InstructionWithdraw,
		domain.InstructionUnstake,
		domain.InstructionFlashRepay,
	}, types(ins))

	sim := newBook(t, conv, domain.CostModel{}, snap)
	execute(t, sim, ins, md)

	book := sim.Balances()
	assert.True(t, book[aWEETH].IsZero())
	assert.True(t, book[debtWETH].IsZero())
	// 2.4 weETH unwraps to 3 WETH, 2 of which repaid the flash loan
	near(t, "1", book[walletWETH])
}

func TestPlanner_BasisEntry(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	costs := domain.CostModel{TradeFeeBps: d("10"), PerpFeeBps: d("5")}
	snap := snapshot(map[domain.PositionKey]string{binUSDT: "10000", hlUSDC: "1000"})

	p := newPlanner(t, conv, PlannerConfig{
		Quotes:     map[string]string{"binance": "USDT"},
		PerpMargin: map[string]string{"hyperliquid": "USDC"},
		Costs:      costs,
	})
	ins, err := p.Plan(snap, Targets{
		binUSDT: d("100"), binETH: d("4.95"), hlETH: d("-4.95"),
	}, md, expose(t, conv, snap, md))
	require.NoError(t, err)
	require.Len(t, ins, 2)

	buy := ins[0]
	assert.Equal(t, domain.InstructionTrade, buy.Type)
	assert.Equal(t, binUSDT, buy.Source)
	assert.Equal(t, binETH, buy.Target)
	near(t, "4.95", buy.Expected.Get(binETH))

	short := ins[1]
	assert.True(t, short.IsPerpTrade())
	assert.Equal(t, hlUSDC, short.Source)
	assert.True(t, short.Amount.Equal(d("-4.95")))
	// 4.95 * 2000 * 5bps
	assert.True(t, short.Expected.Get(hlUSDC).Equal(d("-4.95")))

	sim := newBook(t, conv, costs, snap)
	execute(t, sim, ins, md)
	book := sim.Balances()
	near(t, "4.95", book[binETH])
	assert.True(t, book[hlETH].Equal(d("-4.95")))
}

func TestPlanner_PerpFlipClosesFirst(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	snap := snapshot(map[domain.PositionKey]string{hlUSDC: "1000", hlETH: "-1"})

	p := newPlanner(t, conv, PlannerConfig{PerpMargin: map[string]string{"hyperliquid": "USDC"}})
	ins, err := p.Plan(snap, Targets{hlETH: d("2")}, md, expose(t, conv, snap, md))
	require.NoError(t, err)
	require.Len(t, ins, 2)
	assert.True(t, ins[0].Amount.Equal(d("1")))
	assert.True(t, ins[1].Amount.Equal(d("2")))
}

func TestPlanner_TransferFromWallet(t *testing.T) {
	conv := testConv(t)
	md := testMD()
	costs := domain.CostModel{TransferFeeBps: d("10")}
	snap := snapshot(map[domain.PositionKey]string{walletUSDT: "5000"})

	p := newPlanner(t, conv, PlannerConfig{
		Quotes: map[string]string{"binance": "USDT"},
		Costs:  costs,
	})
	ins, err := p.Plan(snap, Targets{binUSDT: d("999")}, md, nil)
	require.NoError(t, err)
	require.Len(t, ins, 1)

	assert.Equal(t, domain.InstructionTransfer, ins[0].Type)
	assert.Equal(t, "wallet", ins[0].Venue)
	// gross-up so 999 arrives after the 10bps fee
	assert.True(t, ins[0].Amount.Equal(d("1000")))
	assert.True(t, ins[0].Expected.Get(binUSDT).Equal(d("999")))
}

func TestNewPlanner_FlashVenueRequired(t *testing.T) {
	_, err := NewPlanner(PlannerConfig{FlashLoans: true}, testConv(t), nil)
	assert.Error(t, err)
}
