package tightloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/ledger"
	"github.com/vadiminshakov/tightloop/internal/services/router"
	"github.com/vadiminshakov/tightloop/internal/services/venue/venuetest"
	"github.com/vadiminshakov/tightloop/pkg/retrier"
)

var (
	walletUSDT = domain.MustParsePositionKey("aave:BaseToken:USDT")
	aUSDT      = domain.MustParsePositionKey("aave:aToken:aUSDT")
	debtUSDT   = domain.MustParsePositionKey("aave:debtToken:debtUSDT")
	unknown    = domain.MustParsePositionKey("binance:BaseToken:BTC")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memRecorder struct {
	mu         sync.Mutex
	executions []domain.ExecutionRecord
	reconciles []ledger.Result
	groups     []domain.GroupOutcome
}

func (m *memRecorder) Execution(rec domain.ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, rec)
}

func (m *memRecorder) Reconciliation(_ string, _, _ domain.Deltas, res ledger.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles = append(m.reconciles, res)
}

func (m *memRecorder) Group(out domain.GroupOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, out)
}

type fixture struct {
	loop   *Loop
	ledger *ledger.Ledger
	venue  *venuetest.Fake
	rec    *memRecorder
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()

	lg, err := ledger.New(
		[]domain.PositionKey{walletUSDT, aUSDT, debtUSDT},
		map[domain.PositionKey]decimal.Decimal{walletUSDT: d("10000")},
	)
	require.NoError(t, err)

	fake := venuetest.New("aave-sim")
	fake.Balances[walletUSDT] = d("10000")

	r := router.New(router.Mapping{
		domain.InstructionSupply:      {"aave"},
		domain.InstructionBorrow:      {"aave"},
		domain.InstructionFlashBorrow: {"aave"},
		domain.InstructionFlashRepay:  {"aave"},
	})
	r.Register("aave", fake)

	rec := &memRecorder{}
	loop, err := New(lg, r, cfg, WithRecorder(rec))
	require.NoError(t, err)

	return fixture{loop: loop, ledger: lg, venue: fake, rec: rec}
}

func supply(amount string) domain.Instruction {
	return domain.Instruction{
		ID:     "supply-1",
		Type:   domain.InstructionSupply,
		Venue:  "aave",
		Source: walletUSDT,
		Target: aUSDT,
		Amount: d(amount),
		Expected: domain.Deltas{
			walletUSDT: d(amount).Neg(),
			aUSDT:      d(amount),
		},
	}
}

func quantity(t *testing.T, lg *ledger.Ledger, k domain.PositionKey) decimal.Decimal {
	t.Helper()
	q, err := lg.Quantity(k)
	require.NoError(t, err)
	return q
}

func TestExecute_SupplyReconciles(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rec, err := f.loop.Execute(context.Background(), supply("10000"), domain.MarketData{Timestamp: ts})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionConfirmed, rec.Status)
	assert.Equal(t, ts, rec.LogicalTime)
	assert.True(t, quantity(t, f.ledger, aUSDT).Equal(d("10000")))
	assert.True(t, quantity(t, f.ledger, walletUSDT).IsZero())

	require.Len(t, f.rec.executions, 1)
	require.Len(t, f.rec.reconciles, 1)
	assert.True(t, f.rec.reconciles[0].Matched)
}

func TestExecute_MismatchIsCriticalAndLedgerReflectsActual(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})
	f.venue.ExecuteFn = func(context.Context, domain.Instruction) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{
			Status: domain.ExecutionConfirmed,
			Deltas: domain.Deltas{walletUSDT: d("-10000"), aUSDT: d("9990")},
		}, nil
	}

	_, err := f.loop.Execute(context.Background(), supply("10000"), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeReconciliationMismatch, domain.CodeOf(err))
	assert.Equal(t, domain.SeverityCritical, domain.SeverityOf(err))

	assert.True(t, quantity(t, f.ledger, aUSDT).Equal(d("9990")))

	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "supply-1", derr.InstructionID)
	require.Len(t, derr.Diffs, 1)
	assert.Equal(t, aUSDT, derr.Diffs[0].Key)
}

func TestExecute_WithinTolerance(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated, Tolerance: ledger.Tolerance{Absolute: d("0.5")}})
	f.venue.ExecuteFn = func(context.Context, domain.Instruction) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{
			Status: domain.ExecutionConfirmed,
			Deltas: domain.Deltas{walletUSDT: d("-10000"), aUSDT: d("9999.7")},
		}, nil
	}

	_, err := f.loop.Execute(context.Background(), supply("10000"), domain.MarketData{})
	require.NoError(t, err)
	assert.True(t, quantity(t, f.ledger, aUSDT).Equal(d("9999.7")))
}

func TestExecute_VenueFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})
	f.venue.ExecuteFn = func(context.Context, domain.Instruction) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, errors.New("pool paused")
	}

	rec, err := f.loop.Execute(context.Background(), supply("10000"), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeVenueError, domain.CodeOf(err))
	assert.Equal(t, domain.SeverityCritical, domain.SeverityOf(err))
	assert.Equal(t, domain.ExecutionFailed, rec.Status)

	assert.True(t, quantity(t, f.ledger, walletUSDT).Equal(d("10000")))
	assert.True(t, quantity(t, f.ledger, aUSDT).IsZero())
}

func TestExecute_NilDeltasInSimulation(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})
	f.venue.ReportDeltas = false

	_, err := f.loop.Execute(context.Background(), supply("100"), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.SeverityCritical, domain.SeverityOf(err))
}

func TestExecute_UnsubscribedExpectedKey(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})
	in := supply("100")
	in.Expected[unknown] = d("1")

	_, err := f.loop.Execute(context.Background(), in, domain.MarketData{})
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
	assert.Zero(t, f.venue.CallCount())
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeLive, ExecTimeout: 20 * time.Millisecond,
		Settle: retrier.New(retrier.WithMaxRetries(0))})
	f.venue.ExecuteFn = func(ctx context.Context, _ domain.Instruction) (domain.ExecutionResult, error) {
		<-ctx.Done()
		return domain.ExecutionResult{}, ctx.Err()
	}

	_, err := f.loop.Execute(context.Background(), supply("100"), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeVenueTimeout, domain.CodeOf(err))
	assert.Equal(t, domain.SeverityHigh, domain.SeverityOf(err))
}

func TestExecute_LiveProbesBalances(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeLive, Settle: retrier.New(retrier.WithMaxRetries(0))})
	f.venue.ReportDeltas = false

	rec, err := f.loop.Execute(context.Background(), supply("2500"), domain.MarketData{})
	require.NoError(t, err)
	assert.True(t, rec.Actual.Get(aUSDT).Equal(d("2500")))
	assert.True(t, rec.Actual.Get(walletUSDT).Equal(d("-2500")))
	assert.True(t, quantity(t, f.ledger, walletUSDT).Equal(d("7500")))
}

func TestExecute_LiveReprobesUntilSettled(t *testing.T) {
	var fake *venuetest.Fake
	settle := retrier.New(
		retrier.WithMaxRetries(2),
		retrier.WithInitialInterval(time.Millisecond),
		retrier.WithOnRetry(func(attempt int, _ error, _ time.Duration) {
			// the venue settles between the first and second probe
			if attempt == 1 {
				fake.Balances[walletUSDT] = d("9000")
				fake.Balances[aUSDT] = d("1000")
			}
		}),
	)
	f := newFixture(t, Config{Mode: domain.ModeLive, Settle: settle})
	fake = f.venue
	fake.ExecuteFn = func(context.Context, domain.Instruction) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{Status: domain.ExecutionConfirmed}, nil
	}

	_, err := f.loop.Execute(context.Background(), supply("1000"), domain.MarketData{})
	require.NoError(t, err)
	assert.True(t, quantity(t, f.ledger, aUSDT).Equal(d("1000")))
}

func TestExecute_LiveNeverSettles(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeLive,
		Settle: retrier.New(retrier.WithMaxRetries(1), retrier.WithInitialInterval(time.Millisecond))})
	f.venue.ExecuteFn = func(context.Context, domain.Instruction) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{Status: domain.ExecutionConfirmed}, nil
	}

	_, err := f.loop.Execute(context.Background(), supply("1000"), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeReconciliationMismatch, domain.CodeOf(err))
	assert.True(t, quantity(t, f.ledger, aUSDT).IsZero())
}

func TestExecute_LiveRetryMeasuresFromFirstBaseline(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeLive, Settle: retrier.New(retrier.WithMaxRetries(0))})
	f.venue.ReportDeltas = false
	calls := 0
	f.venue.ExecuteFn = func(context.Context, domain.Instruction) (domain.ExecutionResult, error) {
		calls++
		if calls == 1 {
			f.venue.Balances[walletUSDT] = d("0")
			f.venue.Balances[aUSDT] = d("10000")
			return domain.ExecutionResult{}, context.DeadlineExceeded
		}
		return domain.ExecutionResult{Status: domain.ExecutionConfirmed}, nil
	}

	_, err := f.loop.Execute(context.Background(), supply("10000"), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeVenueTimeout, domain.CodeOf(err))
	assert.True(t, quantity(t, f.ledger, walletUSDT).Equal(d("10000")))

	rec, err := f.loop.Execute(context.Background(), supply("10000"), domain.MarketData{})
	require.NoError(t, err)
	assert.True(t, rec.Actual.Get(aUSDT).Equal(d("10000")))
	assert.True(t, quantity(t, f.ledger, walletUSDT).IsZero())
	assert.True(t, quantity(t, f.ledger, aUSDT).Equal(d("10000")))
	assert.Empty(t, f.loop.baselines)
}

func TestForget_DropsHeldBaseline(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeLive, Settle: retrier.New(retrier.WithMaxRetries(0))})
	f.venue.ExecuteFn = func(context.Context, domain.Instruction) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, errors.New("503")
	}

	_, err := f.loop.Execute(context.Background(), supply("100"), domain.MarketData{})
	require.Error(t, err)
	require.Contains(t, f.loop.baselines, "supply-1")

	f.loop.Forget("supply-1")
	assert.Empty(t, f.loop.baselines)
}

func leverageGroup() domain.AtomicGroup {
	return domain.AtomicGroup{ID: "g1", Venue: "aave", Instructions: []domain.Instruction{
		{ID: "fb", Type: domain.InstructionFlashBorrow, Venue: "aave", Target: walletUSDT, Amount: d("5000"), GroupID: "g1",
			Expected: domain.Deltas{walletUSDT: d("5000")}},
		{ID: "sup", Type: domain.InstructionSupply, Venue: "aave", Source: walletUSDT, Target: aUSDT, Amount: d("15000"), GroupID: "g1",
			Expected: domain.Deltas{walletUSDT: d("-15000"), aUSDT: d("15000")}},
		{ID: "bor", Type: domain.InstructionBorrow, Venue: "aave", Source: debtUSDT, Target: walletUSDT, Amount: d("5000"), GroupID: "g1",
			Expected: domain.Deltas{debtUSDT: d("5000"), walletUSDT: d("5000")}},
		{ID: "fr", Type: domain.InstructionFlashRepay, Venue: "aave", Source: walletUSDT, Amount: d("5000"), GroupID: "g1",
			Expected: domain.Deltas{walletUSDT: d("-5000")}},
	}}
}

func TestExecuteGroup_AppliesAllDeltasAtOnce(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})

	out, err := f.loop.ExecuteGroup(context.Background(), leverageGroup(), domain.MarketData{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionConfirmed, out.Status)
	require.Len(t, out.Records, 4)

	assert.True(t, quantity(t, f.ledger, aUSDT).Equal(d("15000")))
	assert.True(t, quantity(t, f.ledger, debtUSDT).Equal(d("5000")))
	assert.True(t, quantity(t, f.ledger, walletUSDT).IsZero())
	require.Len(t, f.rec.groups, 1)
}

func TestExecuteGroup_FailureAppliesNothing(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})
	f.venue.AtomicFn = func(context.Context, domain.AtomicGroup) ([]domain.ExecutionResult, error) {
		return nil, errors.New("flash loan not repaid")
	}

	out, err := f.loop.ExecuteGroup(context.Background(), leverageGroup(), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeAtomicGroupFailed, domain.CodeOf(err))
	assert.Equal(t, domain.ExecutionFailed, out.Status)

	snap := f.ledger.Snapshot()
	assert.True(t, snap.Get(walletUSDT).Equal(d("10000")))
	assert.True(t, snap.Get(aUSDT).IsZero())
	assert.True(t, snap.Get(debtUSDT).IsZero())
}

func TestExecuteGroup_CancelledBeforeSubmission(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.loop.ExecuteGroup(ctx, leverageGroup(), domain.MarketData{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInstructionCancelled, domain.CodeOf(err))
	assert.Empty(t, f.venue.GroupCalls)
}

func TestExecute_SerializesPerVenue(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeSimulated})

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	f.venue.ExecuteFn = func(_ context.Context, in domain.Instruction) (domain.ExecutionResult, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return domain.ExecutionResult{Status: domain.ExecutionConfirmed, Deltas: in.Expected.Clone()}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.loop.Execute(context.Background(), supply("10"), domain.MarketData{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.True(t, quantity(t, f.ledger, aUSDT).Equal(d("80")))
}
