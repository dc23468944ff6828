// Package tightloop drives the mandatory execute → update ledger →
// reconcile sequence for every position-mutating instruction.
package tightloop

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/ledger"
	"github.com/vadiminshakov/tightloop/internal/services/router"
	"github.com/vadiminshakov/tightloop/internal/services/venue"
	"github.com/vadiminshakov/tightloop/pkg/retrier"
)

const (
	defaultExecTimeout      = 30 * time.Second
	defaultReconcileTimeout = 30 * time.Second
	defaultGroupTimeout     = 2 * time.Minute
)

// Recorder receives the outcome of every step for the audit log.
type Recorder interface {
	Execution(rec domain.ExecutionRecord)
	Reconciliation(instructionID string, expected, actual domain.Deltas, res ledger.Result)
	Group(out domain.GroupOutcome)
}

// Journal persists live submission intents so a restart can tell which
// instructions may have reached a venue.
type Journal interface {
	Prepare(in domain.Instruction) error
	MarkDone(id string) error
	MarkFailed(id, reason string) error
}

// Config tunes the loop.
type Config struct {
	Mode             domain.RunMode
	Tolerance        ledger.Tolerance
	ExecTimeout      time.Duration
	ReconcileTimeout time.Duration
	GroupTimeout     time.Duration
	// Settle re-probes live balances when the first reconciliation misses,
	// covering venues that settle after confirming.
	Settle *retrier.Retrier
}

// Loop executes instructions one at a time per venue against the ledger.
type Loop struct {
	ledger  *ledger.Ledger
	router  *router.Router
	cfg     Config
	locks   *venueLocks
	rec     Recorder
	journal Journal
	logger  *zap.Logger
	now     func() time.Time

	// pre-submission balances of live instructions whose outcome is unknown
	// after a venue failure, reused when the same instruction is retried
	mu        sync.Mutex
	baselines map[string]domain.Deltas
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		if r != nil {
			l.rec = r
		}
	}
}

// WithJournal sets the live intent journal.
func WithJournal(j Journal) Option {
	return func(l *Loop) {
		l.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithWallClock overrides the wall clock used for durations.
func WithWallClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a loop.
func New(lg *ledger.Ledger, r *router.Router, cfg Config, opts ...Option) (*Loop, error) {
	if lg == nil || r == nil {
		return nil, errors.New("tight loop requires a ledger and a router")
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeSimulated
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = defaultReconcileTimeout
	}
	if cfg.GroupTimeout <= 0 {
		cfg.GroupTimeout = defaultGroupTimeout
	}
	if cfg.Settle == nil {
		cfg.Settle = retrier.New(retrier.WithMaxRetries(3), retrier.WithInitialInterval(500*time.Millisecond))
	}

	l := &Loop{
		ledger: lg,
		router: r,
		cfg:    cfg,
		locks:  newVenueLocks(),
		rec:    nopRecorder{},
		logger: zap.NewNop(),
		now:    time.Now,

		baselines: make(map[string]domain.Deltas),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Mode returns the run mode.
func (l *Loop) Mode() domain.RunMode {
	return l.cfg.Mode
}

// Execute runs one instruction through the tight loop and returns only once
// the ledger reflects the verified outcome.
func (l *Loop) Execute(ctx context.Context, in domain.Instruction, md domain.MarketData) (domain.ExecutionRecord, error) {
	rec := domain.ExecutionRecord{
		Instruction: in,
		Status:      domain.ExecutionPending,
		LogicalTime: md.Timestamp,
		StartedAt:   l.now(),
		Fee:         decimal.Zero,
	}

	fail := func(err error) (domain.ExecutionRecord, error) {
		rec.Status = domain.ExecutionFailed
		rec.Error = err.Error()
		rec.Duration = l.now().Sub(rec.StartedAt)
		l.rec.Execution(rec)
		if l.journal != nil {
			if jerr := l.journal.MarkFailed(in.ID, err.Error()); jerr != nil {
				l.logger.Warn("failed to mark intent failed", zap.String("id", in.ID), zap.Error(jerr))
			}
		}
		return rec, err
	}

	if err := l.ledger.Validate(in.Expected); err != nil {
		return fail(err)
	}

	adapter, err := l.router.Route(in)
	if err != nil {
		return fail(err)
	}

	release := l.locks.lock(in.Venues())
	defer release()

	keys := probeKeys(in.Expected, in.Source, in.Target)
	var before domain.Deltas
	if l.cfg.Mode == domain.ModeLive {
		// a retry after a failed submission measures against the balances
		// taken before the first attempt, which may have filled
		held, ok := l.heldBaseline(in.ID)
		if ok {
			before = held
		} else if before, err = l.baseline(ctx, keys); err != nil {
			return fail(domain.WrapError(err, domain.CodeVenueError, domain.SeverityHigh, "probe balances before %s", in.Type).WithInstruction(in.ID))
		}
		if l.journal != nil {
			if err := l.journal.Prepare(in); err != nil {
				return fail(errors.Wrap(err, "journal intent"))
			}
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, l.cfg.ExecTimeout)
	res, err := adapter.Execute(execCtx, in, md)
	cancel()
	if err != nil {
		if before != nil {
			l.holdBaseline(in.ID, before)
		}
		return fail(l.venueError(err, in))
	}
	l.Forget(in.ID)
	rec.Fee = res.Fee
	rec.FeeAsset = res.FeeAsset
	rec.VenueRef = res.VenueRef

	actual, result, err := l.settle(ctx, in.ID, in.Expected, keys, before, res.Deltas)
	if err != nil {
		return fail(err)
	}
	rec.Actual = actual

	if err := l.ledger.ApplyDeltas(actual, "execution:"+in.ID); err != nil {
		return fail(err)
	}
	l.rec.Reconciliation(in.ID, in.Expected, actual, result)

	if !result.Matched {
		return fail(ledger.MismatchError(in.ID, in.Expected, actual, result))
	}

	rec.Status = domain.ExecutionConfirmed
	rec.Duration = l.now().Sub(rec.StartedAt)
	l.rec.Execution(rec)
	if l.journal != nil {
		if err := l.journal.MarkDone(in.ID); err != nil {
			l.logger.Warn("failed to mark intent done", zap.String("id", in.ID), zap.Error(err))
		}
	}

	l.logger.Debug("instruction confirmed",
		zap.String("id", in.ID),
		zap.String("type", string(in.Type)),
		zap.String("venue", in.Venue),
		zap.String("actual", actual.String()))

	return rec, nil
}

// ExecuteGroup runs an atomic group as one unit. Once submitted the group is
// not cancellable: it runs on a context detached from the caller and bounded
// only by the group timeout. Deltas are applied in one batch or not at all.
func (l *Loop) ExecuteGroup(ctx context.Context, g domain.AtomicGroup, md domain.MarketData) (domain.GroupOutcome, error) {
	out := domain.GroupOutcome{Group: g, Status: domain.ExecutionPending}
	expected := g.Expected()
	started := l.now()

	fail := func(err error) (domain.GroupOutcome, error) {
		out.Status = domain.ExecutionFailed
		out.Error = err.Error()
		l.rec.Group(out)
		if l.journal != nil {
			for _, in := range g.Instructions {
				_ = l.journal.MarkFailed(in.ID, err.Error())
			}
		}
		return out, err
	}

	if err := l.ledger.Validate(expected); err != nil {
		return fail(err)
	}
	adapter, err := l.router.RouteGroup(g)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(domain.WrapError(err, domain.CodeInstructionCancelled, domain.SeverityHigh, "atomic group %s cancelled before submission", g.ID))
	}

	release := l.locks.lock(g.Venues())
	defer release()

	keys := probeKeys(expected)
	for _, in := range g.Instructions {
		keys = appendKeys(keys, in.Source, in.Target)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.GroupTimeout)
	defer cancel()

	var before domain.Deltas
	if l.cfg.Mode == domain.ModeLive {
		if before, err = l.baseline(runCtx, keys); err != nil {
			return fail(domain.WrapError(err, domain.CodeVenueError, domain.SeverityHigh, "probe balances before group %s", g.ID))
		}
		if l.journal != nil {
			for _, in := range g.Instructions {
				if err := l.journal.Prepare(in); err != nil {
					return fail(errors.Wrap(err, "journal intent"))
				}
			}
		}
	}

	results, err := adapter.ExecuteAtomic(runCtx, g, md)
	if err != nil {
		return fail(domain.WrapError(err, domain.CodeAtomicGroupFailed, l.cfg.Mode.VenueFailureSeverity(), "atomic group %s failed", g.ID))
	}
	if len(results) != len(g.Instructions) {
		return fail(domain.NewError(domain.CodeAtomicGroupFailed, domain.SeverityCritical,
			"atomic group %s returned %d results for %d members", g.ID, len(results), len(g.Instructions)))
	}

	var reported domain.Deltas
	if l.cfg.Mode == domain.ModeSimulated {
		reported = domain.Deltas{}
		for _, r := range results {
			if r.Deltas == nil {
				return fail(domain.NewError(domain.CodeVenueError, domain.SeverityCritical, "simulated venue returned no deltas for group %s", g.ID))
			}
			reported.Merge(r.Deltas)
		}
	}

	actual, result, err := l.settle(runCtx, g.ID, expected, keys, before, reported)
	if err != nil {
		return fail(err)
	}

	if err := l.ledger.ApplyDeltas(actual, "atomic_group:"+g.ID); err != nil {
		return fail(err)
	}
	l.rec.Reconciliation(g.ID, expected, actual, result)

	for i, in := range g.Instructions {
		r := domain.ExecutionRecord{
			Instruction: in,
			Actual:      results[i].Deltas,
			Status:      domain.ExecutionConfirmed,
			Fee:         results[i].Fee,
			FeeAsset:    results[i].FeeAsset,
			VenueRef:    results[i].VenueRef,
			Attempts:    1,
			LogicalTime: md.Timestamp,
			StartedAt:   started,
			Duration:    l.now().Sub(started),
		}
		if !result.Matched {
			r.Status = domain.ExecutionFailed
		}
		out.Records = append(out.Records, r)
	}
	out.Actual = actual

	if !result.Matched {
		return fail(ledger.MismatchError(g.ID, expected, actual, result))
	}

	out.Status = domain.ExecutionConfirmed
	l.rec.Group(out)
	if l.journal != nil {
		for _, in := range g.Instructions {
			if err := l.journal.MarkDone(in.ID); err != nil {
				l.logger.Warn("failed to mark intent done", zap.String("id", in.ID), zap.Error(err))
			}
		}
	}

	l.logger.Info("atomic group confirmed",
		zap.String("group", g.ID),
		zap.String("venue", g.Venue),
		zap.Int("members", len(g.Instructions)))

	return out, nil
}

// settle determines the actual deltas. Simulated runs take what the venue
// reported; live runs probe balances, re-probing with backoff while the
// reconciliation misses.
func (l *Loop) settle(ctx context.Context, id string, expected domain.Deltas, keys []domain.PositionKey, before, reported domain.Deltas) (domain.Deltas, ledger.Result, error) {
	if l.cfg.Mode == domain.ModeSimulated {
		if reported == nil {
			return nil, ledger.Result{}, domain.NewError(domain.CodeVenueError, domain.SeverityCritical, "simulated venue returned no deltas").WithInstruction(id)
		}
		if err := l.ledger.Validate(reported); err != nil {
			return nil, ledger.Result{}, err
		}
		return reported, ledger.Reconcile(expected, reported, l.cfg.Tolerance), nil
	}

	rctx, cancel := context.WithTimeout(ctx, l.cfg.ReconcileTimeout)
	defer cancel()

	var (
		actual domain.Deltas
		result ledger.Result
	)
	errMiss := errors.New("reconciliation pending")
	err := l.cfg.Settle.Do(rctx, func(ctx context.Context) error {
		after, err := l.probe(ctx, keys)
		if err != nil {
			return err
		}
		actual = domain.Deltas{}
		for _, k := range keys {
			if diff := after.Get(k).Sub(before.Get(k)); !diff.IsZero() {
				actual[k] = diff
			}
		}
		result = ledger.Reconcile(expected, actual, l.cfg.Tolerance)
		if !result.Matched {
			l.logger.Info("reconciliation pending, re-probing", zap.String("id", id), zap.Int("diffs", len(result.Diffs)))
			return errMiss
		}
		return nil
	})
	if err != nil && !errors.Is(err, errMiss) {
		if actual == nil {
			return nil, ledger.Result{}, domain.WrapError(err, domain.CodeVenueTimeout, domain.SeverityHigh, "probe balances after execution").WithInstruction(id)
		}
		l.logger.Warn("settlement probing interrupted", zap.String("id", id), zap.Error(err))
	}

	return actual, result, nil
}

// baseline probes balances before submission, retrying transient venue
// failures.
func (l *Loop) baseline(ctx context.Context, keys []domain.PositionKey) (domain.Deltas, error) {
	return retrier.DoWithData(l.cfg.Settle, ctx, func(ctx context.Context) (domain.Deltas, error) {
		return l.probe(ctx, keys)
	})
}

func (l *Loop) heldBaseline(id string) (domain.Deltas, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.baselines[id]
	return b, ok
}

func (l *Loop) holdBaseline(id string, before domain.Deltas) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baselines[id] = before
}

// Forget drops the pre-submission balances held for a failed live
// instruction. The sequencer calls it once it stops retrying id.
func (l *Loop) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.baselines, id)
}

func (l *Loop) probe(ctx context.Context, keys []domain.PositionKey) (domain.Deltas, error) {
	out := make(domain.Deltas, len(keys))
	for _, k := range keys {
		a, err := l.router.Adapter(k.Venue)
		if err != nil {
			return nil, err
		}
		v, err := venue.Probe(ctx, a, k)
		if err != nil {
			return nil, errors.Wrapf(err, "probe %s", k)
		}
		out[k] = v
	}
	return out, nil
}

func (l *Loop) venueError(err error, in domain.Instruction) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(err, domain.CodeVenueTimeout, l.cfg.Mode.VenueFailureSeverity(), "%s on %s timed out", in.Type, in.Venue).WithInstruction(in.ID)
	}
	return domain.WrapError(err, domain.CodeVenueError, l.cfg.Mode.VenueFailureSeverity(), "%s on %s failed", in.Type, in.Venue).WithInstruction(in.ID)
}

func probeKeys(expected domain.Deltas, extra ...domain.PositionKey) []domain.PositionKey {
	return appendKeys(expected.Keys(), extra...)
}

func appendKeys(keys []domain.PositionKey, extra ...domain.PositionKey) []domain.PositionKey {
	seen := make(map[domain.PositionKey]struct{}, len(keys)+len(extra))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range extra {
		if k.IsZero() {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

type nopRecorder struct{}

func (nopRecorder) Execution(domain.ExecutionRecord)                                   {}
func (nopRecorder) Reconciliation(string, domain.Deltas, domain.Deltas, ledger.Result) {}
func (nopRecorder) Group(domain.GroupOutcome)                                          {}
