// Package engine runs the decision cycle: market tick, notices, monitoring
// chain, strategy, planner, sequencer and a final monitoring pass.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/audit"
	"github.com/vadiminshakov/tightloop/internal/services/exposure"
	"github.com/vadiminshakov/tightloop/internal/services/ledger"
	"github.com/vadiminshakov/tightloop/internal/services/pnl"
	"github.com/vadiminshakov/tightloop/internal/services/pricer"
	"github.com/vadiminshakov/tightloop/internal/services/risk"
	"github.com/vadiminshakov/tightloop/internal/services/router"
	"github.com/vadiminshakov/tightloop/internal/services/sequencer"
	"github.com/vadiminshakov/tightloop/internal/services/strategy"
	"github.com/vadiminshakov/tightloop/internal/services/venue"
	"github.com/vadiminshakov/tightloop/internal/storage/journal"
)

// Engine owns every component of one run. Build it with Build.
type Engine struct {
	mode     domain.RunMode
	maxTicks int

	source    pricer.Source
	ledger    *ledger.Ledger
	router    *router.Router
	sequencer *sequencer.Sequencer
	exposure  *exposure.Calculator
	history   *exposure.History
	risk      *risk.Evaluator
	pnl       *pnl.Attributor
	decider   strategy.Decider
	planner   *strategy.Planner
	audit     *audit.Recorder
	journal   *journal.Journal
	// notices mirrors external position changes into the simulated book.
	notices venue.NoticeSink

	logger  *zap.Logger
	closers []io.Closer
}

// Report summarizes one cycle.
type Report struct {
	Tick         time.Time
	Rebalanced   bool
	Instructions int
	Outcome      sequencer.Outcome
	Exposure     *domain.ExposureSnapshot
	Risk         *domain.RiskAssessment
	PnL          domain.PnLRecord
}

// Summary is the result of a whole run.
type Summary struct {
	RunID  string
	Ticks  int
	Cycles []Report
	Final  domain.LedgerSnapshot
}

// RunID returns the audit run id.
func (e *Engine) RunID() string { return e.audit.RunID() }

// Ledger exposes the position ledger for read access.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Run consumes ticks until the source is exhausted, the tick limit is
// reached, the context ends or a critical error occurs.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: e.RunID()}

	if e.mode == domain.ModeLive {
		if err := e.Recover(ctx); err != nil {
			return summary, errors.Wrap(err, "failed to recover live state")
		}
	}

	e.logger.Info("starting run",
		zap.String("run_id", summary.RunID),
		zap.String("mode", string(e.mode)),
		zap.String("strategy", e.decider.Mode()))

	for e.maxTicks == 0 || summary.Ticks < e.maxTicks {
		tick, err := e.source.Next(ctx)
		if errors.Is(err, pricer.ErrExhausted) {
			e.logger.Info("market source exhausted", zap.Int("ticks", summary.Ticks))
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				summary.Final = e.ledger.Snapshot()
				return summary, ctx.Err()
			}
			if e.mode == domain.ModeLive {
				// a failed poll is retried on the next interval
				e.logger.Warn("market tick failed", zap.Error(err))
				e.audit.Error(domain.WrapError(err, domain.CodeMarketDataMissing, domain.SeverityMedium, "market tick"))
				continue
			}
			summary.Final = e.ledger.Snapshot()
			return summary, domain.WrapError(err, domain.CodeMarketDataMissing, domain.SeverityCritical, "market tick")
		}

		report, err := e.Cycle(ctx, tick, summary.Ticks == 0)
		summary.Ticks++
		summary.Cycles = append(summary.Cycles, report)
		if err != nil {
			if domain.SeverityOf(err) == domain.SeverityCritical {
				summary.Final = e.ledger.Snapshot()
				e.logger.Error("run halted", zap.Error(err))
				return summary, err
			}
			e.logger.Warn("cycle halted", zap.Time("tick", tick.Market.Timestamp), zap.Error(err))
		}
	}

	summary.Final = e.ledger.Snapshot()
	e.audit.Snapshot(summary.Final)
	e.logger.Info("run finished", zap.String("run_id", summary.RunID), zap.Int("ticks", summary.Ticks))
	return summary, nil
}

// Cycle processes one tick. A returned error halted the cycle; its severity
// tells whether the run can go on.
func (e *Engine) Cycle(ctx context.Context, tick pricer.Tick, first bool) (Report, error) {
	md := tick.Market
	report := Report{Tick: md.Timestamp}
	e.audit.Advance(md.Timestamp)

	if err := e.applyNotices(tick.Notices); err != nil {
		e.audit.Error(err)
		return report, err
	}

	snap := e.ledger.Snapshot()
	e.audit.Snapshot(snap)

	prior := e.history.Last()
	exp := e.monitor(snap, md, prior)
	report.Exposure = exp
	report.Risk = e.risk.Last()

	trigger := strategy.Trigger{Kind: strategy.TriggerTick, Timestamp: md.Timestamp, Notices: tick.Notices, Market: md}
	switch {
	case first:
		trigger.Kind = strategy.TriggerInitial
	case len(tick.Notices) > 0:
		trigger.Kind = strategy.TriggerNotice
	}

	decision := audit.DecisionEvent{Mode: e.decider.Mode(), Trigger: string(trigger.Kind)}
	if !e.decider.ShouldRebalance(exp, snap, trigger) {
		decision.Reason = "within threshold"
		e.audit.Decision(decision)
		report.PnL = e.finish(prior, exp, tick.Notices)
		return report, nil
	}
	decision.Rebalance = true

	targets, err := e.decider.TargetPositions(exp, md)
	if err != nil {
		err = domain.WrapError(err, domain.CodePlanningFailed, domain.SeverityMedium, "%s targets", e.decider.Mode())
		decision.Reason = err.Error()
		e.audit.Decision(decision)
		e.audit.Error(err)
		report.PnL = e.finish(prior, exp, tick.Notices)
		return report, err
	}
	decision.Targets = make(map[domain.PositionKey]string, len(targets))
	for k, v := range targets {
		decision.Targets[k] = v.String()
	}

	instructions, err := e.planner.Plan(snap, targets, md, exp)
	decision.Instructions = instructions
	if err != nil {
		decision.Reason = err.Error()
		e.audit.Decision(decision)
		e.audit.Error(err)
		report.PnL = e.finish(prior, exp, tick.Notices)
		return report, err
	}
	e.audit.Decision(decision)
	report.Rebalanced = true
	report.Instructions = len(instructions)

	e.logger.Info("rebalancing",
		zap.String("mode", e.decider.Mode()),
		zap.String("trigger", string(trigger.Kind)),
		zap.Int("instructions", len(instructions)))

	outcome, runErr := e.sequencer.Run(ctx, instructions, md)
	report.Outcome = outcome
	for _, err := range outcome.Errors {
		e.audit.Error(err)
	}
	if runErr != nil {
		e.audit.Error(runErr)
	}

	if len(outcome.Records) > 0 {
		final := e.ledger.Snapshot()
		e.audit.Snapshot(final)
		exp = e.monitor(final, md, exp)
		report.Exposure = exp
		report.Risk = e.risk.Last()
	}
	report.PnL = e.finish(prior, exp, tick.Notices)

	return report, runErr
}

// monitor runs exposure and risk on a snapshot and lets risk-aware
// strategies see the assessment.
func (e *Engine) monitor(snap domain.LedgerSnapshot, md domain.MarketData, prior *domain.ExposureSnapshot) *domain.ExposureSnapshot {
	exp := e.exposure.Calculate(snap, md, prior)
	e.audit.Exposure(exp)

	assessment := e.risk.Evaluate(exp, md)
	e.audit.Risk(assessment)
	if err := risk.BreachError(assessment); err != nil {
		e.audit.Error(err)
		e.logger.Warn("risk limit breached", zap.Strings("metrics", assessment.Breaches), zap.Bool("halted", assessment.Halted))
	}
	if ra, ok := e.decider.(strategy.RiskAware); ok {
		ra.ObserveRisk(assessment)
	}
	return exp
}

// finish closes the cycle: the end-of-cycle exposure becomes the baseline
// of the next one and the period PnL is attributed.
func (e *Engine) finish(prior, current *domain.ExposureSnapshot, notices []domain.PositionNotice) domain.PnLRecord {
	e.history.Append(current)

	rec, err := e.pnl.Attribute(prior, current, notices)
	if prior != nil {
		e.audit.PnL(rec)
	}
	if err != nil {
		e.audit.Error(err)
	}
	return rec
}

func (e *Engine) applyNotices(notices []domain.PositionNotice) error {
	for _, n := range notices {
		source := "notice:" + string(n.Reason)
		if err := e.ledger.ApplyDelta(n.Key, n.Delta, source); err != nil {
			return err
		}
		if e.notices != nil {
			if err := e.notices.ApplyNotice(n); err != nil {
				return domain.WrapError(err, domain.CodeVenueError, domain.SeverityCritical, "mirror notice on %s", n.Key)
			}
		}
		e.logger.Debug("position notice applied",
			zap.String("key", n.Key.String()),
			zap.String("delta", n.Delta.String()),
			zap.String("reason", string(n.Reason)))
	}
	return nil
}

// Recover resyncs the ledger from venue balances and closes intents left
// pending by a previous process. Keys whose venue has no adapter keep their
// configured quantity.
func (e *Engine) Recover(ctx context.Context) error {
	values := make(map[domain.PositionKey]decimal.Decimal)
	for _, key := range e.ledger.Keys() {
		a, err := e.router.Adapter(key.Venue)
		if err != nil {
			continue
		}
		if _, sim := a.(venue.NoticeSink); sim {
			continue
		}
		qty, err := venue.Probe(ctx, a, key)
		if err != nil {
			return domain.WrapError(err, domain.CodeVenueError, domain.SeverityCritical, "probe %s", key)
		}
		values[key] = qty
	}
	if err := e.ledger.Resync(values, "resync"); err != nil {
		return err
	}
	e.audit.Snapshot(e.ledger.Snapshot())

	if e.journal == nil {
		return nil
	}
	for _, intent := range e.journal.Pending() {
		e.logger.Warn("closing stale intent",
			zap.String("id", intent.ID),
			zap.String("type", string(intent.Instruction.Type)),
			zap.String("venue", intent.Instruction.Venue))
		if err := e.journal.MarkFailed(intent.ID, "stale after restart; ledger resynced from venues"); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the journal and the audit sinks.
func (e *Engine) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
