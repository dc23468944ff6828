package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/config"
	"github.com/vadiminshakov/tightloop/internal/clients"
	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/audit"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
	"github.com/vadiminshakov/tightloop/internal/services/exposure"
	"github.com/vadiminshakov/tightloop/internal/services/ledger"
	"github.com/vadiminshakov/tightloop/internal/services/pnl"
	"github.com/vadiminshakov/tightloop/internal/services/pricer"
	"github.com/vadiminshakov/tightloop/internal/services/risk"
	"github.com/vadiminshakov/tightloop/internal/services/router"
	"github.com/vadiminshakov/tightloop/internal/services/sequencer"
	"github.com/vadiminshakov/tightloop/internal/services/strategy"
	"github.com/vadiminshakov/tightloop/internal/services/tightloop"
	"github.com/vadiminshakov/tightloop/internal/services/venue"
	"github.com/vadiminshakov/tightloop/internal/storage/auditlog"
	"github.com/vadiminshakov/tightloop/internal/storage/auditpg"
	"github.com/vadiminshakov/tightloop/internal/storage/journal"
	"github.com/vadiminshakov/tightloop/pkg/retrier"
)

const (
	simulatedVenueName = "sim"
	historyLimit       = 1024
)

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	source    pricer.Source
	sinks     []audit.Sink
	wallClock func() time.Time
	adapters  map[string]venue.Adapter
}

// WithSource replaces the market source derived from config.
func WithSource(s pricer.Source) Option {
	return func(o *buildOptions) { o.source = s }
}

// WithAuditSinks replaces the configured audit sinks.
func WithAuditSinks(sinks ...audit.Sink) Option {
	return func(o *buildOptions) { o.sinks = sinks }
}

// WithWallClock overrides the audit wall clock.
func WithWallClock(now func() time.Time) Option {
	return func(o *buildOptions) { o.wallClock = now }
}

// WithAdapter registers a for venueName instead of building it from config.
func WithAdapter(venueName string, a venue.Adapter) Option {
	return func(o *buildOptions) {
		if o.adapters == nil {
			o.adapters = map[string]venue.Adapter{}
		}
		o.adapters[venueName] = a
	}
}

// Build wires a run leaf-first: conversion, audit, ledger, venues, router,
// tight loop, monitoring chain, sequencer, strategy and market source.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires a config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{mode: cfg.Mode, maxTicks: cfg.Run.MaxTicks, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	conv, err := conversion.New(cfg.Currency, cfg.Conversion)
	if err != nil {
		return nil, domain.WrapError(err, domain.CodeConfigInvalid, domain.SeverityCritical, "conversion")
	}

	if e.audit, err = buildAudit(ctx, cfg, logger, o); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.audit)

	if e.ledger, err = ledger.New(cfg.Subscriptions, cfg.InitialBalances,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMutationHook(e.audit.Mutations),
	); err != nil {
		return nil, err
	}

	e.router = router.New(cfg.Routing)
	var quoters []pricer.Quoter
	if cfg.Mode == domain.ModeSimulated {
		sim, err := venue.NewSimulated(simulatedVenueName, conv, cfg.Costs, cfg.InitialBalances, logger.Named("venue"))
		if err != nil {
			return nil, err
		}
		for _, v := range cfg.Routing.Venues() {
			e.router.Register(v, sim)
		}
		e.notices = sim
	} else {
		if quoters, err = buildLiveVenues(cfg, conv, e.router, logger); err != nil {
			return nil, err
		}
	}
	for name, a := range o.adapters {
		e.router.Register(name, a)
	}
	if err := e.router.Validate(); err != nil {
		return nil, err
	}

	if cfg.Mode == domain.ModeLive {
		if e.journal, err = journal.Open(cfg.Run.JournalDir, logger.Named("journal")); err != nil {
			return nil, err
		}
		e.closers = append(e.closers, e.journal)
	}

	loopOpts := []tightloop.Option{
		tightloop.WithRecorder(e.audit),
		tightloop.WithLogger(logger.Named("tightloop")),
	}
	if e.journal != nil {
		loopOpts = append(loopOpts, tightloop.WithJournal(e.journal))
	}
	loopCfg := tightloop.Config{
		Mode:             cfg.Mode,
		Tolerance:        cfg.Tolerance(),
		ExecTimeout:      cfg.Execution.ExecTimeout,
		ReconcileTimeout: cfg.Execution.ReconcileTimeout,
		GroupTimeout:     cfg.Execution.GroupTimeout,
	}
	if rc := cfg.Reconciliation; rc.SettleAttempts > 0 {
		settle := []retrier.Option{retrier.WithMaxRetries(rc.SettleAttempts)}
		if rc.SettleInterval > 0 {
			settle = append(settle, retrier.WithInitialInterval(rc.SettleInterval))
		}
		loopCfg.Settle = retrier.New(settle...)
	}
	loop, err := tightloop.New(e.ledger, e.router, loopCfg, loopOpts...)
	if err != nil {
		return nil, err
	}

	e.exposure = exposure.New(conv, logger.Named("exposure"))
	e.history = exposure.NewHistory(historyLimit)
	if e.risk, err = risk.New(cfg.Risk, logger.Named("risk")); err != nil {
		return nil, err
	}
	if e.pnl, err = pnl.New(cfg.PnL, logger.Named("pnl")); err != nil {
		return nil, err
	}

	if e.sequencer, err = sequencer.New(loop, sequencer.Config{
		Mode:           cfg.Mode,
		MaxRetries:     cfg.Execution.MaxRetries,
		RetryInterval:  cfg.Execution.RetryInterval,
		ParallelVenues: cfg.Execution.ParallelVenues,
		MaxInFlight:    cfg.Execution.MaxInFlight,
	}, sequencer.WithGate(e.risk), sequencer.WithLogger(logger.Named("sequencer"))); err != nil {
		return nil, err
	}

	if e.decider, err = strategy.New(cfg.Strategy, conv, logger.Named("strategy")); err != nil {
		return nil, err
	}
	if e.planner, err = strategy.NewPlanner(cfg.Planner, conv, logger.Named("planner")); err != nil {
		return nil, err
	}

	e.source = o.source
	if e.source == nil {
		if e.source, err = buildSource(cfg, quoters, logger); err != nil {
			return nil, err
		}
	}

	ok = true
	return e, nil
}

func buildAudit(ctx context.Context, cfg *config.Config, logger *zap.Logger, o buildOptions) (*audit.Recorder, error) {
	recOpts := []audit.Option{audit.WithLogger(logger.Named("audit"))}
	if o.wallClock != nil {
		recOpts = append(recOpts, audit.WithWallClock(o.wallClock))
	}

	if o.sinks != nil {
		for _, s := range o.sinks {
			recOpts = append(recOpts, audit.WithSink(s))
		}
		return audit.New(cfg.Run.ID, recOpts...), nil
	}

	// the run id names the WAL directory, so settle it before opening sinks
	runID := cfg.Run.ID
	if runID == "" {
		runID = uuid.NewString()
	}

	wal, err := auditlog.NewWALStore(cfg.Audit.Dir, runID, cfg.Audit.SyncDisk)
	if err != nil {
		return nil, err
	}
	recOpts = append(recOpts, audit.WithSink(wal))

	if cfg.Audit.PostgresDSN != "" {
		pg, err := auditpg.Connect(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			_ = wal.Close()
			return nil, err
		}
		recOpts = append(recOpts, audit.WithSink(pg))
	}

	logger.Info("audit log", zap.String("run_id", runID), zap.String("dir", wal.Dir()))
	return audit.New(runID, recOpts...), nil
}

func buildLiveVenues(cfg *config.Config, conv *conversion.Service, r *router.Router, logger *zap.Logger) ([]pricer.Quoter, error) {
	names := make([]string, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		names = append(names, name)
	}
	sort.Strings(names)

	var quoters []pricer.Quoter
	var paper *venue.Simulated
	for _, name := range names {
		v := cfg.Venues[name]
		vlog := logger.Named("venue").With(zap.String("venue", name))

		switch v.Kind {
		case config.VenueBinance:
			client := clients.NewBinanceClient(v.APIKey, v.APISecret)
			a, err := venue.NewBinance(name, client, v.Quotes, vlog)
			if err != nil {
				return nil, err
			}
			r.Register(name, a)
			if len(v.Spot) > 0 {
				quoters = append(quoters, pricer.NewBinancePricer(client, v.Spot))
			}

		case config.VenueBybit:
			client := clients.NewBybitClient(v.APIKey, v.APISecret, v.URL)
			a, err := venue.NewBybit(name, client, v.Quotes, vlog)
			if err != nil {
				return nil, err
			}
			r.Register(name, a)
			if len(v.Spot) > 0 || len(v.Perps) > 0 {
				quoters = append(quoters, pricer.NewBybitPricer(client, v.Spot, v.Perps))
			}

		case config.VenueHyperliquid:
			client, err := clients.NewHyperliquidClient(v.PrivateKey, v.URL)
			if err != nil {
				return nil, errors.Wrapf(err, "hyperliquid client for %s", name)
			}
			a, err := venue.NewHyperliquid(name, client.Exchange(), client.AccountAddress(), v.MarginAsset, vlog)
			if err != nil {
				return nil, err
			}
			r.Register(name, a)
			if len(v.Perps) > 0 {
				coins := make([]string, 0, len(v.Perps))
				for coin := range v.Perps {
					coins = append(coins, coin)
				}
				sort.Strings(coins)
				quoters = append(quoters, pricer.NewHyperliquidPricer(client.Exchange().Info(), coins))
			}

		case config.VenueSimulated:
			// paper venues share one book so transfers between them settle
			if paper == nil {
				var err error
				paper, err = venue.NewSimulated(simulatedVenueName, conv, cfg.Costs, cfg.InitialBalances, vlog)
				if err != nil {
					return nil, err
				}
			}
			r.Register(name, paper)

		default:
			return nil, domain.NewError(domain.CodeConfigInvalid, domain.SeverityCritical,
				"incorrect 'venues.%s.kind' param in yaml config: %q", name, v.Kind)
		}
	}
	return quoters, nil
}

func buildSource(cfg *config.Config, quoters []pricer.Quoter, logger *zap.Logger) (pricer.Source, error) {
	if cfg.Mode == domain.ModeSimulated {
		s, err := pricer.LoadScenario(cfg.Run.Scenario)
		if err != nil {
			return nil, domain.WrapError(err, domain.CodeConfigInvalid, domain.SeverityCritical, "scenario")
		}
		logger.Info("scenario loaded", zap.String("path", cfg.Run.Scenario), zap.Int("ticks", s.Len()))
		return s, nil
	}
	return pricer.NewLive(quoters, cfg.Run.Market, cfg.Run.PollInterval, logger.Named("pricer"))
}
