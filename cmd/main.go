// Command tightloop runs the DeFi position management loop: it replays a
// scenario or polls live markets, rebalances toward the configured strategy
// and keeps an audit trail of every cycle.
//
// Usage:
//
//	tightloop --config config.yaml
//	tightloop --setup (interactive config wizard)
//
// Venue credentials are read from the environment variables named in the
// 'venues' section of the config.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/config"
	"github.com/vadiminshakov/tightloop/internal/engine"
	"github.com/vadiminshakov/tightloop/internal/setup"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if flags.Setup {
		path, err := setup.Run()
		if err != nil {
			log.Fatal(err)
		}
		flags.ConfigPath = path
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	defer e.Close()

	logger.Info("starting", zap.String("run", e.RunID()), zap.String("mode", string(cfg.Mode)),
		zap.String("strategy", cfg.Strategy.Mode))

	summary, err := e.Run(ctx)
	if err != nil {
		logger.Error("run stopped", zap.String("run", summary.RunID), zap.Int("ticks", summary.Ticks), zap.Error(err))
		return
	}

	positions := make([]zap.Field, 0, len(summary.Final.Positions))
	for k, v := range summary.Final.Positions {
		positions = append(positions, zap.String(k.String(), v.String()))
	}
	logger.Info("run finished", append([]zap.Field{
		zap.String("run", summary.RunID),
		zap.Int("ticks", summary.Ticks),
		zap.Int("cycles", len(summary.Cycles)),
	}, positions...)...)
}
