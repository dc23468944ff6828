// Package pricer produces the market ticks that drive a run: a scenario
// replay for simulated runs and venue pollers for live runs.
package pricer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// ErrExhausted is returned by Next when a replay has no more ticks.
var ErrExhausted = errors.New("market source exhausted")

// Tick is one market observation plus the externally originated position
// changes that happened since the previous tick.
type Tick struct {
	Market  domain.MarketData
	Notices []domain.PositionNotice
}

// Source yields ticks in time order.
type Source interface {
	Next(ctx context.Context) (Tick, error)
}

// Quoter fills its part of a market snapshot from one venue.
type Quoter interface {
	Name() string
	Quote(ctx context.Context) (domain.MarketData, error)
}

// Live polls a set of quoters every interval and merges their answers over
// a static base (interest indices, protocol parameters) taken from config.
type Live struct {
	quoters  []Quoter
	base     domain.MarketData
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	started  bool
}

// NewLive creates a polling source.
func NewLive(quoters []Quoter, base domain.MarketData, interval time.Duration, logger *zap.Logger) (*Live, error) {
	if len(quoters) == 0 {
		return nil, errors.New("live market source needs at least one quoter")
	}
	if interval <= 0 {
		return nil, errors.Errorf("incorrect poll interval %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Live{quoters: quoters, base: base, interval: interval, logger: logger, now: time.Now}, nil
}

// Next waits for the poll interval (except on the first call) and returns
// the merged snapshot. A failing quoter fails the tick.
func (l *Live) Next(ctx context.Context) (Tick, error) {
	if l.started {
		select {
		case <-ctx.Done():
			return Tick{}, ctx.Err()
		case <-time.After(l.interval):
		}
	}
	l.started = true

	parts := make([]domain.MarketData, len(l.quoters))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range l.quoters {
		g.Go(func() error {
			md, err := q.Quote(gctx)
			if err != nil {
				return errors.Wrapf(err, "quote %s", q.Name())
			}
			parts[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Tick{}, err
	}

	md := Merge(append([]domain.MarketData{l.base}, parts...)...)
	md.Timestamp = l.now()
	l.logger.Debug("live tick",
		zap.Int("spot", len(md.SpotPrices)),
		zap.Int("mark", len(md.MarkPrices)),
		zap.Int("funding", len(md.FundingRates)))
	return Tick{Market: md}, nil
}

// Merge overlays snapshots left to right; later values win.
func Merge(parts ...domain.MarketData) domain.MarketData {
	out := domain.MarketData{
		SpotPrices:   map[string]decimal.Decimal{},
		OraclePrices: map[string]decimal.Decimal{},
		MarkPrices:   map[string]decimal.Decimal{},
		FundingRates: map[string]decimal.Decimal{},
		Indices:      map[string]decimal.Decimal{},
		Protocols:    map[string]domain.ProtocolParams{},
	}
	for _, p := range parts {
		if !p.Timestamp.IsZero() {
			out.Timestamp = p.Timestamp
		}
		copyPrices(out.SpotPrices, p.SpotPrices)
		copyPrices(out.OraclePrices, p.OraclePrices)
		copyPrices(out.MarkPrices, p.MarkPrices)
		copyPrices(out.FundingRates, p.FundingRates)
		copyPrices(out.Indices, p.Indices)
		for k, v := range p.Protocols {
			out.Protocols[k] = v
		}
	}
	return out
}

func copyPrices(dst, src map[string]decimal.Decimal) {
	for k, v := range src {
		dst[k] = v
	}
}
