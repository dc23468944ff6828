// Package exposure values ledger snapshots in the reporting currency.
package exposure

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
)

// Calculator turns a ledger snapshot into an exposure snapshot. It never
// touches the ledger.
type Calculator struct {
	conv   *conversion.Service
	logger *zap.Logger
}

// New creates a calculator.
func New(conv *conversion.Service, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{conv: conv, logger: logger}
}

// Calculate values every ledger position. Perp entry prices are carried
// forward from prior; a nil prior starts perps at the current mark.
// Positions that cannot be priced are listed in Unpriced and excluded from
// every total.
func (c *Calculator) Calculate(snap domain.LedgerSnapshot, md domain.MarketData, prior *domain.ExposureSnapshot) *domain.ExposureSnapshot {
	ts := md.Timestamp
	if ts.IsZero() {
		ts = snap.Timestamp
	}

	out := &domain.ExposureSnapshot{
		Timestamp:  ts,
		Currency:   c.conv.Currency(),
		Positions:  make(map[domain.PositionKey]domain.PositionExposure, len(snap.Positions)),
		Assets:     map[string]domain.AssetExposure{},
		TotalValue: decimal.Zero,
		NetDelta:   decimal.Zero,
	}

	for _, key := range snap.Keys() {
		qty := snap.Get(key)

		q, err := c.conv.Quote(key, md)
		if err != nil {
			if !qty.IsZero() {
				out.Unpriced = append(out.Unpriced, key)
				c.logger.Warn("position cannot be priced", zap.String("key", key.String()), zap.Error(err))
			}
			continue
		}

		pe := domain.PositionExposure{
			Key:         key,
			Quantity:    qty,
			Method:      string(q.Method),
			Root:        q.Root,
			Sign:        q.Sign,
			IndexFactor: q.IndexFactor,
			RateFactor:  q.RateFactor,
			RootPrice:   q.RootPrice,
		}
		pe.RootUnits = qty.Mul(pe.Factor()).Mul(decimal.NewFromInt(int64(q.Sign)))

		directional := decimal.Zero
		if key.Type == domain.PositionTypePerp {
			var prev *domain.PositionExposure
			if p, ok := prior.Position(key); ok {
				prev = &p
			}
			pe.EntryPrice = CarryEntry(prev, qty, q.RootPrice)
			pe.Value = qty.Mul(q.RootPrice.Sub(pe.EntryPrice))
			directional = qty.Mul(q.RootPrice)
		} else {
			pe.Value = pe.RootUnits.Mul(q.RootPrice)
			if q.Method != conversion.MethodDirect {
				directional = pe.Value
			}
		}

		out.Positions[key] = pe
		out.TotalValue = out.TotalValue.Add(pe.Value)
		out.NetDelta = out.NetDelta.Add(directional)

		a := out.Assets[q.Root]
		a.Asset = q.Root
		a.Units = a.Units.Add(pe.RootUnits)
		a.Value = a.Value.Add(pe.Value)
		out.Assets[q.Root] = a
	}

	return out
}

// CarryEntry derives the entry price of a perp position of size qty at mark
// given the prior exposure of the same key.
func CarryEntry(prev *domain.PositionExposure, qty, mark decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	if prev == nil || prev.Quantity.IsZero() || prev.EntryPrice.IsZero() {
		return mark
	}

	q0, e0 := prev.Quantity, prev.EntryPrice
	if q0.Sign() != qty.Sign() {
		return mark
	}
	if qty.Abs().LessThanOrEqual(q0.Abs()) {
		return e0
	}

	// increase: weighted average of the old entry and the added size at mark
	added := qty.Sub(q0)
	return q0.Mul(e0).Add(added.Mul(mark)).Div(qty)
}

// History keeps the exposure snapshots of a run in order. Snapshots are
// appended, never mutated.
type History struct {
	items []*domain.ExposureSnapshot
	limit int
}

// NewHistory keeps at most limit snapshots; zero keeps everything.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Append records s.
func (h *History) Append(s *domain.ExposureSnapshot) {
	h.items = append(h.items, s)
	if h.limit > 0 && len(h.items) > h.limit {
		h.items = h.items[len(h.items)-h.limit:]
	}
}

// Last returns the most recent snapshot or nil.
func (h *History) Last() *domain.ExposureSnapshot {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[len(h.items)-1]
}

// Since returns the snapshots taken at or after t.
func (h *History) Since(t time.Time) []*domain.ExposureSnapshot {
	var out []*domain.ExposureSnapshot
	for _, s := range h.items {
		if !s.Timestamp.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of snapshots kept.
func (h *History) Len() int {
	return len(h.items)
}
