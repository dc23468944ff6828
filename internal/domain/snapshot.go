package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PositionExposure is the valuation of one ledger entry.
//
// For non-perp positions Value = Sign * Quantity * IndexFactor * RateFactor * RootPrice,
// where IndexFactor is the interest index of aToken/debtToken entries and
// RateFactor is the product of LST exchange rates down to the root asset.
// For perps Value = Quantity * (RootPrice - EntryPrice) with RootPrice the mark.
type PositionExposure struct {
	Key         PositionKey     `json:"key"`
	Quantity    decimal.Decimal `json:"quantity"`
	Method      string          `json:"method"`
	Root        string          `json:"root"`
	Sign        int             `json:"sign"`
	IndexFactor decimal.Decimal `json:"index_factor"`
	RateFactor  decimal.Decimal `json:"rate_factor"`
	RootPrice   decimal.Decimal `json:"root_price"`
	EntryPrice  decimal.Decimal `json:"entry_price,omitempty"`
	RootUnits   decimal.Decimal `json:"root_units"`
	Value       decimal.Decimal `json:"value"`
}

// Factor is IndexFactor * RateFactor: root-asset units per position unit.
func (p PositionExposure) Factor() decimal.Decimal {
	return p.IndexFactor.Mul(p.RateFactor)
}

// UnitValue is the reporting-currency value of one position unit, unsigned.
func (p PositionExposure) UnitValue() decimal.Decimal {
	return p.Factor().Mul(p.RootPrice)
}

// AssetExposure aggregates all positions resolving to one root asset.
type AssetExposure struct {
	Asset string          `json:"asset"`
	Units decimal.Decimal `json:"units"`
	Value decimal.Decimal `json:"value"`
}

// ExposureSnapshot is the valued portfolio at a timestamp.
type ExposureSnapshot struct {
	Timestamp  time.Time                        `json:"timestamp"`
	Currency   string                           `json:"currency"`
	Positions  map[PositionKey]PositionExposure `json:"positions"`
	Assets     map[string]AssetExposure         `json:"assets"`
	TotalValue decimal.Decimal                  `json:"total_value"`
	NetDelta   decimal.Decimal                  `json:"net_delta"`
	Unpriced   []PositionKey                    `json:"unpriced,omitempty"`
}

// Position returns the exposure of key if it was priced.
func (e *ExposureSnapshot) Position(key PositionKey) (PositionExposure, bool) {
	if e == nil || e.Positions == nil {
		return PositionExposure{}, false
	}
	p, ok := e.Positions[key]
	return p, ok
}

// Keys returns the priced position keys in deterministic order.
func (e *ExposureSnapshot) Keys() []PositionKey {
	if e == nil {
		return nil
	}
	keys := make([]PositionKey, 0, len(e.Positions))
	for k := range e.Positions {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// VenueValue sums the value of positions of the given type held at venue.
func (e *ExposureSnapshot) VenueValue(venue string, t PositionType) decimal.Decimal {
	total := decimal.Zero
	if e == nil {
		return total
	}
	for k, p := range e.Positions {
		if k.Venue == venue && k.Type == t {
			total = total.Add(p.Value)
		}
	}
	return total
}

// RiskMetric is one computed ratio. A nil Value means inputs were missing.
type RiskMetric struct {
	Name     string           `json:"name"`
	Value    *decimal.Decimal `json:"value"`
	Max      *decimal.Decimal `json:"max,omitempty"`
	Min      *decimal.Decimal `json:"min,omitempty"`
	Breached bool             `json:"breached"`
}

// RiskAssessment is the set of metrics computed for one exposure snapshot.
type RiskAssessment struct {
	Timestamp time.Time             `json:"timestamp"`
	Metrics   map[string]RiskMetric `json:"metrics"`
	Breaches  []string              `json:"breaches,omitempty"`
	Halted    bool                  `json:"halted"`
}

// Breached reports whether any metric crossed its limit.
func (r *RiskAssessment) Breached() bool {
	return r != nil && len(r.Breaches) > 0
}

// Metric returns the named metric.
func (r *RiskAssessment) Metric(name string) (RiskMetric, bool) {
	if r == nil || r.Metrics == nil {
		return RiskMetric{}, false
	}
	m, ok := r.Metrics[name]
	return m, ok
}

// PnLRecord decomposes the value change between two exposure snapshots.
type PnLRecord struct {
	Timestamp       time.Time                  `json:"timestamp"`
	PeriodStart     time.Time                  `json:"period_start"`
	TotalChange     decimal.Decimal            `json:"total_change"`
	Buckets         map[string]decimal.Decimal `json:"buckets"`
	Order           []string                   `json:"order"`
	Unexplained     decimal.Decimal            `json:"unexplained"`
	WithinTolerance bool                       `json:"within_tolerance"`
}

// Explained sums every bucket.
func (p PnLRecord) Explained() decimal.Decimal {
	total := decimal.Zero
	for _, v := range p.Buckets {
		total = total.Add(v)
	}
	return total
}

// LedgerSnapshot is a read-only copy of ledger quantities.
type LedgerSnapshot struct {
	Timestamp time.Time                       `json:"timestamp"`
	Positions map[PositionKey]decimal.Decimal `json:"positions"`
}

// Get returns the quantity of key or zero.
func (s LedgerSnapshot) Get(key PositionKey) decimal.Decimal {
	if v, ok := s.Positions[key]; ok {
		return v
	}
	return decimal.Zero
}

// Keys returns the keys in deterministic order.
func (s LedgerSnapshot) Keys() []PositionKey {
	keys := make([]PositionKey, 0, len(s.Positions))
	for k := range s.Positions {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Venues returns the distinct venues present, sorted.
func (s LedgerSnapshot) Venues() []string {
	seen := map[string]struct{}{}
	for k := range s.Positions {
		seen[k.Venue] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
