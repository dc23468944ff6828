// Package pnl attributes the value change between two exposure snapshots
// to named buckets.
package pnl

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Config selects buckets and the unexplained tolerance. Unexplained is
// within tolerance when |unexplained| <= Absolute + Relative*|prior total|.
type Config struct {
	Buckets  []string
	Absolute decimal.Decimal
	Relative decimal.Decimal
}

// Attributor decomposes value changes.
type Attributor struct {
	cfg    Config
	order  []string
	logger *zap.Logger
}

// New validates the bucket names. An empty list enables every bucket.
func New(cfg Config, logger *zap.Logger) (*Attributor, error) {
	enabled := map[string]struct{}{}
	for _, b := range cfg.Buckets {
		if !Known(b) {
			return nil, errors.Errorf("incorrect 'pnl.buckets' param in yaml config: unknown bucket %q", b)
		}
		enabled[b] = struct{}{}
	}

	order := make([]string, 0, len(Order))
	for _, b := range Order {
		if _, ok := enabled[b]; ok || len(cfg.Buckets) == 0 {
			order = append(order, b)
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Attributor{cfg: cfg, order: order, logger: logger}, nil
}

// Attribute decomposes the change from prior to current. Notices are the
// position notices applied during the period. A nil prior yields an empty
// record. The returned error is a medium PNL_UNEXPLAINED error when the
// unexplained remainder is beyond tolerance; the record is valid either way.
func (a *Attributor) Attribute(prior, current *domain.ExposureSnapshot, notices []domain.PositionNotice) (domain.PnLRecord, error) {
	rec := domain.PnLRecord{
		Buckets:         make(map[string]decimal.Decimal, len(a.order)),
		Order:           a.order,
		TotalChange:     decimal.Zero,
		Unexplained:     decimal.Zero,
		WithinTolerance: true,
	}
	if current != nil {
		rec.Timestamp = current.Timestamp
	}
	for _, b := range a.order {
		rec.Buckets[b] = decimal.Zero
	}
	if prior == nil || current == nil {
		return rec, nil
	}
	rec.PeriodStart = prior.Timestamp

	parts := Decompose(prior, current, notices)
	for _, b := range a.order {
		rec.Buckets[b] = registry[b](parts)
	}
	// without its own bucket the basis move stays in the perp price move
	if _, ok := rec.Buckets[BucketBasis]; !ok {
		if v, ok := rec.Buckets[BucketPriceChange]; ok {
			rec.Buckets[BucketPriceChange] = v.Add(registry[BucketBasis](parts))
		}
	}

	rec.TotalChange = current.TotalValue.Sub(prior.TotalValue)
	rec.Unexplained = rec.TotalChange.Sub(rec.Explained())

	allowed := a.cfg.Absolute.Add(a.cfg.Relative.Mul(prior.TotalValue.Abs()))
	rec.WithinTolerance = rec.Unexplained.Abs().LessThanOrEqual(allowed)
	if !rec.WithinTolerance {
		err := domain.NewError(domain.CodePnLUnexplained, domain.SeverityMedium,
			"unexplained pnl %s exceeds tolerance %s", rec.Unexplained.String(), allowed.String())
		a.logger.Warn("pnl attribution incomplete",
			zap.String("total", rec.TotalChange.String()),
			zap.String("unexplained", rec.Unexplained.String()))
		return rec, err
	}

	return rec, nil
}

// Decompose splits each position's value change. For a non-perp position
// with value s*q*I*R*P:
//
//	price        s*q0*I0*R0*(P1-P0)
//	index        s*q0*(I1-I0)*R0*P1
//	rate         s*q0*I1*(R1-R0)*P1
//	quantity     s*(q1-q0)*I1*R1*P1
//
// which sums exactly to the value change. For perps the mark move q0*(M1-M0)
// splits into price q0*(S1-S0), with S the root spot price of a non-perp
// position held on both sides, and basis q0*((M1-M0)-(S1-S0)). Without such a
// spot leg the whole mark move is price. The rest of a perp's change is
// residual. Quantity changes reported by notices
// are valued at the closing unit value and split out by reason. Positions
// unpriced on either side are skipped and show up as unexplained.
func Decompose(prior, current *domain.ExposureSnapshot, notices []domain.PositionNotice) []Component {
	noticeQty := map[domain.PositionKey]map[domain.NoticeReason]decimal.Decimal{}
	for _, n := range notices {
		m, ok := noticeQty[n.Key]
		if !ok {
			m = map[domain.NoticeReason]decimal.Decimal{}
			noticeQty[n.Key] = m
		}
		m[n.Reason] = m[n.Reason].Add(n.Delta)
	}

	keys := map[domain.PositionKey]struct{}{}
	for k := range prior.Positions {
		keys[k] = struct{}{}
	}
	for k := range current.Positions {
		keys[k] = struct{}{}
	}
	sorted := make([]domain.PositionKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	domain.SortKeys(sorted)

	spot := spotMoves(prior, current)

	parts := make([]Component, 0, len(sorted))
	for _, k := range sorted {
		p1, ok := current.Positions[k]
		if !ok {
			continue
		}
		p0, had := prior.Positions[k]
		if !had {
			if unpriced(prior, k) {
				continue
			}
			// new key: nothing held at the start
			p0 = p1
			p0.Quantity = decimal.Zero
			p0.Value = decimal.Zero
		}

		c := Component{Key: k, Notices: map[domain.NoticeReason]decimal.Decimal{}}
		q0, q1 := p0.Quantity, p1.Quantity

		if k.Type == domain.PositionTypePerp {
			mark := q0.Mul(p1.RootPrice.Sub(p0.RootPrice))
			c.Price = mark
			if move, ok := spot[p1.Root]; ok && p1.Root != "" {
				c.Price = q0.Mul(move)
				c.Basis = mark.Sub(c.Price)
			}
			c.Residual = p1.Value.Sub(p0.Value).Sub(mark)
		} else {
			s := decimal.NewFromInt(int64(p1.Sign))
			c.Price = s.Mul(q0).Mul(p0.IndexFactor).Mul(p0.RateFactor).Mul(p1.RootPrice.Sub(p0.RootPrice))
			c.IndexAccrual = s.Mul(q0).Mul(p1.IndexFactor.Sub(p0.IndexFactor)).Mul(p0.RateFactor).Mul(p1.RootPrice)
			c.RateAccrual = s.Mul(q0).Mul(p1.IndexFactor).Mul(p1.RateFactor.Sub(p0.RateFactor)).Mul(p1.RootPrice)

			unit := s.Mul(p1.UnitValue())
			c.Residual = q1.Sub(q0).Mul(unit)
			for reason, dq := range noticeQty[k] {
				v := dq.Mul(unit)
				c.Notices[reason] = v
				c.Residual = c.Residual.Sub(v)
			}
		}

		parts = append(parts, c)
	}

	return parts
}

// spotMoves is the root price change per root asset, read from non-perp
// positions priced in both snapshots.
func spotMoves(prior, current *domain.ExposureSnapshot) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for k, p1 := range current.Positions {
		if k.Type == domain.PositionTypePerp || p1.Root == "" {
			continue
		}
		p0, ok := prior.Positions[k]
		if !ok {
			continue
		}
		out[p1.Root] = p1.RootPrice.Sub(p0.RootPrice)
	}
	return out
}

func unpriced(s *domain.ExposureSnapshot, k domain.PositionKey) bool {
	for _, u := range s.Unpriced {
		if u == k {
			return true
		}
	}
	return false
}
