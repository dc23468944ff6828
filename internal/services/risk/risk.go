// Package risk evaluates exposure snapshots against configured limits.
package risk

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Limit bounds a metric. A max limit is breached when value >= max, a min
// limit when value <= min.
type Limit struct {
	Max *decimal.Decimal
	Min *decimal.Decimal
}

func (l Limit) breached(v decimal.Decimal) bool {
	if l.Max != nil && v.GreaterThanOrEqual(*l.Max) {
		return true
	}
	if l.Min != nil && v.LessThanOrEqual(*l.Min) {
		return true
	}
	return false
}

// Config selects metrics and limits.
type Config struct {
	Metrics        []string
	Limits         map[string]Limit
	CircuitBreaker bool
}

// Evaluator computes risk assessments and holds the latest one for the
// sequencer's risk gate.
type Evaluator struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	last *domain.RiskAssessment
}

// New validates the configured metric names.
func New(cfg Config, logger *zap.Logger) (*Evaluator, error) {
	for _, m := range cfg.Metrics {
		if !Known(m) {
			return nil, errors.Errorf("incorrect 'risk.metrics' param in yaml config: unknown metric %q", m)
		}
	}
	for name := range cfg.Limits {
		if !Known(name) {
			return nil, errors.Errorf("incorrect 'risk.limits' param in yaml config: unknown metric %q", name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{cfg: cfg, logger: logger}, nil
}

// Evaluate computes every enabled metric for exp.
func (e *Evaluator) Evaluate(exp *domain.ExposureSnapshot, md domain.MarketData) *domain.RiskAssessment {
	out := &domain.RiskAssessment{Metrics: make(map[string]domain.RiskMetric, len(e.cfg.Metrics))}
	if exp != nil {
		out.Timestamp = exp.Timestamp
	}

	in := Inputs{Exposure: exp, Market: md}
	for _, name := range e.cfg.Metrics {
		m := domain.RiskMetric{Name: name}
		if exp != nil {
			r := registry[name](in)
			limit := r.Implied
			if cfg, ok := e.cfg.Limits[name]; ok {
				limit = cfg
			}
			m.Value, m.Max, m.Min = r.Value, limit.Max, limit.Min
			if r.Value != nil && limit.breached(*r.Value) {
				m.Breached = true
				out.Breaches = append(out.Breaches, name)
			}
		}
		out.Metrics[name] = m
	}

	out.Halted = e.cfg.CircuitBreaker && len(out.Breaches) > 0
	if out.Halted {
		e.logger.Warn("risk circuit breaker tripped", zap.Strings("breaches", out.Breaches))
	}

	e.mu.Lock()
	e.last = out
	e.mu.Unlock()

	return out
}

// Halted reports whether the latest assessment tripped the circuit breaker.
func (e *Evaluator) Halted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last != nil && e.last.Halted
}

// Last returns the latest assessment.
func (e *Evaluator) Last() *domain.RiskAssessment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// BreachError describes the breached metrics of a as a RISK_BREACH error.
// It returns nil when nothing is breached.
func BreachError(a *domain.RiskAssessment) error {
	if !a.Breached() {
		return nil
	}
	sev := domain.SeverityMedium
	if a.Halted {
		sev = domain.SeverityHigh
	}
	return domain.NewError(domain.CodeRiskBreach, sev, "risk limits breached: %v", a.Breaches)
}
