// Package indicators smooths rate series such as perp funding.
package indicators

import (
	"fmt"
	"sync"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
)

// CalculateEMA calculates the Exponential Moving Average for the given period.
func CalculateEMA(values []decimal.Decimal, period int) ([]decimal.Decimal, error) {
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(values) < period {
		return nil, fmt.Errorf("not enough data points: need %d, got %d", period, len(values))
	}

	ema := trend.NewEmaWithPeriod[float64](period)
	out := ema.Compute(helper.SliceToChan(decimalsToFloat64(values)))

	return float64ToDecimals(helper.ChanToSlice(out)), nil
}

// Series is a bounded rolling window of observations.
type Series struct {
	mu     sync.Mutex
	period int
	values []decimal.Decimal
}

// NewSeries keeps enough history for an EMA of the given period.
func NewSeries(period int) *Series {
	if period <= 0 {
		period = 1
	}
	return &Series{period: period}
}

// Push appends an observation.
func (s *Series) Push(v decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = append(s.values, v)
	// keep a few periods so the EMA has warmed up
	if limit := s.period * 4; len(s.values) > limit {
		s.values = s.values[len(s.values)-limit:]
	}
}

// Len returns the number of observations kept.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// EMA returns the latest EMA. Before the window is full it falls back to the
// plain mean of what has been observed; ok is false with no observations.
func (s *Series) EMA() (decimal.Decimal, bool) {
	s.mu.Lock()
	values := append([]decimal.Decimal(nil), s.values...)
	s.mu.Unlock()

	if len(values) == 0 {
		return decimal.Zero, false
	}
	if len(values) < s.period {
		return decimal.Avg(values[0], values[1:]...), true
	}

	ema, err := CalculateEMA(values, s.period)
	if err != nil || len(ema) == 0 {
		return decimal.Avg(values[0], values[1:]...), true
	}
	return ema[len(ema)-1], true
}

// decimalsToFloat64 converts a slice of decimal.Decimal to []float64.
func decimalsToFloat64(decimals []decimal.Decimal) []float64 {
	result := make([]float64, len(decimals))
	for i, d := range decimals {
		result[i], _ = d.Float64()
	}
	return result
}

// float64ToDecimals converts a slice of float64 to []decimal.Decimal.
func float64ToDecimals(floats []float64) []decimal.Decimal {
	result := make([]decimal.Decimal, len(floats))
	for i, f := range floats {
		result[i] = decimal.NewFromFloat(f)
	}
	return result
}
