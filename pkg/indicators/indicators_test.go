package indicators

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestCalculateEMA_NotEnoughData(t *testing.T) {
	_, err := CalculateEMA(series(1, 2), 3)
	assert.Error(t, err)

	_, err = CalculateEMA(series(1, 2), 0)
	assert.Error(t, err)
}

func TestCalculateEMA_ConstantSeries(t *testing.T) {
	ema, err := CalculateEMA(series(5, 5, 5, 5, 5, 5), 3)
	require.NoError(t, err)
	require.NotEmpty(t, ema)
	for _, v := range ema {
		assert.InDelta(t, 5.0, v.InexactFloat64(), 1e-9)
	}
}

func TestSeries(t *testing.T) {
	s := NewSeries(3)
	_, ok := s.EMA()
	assert.False(t, ok)

	s.Push(decimal.NewFromInt(2))
	s.Push(decimal.NewFromInt(4))
	v, ok := s.EMA()
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(3)))

	for i := 0; i < 20; i++ {
		s.Push(decimal.NewFromInt(10))
	}
	assert.Equal(t, 12, s.Len())
	v, _ = s.EMA()
	assert.InDelta(t, 10.0, v.InexactFloat64(), 1e-6)
}
