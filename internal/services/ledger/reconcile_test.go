package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

func TestReconcile(t *testing.T) {
	tol := Tolerance{Absolute: decimal.RequireFromString("0.01"), Relative: decimal.RequireFromString("0.001")}

	tests := []struct {
		name     string
		expected domain.Deltas
		actual   domain.Deltas
		matched  bool
		diffKeys []domain.PositionKey
	}{
		{
			name:     "exact",
			expected: domain.Deltas{walletUSDT: decimal.NewFromInt(-100)},
			actual:   domain.Deltas{walletUSDT: decimal.NewFromInt(-100)},
			matched:  true,
		},
		{
			name:     "within relative tolerance",
			expected: domain.Deltas{walletUSDT: decimal.NewFromInt(-10000)},
			actual:   domain.Deltas{walletUSDT: decimal.RequireFromString("-10005")},
			matched:  true,
		},
		{
			name:     "beyond tolerance",
			expected: domain.Deltas{walletUSDT: decimal.NewFromInt(-10000)},
			actual:   domain.Deltas{walletUSDT: decimal.NewFromInt(-10020)},
			diffKeys: []domain.PositionKey{walletUSDT},
		},
		{
			name:     "unexpected key in actual",
			expected: domain.Deltas{walletUSDT: decimal.NewFromInt(-100)},
			actual:   domain.Deltas{walletUSDT: decimal.NewFromInt(-100), aaveAUSDT: decimal.NewFromInt(5)},
			diffKeys: []domain.PositionKey{aaveAUSDT},
		},
		{
			name:     "missing key in actual",
			expected: domain.Deltas{walletUSDT: decimal.NewFromInt(-100), aaveAUSDT: decimal.NewFromInt(100)},
			actual:   domain.Deltas{walletUSDT: decimal.NewFromInt(-100)},
			diffKeys: []domain.PositionKey{aaveAUSDT},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Reconcile(tt.expected, tt.actual, tol)
			assert.Equal(t, tt.matched, res.Matched)
			keys := make([]domain.PositionKey, 0, len(res.Diffs))
			for _, d := range res.Diffs {
				keys = append(keys, d.Key)
			}
			if len(tt.diffKeys) == 0 {
				assert.Empty(t, keys)
			} else {
				assert.Equal(t, tt.diffKeys, keys)
			}
		})
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	tol := Tolerance{Absolute: decimal.RequireFromString("0.5")}
	expected := domain.Deltas{walletUSDT: decimal.NewFromInt(-100), aaveAUSDT: decimal.NewFromInt(100)}
	actual := domain.Deltas{walletUSDT: decimal.RequireFromString("-100.4"), aaveAUSDT: decimal.NewFromInt(100)}

	first := Reconcile(expected, actual, tol)
	require.True(t, first.Matched)
	for i := 0; i < 10; i++ {
		again := Reconcile(expected, actual, tol)
		assert.True(t, again.Matched)
		assert.Equal(t, first, again)
	}
}

func TestMismatchError(t *testing.T) {
	expected := domain.Deltas{walletUSDT: decimal.NewFromInt(-100)}
	actual := domain.Deltas{walletUSDT: decimal.NewFromInt(-90)}
	res := Reconcile(expected, actual, Tolerance{})

	err := MismatchError("ins-1", expected, actual, res)
	assert.Equal(t, domain.CodeReconciliationMismatch, err.Code)
	assert.True(t, err.Halts())
	require.Len(t, err.Diffs, 1)
	assert.Equal(t, "10", err.Diffs[0].Difference)
}
