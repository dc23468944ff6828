package journal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

func supply(id string) domain.Instruction {
	return domain.Instruction{
		ID:     id,
		Type:   domain.InstructionSupply,
		Venue:  "aave",
		Source: domain.MustParsePositionKey("wallet:BaseToken:USDT"),
		Target: domain.MustParsePositionKey("aave:aToken:aUSDT"),
		Amount: decimal.NewFromInt(100),
	}
}

func TestJournal_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, j.Prepare(supply("a")))
	require.NoError(t, j.Prepare(supply("b")))
	require.NoError(t, j.Prepare(supply("c")))
	require.NoError(t, j.MarkDone("a"))
	require.NoError(t, j.MarkFailed("b", "venue rejected"))

	pending := j.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)

	assert.Error(t, j.MarkDone("missing"))
	assert.Error(t, j.Prepare(domain.Instruction{}))
	require.NoError(t, j.Close())

	t.Run("replay after restart", func(t *testing.T) {
		reopened, err := Open(dir, nil)
		require.NoError(t, err)
		defer reopened.Close()

		intents := reopened.Intents()
		require.Len(t, intents, 3)
		assert.Equal(t, StatusDone, intents[0].Status)
		assert.Equal(t, StatusFailed, intents[1].Status)
		assert.Equal(t, "venue rejected", intents[1].Error)
		assert.Equal(t, StatusPending, intents[2].Status)
		assert.True(t, intents[2].Instruction.Amount.Equal(decimal.NewFromInt(100)))

		pending := reopened.Pending()
		require.Len(t, pending, 1)
		require.NoError(t, reopened.MarkDone(pending[0].ID))
		assert.Empty(t, reopened.Pending())
	})
}
