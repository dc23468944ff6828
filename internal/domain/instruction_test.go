package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSteps(t *testing.T) {
	instructions := []Instruction{
		{ID: "1", Type: InstructionWithdraw, Venue: "aave"},
		{ID: "3", Type: InstructionSupply, Venue: "aave", GroupID: "g", Sequence: 2},
		{ID: "2", Type: InstructionFlashBorrow, Venue: "aave", GroupID: "g", Sequence: 1},
		{ID: "4", Type: InstructionFlashRepay, Venue: "aave", GroupID: "g", Sequence: 3},
		{ID: "5", Type: InstructionTrade, Venue: "binance"},
	}

	steps, err := Steps(instructions)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "1", steps[0].ID())
	require.NotNil(t, steps[1].Group)
	assert.Equal(t, "g", steps[1].ID())
	assert.Equal(t, "aave", steps[1].Group.Venue)
	assert.Equal(t, []string{"2", "3", "4"}, []string{
		steps[1].Group.Instructions[0].ID,
		steps[1].Group.Instructions[1].ID,
		steps[1].Group.Instructions[2].ID,
	})
	assert.True(t, steps[1].IncreasesLeverage())
	assert.False(t, steps[2].IncreasesLeverage())
}

func TestSteps_NonContiguousGroup(t *testing.T) {
	_, err := Steps([]Instruction{
		{ID: "1", GroupID: "g"},
		{ID: "2"},
		{ID: "3", GroupID: "g"},
	})
	assert.Error(t, err)
}

func TestParseInstructionType(t *testing.T) {
	got, err := ParseInstructionType("flash_borrow")
	require.NoError(t, err)
	assert.Equal(t, InstructionFlashBorrow, got)
	assert.True(t, got.IncreasesLeverage())

	_, err = ParseInstructionType("teleport")
	assert.Error(t, err)
}
