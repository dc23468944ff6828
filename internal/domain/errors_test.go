package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Severity(t *testing.T) {
	assert.True(t, SeverityCritical.Halts())
	assert.True(t, SeverityHigh.Halts())
	assert.False(t, SeverityMedium.Halts())
	assert.False(t, SeverityLow.Halts())
}

func TestError_Chain(t *testing.T) {
	cause := errors.New("connection reset")
	err := errors.Wrap(WrapError(cause, CodeVenueError, SeverityHigh, "execute on %s", "binance").WithInstruction("abc"), "sequence")

	de, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeVenueError, de.Code)
	assert.Equal(t, "abc", de.InstructionID)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "[VENUE_ERROR/high] execute on binance (instruction abc): connection reset")
}

func TestSeverityOf_Unstructured(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.True(t, IsConfigError(NewError(CodeKeyNotSubscribed, SeverityCritical, "x")))
}

func TestWrapError_NilCause(t *testing.T) {
	assert.Nil(t, WrapError(nil, CodeVenueError, SeverityHigh, "noop"))
}
