package auditlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/services/audit"
)

func TestWALStore_PerCategoryLogs(t *testing.T) {
	root := t.TempDir()
	store, err := NewWALStore(root, "run-1", false)
	require.NoError(t, err)

	rec := audit.New("run-1", audit.WithSink(store))
	rec.Advance(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec.Decision(audit.DecisionEvent{Mode: "pure_lending", Trigger: "initial", Rebalance: true})
	rec.Decision(audit.DecisionEvent{Mode: "pure_lending", Trigger: "tick"})
	rec.Error(os.ErrDeadlineExceeded)
	require.NoError(t, rec.Close())

	_, err = os.Stat(filepath.Join(root, "run-1", string(audit.CategoryDecision)))
	require.NoError(t, err)

	decisions, err := ReadCategory(root, "run-1", audit.CategoryDecision)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, uint64(1), decisions[0].Seq)
	assert.Equal(t, "run-1", decisions[1].RunID)

	var d audit.DecisionEvent
	require.NoError(t, json.Unmarshal(decisions[1].Payload, &d))
	assert.Equal(t, "tick", d.Trigger)

	errs, err := ReadCategory(root, "run-1", audit.CategoryError)
	require.NoError(t, err)
	assert.Len(t, errs, 1)

	none, err := ReadCategory(root, "run-1", audit.CategoryPnL)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWALStore_ClosedRejectsWrites(t *testing.T) {
	store, err := NewWALStore(t.TempDir(), "run", false)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Error(t, store.Append(context.Background(), audit.Event{Category: audit.CategoryRisk}))
}

func TestNewWALStore_RequiresRunID(t *testing.T) {
	_, err := NewWALStore(t.TempDir(), "", false)
	assert.Error(t, err)
}
