package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/models"
)

func TestRunStore_RecordAndRecent(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db, zap.NewNop())
	ctx := context.Background()
	start := time.Date(2025, 10, 14, 6, 0, 0, 0, time.UTC)

	for i, outcome := range []models.SyncOutcome{models.SyncSuccess, models.SyncFailure, models.SyncPartial} {
		r := models.SyncRun{
			RunID:        []string{"run-a", "run-b", "run-c"}[i],
			State:        "fl",
			DataSource:   models.SourceFIS,
			Outcome:      outcome,
			TotalRows:    100,
			ValidEntries: 90 + i,
			StartedAt:    start.Add(time.Duration(i) * time.Hour),
			Duration:     1500 * time.Millisecond,
		}
		if outcome == models.SyncFailure {
			r.Error = "fetch failed: 503"
		}
		require.NoError(t, store.Record(ctx, r))
	}
	require.NoError(t, store.Record(ctx, models.SyncRun{
		RunID: "run-mi", State: "MI", DataSource: models.SourceFIS, Outcome: models.SyncSuccess, StartedAt: start,
	}))

	runs, err := store.Recent(ctx, models.SourceKey{State: "FL", DataSource: models.SourceFIS}, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].RunID, "newest first")
	assert.Equal(t, "run-b", runs[1].RunID)
	assert.Equal(t, "FL", runs[0].State)
	assert.Equal(t, "fetch failed: 503", runs[1].Error)
	assert.Equal(t, start.Add(2*time.Hour), runs[0].StartedAt)
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration)
	assert.Equal(t, 92, runs[0].ValidEntries)

	err = store.Record(ctx, models.SyncRun{RunID: "run-a", State: "FL", DataSource: models.SourceFIS, Outcome: models.SyncSuccess, StartedAt: start})
	assert.Error(t, err, "run ids are unique")
}

func TestMigrate_Rerun(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, Migrate(context.Background(), db))
}
