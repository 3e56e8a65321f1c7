package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/testutil"
	"github.com/nadmax/runledger/internal/tracker"
)

// seedFinishedRun creates a run that ended age ago with samples metric rows.
func seedFinishedRun(t *testing.T, store *repository.Store, name string, age time.Duration, samples int) models.Run {
	t.Helper()
	ctx := context.Background()

	ended := time.Now().UTC().Add(-age)
	tr := tracker.New(store, tracker.Options{
		Host: tracker.Host{Hostname: "node-1", ProcessID: 4242},
		Now:  func() time.Time { return ended },
	})

	_, err := tr.RegisterTask(ctx, tracker.TaskSpec{StageName: "ingest", Name: name})
	require.NoError(t, err)
	run, err := tr.StartTask(ctx, tracker.TaskRef{StageName: "ingest", TaskName: name}, tracker.StartOptions{})
	require.NoError(t, err)

	for i := range samples {
		_, err := store.InsertProcessMetric(ctx, models.ProcessMetric{
			RunID:     run.RunID,
			Timestamp: ended.Add(-time.Duration(i+1) * time.Minute),
			ProcessID: 4242,
		})
		require.NoError(t, err)
	}

	run, err = tr.CompleteTask(ctx, tracker.RunID(run.RunID), "")
	require.NoError(t, err)
	return run
}

func TestSweep_DryRunMatchesRealSweep(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	old := seedFinishedRun(t, store, "old", 40*24*time.Hour, 3)
	older := seedFinishedRun(t, store, "older", 60*24*time.Hour, 5)
	recent := seedFinishedRun(t, store, "recent", 2*24*time.Hour, 2)

	sweeper := NewSweeper(store, testutil.NewTestLogger(t))

	dry, err := sweeper.Sweep(ctx, 30, true)
	require.NoError(t, err)
	require.Len(t, dry, 2)

	count, err := store.CountProcessMetrics(ctx, old.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "dry run must not delete")

	swept, err := sweeper.Sweep(ctx, 30, false)
	require.NoError(t, err)
	assert.Equal(t, dry, swept)

	assert.Equal(t, older.RunID, swept[0].RunID)
	assert.Equal(t, int64(5), swept[0].MetricsDeletedCount)
	assert.Equal(t, old.RunID, swept[1].RunID)
	assert.Equal(t, int64(3), swept[1].MetricsDeletedCount)

	for _, id := range []string{old.RunID, older.RunID} {
		count, err := store.CountProcessMetrics(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, count)

		rec, err := store.GetRetentionRecord(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.MetricsDeleted)
		assert.NotNil(t, rec.DeletedAt)
	}

	count, err = store.CountProcessMetrics(ctx, recent.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	again, err := sweeper.Sweep(ctx, 30, false)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSweep_InvalidDays(t *testing.T) {
	sweeper := NewSweeper(testutil.NewStore(t), nil)

	_, err := sweeper.Sweep(context.Background(), 0, true)
	assert.ErrorIs(t, err, task.ErrInvalidArgument)
	_, err = sweeper.Sweep(context.Background(), -3, false)
	assert.ErrorIs(t, err, task.ErrInvalidArgument)
}

func TestScheduler(t *testing.T) {
	store := testutil.NewStore(t)
	run := seedFinishedRun(t, store, "old", 40*24*time.Hour, 1)
	sweeper := NewSweeper(store, nil)

	_, err := NewScheduler(sweeper, "not a schedule", 30, nil)
	assert.Error(t, err)
	_, err = NewScheduler(sweeper, "@daily", 0, nil)
	assert.Error(t, err)

	sched, err := NewScheduler(sweeper, "0 3 * * *", 30, testutil.NewTestLogger(t))
	require.NoError(t, err)

	sched.Start()
	sched.run()
	require.NoError(t, sched.Stop(context.Background()))

	rec, err := store.GetRetentionRecord(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.True(t, rec.MetricsDeleted)
}
