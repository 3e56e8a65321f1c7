package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := New(db, NewDialect(BackendPostgres, "runledger"), nil)
	return db, mock, store
}

var runRowColumns = []string{
	"run_id", "task_id", "task_name", "stage_name", "hostname", "process_id",
	"process_start_time", "status", "start_time", "end_time", "total_subtasks",
	"current_subtask", "overall_percent_complete", "overall_progress_message",
	"error_message", "error_detail", "metadata", "updated_at",
}

func TestPostgresIncrementItems(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	runID := task.NewRunID()
	now := time.Now().UTC()

	t.Run("single atomic statement", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE "runledger"\."subtask_progress" SET\s+items_complete = items_complete \+ \$1`).
			WithArgs(int64(5), int64(5), int64(5), "STARTED", "RUNNING", now, runID, 2).
			WillReturnRows(sqlmock.NewRows([]string{"items_complete"}).AddRow(int64(15)))

		v, err := store.IncrementItems(ctx, runID, 2, 5, now)
		require.NoError(t, err)
		assert.Equal(t, int64(15), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal subtask is classified", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE "runledger"\."subtask_progress"`).
			WillReturnRows(sqlmock.NewRows([]string{"items_complete"}))
		mock.ExpectQuery(`SELECT status FROM "runledger"\."subtask_progress" WHERE run_id = \$1 AND subtask_number = \$2`).
			WithArgs(runID, 2).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

		_, err := store.IncrementItems(ctx, runID, 2, 1, now)
		assert.ErrorIs(t, err, task.ErrTerminal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver errors are returned unchanged", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE "runledger"\."subtask_progress"`).
			WillReturnError(sql.ErrConnDone)

		_, err := store.IncrementItems(ctx, runID, 2, 1, now)
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresFinishRun(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	runID := task.NewRunID()
	now := time.Now().UTC()
	deleteAfter := now.Add(30 * 24 * time.Hour)

	t.Run("cascade and retention in one transaction", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "runledger"\."task_runs" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE "runledger"\."subtask_progress" SET`).
			WithArgs("FAILED", now, now, nil, "parent run failed", runID).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`INSERT INTO "runledger"\."metric_retention"`).
			WithArgs(runID, deleteAfter, false).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT r\.run_id`).
			WithArgs(runID).
			WillReturnRows(sqlmock.NewRows(runRowColumns).AddRow(
				runID, 1, "load", "ingest", "node-1", 42,
				nil, "FAILED", now, now, 3,
				2, 40.0, nil,
				"boom", nil, nil, now,
			))
		mock.ExpectCommit()

		run, cascaded, err := store.FinishRun(ctx, runID, RunFinish{
			Status:       task.StatusFailed,
			ErrorMessage: strPtr("boom"),
			Now:          now,
			DeleteAfter:  deleteAfter,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), cascaded)
		assert.Equal(t, task.StatusFailed, run.Status)
		assert.Equal(t, "boom", run.ErrorMessage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already terminal rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "runledger"\."task_runs" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT status FROM "runledger"\."task_runs"`).
			WithArgs(runID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))
		mock.ExpectRollback()

		_, _, err := store.FinishRun(ctx, runID, RunFinish{Status: task.StatusFailed, Now: now, DeleteAfter: deleteAfter})
		assert.ErrorIs(t, err, task.ErrTerminal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown run", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "runledger"\."task_runs" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT status FROM "runledger"\."task_runs"`).
			WithArgs(runID).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, _, err := store.FinishRun(ctx, runID, RunFinish{Status: task.StatusSkipped, Now: now, DeleteAfter: deleteAfter})
		assert.ErrorIs(t, err, task.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRegisterReporterLocksRow(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hostname, process_id, started_at, last_heartbeat, shutdown_requested FROM "runledger"\."reporter_registrations" WHERE hostname = \$1 FOR UPDATE`).
		WithArgs("node-1").
		WillReturnRows(sqlmock.NewRows([]string{"hostname", "process_id", "started_at", "last_heartbeat", "shutdown_requested"}).
			AddRow("node-1", 10, now, now, false))
	mock.ExpectRollback()

	_, err := store.RegisterReporter(context.Background(),
		reg("node-1", 11, now),
		func(int) bool { return true },
		time.Minute,
	)
	assert.ErrorIs(t, err, task.ErrReporterActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func reg(host string, pid int, now time.Time) models.ReporterRegistration {
	return models.ReporterRegistration{Hostname: host, ProcessID: pid, StartedAt: now, LastHeartbeat: now}
}
