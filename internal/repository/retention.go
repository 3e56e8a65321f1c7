package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

// RetentionCandidates selects terminal runs that ended before cutoff and still
// have metrics on record. Dry runs and real sweeps share this selection.
func (s *Store) RetentionCandidates(ctx context.Context, cutoff time.Time) ([]models.RetentionCandidate, error) {
	query := s.q(`
		SELECT r.run_id, t.task_name, r.end_time,
			(SELECT COUNT(*) FROM {metrics} m WHERE m.run_id = r.run_id)
		FROM {runs} r
		JOIN {tasks} t ON t.task_id = r.task_id
		LEFT JOIN {retention} k ON k.run_id = r.run_id
		WHERE r.status IN ` + statusList(task.TerminalStatuses(task.KindRun)) + `
			AND r.end_time IS NOT NULL
			AND r.end_time < ?
			AND (k.run_id IS NULL OR k.metrics_deleted = ?)
		ORDER BY r.end_time, r.run_id`)

	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to select retention candidates: %w", err)
	}
	defer s.closeRows(rows)

	var out []models.RetentionCandidate
	for rows.Next() {
		var c models.RetentionCandidate
		if err := rows.Scan(&c.RunID, &c.TaskName, &c.CompletedAt, &c.MetricCount); err != nil {
			return nil, fmt.Errorf("failed to scan retention candidate: %w", err)
		}
		c.CompletedAt = c.CompletedAt.UTC()
		out = append(out, c)
	}

	return out, rows.Err()
}

// PurgeRunMetrics deletes the metrics of one run and marks its retention
// record deleted in a single transaction. It returns the number of samples removed.
func (s *Store) PurgeRunMetrics(ctx context.Context, runID string, deleteAfter, now time.Time) (int64, error) {
	var deleted int64

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM {metrics} WHERE run_id = ?`), runID)
		if err != nil {
			return fmt.Errorf("failed to delete metrics for run %s: %w", runID, err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		upsert := s.q(`
			INSERT INTO {retention} (run_id, metrics_delete_after, metrics_deleted, metrics_count, deleted_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (run_id) DO UPDATE SET
				metrics_deleted = EXCLUDED.metrics_deleted,
				metrics_count = EXCLUDED.metrics_count,
				deleted_at = EXCLUDED.deleted_at`)
		if _, err := tx.ExecContext(ctx, upsert, runID, deleteAfter.UTC(), true, deleted, now.UTC()); err != nil {
			return fmt.Errorf("failed to record retention for run %s: %w", runID, err)
		}

		return nil
	})

	return deleted, err
}

func (s *Store) GetRetentionRecord(ctx context.Context, runID string) (models.RetentionRecord, error) {
	query := s.q(`
		SELECT run_id, metrics_delete_after, metrics_deleted, metrics_count, deleted_at
		FROM {retention} WHERE run_id = ?`)

	var (
		rec       models.RetentionRecord
		deletedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&rec.RunID, &rec.MetricsDeleteAfter, &rec.MetricsDeleted, &rec.MetricsCount, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RetentionRecord{}, fmt.Errorf("%w: retention record for run %s", task.ErrNotFound, runID)
	}
	if err != nil {
		return models.RetentionRecord{}, fmt.Errorf("failed to get retention record for run %s: %w", runID, err)
	}

	rec.MetricsDeleteAfter = rec.MetricsDeleteAfter.UTC()
	rec.DeletedAt = timePtr(deletedAt)

	return rec, nil
}
