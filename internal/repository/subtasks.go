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

type SubtaskStart struct {
	Number     int
	Name       string
	ItemsTotal int64
	Message    *string
	Now        time.Time
}

type SubtaskProgress struct {
	ItemsTotal *int64
	Percent    *float64
	Message    *string
	Now        time.Time
}

type SubtaskFinish struct {
	Status       task.Status
	Message      *string
	ErrorMessage *string
	Now          time.Time
}

const subtaskColumns = `run_id, subtask_number, subtask_name, status, items_total, items_complete,
	percent_complete, start_time, end_time, last_updated, progress_message, error_message`

func scanSubtask(row scanner) (models.Subtask, error) {
	var (
		st                 models.Subtask
		startTime, endTime sql.NullTime
		message, errMsg    sql.NullString
	)

	err := row.Scan(
		&st.RunID, &st.Number, &st.Name, &st.Status, &st.ItemsTotal, &st.ItemsComplete,
		&st.PercentComplete, &startTime, &endTime, &st.LastUpdated, &message, &errMsg,
	)
	if err != nil {
		return models.Subtask{}, err
	}

	st.StartTime = timePtr(startTime)
	st.EndTime = timePtr(endTime)
	st.LastUpdated = st.LastUpdated.UTC()
	st.ProgressMessage = message.String
	st.ErrorMessage = errMsg.String

	return st, nil
}

// lockRun reads the run status, locking the row where the backend supports it.
func (s *Store) lockRun(ctx context.Context, q querier, runID string) (task.Status, error) {
	var status task.Status
	err := q.QueryRowContext(ctx, s.q(`SELECT status FROM {runs} WHERE run_id = ?`+s.dialect.ForUpdate()), runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: run %s", task.ErrNotFound, runID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	return status, nil
}

// classifySubtask explains why a conditional update on a subtask matched no row.
func (s *Store) classifySubtask(ctx context.Context, q querier, runID string, number int, target task.Status) error {
	var current task.Status
	query := s.q(`SELECT status FROM {subtasks} WHERE run_id = ? AND subtask_number = ?`)
	err := q.QueryRowContext(ctx, query, runID, number).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: subtask %d of run %s", task.ErrNotFound, number, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to read subtask %d of run %s: %w", number, runID, err)
	}

	if err := task.CheckTransition(task.KindSubtask, current, target); err != nil {
		return fmt.Errorf("subtask %d of run %s: %w", number, runID, err)
	}

	return fmt.Errorf("%w: subtask %d of run %s changed concurrently", task.ErrInvalidTransition, number, runID)
}

// PlanSubtask records a NOT_STARTED subtask. An existing subtask is left alone.
func (s *Store) PlanSubtask(ctx context.Context, runID string, number int, name string, itemsTotal int64, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		status, err := s.lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return fmt.Errorf("%w: run %s is already %s", task.ErrTerminal, runID, status)
		}

		query := s.q(`
			INSERT INTO {subtasks} (run_id, subtask_number, subtask_name, status, items_total, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, subtask_number) DO NOTHING`)
		if _, err := tx.ExecContext(ctx, query, runID, number, name, string(task.StatusNotStarted), itemsTotal, now); err != nil {
			return fmt.Errorf("failed to plan subtask %d of run %s: %w", number, runID, err)
		}

		return nil
	})
}

// StartSubtask creates the subtask (or starts a planned one) and makes it the
// run's current subtask. A STARTED run moves to RUNNING.
func (s *Store) StartSubtask(ctx context.Context, runID string, in SubtaskStart) (models.Subtask, error) {
	var out models.Subtask

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		status, err := s.lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return fmt.Errorf("%w: run %s is already %s", task.ErrTerminal, runID, status)
		}
		if !status.IsActive() {
			return fmt.Errorf("%w: run %s is %s", task.ErrInvalidTransition, runID, status)
		}

		query := s.q(`
			INSERT INTO {subtasks} AS t (
				run_id, subtask_number, subtask_name, status, items_total, items_complete,
				percent_complete, start_time, last_updated, progress_message
			) VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
			ON CONFLICT (run_id, subtask_number) DO UPDATE SET
				subtask_name = EXCLUDED.subtask_name,
				status = EXCLUDED.status,
				items_total = EXCLUDED.items_total,
				start_time = EXCLUDED.start_time,
				last_updated = EXCLUDED.last_updated,
				progress_message = COALESCE(EXCLUDED.progress_message, t.progress_message)
			WHERE t.status = ?
			RETURNING ` + subtaskColumns)

		out, err = scanSubtask(tx.QueryRowContext(ctx, query,
			runID,
			in.Number,
			in.Name,
			string(task.StatusStarted),
			in.ItemsTotal,
			in.Now,
			in.Now,
			nullStringPtr(in.Message),
			string(task.StatusNotStarted),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return s.classifySubtask(ctx, tx, runID, in.Number, task.StatusStarted)
		}
		if err != nil {
			return fmt.Errorf("failed to start subtask %d of run %s: %w", in.Number, runID, err)
		}

		runUpdate := s.q(`
			UPDATE {runs} SET
				status = ?,
				current_subtask = ?,
				total_subtasks = CASE WHEN total_subtasks < ? THEN ? ELSE total_subtasks END,
				updated_at = ?
			WHERE run_id = ?`)
		if _, err := tx.ExecContext(ctx, runUpdate,
			string(task.StatusRunning), in.Number, in.Number, in.Number, in.Now, runID,
		); err != nil {
			return fmt.Errorf("failed to advance run %s: %w", runID, err)
		}

		return nil
	})

	return out, err
}

// IncrementItems atomically adds delta to the completed-items counter and
// returns the new value. The addition happens in a single statement so
// concurrent increments never lose updates. The counter may pass
// items_total; percent_complete stops at 100.
func (s *Store) IncrementItems(ctx context.Context, runID string, number int, delta int64, now time.Time) (int64, error) {
	query := s.q(`
		UPDATE {subtasks} SET
			items_complete = items_complete + ?,
			percent_complete = CASE
				WHEN items_total > 0 AND items_complete + ? >= items_total THEN 100.0
				WHEN items_total > 0 THEN (items_complete + ?) * 100.0 / items_total
				ELSE percent_complete END,
			status = CASE WHEN status = ? THEN ? ELSE status END,
			last_updated = ?
		WHERE run_id = ? AND subtask_number = ? AND status IN ` +
		statusList(task.SourcesFor(task.KindSubtask, task.StatusRunning)) + `
		RETURNING items_complete`)

	var value int64
	err := s.db.QueryRowContext(ctx, query,
		delta,
		delta,
		delta,
		string(task.StatusStarted),
		string(task.StatusRunning),
		now,
		runID,
		number,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.classifySubtask(ctx, s.db, runID, number, task.StatusRunning)
	}
	if err != nil {
		return 0, err
	}

	return value, nil
}

// CorrectItems adjusts the completed-items counter by a signed delta without
// letting it drop below zero.
func (s *Store) CorrectItems(ctx context.Context, runID string, number int, delta int64, now time.Time) (int64, error) {
	query := s.q(`
		UPDATE {subtasks} SET
			items_complete = CASE WHEN items_complete + ? < 0 THEN 0 ELSE items_complete + ? END,
			percent_complete = CASE
				WHEN items_total > 0 AND items_complete + ? >= items_total THEN 100.0
				WHEN items_total > 0 THEN (CASE WHEN items_complete + ? < 0 THEN 0 ELSE items_complete + ? END) * 100.0 / items_total
				ELSE percent_complete END,
			last_updated = ?
		WHERE run_id = ? AND subtask_number = ? AND status IN ` +
		statusList(task.ActiveStatuses()) + `
		RETURNING items_complete`)

	var value int64
	err := s.db.QueryRowContext(ctx, query, delta, delta, delta, delta, delta, now, runID, number).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.classifySubtask(ctx, s.db, runID, number, task.StatusRunning)
	}
	if err != nil {
		return 0, err
	}

	return value, nil
}

func (s *Store) UpdateSubtaskProgress(ctx context.Context, runID string, number int, in SubtaskProgress) (models.Subtask, error) {
	query := s.q(`
		UPDATE {subtasks} SET
			status = ?,
			items_total = COALESCE(?, items_total),
			percent_complete = COALESCE(?, CASE
				WHEN COALESCE(?, items_total) > 0 AND items_complete >= COALESCE(?, items_total) THEN 100.0
				WHEN COALESCE(?, items_total) > 0 THEN items_complete * 100.0 / COALESCE(?, items_total)
				ELSE percent_complete END),
			progress_message = COALESCE(?, progress_message),
			last_updated = ?
		WHERE run_id = ? AND subtask_number = ? AND status IN ` +
		statusList(task.SourcesFor(task.KindSubtask, task.StatusRunning)))

	res, err := s.db.ExecContext(ctx, query,
		string(task.StatusRunning),
		nullInt64(in.ItemsTotal),
		nullFloat(in.Percent),
		nullInt64(in.ItemsTotal),
		nullInt64(in.ItemsTotal),
		nullInt64(in.ItemsTotal),
		nullInt64(in.ItemsTotal),
		nullStringPtr(in.Message),
		in.Now,
		runID,
		number,
	)
	if err != nil {
		return models.Subtask{}, fmt.Errorf("failed to update subtask %d of run %s: %w", number, runID, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return models.Subtask{}, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return models.Subtask{}, s.classifySubtask(ctx, s.db, runID, number, task.StatusRunning)
	}

	return s.GetSubtask(ctx, runID, number)
}

// FinishSubtask moves a subtask into a terminal status.
func (s *Store) FinishSubtask(ctx context.Context, runID string, number int, in SubtaskFinish) (models.Subtask, error) {
	if !in.Status.IsTerminal() || !in.Status.ValidFor(task.KindSubtask) {
		return models.Subtask{}, fmt.Errorf("%w: %s is not a terminal subtask status", task.ErrInvalidArgument, in.Status)
	}

	var percent *float64
	if in.Status == task.StatusCompleted {
		full := 100.0
		percent = &full
	}

	query := s.q(`
		UPDATE {subtasks} SET
			status = ?,
			end_time = ?,
			last_updated = ?,
			percent_complete = COALESCE(?, percent_complete),
			progress_message = COALESCE(?, progress_message),
			error_message = COALESCE(?, error_message)
		WHERE run_id = ? AND subtask_number = ? AND status IN ` +
		statusList(task.SourcesFor(task.KindSubtask, in.Status)))

	res, err := s.db.ExecContext(ctx, query,
		string(in.Status),
		in.Now,
		in.Now,
		nullFloat(percent),
		nullStringPtr(in.Message),
		nullStringPtr(in.ErrorMessage),
		runID,
		number,
	)
	if err != nil {
		return models.Subtask{}, fmt.Errorf("failed to finish subtask %d of run %s: %w", number, runID, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return models.Subtask{}, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return models.Subtask{}, s.classifySubtask(ctx, s.db, runID, number, in.Status)
	}

	return s.GetSubtask(ctx, runID, number)
}

func (s *Store) GetSubtask(ctx context.Context, runID string, number int) (models.Subtask, error) {
	query := s.q(`SELECT ` + subtaskColumns + ` FROM {subtasks} WHERE run_id = ? AND subtask_number = ?`)

	st, err := scanSubtask(s.db.QueryRowContext(ctx, query, runID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subtask{}, fmt.Errorf("%w: subtask %d of run %s", task.ErrNotFound, number, runID)
	}
	if err != nil {
		return models.Subtask{}, fmt.Errorf("failed to get subtask %d of run %s: %w", number, runID, err)
	}

	return st, nil
}

func (s *Store) ListSubtasks(ctx context.Context, runID string) ([]models.Subtask, error) {
	query := s.q(`SELECT ` + subtaskColumns + ` FROM {subtasks} WHERE run_id = ? ORDER BY subtask_number`)

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks of run %s: %w", runID, err)
	}
	defer s.closeRows(rows)

	var subtasks []models.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		subtasks = append(subtasks, st)
	}

	return subtasks, rows.Err()
}
