package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type RunInput struct {
	RunID            string
	TaskID           int64
	Status           task.Status
	Hostname         string
	ProcessID        int
	ProcessStartTime *time.Time
	StartTime        *time.Time
	TotalSubtasks    int
	Message          string
	Metadata         string
	Now              time.Time
}

type RunStart struct {
	Hostname         string
	ProcessID        int
	ProcessStartTime *time.Time
	TotalSubtasks    *int
	Message          *string
	Now              time.Time
}

type RunProgress struct {
	Percent        *float64
	Message        *string
	CurrentSubtask *int
	TotalSubtasks  *int
	Now            time.Time
}

type RunFinish struct {
	Status       task.Status
	Message      *string
	ErrorMessage *string
	ErrorDetail  *string
	Now          time.Time
	DeleteAfter  time.Time
}

type RunFilter struct {
	Statuses  []task.Status
	Hostname  string
	TaskID    int64
	StageName string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

const runSelect = `
	SELECT r.run_id, r.task_id, t.task_name, s.stage_name, r.hostname, r.process_id,
		r.process_start_time, r.status, r.start_time, r.end_time, r.total_subtasks,
		r.current_subtask, r.overall_percent_complete, r.overall_progress_message,
		r.error_message, r.error_detail, r.metadata, r.updated_at
	FROM {runs} r
	JOIN {tasks} t ON t.task_id = r.task_id
	JOIN {stages} s ON s.stage_id = t.stage_id`

func scanRun(row scanner) (models.Run, error) {
	var (
		r                                models.Run
		hostname, message, errMsg        sql.NullString
		errDetail, metadata              sql.NullString
		pid                              sql.NullInt64
		processStart, startTime, endTime sql.NullTime
	)

	err := row.Scan(
		&r.RunID, &r.TaskID, &r.TaskName, &r.StageName, &hostname, &pid,
		&processStart, &r.Status, &startTime, &endTime, &r.TotalSubtasks,
		&r.CurrentSubtask, &r.PercentComplete, &message,
		&errMsg, &errDetail, &metadata, &r.UpdatedAt,
	)
	if err != nil {
		return models.Run{}, err
	}

	r.Hostname = hostname.String
	r.ProcessID = int(pid.Int64)
	r.ProcessStartTime = timePtr(processStart)
	r.StartTime = timePtr(startTime)
	r.EndTime = timePtr(endTime)
	r.ProgressMessage = message.String
	r.ErrorMessage = errMsg.String
	r.ErrorDetail = errDetail.String
	r.Metadata = metadata.String
	r.UpdatedAt = r.UpdatedAt.UTC()

	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, in RunInput) (models.Run, error) {
	if err := s.insertRun(ctx, s.db, in); err != nil {
		return models.Run{}, err
	}

	return s.GetRun(ctx, in.RunID)
}

func (s *Store) insertRun(ctx context.Context, q querier, in RunInput) error {
	if in.Status == "" {
		in.Status = task.StatusStarted
	}

	query := s.q(`
		INSERT INTO {runs} (
			run_id, task_id, hostname, process_id, process_start_time, status,
			start_time, total_subtasks, current_subtask, overall_percent_complete,
			overall_progress_message, metadata, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`)

	var pid any
	if in.ProcessID > 0 {
		pid = in.ProcessID
	}

	_, err := q.ExecContext(ctx, query,
		in.RunID,
		in.TaskID,
		nullString(in.Hostname),
		pid,
		nullTime(in.ProcessStartTime),
		string(in.Status),
		nullTime(in.StartTime),
		in.TotalSubtasks,
		nullString(in.Message),
		nullString(in.Metadata),
		in.Now,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", in.RunID, err)
	}

	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (models.Run, error) {
	return s.getRun(ctx, s.db, runID)
}

func (s *Store) getRun(ctx context.Context, q querier, runID string) (models.Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, s.q(runSelect+` WHERE r.run_id = ?`), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, fmt.Errorf("%w: run %s", task.ErrNotFound, runID)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	return r, nil
}

// LatestRunForTask returns the most recently active run of the task.
func (s *Store) LatestRunForTask(ctx context.Context, taskID int64) (models.Run, error) {
	return s.latestRunForTask(ctx, s.db, taskID)
}

func (s *Store) latestRunForTask(ctx context.Context, q querier, taskID int64) (models.Run, error) {
	query := s.q(runSelect + `
		WHERE r.task_id = ?
		ORDER BY COALESCE(r.start_time, r.updated_at) DESC, r.updated_at DESC
		LIMIT 1`)

	r, err := scanRun(q.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, fmt.Errorf("%w: no runs for task %d", task.ErrNotFound, taskID)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("failed to get latest run for task %d: %w", taskID, err)
	}

	return r, nil
}

// EnsureRun returns the latest non-terminal run of the task. A planned run is
// started with start; when there is none, a run is created from create. The
// task row is locked for the whole check so concurrent callers share one run.
// changed reports whether a run was started or created.
func (s *Store) EnsureRun(ctx context.Context, create RunInput, start RunStart) (run models.Run, changed bool, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		lock := s.q(`SELECT task_id FROM {tasks} WHERE task_id = ?` + s.dialect.ForUpdate())
		err := tx.QueryRowContext(ctx, lock, create.TaskID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %d", task.ErrNotFound, create.TaskID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock task %d: %w", create.TaskID, err)
		}

		latest, err := s.latestRunForTask(ctx, tx, create.TaskID)
		switch {
		case err == nil && latest.Status == task.StatusNotStarted:
			if err := s.startPlannedRun(ctx, tx, latest.RunID, start); err != nil {
				return err
			}
			changed = true
			run, err = s.getRun(ctx, tx, latest.RunID)
			return err
		case err == nil && !latest.Status.IsTerminal():
			run = latest
			return nil
		case err != nil && !errors.Is(err, task.ErrNotFound):
			return err
		}

		if err := s.insertRun(ctx, tx, create); err != nil {
			return err
		}
		changed = true
		run, err = s.getRun(ctx, tx, create.RunID)
		return err
	})
	if err != nil {
		return models.Run{}, false, err
	}

	return run, changed, nil
}

// classifyRun explains why a conditional update on runID matched no row.
func (s *Store) classifyRun(ctx context.Context, q querier, runID string, target task.Status) error {
	var current task.Status
	err := q.QueryRowContext(ctx, s.q(`SELECT status FROM {runs} WHERE run_id = ?`), runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: run %s", task.ErrNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to read run %s status: %w", runID, err)
	}

	if err := task.CheckTransition(task.KindRun, current, target); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	return fmt.Errorf("%w: run %s changed concurrently", task.ErrInvalidTransition, runID)
}

// StartPlannedRun moves a NOT_STARTED run to STARTED and binds it to a process.
func (s *Store) StartPlannedRun(ctx context.Context, runID string, in RunStart) (models.Run, error) {
	if err := s.startPlannedRun(ctx, s.db, runID, in); err != nil {
		return models.Run{}, err
	}

	return s.GetRun(ctx, runID)
}

func (s *Store) startPlannedRun(ctx context.Context, q querier, runID string, in RunStart) error {
	query := s.q(`
		UPDATE {runs} SET
			status = ?,
			hostname = ?,
			process_id = ?,
			process_start_time = ?,
			start_time = ?,
			total_subtasks = COALESCE(?, total_subtasks),
			overall_progress_message = COALESCE(?, overall_progress_message),
			updated_at = ?
		WHERE run_id = ? AND status IN ` + statusList(task.SourcesFor(task.KindRun, task.StatusStarted)))

	var pid any
	if in.ProcessID > 0 {
		pid = in.ProcessID
	}

	res, err := q.ExecContext(ctx, query,
		string(task.StatusStarted),
		nullString(in.Hostname),
		pid,
		nullTime(in.ProcessStartTime),
		in.Now,
		nullIntPtr(in.TotalSubtasks),
		nullStringPtr(in.Message),
		in.Now,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", runID, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return s.classifyRun(ctx, q, runID, task.StatusStarted)
	}

	return nil
}

// UpdateRunProgress applies a progress update and marks the run RUNNING.
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, in RunProgress) (models.Run, error) {
	query := s.q(`
		UPDATE {runs} SET
			status = ?,
			overall_percent_complete = COALESCE(?, overall_percent_complete),
			overall_progress_message = COALESCE(?, overall_progress_message),
			current_subtask = COALESCE(?, current_subtask),
			total_subtasks = COALESCE(?, total_subtasks),
			updated_at = ?
		WHERE run_id = ? AND status IN ` + statusList(task.SourcesFor(task.KindRun, task.StatusRunning)))

	res, err := s.db.ExecContext(ctx, query,
		string(task.StatusRunning),
		nullFloat(in.Percent),
		nullStringPtr(in.Message),
		nullIntPtr(in.CurrentSubtask),
		nullIntPtr(in.TotalSubtasks),
		in.Now,
		runID,
	)
	if err != nil {
		return models.Run{}, fmt.Errorf("failed to update run %s: %w", runID, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return models.Run{}, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return models.Run{}, s.classifyRun(ctx, s.db, runID, task.StatusRunning)
	}

	return s.GetRun(ctx, runID)
}

// FinishRun moves a run into a terminal status. In the same transaction it
// cascades the status onto unfinished subtasks and schedules metric retention.
// It returns the updated run and the number of subtasks that were cascaded.
func (s *Store) FinishRun(ctx context.Context, runID string, in RunFinish) (models.Run, int64, error) {
	if !in.Status.IsTerminal() {
		return models.Run{}, 0, fmt.Errorf("%w: %s is not a terminal status", task.ErrInvalidArgument, in.Status)
	}

	var (
		run      models.Run
		cascaded int64
	)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var percent *float64
		if in.Status == task.StatusCompleted {
			full := 100.0
			percent = &full
		}

		query := s.q(`
			UPDATE {runs} SET
				status = ?,
				end_time = ?,
				overall_percent_complete = COALESCE(?, overall_percent_complete),
				overall_progress_message = COALESCE(?, overall_progress_message),
				error_message = COALESCE(?, error_message),
				error_detail = COALESCE(?, error_detail),
				updated_at = ?
			WHERE run_id = ? AND status IN ` + statusList(task.SourcesFor(task.KindRun, in.Status)))

		res, err := tx.ExecContext(ctx, query,
			string(in.Status),
			in.Now,
			nullFloat(percent),
			nullStringPtr(in.Message),
			nullStringPtr(in.ErrorMessage),
			nullStringPtr(in.ErrorDetail),
			in.Now,
			runID,
		)
		if err != nil {
			return fmt.Errorf("failed to finish run %s: %w", runID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		} else if n == 0 {
			return s.classifyRun(ctx, tx, runID, in.Status)
		}

		subStatus, subMessage := task.Cascade(in.Status)
		var subPercent *float64
		if subStatus == task.StatusCompleted {
			subPercent = percent
		}

		cascade := s.q(`
			UPDATE {subtasks} SET
				status = ?,
				end_time = ?,
				last_updated = ?,
				percent_complete = COALESCE(?, percent_complete),
				error_message = COALESCE(?, error_message)
			WHERE run_id = ? AND status IN ` + statusList(task.NonTerminalStatuses()))

		res, err = tx.ExecContext(ctx, cascade,
			string(subStatus),
			in.Now,
			in.Now,
			nullFloat(subPercent),
			nullString(subMessage),
			runID,
		)
		if err != nil {
			return fmt.Errorf("failed to cascade run %s to subtasks: %w", runID, err)
		}
		if cascaded, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		retention := s.q(`
			INSERT INTO {retention} (run_id, metrics_delete_after, metrics_deleted, metrics_count)
			VALUES (?, ?, ?, 0)
			ON CONFLICT (run_id) DO NOTHING`)
		if _, err := tx.ExecContext(ctx, retention, runID, in.DeleteAfter.UTC(), false); err != nil {
			return fmt.Errorf("failed to schedule retention for run %s: %w", runID, err)
		}

		run, err = s.getRun(ctx, tx, runID)
		return err
	})

	return run, cascaded, err
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error) {
	var (
		where []string
		args  []any
	)

	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if !st.ValidFor(task.KindRun) {
				return nil, fmt.Errorf("%w: unknown status %q", task.ErrInvalidArgument, st)
			}
		}
		where = append(where, "r.status IN "+statusList(f.Statuses))
	}
	if f.Hostname != "" {
		where = append(where, "r.hostname = ?")
		args = append(args, f.Hostname)
	}
	if f.TaskID > 0 {
		where = append(where, "r.task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.StageName != "" {
		where = append(where, "s.stage_name = ?")
		args = append(args, f.StageName)
	}
	if f.Since != nil {
		where = append(where, "r.start_time >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		where = append(where, "r.start_time < ?")
		args = append(args, f.Until.UTC())
	}

	query := runSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY COALESCE(r.start_time, r.updated_at) DESC, r.run_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer s.closeRows(rows)

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// ActiveRunsOnHost lists STARTED and RUNNING runs recorded for hostname.
func (s *Store) ActiveRunsOnHost(ctx context.Context, hostname string) ([]models.Run, error) {
	return s.ListRuns(ctx, RunFilter{Statuses: task.ActiveStatuses(), Hostname: hostname})
}

func (s *Store) RunStatusCounts(ctx context.Context) ([]models.StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT status, COUNT(*) FROM {runs} GROUP BY status ORDER BY status`))
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer s.closeRows(rows)

	var counts []models.StatusCount
	for rows.Next() {
		var c models.StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}
