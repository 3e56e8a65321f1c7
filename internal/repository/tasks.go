package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type TaskInput struct {
	StageName      string
	Name           string
	Type           *string
	Order          *int
	ScriptPath     *string
	ScriptFilename *string
	LogPath        *string
	LogFilename    *string
	Description    *string
}

// TaskFilter narrows ListTasks. Zero values are ignored.
type TaskFilter struct {
	StageName  string
	StageOrder *int
	TaskName   string
	TaskOrder  *int
}

const taskSelect = `
	SELECT t.task_id, t.stage_id, s.stage_name, s.stage_order, t.task_name, t.task_type,
		t.task_order, t.script_path, t.script_filename, t.log_path, t.log_filename,
		t.description, t.created_at, t.updated_at
	FROM {tasks} t
	JOIN {stages} s ON s.stage_id = t.stage_id`

func scanTask(row scanner) (models.Task, error) {
	var (
		t                                models.Task
		stageOrder, taskOrder            sql.NullInt64
		taskType, scriptPath, scriptFile sql.NullString
		logPath, logFile, description    sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.StageID, &t.StageName, &stageOrder, &t.Name, &taskType,
		&taskOrder, &scriptPath, &scriptFile, &logPath, &logFile,
		&description, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return models.Task{}, err
	}

	t.StageOrder = intPtr(stageOrder)
	t.Order = intPtr(taskOrder)
	t.Type = taskType.String
	t.ScriptPath = scriptPath.String
	t.ScriptFilename = scriptFile.String
	t.LogPath = logPath.String
	t.LogFilename = logFile.String
	t.Description = description.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	return t, nil
}

// baseName fills in a filename from its path when only the path is given.
func baseName(filename, path *string) *string {
	if filename != nil {
		return filename
	}
	if path == nil || *path == "" {
		return nil
	}

	base := filepath.Base(strings.ReplaceAll(*path, `\`, "/"))
	return &base
}

// UpsertTask creates the task (and its stage, when missing) or updates the
// fields that are set on in.
func (s *Store) UpsertTask(ctx context.Context, in TaskInput) (models.Task, error) {
	var out models.Task
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stage, err := s.upsertStage(ctx, tx, StageInput{Name: in.StageName}, now)
		if err != nil {
			return err
		}

		query := s.q(`
			INSERT INTO {tasks} AS t (
				stage_id, task_name, task_type, task_order, script_path, script_filename,
				log_path, log_filename, description, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (stage_id, task_name) DO UPDATE SET
				task_type = COALESCE(EXCLUDED.task_type, t.task_type),
				task_order = COALESCE(EXCLUDED.task_order, t.task_order),
				script_path = COALESCE(EXCLUDED.script_path, t.script_path),
				script_filename = COALESCE(EXCLUDED.script_filename, t.script_filename),
				log_path = COALESCE(EXCLUDED.log_path, t.log_path),
				log_filename = COALESCE(EXCLUDED.log_filename, t.log_filename),
				description = COALESCE(EXCLUDED.description, t.description),
				updated_at = EXCLUDED.updated_at
			RETURNING task_id`)

		var id int64
		err = tx.QueryRowContext(ctx, query,
			stage.ID,
			in.Name,
			nullStringPtr(in.Type),
			nullIntPtr(in.Order),
			nullStringPtr(in.ScriptPath),
			nullStringPtr(baseName(in.ScriptFilename, in.ScriptPath)),
			nullStringPtr(in.LogPath),
			nullStringPtr(baseName(in.LogFilename, in.LogPath)),
			nullStringPtr(in.Description),
			now,
			now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert task %s/%s: %w", in.StageName, in.Name, err)
		}

		out, err = s.getTask(ctx, tx, id)
		return err
	})

	return out, err
}

func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *Store) getTask(ctx context.Context, q querier, id int64) (models.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, s.q(taskSelect+` WHERE t.task_id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("%w: task %d", task.ErrNotFound, id)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to get task %d: %w", id, err)
	}

	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.StageName != "" {
		where = append(where, "s.stage_name = ?")
		args = append(args, f.StageName)
	}
	if f.StageOrder != nil {
		where = append(where, "s.stage_order = ?")
		args = append(args, *f.StageOrder)
	}
	if f.TaskName != "" {
		where = append(where, "t.task_name = ?")
		args = append(args, f.TaskName)
	}
	if f.TaskOrder != nil {
		where = append(where, "t.task_order = ?")
		args = append(args, *f.TaskOrder)
	}

	query := taskSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.stage_order, s.stage_name, t.task_order, t.task_name"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer s.closeRows(rows)

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// DeleteTask removes the task and, through cascading keys, its runs.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {tasks} WHERE task_id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}

	return requireAffected(res, fmt.Sprintf("task %d", id))
}
