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

type StageInput struct {
	Name        string
	Order       *int
	Description *string
}

const stageColumns = `stage_id, stage_name, stage_order, description, created_at`

func scanStage(row scanner) (models.Stage, error) {
	var (
		st          models.Stage
		order       sql.NullInt64
		description sql.NullString
	)

	if err := row.Scan(&st.ID, &st.Name, &order, &description, &st.CreatedAt); err != nil {
		return models.Stage{}, err
	}
	st.Order = intPtr(order)
	st.Description = description.String
	st.CreatedAt = st.CreatedAt.UTC()

	return st, nil
}

// UpsertStage creates the stage or updates the fields that are set on in.
func (s *Store) UpsertStage(ctx context.Context, in StageInput) (models.Stage, error) {
	return s.upsertStage(ctx, s.db, in, time.Now().UTC())
}

func (s *Store) upsertStage(ctx context.Context, q querier, in StageInput, now time.Time) (models.Stage, error) {
	query := s.q(`
		INSERT INTO {stages} AS t (stage_name, stage_order, description, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stage_name) DO UPDATE SET
			stage_order = COALESCE(EXCLUDED.stage_order, t.stage_order),
			description = COALESCE(EXCLUDED.description, t.description)
		RETURNING ` + stageColumns)

	st, err := scanStage(q.QueryRowContext(ctx, query, in.Name, nullIntPtr(in.Order), nullStringPtr(in.Description), now))
	if err != nil {
		return models.Stage{}, fmt.Errorf("failed to upsert stage %s: %w", in.Name, err)
	}

	return st, nil
}

func (s *Store) GetStage(ctx context.Context, name string) (models.Stage, error) {
	query := s.q(`SELECT ` + stageColumns + ` FROM {stages} WHERE stage_name = ?`)

	st, err := scanStage(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Stage{}, fmt.Errorf("%w: stage %q", task.ErrNotFound, name)
	}
	if err != nil {
		return models.Stage{}, fmt.Errorf("failed to get stage %s: %w", name, err)
	}

	return st, nil
}

func (s *Store) ListStages(ctx context.Context) ([]models.Stage, error) {
	query := s.q(`SELECT ` + stageColumns + ` FROM {stages} ORDER BY stage_order, stage_name`)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer s.closeRows(rows)

	var stages []models.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, st)
	}

	return stages, rows.Err()
}

// DeleteStage removes the stage together with its tasks and their runs.
func (s *Store) DeleteStage(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {stages} WHERE stage_name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to delete stage %s: %w", name, err)
	}

	return requireAffected(res, fmt.Sprintf("stage %q", name))
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, what)
	}

	return nil
}
