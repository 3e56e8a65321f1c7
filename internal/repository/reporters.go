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

const reporterColumns = `hostname, process_id, started_at, last_heartbeat, shutdown_requested`

func scanReporter(row scanner) (models.ReporterRegistration, error) {
	var r models.ReporterRegistration
	if err := row.Scan(&r.Hostname, &r.ProcessID, &r.StartedAt, &r.LastHeartbeat, &r.ShutdownRequested); err != nil {
		return models.ReporterRegistration{}, err
	}
	r.StartedAt = r.StartedAt.UTC()
	r.LastHeartbeat = r.LastHeartbeat.UTC()

	return r, nil
}

// RegisterReporter claims the host for reg.ProcessID. An existing claim by a
// different process is only taken over when alive reports that process gone
// or its heartbeat is older than staleAfter. replaced reports a takeover.
func (s *Store) RegisterReporter(
	ctx context.Context,
	reg models.ReporterRegistration,
	alive func(pid int) bool,
	staleAfter time.Duration,
) (replaced bool, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		query := s.q(`SELECT ` + reporterColumns + ` FROM {reporters} WHERE hostname = ?` + s.dialect.ForUpdate())
		existing, err := scanReporter(tx.QueryRowContext(ctx, query, reg.Hostname))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read reporter registration for %s: %w", reg.Hostname, err)
		case existing.ProcessID != reg.ProcessID:
			fresh := staleAfter <= 0 || reg.LastHeartbeat.Sub(existing.LastHeartbeat) < staleAfter
			if fresh && alive != nil && alive(existing.ProcessID) {
				return fmt.Errorf("%w: pid %d on %s", task.ErrReporterActive, existing.ProcessID, reg.Hostname)
			}
			replaced = true
		}

		upsert := s.q(`
			INSERT INTO {reporters} (` + reporterColumns + `)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (hostname) DO UPDATE SET
				process_id = EXCLUDED.process_id,
				started_at = EXCLUDED.started_at,
				last_heartbeat = EXCLUDED.last_heartbeat,
				shutdown_requested = EXCLUDED.shutdown_requested`)
		if _, err := tx.ExecContext(ctx, upsert,
			reg.Hostname, reg.ProcessID, reg.StartedAt.UTC(), reg.LastHeartbeat.UTC(), false,
		); err != nil {
			return fmt.Errorf("failed to register reporter for %s: %w", reg.Hostname, err)
		}

		return nil
	})

	return replaced, err
}

// Heartbeat refreshes the registration owned by pid and returns whether a
// shutdown was requested. ErrNotFound means the claim was lost.
func (s *Store) Heartbeat(ctx context.Context, hostname string, pid int, now time.Time) (bool, error) {
	query := s.q(`
		UPDATE {reporters} SET last_heartbeat = ?
		WHERE hostname = ? AND process_id = ?
		RETURNING shutdown_requested`)

	var shutdown bool
	err := s.db.QueryRowContext(ctx, query, now.UTC(), hostname, pid).Scan(&shutdown)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: reporter registration for %s pid %d", task.ErrNotFound, hostname, pid)
	}
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat for %s: %w", hostname, err)
	}

	return shutdown, nil
}

func (s *Store) ShutdownRequested(ctx context.Context, hostname string, pid int) (bool, error) {
	query := s.q(`SELECT shutdown_requested FROM {reporters} WHERE hostname = ? AND process_id = ?`)

	var shutdown bool
	err := s.db.QueryRowContext(ctx, query, hostname, pid).Scan(&shutdown)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: reporter registration for %s pid %d", task.ErrNotFound, hostname, pid)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read shutdown flag for %s: %w", hostname, err)
	}

	return shutdown, nil
}

func (s *Store) RequestReporterShutdown(ctx context.Context, hostname string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE {reporters} SET shutdown_requested = ? WHERE hostname = ?`), true, hostname)
	if err != nil {
		return fmt.Errorf("failed to request shutdown for %s: %w", hostname, err)
	}

	return requireAffected(res, fmt.Sprintf("reporter registration for %s", hostname))
}

// DeregisterReporter drops the registration if pid still owns it.
func (s *Store) DeregisterReporter(ctx context.Context, hostname string, pid int) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {reporters} WHERE hostname = ? AND process_id = ?`), hostname, pid)
	if err != nil {
		return fmt.Errorf("failed to deregister reporter for %s: %w", hostname, err)
	}

	return nil
}

func (s *Store) GetReporter(ctx context.Context, hostname string) (models.ReporterRegistration, error) {
	r, err := scanReporter(s.db.QueryRowContext(ctx, s.q(`SELECT `+reporterColumns+` FROM {reporters} WHERE hostname = ?`), hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReporterRegistration{}, fmt.Errorf("%w: reporter registration for %s", task.ErrNotFound, hostname)
	}
	if err != nil {
		return models.ReporterRegistration{}, fmt.Errorf("failed to get reporter for %s: %w", hostname, err)
	}

	return r, nil
}

func (s *Store) ListReporters(ctx context.Context) ([]models.ReporterRegistration, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+reporterColumns+` FROM {reporters} ORDER BY hostname`))
	if err != nil {
		return nil, fmt.Errorf("failed to list reporters: %w", err)
	}
	defer s.closeRows(rows)

	var out []models.ReporterRegistration
	for rows.Next() {
		r, err := scanReporter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reporter: %w", err)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}
