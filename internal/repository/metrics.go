package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nadmax/runledger/internal/repository/models"
)

const metricColumns = `run_id, sampled_at, process_id, cpu_percent, memory_mb, memory_percent,
	num_threads, num_fds, io_read_bytes, io_write_bytes, process_state,
	collection_error, error_type, error_message`

// InsertProcessMetric stores one sample. A second sample for the same run and
// timestamp is ignored; inserted reports whether the row was written.
func (s *Store) InsertProcessMetric(ctx context.Context, m models.ProcessMetric) (bool, error) {
	query := s.q(`
		INSERT INTO {metrics} (` + metricColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, sampled_at) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		m.RunID,
		m.Timestamp.UTC(),
		m.ProcessID,
		nullFloat(m.CPUPercent),
		nullFloat(m.MemoryMB),
		nullFloat(m.MemoryPercent),
		nullInt64(m.NumThreads),
		nullInt64(m.NumFDs),
		nullInt64(m.IOReadBytes),
		nullInt64(m.IOWriteBytes),
		nullString(m.ProcessState),
		m.CollectionError,
		nullString(string(m.ErrorType)),
		nullString(m.ErrorMessage),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert metric for run %s: %w", m.RunID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n > 0, nil
}

// ListProcessMetrics returns samples for a run, newest first.
func (s *Store) ListProcessMetrics(ctx context.Context, runID string, limit int) ([]models.ProcessMetric, error) {
	query := `SELECT ` + metricColumns + ` FROM {metrics} WHERE run_id = ? ORDER BY sampled_at DESC`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics for run %s: %w", runID, err)
	}
	defer s.closeRows(rows)

	var out []models.ProcessMetric
	for rows.Next() {
		var (
			m                                   models.ProcessMetric
			cpu, mem, memPct                    sql.NullFloat64
			threads, fds, readBytes, writeBytes sql.NullInt64
			state, errType, errMsg              sql.NullString
		)
		err := rows.Scan(
			&m.RunID, &m.Timestamp, &m.ProcessID, &cpu, &mem, &memPct,
			&threads, &fds, &readBytes, &writeBytes, &state,
			&m.CollectionError, &errType, &errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}

		m.Timestamp = m.Timestamp.UTC()
		m.CPUPercent = floatPtr(cpu)
		m.MemoryMB = floatPtr(mem)
		m.MemoryPercent = floatPtr(memPct)
		m.NumThreads = int64Ptr(threads)
		m.NumFDs = int64Ptr(fds)
		m.IOReadBytes = int64Ptr(readBytes)
		m.IOWriteBytes = int64Ptr(writeBytes)
		m.ProcessState = state.String
		m.ErrorType = models.ErrorType(errType.String)
		m.ErrorMessage = errMsg.String
		out = append(out, m)
	}

	return out, rows.Err()
}

func (s *Store) CountProcessMetrics(ctx context.Context, runID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM {metrics} WHERE run_id = ?`), runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count metrics for run %s: %w", runID, err)
	}

	return n, nil
}
