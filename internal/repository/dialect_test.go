package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/task"
)

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, b)

	b, err = ParseBackend("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, b)

	_, err = ParseBackend("mysql")
	assert.ErrorIs(t, err, task.ErrInvalidArgument)
}

func TestDialectSQL(t *testing.T) {
	t.Run("postgres qualifies and rebinds", func(t *testing.T) {
		d := NewDialect(BackendPostgres, "")
		assert.Equal(t, DefaultSchema, d.Schema())
		assert.Equal(t,
			`SELECT status FROM "runledger"."task_runs" WHERE run_id = $1 AND status = $2`,
			d.SQL(`SELECT status FROM {runs} WHERE run_id = ? AND status = ?`),
		)
		assert.Equal(t, " FOR UPDATE", d.ForUpdate())
	})

	t.Run("postgres leaves quoted question marks", func(t *testing.T) {
		d := NewDialect(BackendPostgres, "")
		assert.Equal(t,
			`SELECT 'why?', 'it''s ?' FROM t WHERE a = $1 AND b = '?' AND c = $2`,
			d.Rebind(`SELECT 'why?', 'it''s ?' FROM t WHERE a = ? AND b = '?' AND c = ?`),
		)
	})

	t.Run("sqlite keeps bare names", func(t *testing.T) {
		d := NewDialect(BackendSQLite, "ignored")
		assert.Empty(t, d.Schema())
		assert.Equal(t,
			`DELETE FROM process_metrics WHERE run_id = ?`,
			d.SQL(`DELETE FROM {metrics} WHERE run_id = ?`),
		)
		assert.Empty(t, d.ForUpdate())
	})
}

func TestIsTransient(t *testing.T) {
	d := NewDialect(BackendPostgres, "")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pgx serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"pgx deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"pgx lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"pgx unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"pq serialization failure", &pq.Error{Code: "40001"}, true},
		{"sqlite busy text", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"deadline", context.DeadlineExceeded, false},
		{"plain", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsTransient(tt.err))
		})
	}
}
