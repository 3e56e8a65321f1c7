package repository

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"

	"github.com/nadmax/runledger/internal/task"
)

type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

const DefaultSchema = "runledger"

const (
	TableStages    = "stages"
	TableTasks     = "tasks"
	TableRuns      = "task_runs"
	TableSubtasks  = "subtask_progress"
	TableMetrics   = "process_metrics"
	TableReporters = "reporter_registrations"
	TableRetention = "metric_retention"
)

var tableTokens = map[string]string{
	"{stages}":    TableStages,
	"{tasks}":     TableTasks,
	"{runs}":      TableRuns,
	"{subtasks}":  TableSubtasks,
	"{metrics}":   TableMetrics,
	"{reporters}": TableReporters,
	"{retention}": TableRetention,
}

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

func ParseBackend(raw string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(raw))) {
	case BackendPostgres, "postgresql", "pg":
		return BackendPostgres, nil
	case BackendSQLite, "sqlite3":
		return BackendSQLite, nil
	}

	return "", fmt.Errorf("%w: unsupported store backend %q", task.ErrInvalidArgument, raw)
}

// Dialect hides the differences between the PostgreSQL and SQLite backends:
// table qualification, placeholder style, row locking and transient errors.
type Dialect struct {
	backend  Backend
	schema   string
	replacer *strings.Replacer
}

func NewDialect(backend Backend, schema string) Dialect {
	if backend == BackendPostgres && schema == "" {
		schema = DefaultSchema
	}
	if backend == BackendSQLite {
		schema = ""
	}

	d := Dialect{backend: backend, schema: schema}
	pairs := make([]string, 0, len(tableTokens)*2)
	for token, name := range tableTokens {
		pairs = append(pairs, token, d.Table(name))
	}
	d.replacer = strings.NewReplacer(pairs...)

	return d
}

func (d Dialect) Backend() Backend {
	return d.backend
}

func (d Dialect) Schema() string {
	return d.schema
}

func (d Dialect) Table(name string) string {
	if d.backend == BackendPostgres {
		return pgx.Identifier{d.schema, name}.Sanitize()
	}

	return name
}

// SQL expands {table} tokens and rebinds ? placeholders for the backend.
func (d Dialect) SQL(query string) string {
	if d.replacer != nil {
		query = d.replacer.Replace(query)
	}

	return d.Rebind(query)
}

// Rebind numbers ? placeholders as $n on Postgres. Question marks inside
// single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d.backend != BackendPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		switch {
		case query[i] == '\'':
			quoted = !quoted
		case query[i] == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}

	return b.String()
}

// ForUpdate is appended to a SELECT that must lock its row. SQLite
// transactions are opened IMMEDIATE and already hold the write lock.
func (d Dialect) ForUpdate() string {
	if d.backend == BackendPostgres {
		return " FOR UPDATE"
	}

	return ""
}

// IsTransient reports whether err is write contention that is safe to retry
// because the statement did not apply.
func (d Dialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPostgresCode(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientPostgresCode(string(pqErr.Code))
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func transientPostgresCode(code string) bool {
	switch code {
	case "40001", "40P01", "55P03":
		return true
	}

	return false
}

// statusList renders a fixed set of enum values as a SQL IN list.
func statusList(statuses []task.Status) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}

	return "(" + strings.Join(quoted, ", ") + ")"
}
