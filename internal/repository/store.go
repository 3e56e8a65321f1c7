// Package repository persists stages, tasks, runs, subtask progress, process
// metrics, reporter registrations and retention records. The same queries run
// against PostgreSQL and SQLite through a Dialect.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nadmax/runledger/internal/repository/postgres"
	sqlitestore "github.com/nadmax/runledger/internal/repository/sqlite"
	"github.com/nadmax/runledger/internal/task"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

type Config struct {
	Backend    Backend
	Postgres   postgres.Config
	SQLitePath string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Backend {
	case BackendPostgres:
		db, err = postgres.Open(ctx, cfg.Postgres)
	case BackendSQLite:
		db, err = sqlitestore.Open(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("%w: unsupported store backend %q", task.ErrInvalidArgument, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", task.ErrStoreUnavailable, err)
	}

	return New(db, NewDialect(cfg.Backend, cfg.Postgres.Schema), logger), nil
}

func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{db: db, dialect: dialect, logger: logger}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", task.ErrStoreUnavailable, err)
	}

	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if s.dialect.IsTransient(err) {
			return err
		}
		return fmt.Errorf("%w: failed to begin transaction: %w", task.ErrStoreUnavailable, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.logger.Warn("failed to roll back transaction", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *Store) q(query string) string {
	return s.dialect.SQL(query)
}

func (s *Store) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.logger.Warn("failed to close rows", "error", err)
	}
}
