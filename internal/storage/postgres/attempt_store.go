// Package postgres persists extraction attempts to Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "extraction_attempts"

var attemptColumns = []string{
	"run_id",
	"dataset",
	"method",
	"url",
	"host",
	"started_at",
	"finished_at",
	"outcome",
	"status_code",
	"has_title",
	"has_author",
	"has_body",
	"has_date",
	"proxy_provider",
	"note",
}

// Config controls the Postgres connection pool used for attempt rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Ping(context.Context) error
	Close()
}

// AttemptStore writes attempt rows into Postgres.
type AttemptStore struct {
	pool  pool
	table string
}

// NewAttemptStore connects a pool and verifies it with a ping. A store that
// cannot be reached is a setup failure.
func NewAttemptStore(ctx context.Context, cfg Config) (*AttemptStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &AttemptStore{pool: p, table: table}, nil
}

// NewAttemptStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAttemptStoreWithPool(p pool, table string) (*AttemptStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &AttemptStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the attempts table when missing.
func (s *AttemptStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	dataset TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	outcome TEXT NOT NULL,
	status_code INTEGER,
	has_title BOOLEAN NOT NULL,
	has_author BOOLEAN NOT NULL,
	has_body BOOLEAN NOT NULL,
	has_date BOOLEAN NOT NULL,
	proxy_provider TEXT,
	note TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create attempts table: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *AttemptStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// InsertAttempts copies the batch into the attempts table.
func (s *AttemptStore) InsertAttempts(ctx context.Context, attempts []crawler.ExtractionAttempt) error {
	if s == nil || s.pool == nil {
		return errors.New("attempt store is not configured")
	}
	if len(attempts) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(attempts))
	for _, a := range attempts {
		rows = append(rows, attemptRow(a))
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.table}, attemptColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy attempts: %w", err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy attempts: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *AttemptStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func attemptRow(a crawler.ExtractionAttempt) []any {
	var status any
	if a.StatusCode != 0 {
		status = int32(a.StatusCode)
	}
	return []any{
		a.RunID,
		a.Dataset,
		string(a.Method),
		a.URL,
		a.Host,
		a.StartedAt,
		a.FinishedAt,
		string(a.Outcome),
		status,
		a.Fields.Title,
		a.Fields.Author,
		a.Fields.Body,
		a.Fields.Date,
		a.Proxy,
		a.Note,
	}
}
