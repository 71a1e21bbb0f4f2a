// Package sqlite persists extraction attempts to a local SQLite file. It suits
// single-host runs that have no Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS extraction_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	dataset TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	status_code INTEGER,
	has_title INTEGER NOT NULL,
	has_author INTEGER NOT NULL,
	has_body INTEGER NOT NULL,
	has_date INTEGER NOT NULL,
	proxy_provider TEXT,
	note TEXT
);
CREATE INDEX IF NOT EXISTS idx_attempts_host ON extraction_attempts(host, outcome);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON extraction_attempts(run_id);`

const insertAttempt = `
INSERT INTO extraction_attempts (
	run_id, dataset, method, url, host, started_at, finished_at, duration_ms,
	outcome, status_code, has_title, has_author, has_body, has_date,
	proxy_provider, note
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AttemptStore writes attempt rows into SQLite.
type AttemptStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path in WAL mode and applies the
// schema.
func Open(ctx context.Context, path string) (*AttemptStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &AttemptStore{db: db}, nil
}

// InsertAttempts writes the batch in one transaction.
func (s *AttemptStore) InsertAttempts(ctx context.Context, attempts []crawler.ExtractionAttempt) (err error) {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, insertAttempt)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, a := range attempts {
		var status any
		if a.StatusCode != 0 {
			status = a.StatusCode
		}
		if _, err = stmt.ExecContext(ctx,
			a.RunID, a.Dataset, string(a.Method), a.URL, a.Host,
			a.StartedAt.UTC().Format(time.RFC3339Nano),
			a.FinishedAt.UTC().Format(time.RFC3339Nano),
			a.Duration().Milliseconds(),
			string(a.Outcome), status,
			a.Fields.Title, a.Fields.Author, a.Fields.Body, a.Fields.Date,
			a.Proxy, a.Note,
		); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// OutcomeCounts returns attempt counts per outcome for host, or for every
// host when host is empty.
func (s *AttemptStore) OutcomeCounts(ctx context.Context, host string) (map[crawler.OutcomeKind]int, error) {
	query := `SELECT outcome, COUNT(*) FROM extraction_attempts`
	var args []any
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` GROUP BY outcome`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	out := make(map[crawler.OutcomeKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out[crawler.OutcomeKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *AttemptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
