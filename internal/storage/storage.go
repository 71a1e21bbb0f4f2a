// Package storage selects the raw-page archive and the attempt store from
// configuration.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/storage/gcs"
	"github.com/LocalNewsImpact/newscrawler/internal/storage/local"
	"github.com/LocalNewsImpact/newscrawler/internal/storage/memory"
	"github.com/LocalNewsImpact/newscrawler/internal/storage/postgres"
	"github.com/LocalNewsImpact/newscrawler/internal/storage/sqlite"
	"github.com/LocalNewsImpact/newscrawler/internal/telemetry/sinks"
)

// Archive backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Attempt store backends.
const (
	StoreNone     = "none"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// ArchiveConfig selects where successful raw HTML is archived.
type ArchiveConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// AttemptsConfig selects where attempt rows are persisted.
type AttemptsConfig struct {
	Backend    string          `mapstructure:"backend"`
	SQLitePath string          `mapstructure:"sqlite_path"`
	Postgres   postgres.Config `mapstructure:"postgres"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenArchive builds the configured blob store. A nil store disables archiving.
func OpenArchive(ctx context.Context, cfg ArchiveConfig) (crawler.BlobStore, io.Closer, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nopCloser{}, nil
	case BackendMemory:
		return memory.NewBlobStore(), nopCloser{}, nil
	case BackendLocal:
		s, err := local.New(cfg.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("local archive: %w", err)
		}
		return s, nopCloser{}, nil
	case BackendGCS:
		s, err := gcs.Open(ctx, cfg.GCS)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs archive: %w", err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// OpenAttempts builds the configured attempt store. A nil store disables
// attempt persistence.
func OpenAttempts(ctx context.Context, cfg AttemptsConfig) (sinks.AttemptStore, error) {
	switch cfg.Backend {
	case "", StoreNone:
		return nil, nil
	case StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite attempts: %w", err)
		}
		return s, nil
	case StorePostgres:
		s, err := postgres.NewAttemptStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres attempts: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown attempts backend %q", cfg.Backend)
	}
}
