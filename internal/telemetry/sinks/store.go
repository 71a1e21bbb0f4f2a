package sinks

import (
	"context"
	"fmt"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// AttemptStore persists attempt records. Postgres and SQLite stores
// implement it.
type AttemptStore interface {
	InsertAttempts(ctx context.Context, attempts []crawler.ExtractionAttempt) error
	Close() error
}

// StoreSink forwards batches to an AttemptStore.
type StoreSink struct {
	store AttemptStore
}

// NewStoreSink constructs a StoreSink for the provided store.
func NewStoreSink(store AttemptStore) *StoreSink {
	return &StoreSink{store: store}
}

// Consume writes the batch. Errors are returned so the hub can retry.
func (s *StoreSink) Consume(ctx context.Context, batch []crawler.ExtractionAttempt) error {
	if s == nil || s.store == nil || len(batch) == 0 {
		return nil
	}
	if err := s.store.InsertAttempts(ctx, batch); err != nil {
		return fmt.Errorf("insert attempts: %w", err)
	}
	return nil
}

// Close closes the underlying store.
func (s *StoreSink) Close(context.Context) error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close attempt store: %w", err)
	}
	return nil
}
