package telemetry

import (
	"context"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// Sink consumes batches of attempts. Implementations must honor ctx
// deadlines; Consume may be retried with the same batch.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.ExtractionAttempt) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch []crawler.ExtractionAttempt) error

// Consume implements Sink.
func (f SinkFunc) Consume(ctx context.Context, batch []crawler.ExtractionAttempt) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error {
	return nil
}
