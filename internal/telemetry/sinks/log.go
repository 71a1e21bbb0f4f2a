package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// LogSink writes one debug line per attempt. Useful when no durable store is
// configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each attempt using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []crawler.ExtractionAttempt) error {
	for _, a := range batch {
		s.logger.Debug("extraction attempt",
			zap.String("run_id", a.RunID),
			zap.String("dataset", a.Dataset),
			zap.String("method", string(a.Method)),
			zap.String("url", a.URL),
			zap.String("host", a.Host),
			zap.String("outcome", string(a.Outcome)),
			zap.Int("status", a.StatusCode),
			zap.Bool("title", a.Fields.Title),
			zap.Bool("author", a.Fields.Author),
			zap.Bool("body", a.Fields.Body),
			zap.Bool("date", a.Fields.Date),
			zap.String("provider", a.Proxy),
			zap.Duration("dur", a.Duration()),
			zap.String("note", a.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
