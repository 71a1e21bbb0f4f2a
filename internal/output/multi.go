package output

import (
	"context"
	"errors"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// Multi fans each result out to every sink.
type Multi []crawler.ResultSink

var _ crawler.ResultSink = Multi(nil)

// Write writes to all sinks and joins their errors.
func (m Multi) Write(ctx context.Context, result crawler.ExtractionResult) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all sinks and joins their errors.
func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
