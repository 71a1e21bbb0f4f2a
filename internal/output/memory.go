package output

import (
	"context"
	"sync"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// Memory keeps results in memory for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	results []crawler.ExtractionResult
	closed  bool
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Write records the result.
func (m *Memory) Write(_ context.Context, result crawler.ExtractionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

// Close marks the sink closed.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Results returns a copy of the recorded results.
func (m *Memory) Results() []crawler.ExtractionResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crawler.ExtractionResult, len(m.results))
	copy(out, m.results)
	return out
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
