package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// JSONL writes one JSON object per line.
type JSONL struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONL writes to w. Close flushes but does not close w.
func NewJSONL(w io.Writer) *JSONL {
	buf := bufio.NewWriter(w)
	return &JSONL{buf: buf, enc: json.NewEncoder(buf)}
}

// OpenJSONL appends to the file at path, or writes to stdout for "-" or "".
func OpenJSONL(path string) (*JSONL, error) {
	if path == "" || path == "-" {
		return NewJSONL(os.Stdout), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	// #nosec G304 -- output path is operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	s := NewJSONL(f)
	s.closer = f
	return s, nil
}

// Write encodes the result and flushes so each line is durable on return.
func (s *JSONL) Write(_ context.Context, result crawler.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flush result: %w", err)
	}
	return nil
}

// Close flushes and closes the file when OpenJSONL opened one.
func (s *JSONL) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if s.closer != nil {
		err := s.closer.Close()
		s.closer = nil
		if err != nil {
			return fmt.Errorf("close output: %w", err)
		}
	}
	return nil
}
