package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

const maxInputLine = 1 << 20

type inputLine struct {
	URL     string `json:"url"`
	Dataset string `json:"dataset"`
}

// openInput returns stdin for "" or "-", otherwise the named file.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// readCandidates parses one URL per line, or one JSON object per line with
// url and dataset keys. Blank lines and # comments are skipped; malformed
// lines and repeats are logged and dropped.
func readCandidates(r io.Reader, dataset string, logger *zap.Logger) ([]crawler.CandidateURL, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxInputLine)
	seen := make(map[string]struct{})
	var out []crawler.CandidateURL
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, ds := line, dataset
		if strings.HasPrefix(line, "{") {
			var in inputLine
			if err := json.Unmarshal([]byte(line), &in); err != nil {
				logger.Warn("skipping malformed input line", zap.Int("line", lineNo), zap.Error(err))
				continue
			}
			raw = in.URL
			if in.Dataset != "" {
				ds = in.Dataset
			}
		}
		cand, err := crawler.NewCandidate(raw, ds)
		if err != nil {
			logger.Warn("skipping invalid url", zap.Int("line", lineNo), zap.String("url", raw), zap.Error(err))
			continue
		}
		key, err := crawler.NormalizeURL(cand.URL)
		if err != nil {
			logger.Warn("skipping invalid url", zap.Int("line", lineNo), zap.String("url", raw), zap.Error(err))
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, cand)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return out, nil
}
