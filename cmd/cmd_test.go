package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

func TestReadCandidatesMixedFormats(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"# seed list",
		"",
		"https://www.example.com/news/1",
		`{"url": "https://other.example.org/a", "dataset": "override"}`,
		`{"url": "https://other.example.org/b"}`,
		"not a url",
		`{"url": `,
		"https://WWW.EXAMPLE.COM/news/1#comments",
	}, "\n")

	got, err := readCandidates(strings.NewReader(input), "base", zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, []crawler.CandidateURL{
		{URL: "https://www.example.com/news/1", Host: "example.com", Dataset: "base"},
		{URL: "https://other.example.org/a", Host: "other.example.org", Dataset: "override"},
		{URL: "https://other.example.org/b", Host: "other.example.org", Dataset: "base"},
	}, got)
}

func TestOpenInputStdinAndFile(t *testing.T) {
	t.Parallel()

	rc, err := openInput("-", strings.NewReader("https://a.example.com/x\n"))
	require.NoError(t, err)
	got, err := readCandidates(rc, "ds", zap.NewNop())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, rc.Close())

	_, err = openInput(filepath.Join(t.TempDir(), "missing.txt"), nil)
	require.Error(t, err)
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "newscrawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestProxiesCommandHidesCredentials(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), `
proxy:
  active: office
  profiles:
    - name: direct
      kind: direct
    - name: office
      kind: socket
      scheme: http
      address: 127.0.0.1:3128
      username: crawler
      password: hunter2
`)
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"proxies", "--config", cfgPath})
	require.NoError(t, root.Execute())

	var rows []struct {
		Name   string `json:"name"`
		Active bool   `json:"active"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 2)
	active := map[string]bool{}
	for _, r := range rows {
		active[r.Name] = r.Active
	}
	require.True(t, active["office"])
	require.False(t, active["direct"])
	require.NotContains(t, out.String(), "hunter2")
}

func TestExtractCommandWritesJSONL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/story" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><title>Bridge reopens after repairs</title>
<meta property="og:title" content="Bridge reopens after repairs"></head>
<body><article><h1>Bridge reopens after repairs</h1>%s</article></body></html>`,
			strings.Repeat("<p>The Main Street bridge reopened to traffic on Friday after six weeks of deck repairs, "+
				"city engineers said, ahead of the planned schedule.</p>", 6))
	}))
	defer srv.Close()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "results.jsonl")
	cfgPath := writeConfig(t, dir, fmt.Sprintf(`
pacing:
  inter_request_min: 0s
  inter_request_max: 0s
  batch_size: 10
  batch_sleep: 0s
  long_pause: 0s
  batch_jitter: 0
  single_domain:
    inter_request_min: 0s
    inter_request_max: 0s
    batch_size: 10
    batch_sleep: 0s
    long_pause: 0s
    batch_jitter: 0
headless:
  enabled: false
telemetry:
  prometheus: false
output:
  jsonl_path: %s
`, outPath))

	root := newRootCmd()
	root.SetIn(strings.NewReader(srv.URL + "/story\n" + srv.URL + "/gone\n"))
	root.SetArgs([]string{"extract", "--config", cfgPath, "--dataset", "river-county", "--input", "-"})
	require.NoError(t, root.Execute())

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	results := map[string]crawler.ExtractionResult{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r crawler.ExtractionResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		results[r.URL] = r
	}
	require.NoError(t, sc.Err())
	require.Len(t, results, 2)
	require.True(t, results[srv.URL+"/story"].Success)
	require.Equal(t, "river-county", results[srv.URL+"/story"].Dataset)
	require.Equal(t, crawler.ClassPermanentNotFound, results[srv.URL+"/gone"].Classification)
}

func TestExtractCommandRequiresDataset(t *testing.T) {
	root := newRootCmd()
	root.SetIn(strings.NewReader(""))
	root.SetArgs([]string{"extract", "--input", "-"})
	err := root.Execute()
	require.ErrorContains(t, err, "dataset is required")
}
