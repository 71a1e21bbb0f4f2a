// Package rawhtml implements the readability method: a plain HTTP GET whose
// body is run through go-readability and merged with page metadata.
package rawhtml

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/extract"
	"github.com/LocalNewsImpact/newscrawler/internal/fetcher"
	"github.com/LocalNewsImpact/newscrawler/internal/proxy"
)

const (
	defaultTimeout = 20 * time.Second
	defaultMaxBody = 5 << 20
)

// Config controls the raw HTTP fetch.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Fetcher implements crawler.Extractor with net/http and go-readability.
type Fetcher struct {
	cfg      Config
	deps     fetcher.Deps
	fallback http.RoundTripper
}

// New builds a Fetcher.
func New(cfg Config, deps fetcher.Deps) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	return &Fetcher{cfg: cfg, deps: deps.WithDefaults(), fallback: proxy.NewBaseTransport()}
}

// Method implements crawler.Extractor.
func (f *Fetcher) Method() crawler.Method { return crawler.MethodReadability }

// Extract downloads req.URL and extracts the readable article.
func (f *Fetcher) Extract(ctx context.Context, req crawler.FetchRequest) crawler.Outcome {
	route, err := f.deps.Route(req.URL)
	if err != nil {
		return crawler.Transient(0, "proxy route", err)
	}
	start := time.Now()
	resp, err := f.get(ctx, req, route)
	f.deps.Record(route, resp.Status, err, time.Since(start))
	if err != nil {
		return fetcher.Failed(route, resp.Status, err)
	}
	if route.URL != req.URL {
		resp.URL = req.URL
	}
	return f.deps.Judge(req, route, resp, func(body []byte) (crawler.Article, error) {
		return Parse(body, resp.URL)
	})
}

func (f *Fetcher) get(ctx context.Context, req crawler.FetchRequest, route crawler.Route) (fetcher.Response, error) {
	transport := route.Transport
	if transport == nil {
		transport = f.fallback
	}
	client := &http.Client{Transport: transport, Timeout: f.cfg.Timeout}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, route.URL, nil)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = fetcher.Headers(req, route, f.cfg.UserAgent)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("get %s: %w", req.URL, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return fetcher.Response{Status: httpResp.StatusCode}, fmt.Errorf("read body: %w", err)
	}
	return fetcher.Response{
		URL:     httpResp.Request.URL.String(),
		Status:  httpResp.StatusCode,
		Headers: httpResp.Header.Clone(),
		Body:    body,
	}, nil
}

// Parse runs readability over body. Readability supplies the body text; page
// metadata wins for the author and date and fills any gap in the title.
func Parse(body []byte, pageURL string) (crawler.Article, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Article{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return crawler.Article{}, fmt.Errorf("readability: %w", err)
	}
	meta, err := extract.FromHTML(body)
	if err != nil {
		return crawler.Article{}, err
	}

	article := crawler.Article{
		Title:       extract.CollapseSpace(doc.Title),
		Author:      meta.Author,
		Body:        extract.CleanText(doc.Content),
		PublishedAt: meta.PublishedAt,
	}
	if article.Author == "" {
		article.Author = extract.CleanAuthor(doc.Byline)
	}
	return extract.Merge(article, meta), nil
}
