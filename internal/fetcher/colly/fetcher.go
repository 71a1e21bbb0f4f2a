// Package collyfetcher implements the structured-metadata method using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/extract"
	"github.com/LocalNewsImpact/newscrawler/internal/fetcher"
	"github.com/LocalNewsImpact/newscrawler/internal/proxy"
)

const (
	defaultTimeout = 15 * time.Second
	defaultMaxBody = 5 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements crawler.Extractor using the Colly collector.
type Fetcher struct {
	cfg      Config
	deps     fetcher.Deps
	fallback http.RoundTripper
	logger   *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, deps fetcher.Deps) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	deps = deps.WithDefaults()
	return &Fetcher{
		cfg:      cfg,
		deps:     deps,
		fallback: proxy.NewBaseTransport(),
		logger:   deps.Logger.Named("structured"),
	}
}

// Method implements crawler.Extractor.
func (f *Fetcher) Method() crawler.Method { return crawler.MethodStructured }

// Extract fetches req.URL through the active route and reads structured
// metadata from the page.
func (f *Fetcher) Extract(ctx context.Context, req crawler.FetchRequest) crawler.Outcome {
	route, err := f.deps.Route(req.URL)
	if err != nil {
		return crawler.Transient(0, "proxy route", err)
	}

	var (
		resp     fetcher.Response
		fetchErr error
	)
	start := time.Now()
	collector, robots := f.buildCollector(req, route, &resp, &fetchErr)
	completed, err := f.runCollector(ctx, collector, route.URL, &fetchErr)
	if !completed {
		f.deps.Record(route, 0, err, time.Since(start))
		return fetcher.Failed(route, 0, err)
	}
	f.deps.Record(route, resp.Status, err, time.Since(start))
	if robots.assumedAllow() {
		f.logger.Warn("robots.txt kept timing out, treated as allow-all", zap.String("host", req.Host))
	}
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return crawler.Transient(0, "disallowed by robots.txt", err)
	}
	if err != nil {
		return fetcher.Failed(route, resp.Status, err)
	}
	if route.URL != req.URL {
		resp.URL = req.URL
	}
	return f.deps.Judge(req, route, resp, extract.FromHTML)
}

// Collectors share their HTTP backend when cloned, so each request builds its
// own to keep per-route transports apart.
func (f *Fetcher) buildCollector(
	req crawler.FetchRequest,
	route crawler.Route,
	resp *fetcher.Response,
	fetchErr *error,
) (*colly.Collector, *robotsTransport) {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
	)
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	base := route.Transport
	if base == nil {
		base = f.fallback
	}
	var robots *robotsTransport
	if f.cfg.RespectRobots {
		robots = newRobotsTransport(base, defaultRobotsDelays)
		collector.WithTransport(robots)
	} else {
		collector.WithTransport(base)
	}

	f.configureCollectorHooks(collector, fetcher.Headers(req, route, f.cfg.UserAgent), resp, fetchErr)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	resp *fetcher.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*resp = fetcher.Response{
			URL:     r.Request.URL.String(),
			Status:  r.StatusCode,
			Headers: cloneHeaders(r.Headers),
			Body:    append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp.Status = r.StatusCode
		}
		*fetchErr = err
	})
}

// runCollector reports completed=false when ctx ended first; the visit may
// still be writing its callbacks then.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return true, fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return true, nil
	}
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
