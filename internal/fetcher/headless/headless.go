// Package headless implements the browser method. One browser process is
// started lazily on first use and reused for every URL until Close.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/extract"
	"github.com/LocalNewsImpact/newscrawler/internal/fetcher"
)

// Supported browser engines.
const (
	EngineChromedp = "chromedp"
	EngineRod      = "rod"
)

const defaultNavigationTimeout = 45 * time.Second

// ErrBrowserClosed is returned after Close.
var ErrBrowserClosed = errors.New("headless browser closed")

// Config controls the behavior of the headless fetcher.
type Config struct {
	Engine            string
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ChromePath        string
	MaxParallel       int
}

// browser is one running browser process.
type browser interface {
	render(ctx context.Context, target string, headers http.Header) (fetcher.Response, error)
	close() error
}

type launchFunc func(cfg Config, proxyServer string, auth *url.Userinfo) (browser, error)

// Fetcher implements crawler.Extractor with a persistent headless browser.
type Fetcher struct {
	cfg     Config
	deps    fetcher.Deps
	logger  *zap.Logger
	launch  launchFunc
	limiter chan struct{}

	mu       sync.Mutex
	active   browser
	proxyKey string
	closed   bool
}

// New validates cfg and returns a Fetcher. No browser starts until the first
// Extract call.
func New(cfg Config, deps fetcher.Deps) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	var launch launchFunc
	switch strings.ToLower(cfg.Engine) {
	case "", EngineChromedp:
		cfg.Engine = EngineChromedp
		launch = launchChromedp
	case EngineRod:
		cfg.Engine = EngineRod
		launch = launchRod
	default:
		return nil, fmt.Errorf("unknown headless engine %q", cfg.Engine)
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	deps = deps.WithDefaults()
	// The repeated-403 counter belongs to the HTTP methods; a bare 403 seen
	// while rendering must not push a host toward rate limiting.
	deps.Forbidden = nil
	return &Fetcher{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.Named("headless"),
		launch:  launch,
		limiter: limiter,
	}, nil
}

// Method implements crawler.Extractor.
func (f *Fetcher) Method() crawler.Method { return crawler.MethodHeadless }

// Extract renders req.URL and extracts the article from the final DOM. A
// challenge page that survives rendering is reported like any other.
func (f *Fetcher) Extract(ctx context.Context, req crawler.FetchRequest) crawler.Outcome {
	route, err := f.deps.Route(req.URL)
	if err != nil {
		return crawler.Transient(0, "proxy route", err)
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.Transient(0, "headless slot", err)
	}
	defer f.release()

	b, err := f.browserFor(route)
	if err != nil {
		return crawler.Transient(0, "browser unavailable", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
	defer cancel()

	start := time.Now()
	resp, err := b.render(navCtx, route.URL, fetcher.Headers(req, route, f.cfg.UserAgent))
	f.deps.Record(route, resp.Status, err, time.Since(start))
	if err != nil {
		return fetcher.Failed(route, resp.Status, err)
	}
	if route.URL != req.URL {
		resp.URL = req.URL
	}
	return f.deps.Judge(req, route, resp, extract.FromHTML)
}

// Started reports whether a browser process is running.
func (f *Fetcher) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active != nil
}

// Close shuts the browser down. It is safe to call more than once.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.active == nil {
		return nil
	}
	err := f.active.close()
	f.active = nil
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	f.logger.Info("browser closed")
	return nil
}

// browserFor returns the running browser, starting one if needed. A browser
// launched for a different proxy is replaced.
func (f *Fetcher) browserFor(route crawler.Route) (browser, error) {
	key := route.BrowserProxy
	if route.BrowserAuth != nil {
		key += "|" + route.BrowserAuth.Username()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrBrowserClosed
	}
	if f.active != nil && f.proxyKey == key {
		return f.active, nil
	}
	if f.active != nil {
		f.logger.Info("proxy changed, restarting browser",
			zap.String("provider", route.Provider), zap.String("proxy_server", route.BrowserProxy))
		if err := f.active.close(); err != nil {
			f.logger.Warn("close previous browser", zap.Error(err))
		}
		f.active = nil
	}
	b, err := f.launch(f.cfg, route.BrowserProxy, route.BrowserAuth)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", f.cfg.Engine, err)
	}
	f.active = b
	f.proxyKey = key
	f.logger.Info("browser started", zap.String("engine", f.cfg.Engine), zap.String("provider", route.Provider))
	return b, nil
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// responseMeta keeps the main document's response as reported by the
// browser's network events.
type responseMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

// set records the first document response; later ones come from frames.
func (m *responseMeta) set(status int, headers http.Header, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = status
	m.headers = headers
	m.url = url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.Lock()
	status, headers, u := m.status, m.headers.Clone(), m.url
	m.mu.Unlock()

	switch {
	case finalURL != "":
		u = finalURL
	case u != "":
	default:
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, u
}

// splitUserAgent removes User-Agent from headers and returns it, falling back
// to def.
func splitUserAgent(headers http.Header, def string) (string, http.Header) {
	rest := headers.Clone()
	if rest == nil {
		rest = http.Header{}
	}
	ua := rest.Get("User-Agent")
	rest.Del("User-Agent")
	if ua == "" {
		ua = def
	}
	return ua, rest
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
