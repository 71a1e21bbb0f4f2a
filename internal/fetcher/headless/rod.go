package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/LocalNewsImpact/newscrawler/internal/fetcher"
)

// rodBrowser drives Chrome through rod with the stealth evasions applied to
// every page.
type rodBrowser struct {
	cfg     Config
	auth    *url.Userinfo
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func launchRod(cfg Config, proxyServer string, auth *url.Userinfo) (browser, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	if proxyServer != "" {
		l = l.Proxy(proxyServer)
	}
	if cfg.ChromePath != "" {
		l = l.Bin(cfg.ChromePath)
	}
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("rod launch: %w", err)
	}
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("rod connect: %w", err)
	}
	return &rodBrowser{cfg: cfg, auth: auth, browser: b, lnch: l}, nil
}

func (r *rodBrowser) close() error {
	err := r.browser.Close()
	r.lnch.Cleanup()
	if err != nil {
		return fmt.Errorf("rod close: %w", err)
	}
	return nil
}

func (r *rodBrowser) render(ctx context.Context, target string, headers http.Header) (fetcher.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.auth != nil {
		password, _ := r.auth.Password()
		wait := r.browser.Context(ctx).HandleAuth(r.auth.Username(), password)
		go func() { _ = wait() }()
	}

	page, err := stealth.Page(r.browser)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("rod page: %w", err)
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fetcher.Response{}, fmt.Errorf("enable network domain: %w", err)
	}
	meta := newResponseMeta()
	waitEvents := page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return
		}
		h := http.Header{}
		for k, v := range e.Response.Headers {
			h.Add(k, v.Str())
		}
		meta.set(e.Response.Status, h, e.Response.URL)
	})
	go waitEvents()

	ua, extra := splitUserAgent(headers, r.cfg.UserAgent)
	if ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			return fetcher.Response{}, fmt.Errorf("set user-agent: %w", err)
		}
	}
	if pairs := headerPairs(extra); len(pairs) > 0 {
		restore, err := page.SetExtraHeaders(pairs)
		if err != nil {
			return fetcher.Response{}, fmt.Errorf("set extra headers: %w", err)
		}
		defer restore()
	}

	if err := page.Navigate(target); err != nil {
		return fetcher.Response{}, fmt.Errorf("rod navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fetcher.Response{}, fmt.Errorf("rod wait load: %w", err)
	}
	if err := sleepCtx(ctx, r.cfg.SettleDelay); err != nil {
		return fetcher.Response{}, fmt.Errorf("rod settle: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("rod html: %w", err)
	}
	var finalURL string
	if info, err := page.Info(); err == nil {
		finalURL = info.URL
	}

	status, respHeaders, responseURL := meta.snapshotWithFallbacks(target, finalURL)
	return fetcher.Response{
		URL:     responseURL,
		Status:  status,
		Headers: respHeaders,
		Body:    []byte(html),
	}, nil
}

// headerPairs flattens headers into rod's key, value, key, value form.
func headerPairs(h http.Header) []string {
	pairs := make([]string, 0, len(h)*2)
	for k, vs := range h {
		for _, v := range vs {
			pairs = append(pairs, k, v)
		}
	}
	return pairs
}
