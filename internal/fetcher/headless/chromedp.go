package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/LocalNewsImpact/newscrawler/internal/fetcher"
)

type chromedpBrowser struct {
	cfg           Config
	auth          *url.Userinfo
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func launchChromedp(cfg Config, proxyServer string, auth *url.Userinfo) (browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if proxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(proxyServer))
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// An empty Run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromedpBrowser{
		cfg:           cfg,
		auth:          auth,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (b *chromedpBrowser) close() error {
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	if err != nil {
		return fmt.Errorf("chromedp cancel: %w", err)
	}
	return nil
}

// render opens a tab, navigates, and returns the rendered DOM. The tab closes
// when render returns or ctx ends.
func (b *chromedpBrowser) render(ctx context.Context, target string, headers http.Header) (fetcher.Response, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			captureResponse(meta, resp)
		}
	})
	if b.auth != nil {
		chromedp.ListenTarget(tabCtx, proxyAuthListener(tabCtx, b.auth))
	}

	var html, finalURL string
	ua, extra := splitUserAgent(headers, b.cfg.UserAgent)
	actions := []chromedp.Action{
		b.networkSetupAction(ua, extra),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return sleepCtx(ctx, b.cfg.SettleDelay)
		}),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fetcher.Response{}, fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fetcher.Response{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, respHeaders, responseURL := meta.snapshotWithFallbacks(target, finalURL)
	return fetcher.Response{
		URL:     responseURL,
		Status:  status,
		Headers: respHeaders,
		Body:    []byte(html),
	}, nil
}

func (b *chromedpBrowser) networkSetupAction(userAgent string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.auth != nil {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// proxyAuthListener answers proxy auth challenges with auth and lets every
// other paused request continue.
func proxyAuthListener(tabCtx context.Context, auth *url.Userinfo) func(ev any) {
	password, _ := auth.Password()
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = fetch.ContinueRequest(e.RequestID).Do(executor(tabCtx))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				_ = fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: auth.Username(),
					Password: password,
				}).Do(executor(tabCtx))
			}()
		}
	}
}

func executor(ctx context.Context) context.Context {
	c := chromedp.FromContext(ctx)
	return cdp.WithExecutor(ctx, c.Target)
}

func captureResponse(meta *responseMeta, event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	meta.set(int(event.Response.Status), headers, event.Response.URL)
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
