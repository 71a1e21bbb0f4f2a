package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/fetcher"
)

const articlePage = `<html><head>
<meta property="og:title" content="Library extends hours">
<meta name="author" content="Dana Cole">
<meta property="article:published_time" content="2024-05-02T09:00:00Z">
</head><body><article><p>The library will stay open until 9 p.m. on weekdays.</p></article></body></html>`

type sample struct {
	provider string
	ok       bool
}

type fakeRouter struct {
	mu      sync.Mutex
	rewrite func(target string) string
	samples []sample
}

func (r *fakeRouter) Route(target string) (crawler.Route, error) {
	u := target
	if r.rewrite != nil {
		u = r.rewrite(target)
	}
	return crawler.Route{
		Provider:  "test",
		URL:       u,
		Header:    http.Header{"X-Route": {"yes"}},
		Transport: http.DefaultTransport,
	}, nil
}

func (r *fakeRouter) Record(provider string, ok bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{provider: provider, ok: ok})
}

func (r *fakeRouter) recorded() []sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sample(nil), r.samples...)
}

func newFetcher(router crawler.ProxyRouter) *Fetcher {
	return New(Config{UserAgent: "test-agent", Timeout: 5 * time.Second}, fetcher.Deps{
		Router:       router,
		Required:     crawler.Fields{Title: true, Body: true},
		MinBodyChars: 20,
	})
}

func TestExtractSuccess(t *testing.T) {
	t.Parallel()

	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		_, _ = w.Write([]byte(articlePage))
	}))
	t.Cleanup(srv.Close)

	router := &fakeRouter{}
	f := newFetcher(router)
	require.Equal(t, crawler.MethodStructured, f.Method())

	out := f.Extract(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/news/1",
		Host:    "127.0.0.1",
		Headers: http.Header{"Referer": {"https://www.google.com/"}},
	})
	require.Equal(t, crawler.OutcomeSuccess, out.Kind, out.Reason)
	require.Equal(t, "Library extends hours", out.Article.Title)
	require.Equal(t, "Dana Cole", out.Article.Author)
	require.Equal(t, http.StatusOK, out.StatusCode)
	require.Equal(t, "test", out.Provider)
	require.NotEmpty(t, out.Raw)

	got := <-seen
	require.Equal(t, "test-agent", got.Get("User-Agent"))
	require.Equal(t, "yes", got.Get("X-Route"))
	require.Equal(t, "https://www.google.com/", got.Get("Referer"))
	require.Equal(t, []sample{{provider: "test", ok: true}}, router.recorded())
}

func TestExtractClassifiesFailures(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html><head><title>Just a moment...</title></head><body></body></html>`))
	})
	mux.HandleFunc("/slow-down", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/thin", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Thin</title></head><body><p>short</p></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cases := map[string]crawler.OutcomeKind{
		"/gone":      crawler.OutcomeNotFound,
		"/challenge": crawler.OutcomeBotProtection,
		"/slow-down": crawler.OutcomeRateLimited,
		"/thin":      crawler.OutcomeTransient,
	}
	for path, want := range cases {
		router := &fakeRouter{}
		out := newFetcher(router).Extract(context.Background(), crawler.FetchRequest{URL: srv.URL + path, Host: "127.0.0.1"})
		require.Equal(t, want, out.Kind, path)
		require.Len(t, router.recorded(), 1, path)
	}
}

func TestExtractThinPageKeepsPartialArticle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Thin</title></head><body></body></html>`))
	}))
	t.Cleanup(srv.Close)

	out := newFetcher(nil).Extract(context.Background(), crawler.FetchRequest{URL: srv.URL, Host: "127.0.0.1"})
	require.Equal(t, crawler.OutcomeTransient, out.Kind)
	require.Equal(t, "missing required fields", out.Reason)
	require.Equal(t, "Thin", out.Article.Title)
}

func TestExtractThroughRewritingRoute(t *testing.T) {
	t.Parallel()

	targets := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targets <- r.URL.Query().Get("url")
		_, _ = w.Write([]byte(articlePage))
	}))
	t.Cleanup(srv.Close)

	router := &fakeRouter{rewrite: func(target string) string {
		return srv.URL + "/fetch?url=" + url.QueryEscape(target)
	}}
	out := newFetcher(router).Extract(context.Background(), crawler.FetchRequest{
		URL:  "https://news.example.com/story",
		Host: "news.example.com",
	})
	require.Equal(t, crawler.OutcomeSuccess, out.Kind, out.Reason)
	require.Equal(t, "https://news.example.com/story", <-targets)
	require.Equal(t, "https://news.example.com/story", out.FinalURL)
}

func TestExtractCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	router := &fakeRouter{}
	out := newFetcher(router).Extract(ctx, crawler.FetchRequest{URL: srv.URL, Host: "127.0.0.1"})
	require.Equal(t, crawler.OutcomeTransient, out.Kind)
	require.ErrorIs(t, out.Err, context.Canceled)
	require.Equal(t, []sample{{provider: "test", ok: false}}, router.recorded())
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, fetcher.Deps{})
	var (
		resp     fetcher.Response
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, http.Header{"X-Trace": {"yes"}, "User-Agent": {"ua"}}, &resp, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{"User-Agent": {"colly"}}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, []string{"ua"}, (*collyReq.Headers)["User-Agent"])

	u, err := url.Parse("https://example.com/a")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, "body", string(resp.Body))
	require.Equal(t, "ok", resp.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
	require.Equal(t, http.StatusBadGateway, resp.Status)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
