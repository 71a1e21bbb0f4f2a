// Package fetcher holds the pieces shared by the extraction methods: proxy
// routing, health sampling, and turning a raw response into an Outcome.
package fetcher

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/detector"
	"github.com/LocalNewsImpact/newscrawler/internal/extract"
)

// Deps are the collaborators every method needs.
type Deps struct {
	Router       crawler.ProxyRouter
	Detector     *detector.Detector
	Forbidden    detector.ForbiddenCounter
	Required     crawler.Fields
	MinBodyChars int
	Logger       *zap.Logger
}

// Response is what one navigation returned, independent of the engine.
type Response struct {
	URL     string
	Status  int
	Headers http.Header
	Body    []byte
}

// ParseFunc turns a page body into article fields.
type ParseFunc func(body []byte) (crawler.Article, error)

// WithDefaults fills nil collaborators.
func (d Deps) WithDefaults() Deps {
	if d.Detector == nil {
		d.Detector = detector.New(detector.Config{})
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Route resolves target through the router, or directly when none is set.
func (d Deps) Route(target string) (crawler.Route, error) {
	if d.Router == nil {
		return crawler.Route{URL: target}, nil
	}
	return d.Router.Route(target)
}

// Record reports one request to the router. A request counts as healthy when
// it completed with a status below 400.
func (d Deps) Record(route crawler.Route, status int, err error, latency time.Duration) {
	if d.Router == nil || route.Provider == "" {
		return
	}
	d.Router.Record(route.Provider, err == nil && status > 0 && status < http.StatusBadRequest, latency)
}

// Judge classifies resp and, when nothing failed, parses it and checks the
// required fields.
func (d Deps) Judge(req crawler.FetchRequest, route crawler.Route, resp Response, parse ParseFunc) crawler.Outcome {
	out := d.judge(req, resp, parse)
	out.FinalURL = resp.URL
	out.Provider = route.Provider
	return out
}

func (d Deps) judge(req crawler.FetchRequest, resp Response, parse ParseFunc) crawler.Outcome {
	verdict := d.Detector.Classify(req.Host, resp.Status, resp.Headers, resp.Body, d.Forbidden)
	if !verdict.Pass {
		return verdict.Outcome(resp.Status)
	}
	article, err := parse(resp.Body)
	if err != nil {
		return crawler.Transient(resp.Status, "parse failed", err)
	}
	if !extract.Sufficient(article, d.Required, d.MinBodyChars) {
		out := crawler.Transient(resp.Status, "missing required fields", nil)
		out.Article = article
		return out
	}
	return crawler.Success(article, resp.Status, resp.Body)
}

// Failed builds the outcome for a request that never produced a response.
func Failed(route crawler.Route, status int, err error) crawler.Outcome {
	out := crawler.Transient(status, "fetch failed", err)
	out.Provider = route.Provider
	return out
}

// Headers merges the request headers with the route's, falling back to
// userAgent when the request carries none.
func Headers(req crawler.FetchRequest, route crawler.Route, userAgent string) http.Header {
	h := make(http.Header, len(req.Headers)+len(route.Header)+1)
	for k, vs := range req.Headers {
		h[k] = append([]string(nil), vs...)
	}
	for k, vs := range route.Header {
		h[k] = append([]string(nil), vs...)
	}
	if h.Get("User-Agent") == "" && userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	return h
}
