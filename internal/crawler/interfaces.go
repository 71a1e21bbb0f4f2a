package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Extractor is one method of the fallback chain.
type Extractor interface {
	Method() Method
	Extract(ctx context.Context, req FetchRequest) Outcome
}

// Emitter accepts attempt records without blocking the caller.
type Emitter interface {
	Emit(attempt ExtractionAttempt)
}

// ResultSink receives final per-URL results.
type ResultSink interface {
	Write(ctx context.Context, result ExtractionResult) error
	Close(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Route is the resolved outbound path for a single request. Callers always
// request URL with Header through Transport; gateway and socket proxies differ
// only in how the Route is filled.
type Route struct {
	Provider     string
	URL          string
	Header       http.Header
	Transport    http.RoundTripper
	BrowserProxy string
	BrowserAuth  *url.Userinfo
}

// ProxyRouter resolves routes through the active proxy provider and collects
// per-provider health samples.
type ProxyRouter interface {
	Route(target string) (Route, error)
	Record(provider string, ok bool, latency time.Duration)
}
