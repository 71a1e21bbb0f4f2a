package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsDelays = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport sits in front of the route transport when robots.txt is
// honored. A robots.txt fetch that keeps timing out is answered with an
// allow-all file so a slow robots endpoint does not cost the article itself.
// Every other request passes straight through.
type robotsTransport struct {
	next   http.RoundTripper
	delays []time.Duration
	// assumed is set once a synthetic allow-all answer was served.
	assumed atomic.Bool
}

func newRobotsTransport(next http.RoundTripper, delays []time.Duration) *robotsTransport {
	return &robotsTransport{next: next, delays: delays}
}

// assumedAllow reports whether robots.txt was replaced by allow-all.
func (t *robotsTransport) assumedAllow() bool {
	return t != nil && t.assumed.Load()
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.next.RoundTrip(req)
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil:
			return resp, nil
		case !timedOut(err):
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		case attempt >= len(t.delays):
			t.assumed.Store(true)
			return allowAll(req), nil
		}
		if err := pause(req.Context(), t.delays[attempt]); err != nil {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
