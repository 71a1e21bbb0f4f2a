package headless

import (
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestCaptureResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	captureResponse(meta, &network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	captureResponse(meta, &network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	captureResponse(meta, &network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads.example.net/frame"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	require.Equal(t, "https://example.com/rendered", url)
}

func TestSnapshotFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	status, headers, url := meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Two": {"b", "c"}, "X-None": {}})
	require.Equal(t, "a", got["X-One"])
	require.Equal(t, []string{"b", "c"}, got["X-Two"])
	_, ok := got["X-None"]
	require.False(t, ok)
}

func TestSplitUserAgent(t *testing.T) {
	t.Parallel()

	src := http.Header{"User-Agent": {"rotated"}, "Referer": {"https://example.com/"}}
	ua, rest := splitUserAgent(src, "default")
	require.Equal(t, "rotated", ua)
	require.Empty(t, rest.Get("User-Agent"))
	require.Equal(t, "https://example.com/", rest.Get("Referer"))
	require.Equal(t, "rotated", src.Get("User-Agent"))

	ua, _ = splitUserAgent(nil, "default")
	require.Equal(t, "default", ua)
}

func TestHeaderPairs(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"Referer", "https://a/"}, headerPairs(http.Header{"Referer": {"https://a/"}}))
	require.Empty(t, headerPairs(nil))
}
