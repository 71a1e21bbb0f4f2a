package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProviderVariants(t *testing.T) {
	t.Parallel()

	direct, err := NewProvider(Profile{Name: "none"})
	require.NoError(t, err)
	require.Equal(t, KindDirect, direct.Kind())

	_, err = NewProvider(Profile{Name: "x", Kind: "carrier-pigeon"})
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = NewProvider(Profile{Kind: KindDirect})
	require.Error(t, err)

	_, err = NewProvider(Profile{Name: "gw", Kind: KindRewrite, Gateway: "https://gw.example/"})
	require.Error(t, err)

	_, err = NewProvider(Profile{Name: "s", Kind: KindSocket, Scheme: "ftp", Address: "p:1"})
	require.Error(t, err)

	_, err = NewProvider(Profile{Name: "s", Kind: KindSocket, Address: "no-port"})
	require.Error(t, err)
}

func TestRewritingProviderTarget(t *testing.T) {
	t.Setenv("GW_KEY", "s3cret")

	p, err := NewProvider(Profile{
		Name:     "gw",
		Kind:     KindRewrite,
		Gateway:  "https://gw.example/render?key={api_key}&url={url}",
		APIKey:   "${GW_KEY}",
		Username: "user",
		Password: "pass",
		Headers:  map[string]string{"X-Render": "1"},
	})
	require.NoError(t, err)

	u, header, err := p.Target("https://news.example.com/a?b=1")
	require.NoError(t, err)
	require.Equal(t, "https://gw.example/render?key=s3cret&url=https%3A%2F%2Fnews.example.com%2Fa%3Fb%3D1", u)
	require.Equal(t, "1", header.Get("X-Render"))
	require.True(t, strings.HasPrefix(header.Get("Proxy-Authorization"), "Basic "))
	require.Empty(t, p.BrowserProxy())

	_, _, err = p.Target("not a url")
	require.Error(t, err)
}

func TestSocketProviderHTTPTransportUsesProxy(t *testing.T) {
	t.Parallel()

	var seen string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.String()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer proxySrv.Close()

	addr := strings.TrimPrefix(proxySrv.URL, "http://")
	p, err := NewProvider(Profile{Name: "dc", Kind: KindSocket, Scheme: "http", Address: addr})
	require.NoError(t, err)
	require.Equal(t, "http://"+addr, p.BrowserProxy())

	rt, err := p.Transport(NewBaseTransport())
	require.NoError(t, err)
	client := &http.Client{Transport: rt}
	resp, err := client.Get("http://origin.invalid/story")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://origin.invalid/story", seen)

	target, header, err := p.Target("https://a.com")
	require.NoError(t, err)
	require.Equal(t, "https://a.com", target)
	require.Nil(t, header)
}

func TestSocketProviderSOCKS5Transport(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(Profile{
		Name: "res", Kind: KindSocket, Scheme: "socks5", Address: "127.0.0.1:1080",
		Username: "u", Password: "p",
	})
	require.NoError(t, err)
	sp, ok := p.(*SocketProvider)
	require.True(t, ok)
	require.True(t, sp.HasCredentials())

	rt, err := p.Transport(NewBaseTransport())
	require.NoError(t, err)
	tr, ok := rt.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.DialContext)
	require.Nil(t, tr.Proxy)
	require.Equal(t, "socks5://127.0.0.1:1080", p.BrowserProxy())
}
