// Package proxy implements the switchable outbound proxy layer: provider
// profiles, the active-provider selector, and per-provider health.
package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	xproxy "golang.org/x/net/proxy"
)

// Kind is the connection shape of a provider.
type Kind string

// Supported provider kinds.
const (
	KindDirect  Kind = "direct"
	KindRewrite Kind = "rewrite"
	KindSocket  Kind = "socket"
)

// Errors returned while building providers.
var (
	ErrUnknownKind     = errors.New("unknown proxy kind")
	ErrUnknownProvider = errors.New("unknown proxy provider")
)

// Profile is the configured description of one provider. Credential fields
// support ${ENV} expansion so secrets stay out of config files.
type Profile struct {
	Name     string            `mapstructure:"name" yaml:"name"`
	Kind     Kind              `mapstructure:"kind" yaml:"kind"`
	Gateway  string            `mapstructure:"gateway" yaml:"gateway"`
	Scheme   string            `mapstructure:"scheme" yaml:"scheme"`
	Address  string            `mapstructure:"address" yaml:"address"`
	Username string            `mapstructure:"username" yaml:"username"`
	Password string            `mapstructure:"password" yaml:"password"`
	APIKey   string            `mapstructure:"api_key" yaml:"api_key"`
	Headers  map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Provider is the behaviour shared by every connection shape.
type Provider interface {
	Name() string
	Kind() Kind
	// Transport derives the round tripper used for requests through this provider.
	Transport(base *http.Transport) (http.RoundTripper, error)
	// Target returns the URL to request and any headers to add for target.
	Target(target string) (string, http.Header, error)
	// BrowserProxy returns the --proxy-server value for browsers, if any.
	BrowserProxy() string
}

// NewProvider builds the Provider variant described by p.
func NewProvider(p Profile) (Provider, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New("proxy profile name is required")
	}
	p.Username = os.ExpandEnv(p.Username)
	p.Password = os.ExpandEnv(p.Password)
	p.APIKey = os.ExpandEnv(p.APIKey)
	switch p.Kind {
	case KindDirect, "":
		return DirectProvider{name: p.Name}, nil
	case KindRewrite:
		return newRewritingProvider(p)
	case KindSocket:
		return newSocketProvider(p)
	default:
		return nil, fmt.Errorf("%w %q for provider %s", ErrUnknownKind, p.Kind, p.Name)
	}
}

// DirectProvider sends requests without a proxy.
type DirectProvider struct {
	name string
}

// NewDirect returns a direct provider named name.
func NewDirect(name string) DirectProvider {
	return DirectProvider{name: name}
}

// Name implements Provider.
func (d DirectProvider) Name() string { return d.name }

// Kind implements Provider.
func (DirectProvider) Kind() Kind { return KindDirect }

// Transport implements Provider.
func (DirectProvider) Transport(base *http.Transport) (http.RoundTripper, error) {
	t := base.Clone()
	t.Proxy = nil
	return t, nil
}

// Target implements Provider.
func (DirectProvider) Target(target string) (string, http.Header, error) {
	return target, nil, nil
}

// BrowserProxy implements Provider.
func (DirectProvider) BrowserProxy() string { return "" }

// RewritingProvider routes requests through an HTTP gateway by rewriting the
// request URL and injecting auth headers.
type RewritingProvider struct {
	name    string
	gateway string
	apiKey  string
	header  http.Header
}

func newRewritingProvider(p Profile) (*RewritingProvider, error) {
	if !strings.Contains(p.Gateway, "{url}") {
		return nil, fmt.Errorf("provider %s: gateway must contain {url}", p.Name)
	}
	header := http.Header{}
	for k, v := range p.Headers {
		header.Set(k, os.ExpandEnv(v))
	}
	if p.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		header.Set("Proxy-Authorization", "Basic "+token)
	}
	return &RewritingProvider{name: p.Name, gateway: p.Gateway, apiKey: p.APIKey, header: header}, nil
}

// Name implements Provider.
func (r *RewritingProvider) Name() string { return r.name }

// Kind implements Provider.
func (*RewritingProvider) Kind() Kind { return KindRewrite }

// Transport implements Provider. The gateway is reached directly.
func (*RewritingProvider) Transport(base *http.Transport) (http.RoundTripper, error) {
	t := base.Clone()
	t.Proxy = nil
	return t, nil
}

// Target implements Provider.
func (r *RewritingProvider) Target(target string) (string, http.Header, error) {
	if _, err := url.ParseRequestURI(target); err != nil {
		return "", nil, fmt.Errorf("rewrite target: %w", err)
	}
	out := strings.ReplaceAll(r.gateway, "{url}", url.QueryEscape(target))
	out = strings.ReplaceAll(out, "{api_key}", url.QueryEscape(r.apiKey))
	return out, r.header.Clone(), nil
}

// BrowserProxy implements Provider. Browsers navigate to the rewritten URL.
func (*RewritingProvider) BrowserProxy() string { return "" }

// SocketProvider configures an HTTP(S) or SOCKS5 proxy on the connection.
type SocketProvider struct {
	name     string
	scheme   string
	address  string
	username string
	password string
}

func newSocketProvider(p Profile) (*SocketProvider, error) {
	scheme := strings.ToLower(p.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	switch scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("provider %s: unsupported scheme %q", p.Name, p.Scheme)
	}
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return nil, fmt.Errorf("provider %s: address: %w", p.Name, err)
	}
	return &SocketProvider{
		name:     p.Name,
		scheme:   scheme,
		address:  p.Address,
		username: p.Username,
		password: p.Password,
	}, nil
}

// Name implements Provider.
func (s *SocketProvider) Name() string { return s.name }

// Kind implements Provider.
func (*SocketProvider) Kind() Kind { return KindSocket }

// Transport implements Provider.
func (s *SocketProvider) Transport(base *http.Transport) (http.RoundTripper, error) {
	t := base.Clone()
	if s.scheme != "socks5" {
		proxyURL := &url.URL{Scheme: s.scheme, Host: s.address}
		if s.username != "" {
			proxyURL.User = url.UserPassword(s.username, s.password)
		}
		t.Proxy = http.ProxyURL(proxyURL)
		return t, nil
	}

	var auth *xproxy.Auth
	if s.username != "" {
		auth = &xproxy.Auth{User: s.username, Password: s.password}
	}
	forward := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}
	dialer, err := xproxy.SOCKS5("tcp", s.address, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", s.name, err)
	}
	t.Proxy = nil
	if cd, ok := dialer.(xproxy.ContextDialer); ok {
		t.DialContext = cd.DialContext
	} else {
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return t, nil
}

// Target implements Provider. Socket proxies leave the URL untouched.
func (*SocketProvider) Target(target string) (string, http.Header, error) {
	return target, nil, nil
}

// BrowserProxy implements Provider.
func (s *SocketProvider) BrowserProxy() string {
	return s.scheme + "://" + s.address
}

// HasCredentials reports whether the proxy requires authentication.
func (s *SocketProvider) HasCredentials() bool {
	return s.username != ""
}

// BrowserCredentials returns the proxy login browsers answer auth
// challenges with, or nil when the proxy is open.
func (s *SocketProvider) BrowserCredentials() *url.Userinfo {
	if s.username == "" {
		return nil
	}
	return url.UserPassword(s.username, s.password)
}
