package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/clock/system"
	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/metrics"
)

const (
	dialTimeout = 10 * time.Second
	keepAlive   = 30 * time.Second
	// DefaultProviderName is registered when no profiles are configured.
	DefaultProviderName = "direct"
	ewmaAlpha           = 0.2
)

// Health is a point-in-time view of one provider's rolling metrics.
type Health struct {
	Provider    string        `json:"provider"`
	Kind        Kind          `json:"kind"`
	Active      bool          `json:"active"`
	Attempts    int64         `json:"attempts"`
	Successes   int64         `json:"successes"`
	MeanLatency time.Duration `json:"mean_latency"`
	EWMALatency time.Duration `json:"ewma_latency"`
	LastUsed    time.Time     `json:"last_used,omitempty"`
}

// SuccessRate returns Successes/Attempts, or 0 before any attempt.
func (h Health) SuccessRate() float64 {
	if h.Attempts == 0 {
		return 0
	}
	return float64(h.Successes) / float64(h.Attempts)
}

type healthCounters struct {
	attempts  int64
	successes int64
	total     time.Duration
	ewma      float64
	lastUsed  time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the clock used for LastUsed stamps.
func WithClock(c crawler.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithBaseTransport overrides the transport every provider derives from.
func WithBaseTransport(t *http.Transport) Option {
	return func(m *Manager) {
		if t != nil {
			m.base = t
		}
	}
}

// Manager holds the provider catalog and the single active selector. Every
// method is safe for concurrent use.
type Manager struct {
	logger *zap.Logger
	clock  crawler.Clock
	base   *http.Transport

	mu         sync.RWMutex
	providers  map[string]Provider
	order      []string
	active     string
	transports map[string]http.RoundTripper
	health     map[string]*healthCounters
}

// NewManager builds a Manager from profiles and selects active. An empty
// catalog yields a single direct provider.
func NewManager(profiles []Profile, active string, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger: zap.NewNop(),
		clock:  system.New(),
		base:   NewBaseTransport(),
		health: make(map[string]*healthCounters),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Reload(profiles, active); err != nil {
		return nil, err
	}
	return m, nil
}

// NewBaseTransport returns the pooled transport providers clone from.
func NewBaseTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Reload replaces the catalog and active selector atomically. Health counters
// survive for providers that keep their name.
func (m *Manager) Reload(profiles []Profile, active string) error {
	providers := make(map[string]Provider, len(profiles)+1)
	order := make([]string, 0, len(profiles)+1)
	for _, p := range profiles {
		prov, err := NewProvider(p)
		if err != nil {
			return fmt.Errorf("build proxy provider: %w", err)
		}
		if _, dup := providers[prov.Name()]; dup {
			return fmt.Errorf("duplicate proxy provider %q", prov.Name())
		}
		providers[prov.Name()] = prov
		order = append(order, prov.Name())
	}
	if len(providers) == 0 {
		providers[DefaultProviderName] = NewDirect(DefaultProviderName)
		order = append(order, DefaultProviderName)
	}
	if active == "" {
		active = order[0]
	}
	if _, ok := providers[active]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, active)
	}

	m.mu.Lock()
	old := m.transports
	m.providers = providers
	m.order = order
	m.active = active
	m.transports = make(map[string]http.RoundTripper, len(providers))
	for _, name := range order {
		if _, ok := m.health[name]; !ok {
			m.health[name] = &healthCounters{}
		}
	}
	for name := range m.health {
		if _, ok := providers[name]; !ok {
			delete(m.health, name)
		}
	}
	m.mu.Unlock()

	closeIdle(old)
	m.logger.Info("proxy catalog loaded", zap.Int("providers", len(order)), zap.String("active", active))
	return nil
}

// ActiveName returns the active provider's name.
func (m *Manager) ActiveName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Active returns the active provider.
func (m *Manager) Active() Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[m.active]
}

// SetActive switches the active provider.
func (m *Manager) SetActive(name string) error {
	m.mu.Lock()
	if _, ok := m.providers[name]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	prev := m.active
	m.active = name
	m.mu.Unlock()
	if prev != name {
		m.logger.Info("active proxy switched", zap.String("from", prev), zap.String("to", name))
	}
	return nil
}

// Route resolves target through the active provider.
func (m *Manager) Route(target string) (crawler.Route, error) {
	m.mu.Lock()
	prov := m.providers[m.active]
	rt, ok := m.transports[prov.Name()]
	if !ok {
		var err error
		rt, err = prov.Transport(m.base)
		if err != nil {
			m.mu.Unlock()
			return crawler.Route{}, fmt.Errorf("proxy transport %s: %w", prov.Name(), err)
		}
		m.transports[prov.Name()] = rt
	}
	m.mu.Unlock()

	u, header, err := prov.Target(target)
	if err != nil {
		return crawler.Route{}, fmt.Errorf("proxy target %s: %w", prov.Name(), err)
	}
	route := crawler.Route{
		Provider:     prov.Name(),
		URL:          u,
		Header:       header,
		Transport:    rt,
		BrowserProxy: prov.BrowserProxy(),
	}
	if c, ok := prov.(interface{ BrowserCredentials() *url.Userinfo }); ok {
		route.BrowserAuth = c.BrowserCredentials()
	}
	return route, nil
}

// Record adds one request sample for provider. Unknown names are ignored.
func (m *Manager) Record(provider string, ok bool, latency time.Duration) {
	m.mu.Lock()
	h, found := m.health[provider]
	if !found {
		m.mu.Unlock()
		return
	}
	h.attempts++
	if ok {
		h.successes++
	}
	h.total += latency
	if h.attempts == 1 {
		h.ewma = float64(latency)
	} else {
		h.ewma = ewmaAlpha*float64(latency) + (1-ewmaAlpha)*h.ewma
	}
	h.lastUsed = m.clock.Now()
	snap := m.healthLocked(provider)
	m.mu.Unlock()

	metrics.ObserveProxyRequest(provider, ok, latency, snap.SuccessRate(), snap.EWMALatency)
}

// Health returns the metrics for one provider.
func (m *Manager) Health(provider string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.health[provider]; !ok {
		return Health{}, false
	}
	return m.healthLocked(provider), true
}

// Snapshot returns health for every provider in catalog order.
func (m *Manager) Snapshot() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Health, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.healthLocked(name))
	}
	return out
}

// Names returns provider names sorted alphabetically.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) healthLocked(name string) Health {
	h := m.health[name]
	out := Health{
		Provider:    name,
		Kind:        m.providers[name].Kind(),
		Active:      name == m.active,
		Attempts:    h.attempts,
		Successes:   h.successes,
		EWMALatency: time.Duration(h.ewma),
		LastUsed:    h.lastUsed,
	}
	if h.attempts > 0 {
		out.MeanLatency = h.total / time.Duration(h.attempts)
	}
	return out
}

func closeIdle(transports map[string]http.RoundTripper) {
	for _, rt := range transports {
		if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
	}
}
