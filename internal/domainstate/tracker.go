// Package domainstate tracks per-host backoff windows and the headless
// circuit breaker for a single extraction job.
package domainstate

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/clock/system"
	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

const (
	defaultJitter             = 0.25
	defaultHeadlessLimit      = 3
	defaultForbiddenThreshold = 2
)

// Config holds the backoff curves and thresholds.
type Config struct {
	Generic BackoffPolicy `mapstructure:"generic"`
	Captcha BackoffPolicy `mapstructure:"captcha"`
	// Jitter is the symmetric fraction applied to both curves.
	Jitter float64 `mapstructure:"jitter"`
	// HeadlessFailureLimit opens the headless breaker for a host.
	HeadlessFailureLimit int `mapstructure:"headless_failure_limit"`
	// ForbiddenThreshold is the number of consecutive bare 403s treated as a
	// rate limit.
	ForbiddenThreshold int `mapstructure:"forbidden_threshold"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Generic:              BackoffPolicy{Base: 30 * time.Second, Max: 10 * time.Minute},
		Captcha:              BackoffPolicy{Base: 2 * time.Minute, Max: time.Hour},
		Jitter:               defaultJitter,
		HeadlessFailureLimit: defaultHeadlessLimit,
		ForbiddenThreshold:   defaultForbiddenThreshold,
	}
}

// Validate enforces that the CAPTCHA curve is never gentler than the generic one.
func (c Config) Validate() error {
	if err := c.Generic.Validate(); err != nil {
		return fmt.Errorf("generic: %w", err)
	}
	if err := c.Captcha.Validate(); err != nil {
		return fmt.Errorf("captcha: %w", err)
	}
	if c.Captcha.Base < c.Generic.Base {
		return errors.New("captcha backoff base must be >= generic base")
	}
	if c.Captcha.Max < c.Generic.Max {
		return errors.New("captcha backoff max must be >= generic max")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return errors.New("backoff jitter must be in [0, 1)")
	}
	return nil
}

// State is a snapshot of one host's record.
type State struct {
	Host                string    `json:"host"`
	RateLimitedUntil    time.Time `json:"rate_limited_until"`
	RateLimitAttempts   int       `json:"rate_limit_attempts"`
	CaptchaBackoffUntil time.Time `json:"captcha_backoff_until"`
	CaptchaAttempts     int       `json:"captcha_attempts"`
	HeadlessFailures    int       `json:"headless_failures"`
	ForbiddenCount      int       `json:"forbidden_count"`
	LastRequestAt       time.Time `json:"last_request_at"`
	ConsecutiveSameHost int       `json:"consecutive_same_host"`
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock injects a clock.
func WithClock(c crawler.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithRand injects the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(t *Tracker) {
		if r != nil {
			t.rng = r
		}
	}
}

// WithLogger attaches a logger for backoff activations.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// Tracker owns the per-host state for one job. A mutex guards the map so
// the admin API can read snapshots while the pipeline mutates it.
type Tracker struct {
	cfg    Config
	clock  crawler.Clock
	rng    *rand.Rand
	logger *zap.Logger

	mu       sync.Mutex
	hosts    map[string]*State
	lastHost string
}

// New builds a Tracker. Zero-valued config fields fall back to defaults.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	def := DefaultConfig()
	if cfg.Generic == (BackoffPolicy{}) {
		cfg.Generic = def.Generic
	}
	if cfg.Captcha == (BackoffPolicy{}) {
		cfg.Captcha = def.Captcha
	}
	if cfg.HeadlessFailureLimit <= 0 {
		cfg.HeadlessFailureLimit = def.HeadlessFailureLimit
	}
	if cfg.ForbiddenThreshold <= 0 {
		cfg.ForbiddenThreshold = def.ForbiddenThreshold
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("domain state config: %w", err)
	}
	t := &Tracker{
		cfg:    cfg,
		clock:  system.New(),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		logger: zap.NewNop(),
		hosts:  make(map[string]*State),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// IsGenericBackoffActive reports whether host is inside a rate-limit window.
func (t *Tracker) IsGenericBackoffActive(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.hosts[host]
	return ok && t.clock.Now().Before(st.RateLimitedUntil)
}

// IsCaptchaBackoffActive reports whether host is inside a CAPTCHA window.
func (t *Tracker) IsCaptchaBackoffActive(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.hosts[host]
	return ok && t.clock.Now().Before(st.CaptchaBackoffUntil)
}

// RecordBotProtection opens (or extends) the CAPTCHA window and returns its
// length. The result is floored at the generic ceiling for the same attempt
// count so a CAPTCHA window is never shorter than a rate-limit window.
func (t *Tracker) RecordBotProtection(host string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(host)
	d := t.cfg.Captcha.Jittered(st.CaptchaAttempts, t.cfg.Jitter, t.drawLocked())
	if floor := t.cfg.Generic.Ceiling(st.CaptchaAttempts, t.cfg.Jitter); d < floor {
		d = floor
	}
	st.CaptchaBackoffUntil = t.clock.Now().Add(d)
	st.CaptchaAttempts++
	st.ForbiddenCount = 0
	t.logger.Warn("captcha backoff activated",
		zap.String("host", host),
		zap.Int("attempts", st.CaptchaAttempts),
		zap.Duration("backoff", d),
	)
	return d
}

// RecordRateLimit opens (or extends) the generic window and returns its length.
func (t *Tracker) RecordRateLimit(host string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(host)
	d := t.cfg.Generic.Jittered(st.RateLimitAttempts, t.cfg.Jitter, t.drawLocked())
	st.RateLimitedUntil = t.clock.Now().Add(d)
	st.RateLimitAttempts++
	st.ForbiddenCount = 0
	t.logger.Warn("rate limit backoff activated",
		zap.String("host", host),
		zap.Int("attempts", st.RateLimitAttempts),
		zap.Duration("backoff", d),
	)
	return d
}

// RecordForbidden counts a bare 403 and returns the consecutive count.
func (t *Tracker) RecordForbidden(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(host)
	st.ForbiddenCount++
	return st.ForbiddenCount
}

// ForbiddenThreshold returns the configured bare-403 threshold.
func (t *Tracker) ForbiddenThreshold() int {
	return t.cfg.ForbiddenThreshold
}

// RecordSuccess clears the bare-403 streak, and the rate-limit attempt count
// once the generic window has elapsed.
func (t *Tracker) RecordSuccess(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.hosts[host]
	if !ok {
		return
	}
	st.ForbiddenCount = 0
	if !t.clock.Now().Before(st.RateLimitedUntil) {
		st.RateLimitAttempts = 0
	}
}

// RecordHeadlessFailure increments the breaker counter and returns it.
func (t *Tracker) RecordHeadlessFailure(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(host)
	st.HeadlessFailures++
	if st.HeadlessFailures == t.cfg.HeadlessFailureLimit {
		t.logger.Warn("headless circuit opened",
			zap.String("host", host),
			zap.Int("failures", st.HeadlessFailures),
		)
	}
	return st.HeadlessFailures
}

// RecordHeadlessSuccess resets the breaker counter to zero.
func (t *Tracker) RecordHeadlessSuccess(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(host).HeadlessFailures = 0
}

// HeadlessFailures returns the current breaker counter.
func (t *Tracker) HeadlessFailures(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.hosts[host]; ok {
		return st.HeadlessFailures
	}
	return 0
}

// HeadlessExhausted reports whether the breaker is open for host.
func (t *Tracker) HeadlessExhausted(host string) bool {
	return t.HeadlessFailures(host) >= t.cfg.HeadlessFailureLimit
}

// HeadlessFailureLimit returns the breaker threshold.
func (t *Tracker) HeadlessFailureLimit() int {
	return t.cfg.HeadlessFailureLimit
}

// RecordRequest stamps the request time and returns how many requests in a
// row, including this one, went to host.
func (t *Tracker) RecordRequest(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(host)
	if t.lastHost == host {
		st.ConsecutiveSameHost++
	} else {
		if prev, ok := t.hosts[t.lastHost]; ok {
			prev.ConsecutiveSameHost = 0
		}
		st.ConsecutiveSameHost = 1
		t.lastHost = host
	}
	st.LastRequestAt = t.clock.Now()
	return st.ConsecutiveSameHost
}

// Snapshot returns a copy of host's state.
func (t *Tracker) Snapshot(host string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.hosts[host]
	if !ok {
		return State{Host: host}, false
	}
	return *st, true
}

// Snapshots returns copies of every tracked host sorted by name.
func (t *Tracker) Snapshots() []State {
	t.mu.Lock()
	out := make([]State, 0, len(t.hosts))
	for _, st := range t.hosts {
		out = append(out, *st)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (t *Tracker) stateLocked(host string) *State {
	st, ok := t.hosts[host]
	if !ok {
		st = &State{Host: host}
		t.hosts[host] = st
	}
	return st
}

// drawLocked returns a uniform value in [-1, 1].
func (t *Tracker) drawLocked() float64 {
	return t.rng.Float64()*2 - 1
}
