// Package ratelimit enforces a minimum spacing between requests to the same
// host, independent of the scheduler's randomized pacing.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/LocalNewsImpact/newscrawler/internal/metrics"
)

// Config sets the per-host floor. A non-positive HostRPS disables it.
// Overrides replace HostRPS for individual hosts, keyed by bare hostname.
type Config struct {
	HostRPS   float64            `mapstructure:"host_rps"`
	Burst     int                `mapstructure:"burst"`
	Overrides map[string]float64 `mapstructure:"overrides"`
}

// Limiter keeps one token bucket per host.
type Limiter struct {
	burst     int
	fallback  rate.Limit
	overrides map[string]rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		burst:     max(cfg.Burst, 1),
		fallback:  limitOf(cfg.HostRPS),
		overrides: make(map[string]rate.Limit, len(cfg.Overrides)),
		buckets:   make(map[string]*rate.Limiter),
	}
	for host, rps := range cfg.Overrides {
		l.overrides[strings.ToLower(host)] = limitOf(rps)
	}
	return l
}

func limitOf(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Limit reports the rate applied to host.
func (l *Limiter) Limit(host string) rate.Limit {
	if r, ok := l.overrides[strings.ToLower(host)]; ok {
		return r
	}
	return l.fallback
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.Limit(host), l.burst)
		l.buckets[host] = b
	}
	return b
}

// Wait blocks until host may be requested again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if host == "" {
		host = "unknown"
	}
	b := l.bucket(host)
	if b.Limit() == rate.Inf {
		return nil
	}
	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		return fmt.Errorf("host floor %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts returns how many hosts have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
