// Package scheduler sequences a job's URLs and paces requests. Pacing is the
// anti-detection mechanism, so a job runs strictly one URL at a time.
package scheduler

import (
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// DefaultSampleLimit bounds the upfront domain analysis.
const DefaultSampleLimit = 1000

// Profile is a timing profile.
type Profile struct {
	InterRequestMin time.Duration `mapstructure:"inter_request_min"`
	InterRequestMax time.Duration `mapstructure:"inter_request_max"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchSleep      time.Duration `mapstructure:"batch_sleep"`
	// BatchJitter is the symmetric fraction applied to batch and long pauses.
	BatchJitter float64 `mapstructure:"batch_jitter"`
	// LongPause is forced once the same host has been requested more than
	// MaxSameHostStreak times in a row.
	LongPause         time.Duration `mapstructure:"long_pause"`
	MaxSameHostStreak int           `mapstructure:"max_same_host_streak"`
}

// DefaultProfile is the multi-domain pacing used when nothing is configured.
func DefaultProfile() Profile {
	return Profile{
		InterRequestMin:   2 * time.Second,
		InterRequestMax:   5 * time.Second,
		BatchSize:         25,
		BatchSleep:        30 * time.Second,
		BatchJitter:       0.2,
		LongPause:         3 * time.Minute,
		MaxSameHostStreak: 15,
	}
}

// ConservativeProfile is the safe minimum forced on single-domain datasets.
func ConservativeProfile() Profile {
	return Profile{
		InterRequestMin:   8 * time.Second,
		InterRequestMax:   20 * time.Second,
		BatchSize:         10,
		BatchSleep:        2 * time.Minute,
		BatchJitter:       0.4,
		LongPause:         5 * time.Minute,
		MaxSameHostStreak: 10,
	}
}

// Validate reports structural problems.
func (p Profile) Validate() error {
	switch {
	case p.InterRequestMin < 0:
		return errors.New("inter_request_min must be >= 0")
	case p.InterRequestMax < p.InterRequestMin:
		return errors.New("inter_request_max must be >= inter_request_min")
	case p.BatchSize <= 0:
		return errors.New("batch_size must be positive")
	case p.BatchSleep < 0:
		return errors.New("batch_sleep must be >= 0")
	case p.BatchJitter < 0 || p.BatchJitter >= 1:
		return errors.New("batch_jitter must be in [0, 1)")
	case p.LongPause < 0:
		return errors.New("long_pause must be >= 0")
	case p.MaxSameHostStreak < 0:
		return errors.New("max_same_host_streak must be >= 0")
	}
	return nil
}

// Stricter merges p with safe field by field, keeping the slower value.
func (p Profile) Stricter(safe Profile) Profile {
	out := p
	out.InterRequestMin = max(p.InterRequestMin, safe.InterRequestMin)
	out.InterRequestMax = max(p.InterRequestMax, safe.InterRequestMax, out.InterRequestMin)
	out.BatchSleep = max(p.BatchSleep, safe.BatchSleep)
	out.BatchJitter = max(p.BatchJitter, safe.BatchJitter)
	out.LongPause = max(p.LongPause, safe.LongPause)
	if safe.BatchSize > 0 && (p.BatchSize <= 0 || p.BatchSize > safe.BatchSize) {
		out.BatchSize = safe.BatchSize
	}
	if safe.MaxSameHostStreak > 0 && (p.MaxSameHostStreak <= 0 || p.MaxSameHostStreak > safe.MaxSameHostStreak) {
		out.MaxSameHostStreak = safe.MaxSameHostStreak
	}
	return out
}

// Shortfalls lists the fields of p that are more aggressive than safe.
func (p Profile) Shortfalls(safe Profile) []string {
	var out []string
	if p.InterRequestMin < safe.InterRequestMin {
		out = append(out, "inter_request_min")
	}
	if p.InterRequestMax < safe.InterRequestMax {
		out = append(out, "inter_request_max")
	}
	if p.BatchSleep < safe.BatchSleep {
		out = append(out, "batch_sleep")
	}
	if p.BatchJitter < safe.BatchJitter {
		out = append(out, "batch_jitter")
	}
	if safe.BatchSize > 0 && p.BatchSize > safe.BatchSize {
		out = append(out, "batch_size")
	}
	return out
}

// DomainAnalysis summarizes the host mix of a sampled candidate set.
type DomainAnalysis struct {
	Total        int            `json:"total"`
	Sampled      int            `json:"sampled"`
	UniqueHosts  int            `json:"unique_hosts"`
	HostCounts   map[string]int `json:"host_counts"`
	DominantHost string         `json:"dominant_host"`
	SingleDomain bool           `json:"single_domain"`
}

// Analyze samples up to limit URLs (reservoir sampling) and counts hosts.
func Analyze(urls []crawler.CandidateURL, limit int, rng *rand.Rand) DomainAnalysis {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	sample := urls
	if len(urls) > limit {
		sample = make([]crawler.CandidateURL, limit)
		copy(sample, urls[:limit])
		for i := limit; i < len(urls); i++ {
			if j := rng.IntN(i + 1); j < limit {
				sample[j] = urls[i]
			}
		}
	}

	counts := make(map[string]int)
	for _, u := range sample {
		counts[u.Host]++
	}
	a := DomainAnalysis{
		Total:        len(urls),
		Sampled:      len(sample),
		UniqueHosts:  len(counts),
		HostCounts:   counts,
		SingleDomain: len(counts) == 1,
	}
	hosts := make([]string, 0, len(counts))
	for h := range counts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if counts[hosts[i]] != counts[hosts[j]] {
			return counts[hosts[i]] > counts[hosts[j]]
		}
		return hosts[i] < hosts[j]
	})
	if len(hosts) > 0 {
		a.DominantHost = hosts[0]
	}
	return a
}

// BatchContext is the per-job pacing decision.
type BatchContext struct {
	Dataset   string         `json:"dataset"`
	Analysis  DomainAnalysis `json:"analysis"`
	Effective Profile        `json:"effective"`
	// Forced is true when the conservative profile overrode the request.
	Forced bool `json:"forced"`
}

// SingleDomain reports whether the sampled set had exactly one host.
func (b BatchContext) SingleDomain() bool {
	return b.Analysis.SingleDomain
}

// NewBatchContext picks the effective profile. Single-domain datasets get the
// stricter of requested and safe, with a warning when requested was faster.
func NewBatchContext(dataset string, analysis DomainAnalysis, requested, safe Profile, logger *zap.Logger) BatchContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	bc := BatchContext{Dataset: dataset, Analysis: analysis, Effective: requested}
	if !analysis.SingleDomain {
		return bc
	}
	if short := requested.Shortfalls(safe); len(short) > 0 {
		logger.Warn("pacing below single-domain safety threshold; forcing conservative profile",
			zap.String("dataset", dataset),
			zap.String("host", analysis.DominantHost),
			zap.Strings("fields", short),
		)
	}
	bc.Effective = requested.Stricter(safe)
	bc.Forced = bc.Effective != requested
	logger.Info("single-domain dataset detected",
		zap.String("dataset", dataset),
		zap.String("host", analysis.DominantHost),
		zap.Int("sampled", analysis.Sampled),
		zap.Duration("inter_request_min", bc.Effective.InterRequestMin),
		zap.Duration("inter_request_max", bc.Effective.InterRequestMax),
		zap.Duration("batch_sleep", bc.Effective.BatchSleep),
	)
	return bc
}
