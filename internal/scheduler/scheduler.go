package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/domainstate"
	"github.com/LocalNewsImpact/newscrawler/internal/metrics"
	"github.com/LocalNewsImpact/newscrawler/internal/policy/ratelimit"
)

// Sleep kinds reported to metrics.
const (
	SleepRequest = "request"
	SleepBatch   = "batch"
	SleepStreak  = "streak"
)

// Config controls pacing for one job.
type Config struct {
	Requested   Profile
	Safe        Profile
	SampleLimit int
	UserAgents  []string
	RotateMin   int
	RotateMax   int
	Referer     RefererWeights
	HostFloor   ratelimit.Config
}

// Handler processes one URL with the headers chosen for it.
type Handler func(ctx context.Context, cand crawler.CandidateURL, headers http.Header)

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSleeper swaps the sleep implementation.
func WithSleeper(s Sleeper) Option {
	return func(sc *Scheduler) {
		if s != nil {
			sc.sleeper = s
		}
	}
}

// WithRand injects the randomness source.
func WithRand(r *rand.Rand) Option {
	return func(sc *Scheduler) {
		if r != nil {
			sc.rng = r
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(sc *Scheduler) {
		if l != nil {
			sc.logger = l
		}
	}
}

// Scheduler paces one job. Run is sequential; Context may be read
// concurrently.
type Scheduler struct {
	cfg     Config
	tracker *domainstate.Tracker
	limiter *ratelimit.Limiter
	sleeper Sleeper
	rng     *rand.Rand
	logger  *zap.Logger

	mu       sync.RWMutex
	batch    BatchContext
	prepared bool
}

// New validates cfg and builds a Scheduler. tracker records per-host request
// streaks.
func New(cfg Config, tracker *domainstate.Tracker, opts ...Option) (*Scheduler, error) {
	if tracker == nil {
		return nil, errors.New("scheduler requires a domain state tracker")
	}
	if cfg.Requested == (Profile{}) {
		cfg.Requested = DefaultProfile()
	}
	if cfg.Safe == (Profile{}) {
		cfg.Safe = ConservativeProfile()
	}
	if err := cfg.Requested.Validate(); err != nil {
		return nil, fmt.Errorf("requested pacing: %w", err)
	}
	if err := cfg.Safe.Validate(); err != nil {
		return nil, fmt.Errorf("single-domain pacing: %w", err)
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = DefaultSampleLimit
	}
	s := &Scheduler{
		cfg:     cfg,
		tracker: tracker,
		limiter: ratelimit.New(cfg.HostFloor),
		sleeper: TimerSleeper{},
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x2545f4914f6cdd1d)),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s, nil
}

// Prepare runs the upfront domain analysis and fixes the BatchContext.
func (s *Scheduler) Prepare(dataset string, urls []crawler.CandidateURL) BatchContext {
	analysis := Analyze(urls, s.cfg.SampleLimit, s.rng)
	bc := NewBatchContext(dataset, analysis, s.cfg.Requested, s.cfg.Safe, s.logger)
	s.mu.Lock()
	s.batch = bc
	s.prepared = true
	s.mu.Unlock()
	s.logger.Info("batch context ready",
		zap.String("dataset", dataset),
		zap.Int("urls", analysis.Total),
		zap.Int("sampled", analysis.Sampled),
		zap.Int("unique_hosts", analysis.UniqueHosts),
		zap.Bool("single_domain", analysis.SingleDomain),
	)
	return bc
}

// Rescope recomputes the BatchContext after the operator changes the job's
// URL set.
func (s *Scheduler) Rescope(dataset string, urls []crawler.CandidateURL) BatchContext {
	s.logger.Info("rescoping job", zap.String("dataset", dataset))
	return s.Prepare(dataset, urls)
}

// Context returns the current BatchContext.
func (s *Scheduler) Context() (BatchContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batch, s.prepared
}

// Run processes urls in scheduled order, calling handle once per URL.
// Cancellation is checked between URLs; a canceled run returns the count
// processed so far and ctx's error. handle gets a context that is never
// canceled, so a URL already in flight finishes under its methods' own
// timeouts.
func (s *Scheduler) Run(ctx context.Context, dataset string, urls []crawler.CandidateURL, handle Handler) (int, error) {
	bc, ok := s.Context()
	if !ok || bc.Dataset != dataset {
		bc = s.Prepare(dataset, urls)
	}
	p := bc.Effective
	ordered := Order(urls, bc.SingleDomain())
	agents := NewUserAgentRotator(s.cfg.UserAgents, s.cfg.RotateMin, s.cfg.RotateMax, s.rng)
	referers := NewRefererPicker(s.cfg.Referer, s.rng)
	prior := make(map[string]string)

	inflight := context.WithoutCancel(ctx)
	processed := 0
	sinceBatch := 0
	streakMark := 0
	for _, cand := range ordered {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := s.sleep(ctx, SleepRequest, s.between(p.InterRequestMin, p.InterRequestMax)); err != nil {
			return processed, err
		}
		if err := s.limiter.Wait(ctx, cand.Host); err != nil {
			return processed, err
		}

		streak := s.tracker.RecordRequest(cand.Host)
		if streak <= streakMark {
			streakMark = 0
		}
		headers := http.Header{}
		headers.Set("User-Agent", agents.Next())
		if ref := referers.Pick(cand.URL, prior[cand.Host]); ref != "" {
			headers.Set("Referer", ref)
		}
		handle(inflight, cand, headers)
		prior[cand.Host] = cand.URL
		processed++
		sinceBatch++

		if processed == len(ordered) {
			break
		}
		switch {
		case p.MaxSameHostStreak > 0 && streak-streakMark > p.MaxSameHostStreak:
			streakMark = streak
			sinceBatch = 0
			s.logger.Info("same-host streak exceeded, forcing long pause",
				zap.String("host", cand.Host),
				zap.Int("streak", streak),
			)
			if err := s.sleep(ctx, SleepStreak, s.jittered(max(p.LongPause, p.BatchSleep), p.BatchJitter)); err != nil {
				return processed, err
			}
		case sinceBatch >= p.BatchSize:
			sinceBatch = 0
			if err := s.sleep(ctx, SleepBatch, s.jittered(p.BatchSleep, p.BatchJitter)); err != nil {
				return processed, err
			}
		}
	}
	return processed, nil
}

func (s *Scheduler) sleep(ctx context.Context, kind string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	metrics.ObservePacingSleep(kind, d)
	if err := s.sleeper.Sleep(ctx, d); err != nil {
		return fmt.Errorf("%s sleep: %w", kind, err)
	}
	return nil
}

// between draws uniformly from [lo, hi].
func (s *Scheduler) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

// jittered returns d scaled by a uniform factor in [1-j, 1+j].
func (s *Scheduler) jittered(d time.Duration, j float64) time.Duration {
	if d <= 0 || j <= 0 {
		return d
	}
	f := 1 + j*(2*s.rng.Float64()-1)
	return time.Duration(float64(d) * f)
}
