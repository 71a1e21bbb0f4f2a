// Package extraction drives the per-URL fallback chain: structured metadata,
// then readability, then the headless browser. Each method returns a tagged
// Outcome and the orchestrator decides what runs next from the tag alone.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/clock/system"
	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/deadurl"
	"github.com/LocalNewsImpact/newscrawler/internal/domainstate"
	"github.com/LocalNewsImpact/newscrawler/internal/extract"
	"github.com/LocalNewsImpact/newscrawler/internal/metrics"
)

// Backoff kinds reported to metrics.
const (
	backoffCaptcha = "captcha"
	backoffGeneric = "generic"
)

var tracer = otel.Tracer("github.com/LocalNewsImpact/newscrawler/internal/extraction")

// ErrNoMethods is returned by New when every method is disabled.
var ErrNoMethods = errors.New("at least one extraction method must be enabled")

// Config wires the orchestrator. A nil method is disabled.
type Config struct {
	Structured  crawler.Extractor
	Readability crawler.Extractor
	Headless    crawler.Extractor

	Tracker *domainstate.Tracker
	Dead    *deadurl.Cache
	Emitter crawler.Emitter
	Hasher  crawler.Hasher
	Archive crawler.BlobStore
	Clock   crawler.Clock
	Logger  *zap.Logger
	RunID   string
}

// Orchestrator resolves one CandidateURL at a time.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and fills defaults for optional collaborators.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Structured == nil && cfg.Readability == nil && cfg.Headless == nil {
		return nil, ErrNoMethods
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracker == nil {
		tracker, err := domainstate.New(domainstate.DefaultConfig(),
			domainstate.WithClock(cfg.Clock), domainstate.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("default tracker: %w", err)
		}
		cfg.Tracker = tracker
	}
	if cfg.Dead == nil {
		cfg.Dead = deadurl.New(deadurl.Config{}, cfg.Clock)
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger.Named("extraction")}, nil
}

// Tracker exposes the domain state tracker.
func (o *Orchestrator) Tracker() *domainstate.Tracker { return o.cfg.Tracker }

// DeadURLs exposes the dead-URL cache.
func (o *Orchestrator) DeadURLs() *deadurl.Cache { return o.cfg.Dead }

// run accumulates the state of one chain execution.
type run struct {
	cand     crawler.CandidateURL
	req      crawler.FetchRequest
	attempts int
	last     crawler.OutcomeKind
}

// Extract runs the fallback chain for cand. headers carry the scheduler's
// per-request User-Agent and Referer. The chain is not cut short when ctx
// ends; job cancellation is applied between URLs by the scheduler.
func (o *Orchestrator) Extract(ctx context.Context, cand crawler.CandidateURL, headers http.Header) (res crawler.ExtractionResult) {
	ctx, span := tracer.Start(ctx, "extraction.Extract", trace.WithAttributes(
		attribute.String("newscrawler.host", cand.Host),
		attribute.String("newscrawler.dataset", cand.Dataset),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("newscrawler.classification", string(res.Classification)),
			attribute.Int("newscrawler.attempts", res.Attempts),
		)
		span.End()
	}()

	r := &run{
		cand: cand,
		req: crawler.FetchRequest{
			URL:     cand.URL,
			Host:    cand.Host,
			Dataset: cand.Dataset,
			Headers: headers,
		},
		last: crawler.OutcomeTransient,
	}

	if entry, ok := o.cfg.Dead.Lookup(cand.URL); ok {
		metrics.ObserveDeadURLHit()
		o.logger.Debug("dead url cache hit",
			zap.String("url", cand.URL),
			zap.Time("cached_at", entry.CachedAt),
		)
		return o.fail(r, crawler.ClassPermanentNotFound, "")
	}

	if done, final := o.runHTTPMethods(ctx, r); done {
		return final
	}
	return o.runHeadless(ctx, r)
}

// runHTTPMethods tries structured then readability. done=true means the chain
// ended here.
func (o *Orchestrator) runHTTPMethods(ctx context.Context, r *run) (bool, crawler.ExtractionResult) {
	tracker := o.cfg.Tracker
	switch {
	case tracker.IsCaptchaBackoffActive(r.cand.Host):
		r.last = crawler.OutcomeBotProtection
		o.logger.Debug("captcha backoff active, skipping http methods", zap.String("host", r.cand.Host))
		return false, crawler.ExtractionResult{}
	case tracker.IsGenericBackoffActive(r.cand.Host):
		r.last = crawler.OutcomeRateLimited
		o.logger.Debug("rate limit backoff active, skipping http methods", zap.String("host", r.cand.Host))
		return false, crawler.ExtractionResult{}
	}

	for _, method := range []crawler.Extractor{o.cfg.Structured, o.cfg.Readability} {
		if method == nil {
			continue
		}
		out := o.invoke(ctx, method, r)
		switch out.Kind {
		case crawler.OutcomeSuccess:
			tracker.RecordSuccess(r.cand.Host)
			return true, o.succeed(ctx, r, method.Method(), out)
		case crawler.OutcomeNotFound:
			o.cfg.Dead.Put(r.cand.URL, deadurl.ReasonNotFound)
			return true, o.fail(r, crawler.ClassPermanentNotFound, method.Method())
		case crawler.OutcomeBotProtection:
			d := tracker.RecordBotProtection(r.cand.Host)
			metrics.ObserveBackoff(backoffCaptcha)
			o.logger.Warn("bot protection detected",
				zap.String("url", r.cand.URL),
				zap.String("host", r.cand.Host),
				zap.String("method", string(method.Method())),
				zap.String("signature", out.Reason),
				zap.Duration("backoff", d),
			)
			return false, crawler.ExtractionResult{}
		case crawler.OutcomeRateLimited:
			d := tracker.RecordRateLimit(r.cand.Host)
			metrics.ObserveBackoff(backoffGeneric)
			o.logger.Warn("rate limited",
				zap.String("url", r.cand.URL),
				zap.String("host", r.cand.Host),
				zap.String("method", string(method.Method())),
				zap.Int("status", out.StatusCode),
				zap.Duration("backoff", d),
			)
			return false, crawler.ExtractionResult{}
		default:
			o.logger.Debug("transient failure, falling back",
				zap.String("url", r.cand.URL),
				zap.String("method", string(method.Method())),
				zap.String("reason", out.Reason),
				zap.Error(out.Err),
			)
		}
	}
	return false, crawler.ExtractionResult{}
}

// runHeadless consults only the headless breaker; domain backoff windows do
// not gate this method.
func (o *Orchestrator) runHeadless(ctx context.Context, r *run) crawler.ExtractionResult {
	method := o.cfg.Headless
	tracker := o.cfg.Tracker
	if method == nil {
		return o.fail(r, crawler.ClassificationFor(r.last), "")
	}
	if tracker.HeadlessExhausted(r.cand.Host) {
		metrics.ObserveHeadlessCircuitOpen()
		o.logger.Debug("headless circuit open, skipping",
			zap.String("host", r.cand.Host),
			zap.Int("failures", tracker.HeadlessFailures(r.cand.Host)),
		)
		return o.fail(r, crawler.ClassificationFor(r.last), "")
	}

	out := o.invoke(ctx, method, r)
	switch out.Kind {
	case crawler.OutcomeSuccess:
		tracker.RecordHeadlessSuccess(r.cand.Host)
		tracker.RecordSuccess(r.cand.Host)
		return o.succeed(ctx, r, method.Method(), out)
	case crawler.OutcomeNotFound:
		o.cfg.Dead.Put(r.cand.URL, deadurl.ReasonNotFound)
		return o.fail(r, crawler.ClassPermanentNotFound, method.Method())
	}

	failures := tracker.RecordHeadlessFailure(r.cand.Host)
	if failures == tracker.HeadlessFailureLimit() {
		return o.fail(r, crawler.ClassHeadlessExhausted, method.Method())
	}
	return o.fail(r, crawler.ClassTransient, method.Method())
}

// invoke runs one method, converts a panic into a transient outcome, and
// emits the attempt record.
func (o *Orchestrator) invoke(ctx context.Context, method crawler.Extractor, r *run) (out crawler.Outcome) {
	started := o.cfg.Clock.Now()
	r.attempts++
	ctx, span := tracer.Start(ctx, "extraction."+string(method.Method()))
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("extraction method panicked",
				zap.String("url", r.cand.URL),
				zap.String("method", string(method.Method())),
				zap.Any("panic", rec),
			)
			out = crawler.Transient(0, "method panic", fmt.Errorf("panic: %v", rec))
		}
		if out.Kind != crawler.OutcomeSuccess {
			r.last = out.Kind
			span.SetStatus(codes.Error, string(out.Kind))
		}
		span.SetAttributes(
			attribute.String("newscrawler.outcome", string(out.Kind)),
			attribute.Int("http.status_code", out.StatusCode),
		)
		span.End()
		o.emit(crawler.ExtractionAttempt{
			RunID:      o.cfg.RunID,
			Dataset:    r.cand.Dataset,
			Method:     method.Method(),
			URL:        r.cand.URL,
			Host:       r.cand.Host,
			StartedAt:  started,
			FinishedAt: o.cfg.Clock.Now(),
			Outcome:    out.Kind,
			StatusCode: out.StatusCode,
			Fields:     out.Article.Fields(),
			Proxy:      out.Provider,
			Note:       out.Reason,
		})
	}()
	return method.Extract(ctx, r.req)
}

func (o *Orchestrator) emit(attempt crawler.ExtractionAttempt) {
	if o.cfg.Emitter == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Warn("telemetry emit panicked", zap.Any("panic", rec))
		}
	}()
	o.cfg.Emitter.Emit(attempt)
}

func (o *Orchestrator) succeed(ctx context.Context, r *run, method crawler.Method, out crawler.Outcome) crawler.ExtractionResult {
	res := o.base(r, crawler.ClassSuccess, method)
	res.Success = true
	res.Title = out.Article.Title
	res.Author = out.Article.Author
	res.Body = out.Article.Body
	res.PublishedAt = extract.PublishedOrNil(out.Article.PublishedAt)
	if o.cfg.Hasher != nil {
		res.ContentHash = o.cfg.Hasher.Hash(out.Raw)
	}
	if o.cfg.Archive != nil && res.ContentHash != "" {
		objectPath := path.Join(r.cand.Dataset, res.ContentHash+".html")
		uri, err := o.cfg.Archive.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(out.Raw))
		if err != nil {
			o.logger.Warn("archive raw html failed", zap.String("url", r.cand.URL), zap.Error(err))
		} else {
			res.ArchiveURI = uri
		}
	}
	metrics.ObserveResult(string(res.Classification), string(method))
	o.logger.Debug("extracted",
		zap.String("url", r.cand.URL),
		zap.String("method", string(method)),
		zap.Int("attempts", r.attempts),
	)
	return res
}

func (o *Orchestrator) fail(r *run, class crawler.Classification, method crawler.Method) crawler.ExtractionResult {
	res := o.base(r, class, method)
	metrics.ObserveResult(string(class), string(method))
	o.logger.Info("extraction failed",
		zap.String("url", r.cand.URL),
		zap.String("host", r.cand.Host),
		zap.String("classification", string(class)),
		zap.Int("attempts", r.attempts),
	)
	return res
}

func (o *Orchestrator) base(r *run, class crawler.Classification, method crawler.Method) crawler.ExtractionResult {
	return crawler.ExtractionResult{
		URL:            r.cand.URL,
		Host:           r.cand.Host,
		Dataset:        r.cand.Dataset,
		Classification: class,
		Method:         method,
		Attempts:       r.attempts,
		CompletedAt:    o.cfg.Clock.Now(),
	}
}
