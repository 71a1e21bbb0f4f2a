// Package app builds the long-lived services of one extraction run and wires
// them together. It is the only place that knows every concrete type.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/api"
	"github.com/LocalNewsImpact/newscrawler/internal/clock/system"
	"github.com/LocalNewsImpact/newscrawler/internal/config"
	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/deadurl"
	"github.com/LocalNewsImpact/newscrawler/internal/detector"
	"github.com/LocalNewsImpact/newscrawler/internal/domainstate"
	"github.com/LocalNewsImpact/newscrawler/internal/extraction"
	"github.com/LocalNewsImpact/newscrawler/internal/fetcher"
	collyfetcher "github.com/LocalNewsImpact/newscrawler/internal/fetcher/colly"
	"github.com/LocalNewsImpact/newscrawler/internal/fetcher/headless"
	"github.com/LocalNewsImpact/newscrawler/internal/fetcher/rawhtml"
	"github.com/LocalNewsImpact/newscrawler/internal/hash/sha256"
	"github.com/LocalNewsImpact/newscrawler/internal/id/uuid"
	"github.com/LocalNewsImpact/newscrawler/internal/logging"
	"github.com/LocalNewsImpact/newscrawler/internal/output"
	"github.com/LocalNewsImpact/newscrawler/internal/proxy"
	"github.com/LocalNewsImpact/newscrawler/internal/scheduler"
	"github.com/LocalNewsImpact/newscrawler/internal/storage"
	"github.com/LocalNewsImpact/newscrawler/internal/telemetry"
	"github.com/LocalNewsImpact/newscrawler/internal/telemetry/sinks"
	"github.com/LocalNewsImpact/newscrawler/internal/worker"
)

// Version is stamped into trace resources.
var Version = "dev"

// Option customizes New.
type Option func(*options)

type options struct {
	results  crawler.ResultSink
	registry prometheus.Registerer
	runID    string
	clock    crawler.Clock
}

// WithResults replaces the configured output sinks.
func WithResults(sink crawler.ResultSink) Option {
	return func(o *options) { o.results = sink }
}

// WithRegisterer registers the attempt collectors somewhere other than the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithClock swaps the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App holds the services of one run.
type App struct {
	logger *zap.Logger
	runID  string

	Proxies      *proxy.Manager
	Tracker      *domainstate.Tracker
	DeadURLs     *deadurl.Cache
	Orchestrator *extraction.Orchestrator
	Scheduler    *scheduler.Scheduler
	Telemetry    *telemetry.Hub
	Worker       *worker.Worker

	results  crawler.ResultSink
	headless *headless.Fetcher
	archive  io.Closer
	tracer   *sdktrace.TracerProvider
}

// New builds every service described by cfg. Anything opened before a
// failure is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.runID == "" {
		o.runID = uuid.New().NewID()
	}
	logger = logging.OrNop(logger).With(zap.String("run_id", o.runID))

	a = &App{logger: logger, runID: o.runID}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
			a = nil
		}
	}()

	if cfg.Telemetry.Tracing.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
			Version:     Version,
			ProjectID:   cfg.Telemetry.Tracing.ProjectID,
			SampleRatio: cfg.Telemetry.Tracing.SampleRatio,
		})
		if err != nil {
			return a, fmt.Errorf("init tracing: %w", err)
		}
	}

	profiles, active, err := cfg.ProxyProfiles()
	if err != nil {
		return a, err
	}
	a.Proxies, err = proxy.NewManager(profiles, active, proxy.WithLogger(logger), proxy.WithClock(o.clock))
	if err != nil {
		return a, fmt.Errorf("init proxies: %w", err)
	}

	a.Tracker, err = domainstate.New(cfg.Backoff, domainstate.WithClock(o.clock), domainstate.WithLogger(logger))
	if err != nil {
		return a, fmt.Errorf("init domain state: %w", err)
	}
	a.DeadURLs = deadurl.New(cfg.DeadURL, o.clock)

	if a.Telemetry, err = a.openTelemetry(ctx, cfg, o.registry); err != nil {
		return a, err
	}

	store, closer, err := storage.OpenArchive(ctx, cfg.Archive)
	if err != nil {
		return a, err
	}
	a.archive = closer

	a.results = o.results
	if a.results == nil {
		if a.results, err = openResults(ctx, cfg.Output); err != nil {
			return a, err
		}
	}

	methods, err := a.openMethods(cfg)
	if err != nil {
		return a, err
	}
	methods.Tracker = a.Tracker
	methods.Dead = a.DeadURLs
	methods.Emitter = a.Telemetry
	methods.Hasher = sha256.New()
	methods.Archive = store
	methods.Clock = o.clock
	methods.Logger = logger
	methods.RunID = a.runID
	if a.Orchestrator, err = extraction.New(methods); err != nil {
		return a, fmt.Errorf("init orchestrator: %w", err)
	}

	a.Scheduler, err = scheduler.New(scheduler.Config{
		Requested:   cfg.Pacing.Profile,
		Safe:        cfg.Pacing.SingleDomain,
		SampleLimit: cfg.Pacing.SampleLimit,
		UserAgents:  cfg.HTTP.UserAgents,
		RotateMin:   cfg.HTTP.RotateMin,
		RotateMax:   cfg.HTTP.RotateMax,
		Referer:     cfg.HTTP.Referer,
		HostFloor:   cfg.Pacing.HostFloor,
	}, a.Tracker, scheduler.WithLogger(logger))
	if err != nil {
		return a, fmt.Errorf("init scheduler: %w", err)
	}

	if a.Worker, err = worker.New(a.Orchestrator, a.Scheduler, a.results, o.clock, logger); err != nil {
		return a, fmt.Errorf("init worker: %w", err)
	}

	logger.Info("extraction engine ready",
		zap.String("proxy", a.Proxies.ActiveName()),
		zap.Bool("headless", a.headless != nil),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("attempts", cfg.Attempts.Backend),
	)
	return a, nil
}

func (a *App) openTelemetry(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*telemetry.Hub, error) {
	var list []telemetry.Sink
	if cfg.Telemetry.LogAttempts {
		list = append(list, sinks.NewLogSink(a.logger))
	}
	if cfg.Telemetry.Prometheus {
		prom, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, err
		}
		list = append(list, prom)
	}
	store, err := storage.OpenAttempts(ctx, cfg.Attempts)
	if err != nil {
		return nil, err
	}
	if store != nil {
		list = append(list, sinks.NewStoreSink(store))
	}
	return telemetry.NewHub(telemetry.Config{
		BufferSize:   cfg.Telemetry.BufferSize,
		MaxBatch:     cfg.Telemetry.MaxBatch,
		MaxBatchWait: cfg.Telemetry.MaxBatchWait,
		SinkTimeout:  cfg.Telemetry.SinkTimeout,
		MaxRetries:   cfg.Telemetry.MaxRetries,
		RetryBackoff: cfg.Telemetry.RetryBackoff,
		BaseContext:  context.WithoutCancel(ctx),
		Logger:       a.logger,
	}, list...), nil
}

// openMethods builds the three extraction methods over shared dependencies.
func (a *App) openMethods(cfg config.Config) (extraction.Config, error) {
	deps := fetcher.Deps{
		Router:       a.Proxies,
		Detector:     detector.New(cfg.Detector),
		Forbidden:    a.Tracker,
		Required:     cfg.RequiredFields(),
		MinBodyChars: cfg.Job.MinBodyChars,
		Logger:       a.logger,
	}
	var ua string
	if len(cfg.HTTP.UserAgents) > 0 {
		ua = cfg.HTTP.UserAgents[0]
	}
	methods := extraction.Config{
		Structured: collyfetcher.New(collyfetcher.Config{
			UserAgent:     ua,
			RespectRobots: cfg.HTTP.RespectRobots,
			Timeout:       cfg.HTTP.Timeout,
			MaxBodyBytes:  int(cfg.HTTP.MaxBodyBytes),
		}, deps),
		Readability: rawhtml.New(rawhtml.Config{
			UserAgent:    ua,
			Timeout:      cfg.HTTP.Timeout,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		}, deps),
	}
	if !cfg.Headless.Enabled {
		return methods, nil
	}
	h, err := headless.New(headless.Config{
		Engine:            cfg.Headless.Engine,
		UserAgent:         ua,
		NavigationTimeout: cfg.Headless.NavigationTimeout,
		SettleDelay:       cfg.Headless.SettleDelay,
		ChromePath:        cfg.Headless.ChromePath,
		MaxParallel:       1,
	}, deps)
	if err != nil {
		return methods, fmt.Errorf("init headless: %w", err)
	}
	a.headless = h
	methods.Headless = h
	return methods, nil
}

func openResults(ctx context.Context, cfg config.OutputConfig) (crawler.ResultSink, error) {
	var multi output.Multi
	if cfg.JSONLPath != "" {
		j, err := output.OpenJSONL(cfg.JSONLPath)
		if err != nil {
			return nil, err
		}
		multi = append(multi, j)
	}
	if cfg.PubSub.Topic != "" {
		p, err := output.OpenPubSub(ctx, cfg.PubSub)
		if err != nil {
			_ = multi.Close(ctx)
			return nil, err
		}
		multi = append(multi, p)
	}
	if len(multi) == 0 {
		return nil, errors.New("no result output configured")
	}
	return multi, nil
}

// RunID identifies this run in results and attempt rows.
func (a *App) RunID() string { return a.runID }

// Run processes one job. The run ID is filled in when the job has none.
func (a *App) Run(ctx context.Context, job worker.Job) (worker.Summary, error) {
	if job.RunID == "" {
		job.RunID = a.runID
	}
	return a.Worker.Run(ctx, job)
}

// ApplyConfig applies the parts of cfg that may change while running. Today
// that is the proxy catalog and active provider.
func (a *App) ApplyConfig(cfg config.Config) error {
	profiles, active, err := cfg.ProxyProfiles()
	if err != nil {
		return err
	}
	if err := a.Proxies.Reload(profiles, active); err != nil {
		return fmt.Errorf("reload proxies: %w", err)
	}
	a.logger.Info("proxy configuration reloaded", zap.String("active", a.Proxies.ActiveName()))
	return nil
}

// AdminServer exposes the running services over HTTP.
func (a *App) AdminServer() *api.Server {
	return api.NewServer(api.Deps{
		Proxies:   a.Proxies,
		Domains:   a.Tracker,
		Batch:     a.Scheduler,
		Telemetry: a.Telemetry,
	}, a.logger)
}

// Close stops the browser, drains telemetry and closes every output. It is
// safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.headless != nil {
		if err := a.headless.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close headless: %w", err))
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.results != nil {
		if err := a.results.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close results: %w", err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
