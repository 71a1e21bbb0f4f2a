// Package worker runs one extraction job: pacing, the fallback chain and the
// result stream, strictly one URL at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
	"github.com/LocalNewsImpact/newscrawler/internal/scheduler"
)

// Status is the terminal state of a job.
type Status string

// Job statuses.
const (
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Extractor runs the fallback chain for one URL.
type Extractor interface {
	Extract(ctx context.Context, cand crawler.CandidateURL, headers http.Header) crawler.ExtractionResult
}

// Pacer sequences and paces a job's URLs.
type Pacer interface {
	Prepare(dataset string, urls []crawler.CandidateURL) scheduler.BatchContext
	Run(ctx context.Context, dataset string, urls []crawler.CandidateURL, handle scheduler.Handler) (int, error)
}

// Job is one dataset pass.
type Job struct {
	RunID   string
	Dataset string
	URLs    []crawler.CandidateURL
	// Limit caps the number of URLs processed; zero means no cap.
	Limit int
	// Batches caps the number of scheduler batches; zero means no cap.
	Batches int
}

// Summary reports what a job did.
type Summary struct {
	RunID            string                         `json:"run_id"`
	Dataset          string                         `json:"dataset"`
	Status           Status                         `json:"status"`
	Total            int                            `json:"total"`
	Processed        int                            `json:"processed"`
	Succeeded        int                            `json:"succeeded"`
	Classifications  map[crawler.Classification]int `json:"classifications"`
	WriteFailures    int                            `json:"write_failures"`
	RecoveredPanics  int                            `json:"recovered_panics"`
	SingleDomain     bool                           `json:"single_domain"`
	ConservativeMode bool                           `json:"conservative_mode"`
	StartedAt        time.Time                      `json:"started_at"`
	FinishedAt       time.Time                      `json:"finished_at"`
}

// Worker wires the scheduler, orchestrator and result sink together.
type Worker struct {
	extractor Extractor
	pacer     Pacer
	results   crawler.ResultSink
	clock     crawler.Clock
	logger    *zap.Logger
}

// New constructs a Worker.
func New(extractor Extractor, pacer Pacer, results crawler.ResultSink, clock crawler.Clock, logger *zap.Logger) (*Worker, error) {
	if extractor == nil {
		return nil, errors.New("worker requires an extractor")
	}
	if pacer == nil {
		return nil, errors.New("worker requires a scheduler")
	}
	if results == nil {
		return nil, errors.New("worker requires a result sink")
	}
	if clock == nil {
		return nil, errors.New("worker requires a clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		extractor: extractor,
		pacer:     pacer,
		results:   results,
		clock:     clock,
		logger:    logger.Named("worker"),
	}, nil
}

// Run processes the job. Per-URL failures are recorded in the summary and
// never abort the job; cancellation stops between URLs and is reported as
// StatusCanceled with a nil error.
func (w *Worker) Run(ctx context.Context, job Job) (Summary, error) {
	if job.Dataset == "" {
		return Summary{}, errors.New("job dataset is required")
	}
	urls := job.URLs
	if job.Limit > 0 && len(urls) > job.Limit {
		urls = urls[:job.Limit]
	}
	sum := Summary{
		RunID:           job.RunID,
		Dataset:         job.Dataset,
		Total:           len(urls),
		Classifications: make(map[crawler.Classification]int),
		StartedAt:       w.clock.Now(),
	}

	bc := w.pacer.Prepare(job.Dataset, urls)
	if job.Batches > 0 {
		if capped := job.Batches * bc.Effective.BatchSize; capped < len(urls) {
			urls = urls[:capped]
			sum.Total = len(urls)
		}
	}
	sum.SingleDomain = bc.SingleDomain()
	sum.ConservativeMode = bc.Forced

	w.logger.Info("job started",
		zap.String("run_id", job.RunID),
		zap.String("dataset", job.Dataset),
		zap.Int("urls", len(urls)),
		zap.Bool("single_domain", sum.SingleDomain),
	)

	processed, err := w.pacer.Run(ctx, job.Dataset, urls, func(ctx context.Context, cand crawler.CandidateURL, headers http.Header) {
		w.handle(ctx, cand, headers, &sum)
	})
	sum.Processed = processed
	sum.FinishedAt = w.clock.Now()
	sum.Status = StatusCompleted
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return sum, fmt.Errorf("run job: %w", err)
		}
		sum.Status = StatusCanceled
	}

	w.logger.Info("job finished",
		zap.String("run_id", job.RunID),
		zap.String("dataset", job.Dataset),
		zap.String("status", string(sum.Status)),
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("write_failures", sum.WriteFailures),
		zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	return sum, nil
}

func (w *Worker) handle(ctx context.Context, cand crawler.CandidateURL, headers http.Header, sum *Summary) {
	res, panicked := w.extract(ctx, cand, headers)
	if panicked {
		sum.RecoveredPanics++
	}
	sum.Classifications[res.Classification]++
	if res.Success {
		sum.Succeeded++
	}
	// Results are written even when ctx is done so a finished extraction is
	// never lost.
	if err := w.results.Write(context.WithoutCancel(ctx), res); err != nil {
		sum.WriteFailures++
		w.logger.Warn("result write failed",
			zap.String("url", cand.URL),
			zap.Error(err),
		)
	}
}

func (w *Worker) extract(ctx context.Context, cand crawler.CandidateURL, headers http.Header) (res crawler.ExtractionResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("extraction panicked",
				zap.String("url", cand.URL),
				zap.Any("panic", r),
			)
			res = crawler.ExtractionResult{
				URL:            cand.URL,
				Host:           cand.Host,
				Dataset:        cand.Dataset,
				Classification: crawler.ClassTransient,
				CompletedAt:    w.clock.Now(),
			}
			panicked = true
		}
	}()
	return w.extractor.Extract(ctx, cand, headers), false
}
