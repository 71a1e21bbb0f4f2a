package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// Config controls buffering, batching and retries for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatch: flush once this many attempts queue (default 500).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-call timeout for a sink (default 10s).
//   - MaxRetries: extra Consume calls after a failure (default 2).
//   - RetryBackoff: delay before the first retry, doubled per retry (default 200ms).
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	BaseContext  context.Context
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 4096
	defaultMaxBatch     = 500
	defaultMaxBatchWait = 500 * time.Millisecond
	defaultSinkTimeout  = 10 * time.Second
	defaultMaxRetries   = 2
	defaultRetryBackoff = 200 * time.Millisecond
	dropLogInterval     = 5 * time.Second
)

// Stats counts what the Hub did with the attempts it received.
type Stats struct {
	Emitted   int64 `json:"emitted"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Hub is safe for concurrent use and never blocks callers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	attempts    chan crawler.ExtractionAttempt
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	pending     atomic.Int64
	closed      atomic.Bool

	emitted   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

var _ crawler.Emitter = (*Hub)(nil)

// NewHub starts the background batching goroutine. A negative MaxRetries
// disables retries.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		attempts:    make(chan crawler.ExtractionAttempt, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("telemetry"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an attempt. If the buffer is full the attempt is dropped and
// a rate-limited warning is logged.
func (h *Hub) Emit(attempt crawler.ExtractionAttempt) {
	if h == nil || h.closed.Load() {
		return
	}
	h.emitted.Add(1)
	select {
	case h.attempts <- attempt:
	default:
		h.drop(1, "buffer full")
	}
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Emitted:   h.emitted.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Close drains buffered attempts, flushes and closes sinks, and waits for the
// background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closeCtx = ctx
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telemetry hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) drop(n int64, reason string) {
	h.dropped.Add(n)
	h.pending.Add(n)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.pending.Swap(0)
		h.logger.Warn("telemetry attempts dropped",
			zap.Int64("dropped", count),
			zap.String("reason", reason),
		)
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]crawler.ExtractionAttempt, 0, h.cfg.MaxBatch)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case a := <-h.attempts:
			batch = h.enqueue(batch, a, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueue(batch []crawler.ExtractionAttempt, a crawler.ExtractionAttempt, timer *time.Timer, timerActive *bool) []crawler.ExtractionAttempt {
	batch = append(batch, a)
	if len(batch) >= h.cfg.MaxBatch {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []crawler.ExtractionAttempt, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case a := <-h.attempts:
			batch = append(batch, a)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []crawler.ExtractionAttempt) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]crawler.ExtractionAttempt(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := h.deliver(sink, copyBatch); err != nil {
			h.logger.Warn("telemetry sink failed, dropping batch",
				zap.Int("attempts", len(copyBatch)),
				zap.Error(err),
			)
			h.drop(int64(len(copyBatch)), "sink failed")
			continue
		}
		h.delivered.Add(int64(len(copyBatch)))
	}
}

// deliver calls Consume up to 1+MaxRetries times with doubling backoff.
// Retries stop early once the hub is shutting down and its close context is
// done.
func (h *Hub) deliver(sink Sink, batch []crawler.ExtractionAttempt) error {
	var err error
	backoff := h.cfg.RetryBackoff
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !h.wait(backoff) {
				return fmt.Errorf("retry aborted: %w", err)
			}
			backoff *= 2
		}
		if err = h.consume(sink, batch); err == nil {
			return nil
		}
		h.logger.Debug("telemetry sink consume failed",
			zap.Int("try", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

func (h *Hub) consume(sink Sink, batch []crawler.ExtractionAttempt) (err error) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Consume(ctx, batch)
}

func (h *Hub) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var done <-chan struct{}
	if h.closed.Load() && h.closeCtx != nil {
		done = h.closeCtx.Done()
	}
	select {
	case <-timer.C:
		return true
	case <-h.cfg.BaseContext.Done():
		return false
	case <-done:
		return false
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("telemetry sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
