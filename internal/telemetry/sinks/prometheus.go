package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// PrometheusSink exports per-method attempt counters and latency.
type PrometheusSink struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	fields   *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawler_attempts_total",
			Help: "Extraction method invocations partitioned by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newscrawler_attempt_duration_seconds",
			Help:    "Wall time per extraction method invocation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"method", "outcome"}),
		fields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawler_attempt_fields_total",
			Help: "Article fields present in attempt results, partitioned by method and field.",
		}, []string{"method", "field"}),
	}
	for _, c := range []prometheus.Collector{s.attempts, s.duration, s.fields} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register attempt collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.ExtractionAttempt) error {
	for _, a := range batch {
		method := string(a.Method)
		outcome := string(a.Outcome)
		s.attempts.WithLabelValues(method, outcome).Inc()
		if d := a.Duration(); d > 0 {
			s.duration.WithLabelValues(method, outcome).Observe(d.Seconds())
		}
		for field, ok := range map[string]bool{
			"title":  a.Fields.Title,
			"author": a.Fields.Author,
			"body":   a.Fields.Body,
			"date":   a.Fields.Date,
		} {
			if ok {
				s.fields.WithLabelValues(method, field).Inc()
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
