// Package metrics exposes the process-wide Prometheus collectors of the
// extraction engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resultsTotal             *prometheus.CounterVec
	backoffActivationsTotal  *prometheus.CounterVec
	deadURLHitsTotal         prometheus.Counter
	headlessCircuitOpenTotal prometheus.Counter
	pacingSleepSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds    *prometheus.HistogramVec
	proxyRequestsTotal       *prometheus.CounterVec
	proxySuccessRatio        *prometheus.GaugeVec
	proxyLatencySeconds      *prometheus.GaugeVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call repeatedly; every Observe helper calls it first.
func Init() {
	once.Do(func() {
		resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawler_results_total",
			Help: "Final per-URL results, labeled by classification and winning method.",
		}, []string{"classification", "method"})

		backoffActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawler_backoff_activations_total",
			Help: "Domain backoff windows opened, labeled by kind (generic, captcha).",
		}, []string{"kind"})

		deadURLHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_dead_url_hits_total",
			Help: "URLs answered from the dead-URL cache without a network call.",
		})

		headlessCircuitOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "newscrawler_headless_circuit_open_total",
			Help: "Headless attempts skipped because the per-host breaker was open.",
		})

		pacingSleepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newscrawler_pacing_sleep_seconds",
			Help:    "Scheduler sleeps, labeled by kind (request, batch, streak).",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"kind"})

		rateLimitDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newscrawler_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the per-host request floor.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"})

		proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawler_proxy_requests_total",
			Help: "Requests sent through each proxy provider, labeled by result.",
		}, []string{"provider", "result"})

		proxySuccessRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newscrawler_proxy_success_ratio",
			Help: "Rolling success ratio per proxy provider.",
		}, []string{"provider"})

		proxyLatencySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newscrawler_proxy_latency_seconds",
			Help: "Exponentially weighted request latency per proxy provider.",
		}, []string{"provider"})

		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawler_admin_requests_total",
			Help: "Admin API requests, labeled by method and code.",
		}, []string{"method", "code"})

		httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newscrawler_admin_request_duration_seconds",
			Help:    "Admin API latency, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"})
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveResult counts a final per-URL result.
func ObserveResult(classification, method string) {
	Init()
	if method == "" {
		method = "none"
	}
	resultsTotal.WithLabelValues(classification, method).Inc()
}

// ObserveBackoff counts an opened backoff window.
func ObserveBackoff(kind string) {
	Init()
	backoffActivationsTotal.WithLabelValues(kind).Inc()
}

// ObserveDeadURLHit counts a dead-URL cache short circuit.
func ObserveDeadURLHit() {
	Init()
	deadURLHitsTotal.Inc()
}

// ObserveHeadlessCircuitOpen counts a skipped headless attempt.
func ObserveHeadlessCircuitOpen() {
	Init()
	headlessCircuitOpenTotal.Inc()
}

// ObservePacingSleep records a scheduler sleep.
func ObservePacingSleep(kind string, d time.Duration) {
	Init()
	pacingSleepSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRateLimitDelay records time spent on the per-host floor.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveProxyRequest records one request sample for provider along with the
// provider's updated rolling health.
func ObserveProxyRequest(provider string, ok bool, _ time.Duration, ratio float64, ewma time.Duration) {
	Init()
	result := "failure"
	if ok {
		result = "success"
	}
	proxyRequestsTotal.WithLabelValues(provider, result).Inc()
	proxySuccessRatio.WithLabelValues(provider).Set(ratio)
	proxyLatencySeconds.WithLabelValues(provider).Set(ewma.Seconds())
}

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
