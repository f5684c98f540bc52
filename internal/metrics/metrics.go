// Package metrics exposes gateway counters and gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives gateway measurements. Implementations must be safe for
// concurrent use and must never fail the caller.
type Sink interface {
	ScannerFailure(errorType string)
	ScannerSuccess()
	SpawnAttempt(agentType, result string)
	RateLimited(agentType, limit string)
	InjectionDetected(agentType, source string)
	ValidationLatency(agentType string, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ScannerFailure(string)                   {}
func (Nop) ScannerSuccess()                         {}
func (Nop) SpawnAttempt(string, string)             {}
func (Nop) RateLimited(string, string)              {}
func (Nop) InjectionDetected(string, string)        {}
func (Nop) ValidationLatency(string, time.Duration) {}

// Prometheus records into a private registry.
type Prometheus struct {
	registry            *prometheus.Registry
	scannerFailures     *prometheus.CounterVec
	consecutiveFailures prometheus.Gauge
	spawnAttempts       *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	injections          *prometheus.CounterVec
	latency             *prometheus.HistogramVec
}

// NewPrometheus registers all gateway instruments on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		scannerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawngate",
			Name:      "scanner_failures_total",
			Help:      "Injection scanner failures that were allowed through.",
		}, []string{"error_type"}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spawngate",
			Name:      "scanner_consecutive_failures",
			Help:      "Scanner failures since the last successful scan.",
		}),
		spawnAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawngate",
			Name:      "spawn_attempts_total",
			Help:      "Spawn requests by outcome.",
		}, []string{"agent_type", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawngate",
			Name:      "rate_limited_total",
			Help:      "Spawn requests rejected by a rate or concurrency limit.",
		}, []string{"agent_type", "limit"}),
		injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawngate",
			Name:      "injections_detected_total",
			Help:      "Prompt injection detections by detector.",
		}, []string{"agent_type", "source"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spawngate",
			Name:      "validation_latency_seconds",
			Help:      "Time spent validating a spawn request.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"agent_type"}),
	}
	p.registry.MustRegister(
		p.scannerFailures,
		p.consecutiveFailures,
		p.spawnAttempts,
		p.rateLimited,
		p.injections,
		p.latency,
		collectors.NewGoCollector(),
	)
	return p
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ScannerFailure(errorType string) {
	p.scannerFailures.WithLabelValues(errorType).Inc()
	p.consecutiveFailures.Inc()
}

func (p *Prometheus) ScannerSuccess() {
	p.consecutiveFailures.Set(0)
}

func (p *Prometheus) SpawnAttempt(agentType, result string) {
	p.spawnAttempts.WithLabelValues(agentType, result).Inc()
}

func (p *Prometheus) RateLimited(agentType, limit string) {
	p.rateLimited.WithLabelValues(agentType, limit).Inc()
}

func (p *Prometheus) InjectionDetected(agentType, source string) {
	p.injections.WithLabelValues(agentType, source).Inc()
}

func (p *Prometheus) ValidationLatency(agentType string, d time.Duration) {
	p.latency.WithLabelValues(agentType).Observe(d.Seconds())
}
