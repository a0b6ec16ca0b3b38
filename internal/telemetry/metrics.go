// Package telemetry provides observability primitives shared by the
// warden gateway and execution engine: Prometheus collectors and OTLP
// trace setup.
package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics holds the proxy-side Prometheus collectors.
type GatewayMetrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	RateLimitRejects   prometheus.Counter
	UpstreamErrors     *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
}

// NewGatewayMetrics creates and registers the gateway collectors. The
// route label is the matched path prefix, so cardinality is bounded by
// configuration rather than by client traffic.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests.",
		}, []string{"method", "route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gateway",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "route"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_requests",
			Help:      "Number of requests currently in the pipeline.",
		}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "ratelimit_rejects_total",
			Help:      "Total requests rejected by rate limiting.",
		}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_errors_total",
			Help:      "Total upstream failures (transport errors and 5xx).",
		}, []string{"upstream"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "breaker_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"upstream", "to"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.UpstreamErrors,
		m.BreakerTransitions,
	)

	return m
}

// EngineMetrics tracks execution lifecycle counts. Queue depth is kept
// in an internal atomic with saturating decrement so racing worker
// claims can never drive the gauge below zero.
type EngineMetrics struct {
	SubmittedTotal prometheus.Counter
	StartedTotal   prometheus.Counter
	CompletedTotal prometheus.Counter
	FailedTotal    prometheus.Counter
	TimedOutTotal  prometheus.Counter

	queueDepth atomic.Int64
	depthGauge prometheus.Gauge
}

// NewEngineMetrics creates and registers the engine collectors.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		SubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_submitted_total",
			Help: "Total executions accepted into the queue.",
		}),
		StartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_started_total",
			Help: "Total executions claimed by a worker.",
		}),
		CompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_completed_total",
			Help: "Total executions that reached a terminal state, regardless of outcome.",
		}),
		FailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_failed_total",
			Help: "Total executions that finished with a failure.",
		}),
		TimedOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_timed_out_total",
			Help: "Total executions killed at the time limit.",
		}),
		depthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execution_queue_depth",
			Help: "Executions queued but not yet claimed.",
		}),
	}

	reg.MustRegister(
		m.SubmittedTotal,
		m.StartedTotal,
		m.CompletedTotal,
		m.FailedTotal,
		m.TimedOutTotal,
		m.depthGauge,
	)

	return m
}

// Submitted records a queued execution.
func (m *EngineMetrics) Submitted() {
	m.SubmittedTotal.Inc()
	m.depthGauge.Set(float64(m.queueDepth.Add(1)))
}

// Started records a worker claiming an execution.
func (m *EngineMetrics) Started() {
	m.StartedTotal.Inc()

	// Saturating decrement: a depth of zero stays zero.
	for {
		current := m.queueDepth.Load()
		if current <= 0 {
			return
		}
		if m.queueDepth.CompareAndSwap(current, current-1) {
			m.depthGauge.Set(float64(current - 1))
			return
		}
	}
}

// Completed records a terminal finish of any outcome; Failed and
// TimedOut break the unhappy paths out alongside it.
func (m *EngineMetrics) Completed() { m.CompletedTotal.Inc() }

// Failed records a failed finish.
func (m *EngineMetrics) Failed() { m.FailedTotal.Inc() }

// TimedOut records an execution killed at its deadline.
func (m *EngineMetrics) TimedOut() { m.TimedOutTotal.Inc() }

// QueueDepth exposes the current depth for readiness checks and tests.
func (m *EngineMetrics) QueueDepth() int64 { return m.queueDepth.Load() }
