package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles Prometheus metrics used across the bridge.
type Metrics struct {
	namespace string

	packetsReceived  *prometheus.CounterVec
	storeErrors      prometheus.Counter
	pipelineErrors   prometheus.Counter
	nodeUpserts      prometheus.Counter
	repliesQueued    prometheus.Counter
	repliesSent      prometheus.Counter
	contentFiltered  *prometheus.CounterVec
	rateLimited      prometheus.Counter
	outboxResults    *prometheus.CounterVec
	llmErrors        prometheus.Counter
	llmLatency       prometheus.Histogram
	pendingResponses prometheus.Gauge

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: meshbridge).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers bridge metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "meshbridge",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.registry)
	m := &Metrics{
		namespace: cfg.namespace,
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packets_received_total",
			Help:      "Total number of radio packets normalized, partitioned by packet type.",
		}, []string{"packet_type"}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_errors_total",
			Help:      "Total number of storage errors.",
		}),
		pipelineErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total number of pipeline errors forwarded to the supervisor.",
		}),
		nodeUpserts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "node_upserts_total",
			Help:      "Total number of node rows upserted.",
		}),
		repliesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "replies_queued_total",
			Help:      "Total number of inbound messages queued for an LLM reply.",
		}),
		repliesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "replies_sent_total",
			Help:      "Total number of replies handed to the radio transport.",
		}),
		contentFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "content_filtered_total",
			Help:      "Total number of messages blocked by the content filter, partitioned by category.",
		}, []string{"category"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of inbound messages rejected by the rate limiter.",
		}),
		outboxResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "outbox_dispatch_total",
			Help:      "Total number of outbox entries dispatched, partitioned by resulting status.",
		}, []string{"status"}),
		llmErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "llm_errors_total",
			Help:      "Total number of failed LLM generations.",
		}),
		llmLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "llm_generate_seconds",
			Help:      "Latency of LLM generate calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
		pendingResponses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "pending_responses",
			Help:      "Current number of inbound messages waiting for a reply.",
		}),
	}

	m.healthy.Store(true)
	return m
}

// ObservePacket counts a normalized packet by type.
func (m *Metrics) ObservePacket(packetType string) {
	if m == nil {
		return
	}
	if packetType == "" {
		packetType = "UNKNOWN"
	}
	m.packetsReceived.WithLabelValues(packetType).Inc()
}

// IncStoreErrors increments store error counter and marks service unhealthy.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
	m.healthy.Store(false)
}

// IncPipelineErrors increments general pipeline error counter.
func (m *Metrics) IncPipelineErrors() {
	if m == nil {
		return
	}
	m.pipelineErrors.Inc()
	m.healthy.Store(false)
}

// IncNodeUpsert notes a node upsert.
func (m *Metrics) IncNodeUpsert() {
	if m == nil {
		return
	}
	m.nodeUpserts.Inc()
}

// IncRepliesQueued notes an inbound message accepted for a reply.
func (m *Metrics) IncRepliesQueued() {
	if m == nil {
		return
	}
	m.repliesQueued.Inc()
}

// IncRepliesSent notes a reply handed to the transport.
func (m *Metrics) IncRepliesSent() {
	if m == nil {
		return
	}
	m.repliesSent.Inc()
}

// IncFiltered notes a content filter block.
func (m *Metrics) IncFiltered(category string) {
	if m == nil {
		return
	}
	m.contentFiltered.WithLabelValues(category).Inc()
}

// IncRateLimited notes a rate limiter rejection.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveOutbox records the terminal status of a dispatched outbox entry.
func (m *Metrics) ObserveOutbox(status string) {
	if m == nil {
		return
	}
	m.outboxResults.WithLabelValues(status).Inc()
}

// ObserveLLM records a generate call.
func (m *Metrics) ObserveLLM(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmLatency.Observe(d.Seconds())
	if err != nil {
		m.llmErrors.Inc()
	}
}

// SetPendingResponses tracks the pending reply list length.
func (m *Metrics) SetPendingResponses(n int) {
	if m == nil {
		return
	}
	m.pendingResponses.Set(float64(n))
}

// Healthy reports whether recent operations have seen errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}
