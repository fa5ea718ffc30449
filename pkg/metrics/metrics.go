// Package metrics exposes the runtime's Prometheus collectors. All
// collectors live on one private registry served at /api/metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	EventsPublished = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_events_published_total",
		Help: "Domain events written to the audit trail and bus, by type.",
	}, []string{"type"})

	StateTransitions = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_state_transitions_total",
		Help: "FSM advance outcomes.",
	}, []string{"result"})

	NodeExecutions = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_node_executions_total",
		Help: "Node executions by node id and terminal status.",
	}, []string{"node", "status"})

	NodeExecutionSeconds = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tempo_node_execution_seconds",
		Help:    "Node execution latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"node"})

	SSEStreamsActive = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "tempo_sse_streams_active",
		Help: "Open SSE chat streams.",
	})

	SSEFrames = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_sse_frames_total",
		Help: "SSE frames written, by frame event name.",
	}, []string{"event"})

	LLMRequests = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_llm_requests_total",
		Help: "LLM chat-completion calls by outcome.",
	}, []string{"status"})

	LLMRequestSeconds = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "tempo_llm_request_seconds",
		Help:    "LLM chat-completion latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	HTTPRequests = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tempo_http_requests_total",
		Help: "HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "code"})

	HTTPRequestSeconds = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tempo_http_request_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
