package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "listopia"

var (
	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "total",
			Help:      "Chat turns handled, by outcome",
		},
		[]string{"outcome", "stream"},
	)

	ContextInjections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "context_injections_total",
			Help:      "Forced context injections, by result",
		},
		[]string{"result"},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "tools/call invocations served, by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests, by method and result code",
		},
		[]string{"method", "code"},
	)

	// Upstream metrics
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Time to upstream response headers",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status_class"},
	)

	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "stream_chunks_total",
			Help:      "SSE chunks relayed to clients",
		},
	)

	// Retrieval metrics
	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Retrieval workflow lookups, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)

	// Summary metrics
	SummaryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "summary",
			Name:      "writes_total",
			Help:      "Summary tier writes, by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
)

// StatusClass buckets an HTTP status into "2xx", "4xx", and so on.
func StatusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Outcome maps an error to the "ok"/"error" label used across collectors.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
