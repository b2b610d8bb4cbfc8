package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hub"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	envelopesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "envelopes_total",
			Help:      "Envelopes decoded from connections.",
		},
		[]string{"mode", "message_type"},
	)
	malformedInputs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "malformed_total",
			Help:      "Inputs rejected as malformed envelopes.",
		},
		[]string{"mode"},
	)
	extractOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "overflows_total",
			Help:      "Extractor buffer overflows released as text.",
		},
	)
	passthroughBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "passthrough_bytes_total",
			Help:      "Terminal bytes passed through as ordinary text.",
		},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_active",
			Help:      "Open client connections.",
		},
		[]string{"transport"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "sessions_active",
			Help:      "Sessions in the active state.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"state"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_dropped_total",
			Help:      "Registry events dropped for slow subscribers.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			envelopesDecoded,
			malformedInputs,
			extractOverflows,
			passthroughBytes,
			activeConnections,
			activeSessions,
			sessionTransitions,
			eventsDropped,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordEnvelope(mode, messageType string) {
	RegisterMetrics()
	envelopesDecoded.WithLabelValues(mode, messageType).Inc()
}

func RecordMalformed(mode string) {
	RegisterMetrics()
	malformedInputs.WithLabelValues(mode).Inc()
}

func RecordOverflow() {
	RegisterMetrics()
	extractOverflows.Inc()
}

func RecordPassthrough(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	passthroughBytes.Add(float64(n))
}

// ConnectionOpened increments the active gauge and returns the matching
// decrement.
func ConnectionOpened(transport string) func() {
	RegisterMetrics()
	g := activeConnections.WithLabelValues(transport)
	g.Inc()
	var once sync.Once
	return func() { once.Do(g.Dec) }
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	activeSessions.Set(float64(n))
}

func RecordSessionTransition(state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
}

func RecordEventDropped() {
	RegisterMetrics()
	eventsDropped.Inc()
}
