package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fintrack"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched writes by collection and outcome (applied, offline, error).",
		},
		[]string{"table", "outcome"},
	)

	replayedOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_operations_total",
			Help:      "Replayed outbox operations by result (applied, retried, dropped, abandoned).",
		},
		[]string{"result"},
	)

	replayPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_passes_total",
			Help:      "Replay passes by status (ok, failed, skipped).",
		},
		[]string{"status"},
	)

	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Operations waiting in the outbox after the last observation.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, dispatches, replayedOps, replayPasses, outboxPending)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncDispatch counts one dispatcher outcome.
func IncDispatch(table, outcome string) {
	dispatches.WithLabelValues(table, outcome).Inc()
}

// IncReplay counts one replayed operation.
func IncReplay(result string) {
	replayedOps.WithLabelValues(result).Inc()
}

// IncReplayPass counts one replay pass.
func IncReplayPass(status string) {
	replayPasses.WithLabelValues(status).Inc()
}

// SetOutboxPending records the outbox size.
func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}
