// Package metrics exposes Prometheus counters for the sync engine.
package metrics

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Push outcomes.
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeConflict = "conflict"
	OutcomeStale    = "stale"

	// Listener outcomes.
	OutcomeApplied  = "applied"
	OutcomeSelfEcho = "self_echo"
	OutcomeIgnored  = "ignored"
)

var (
	namespace = "readsync"

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "pushes_total",
			Help:      "Outbox actions pushed to the remote by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	pushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "push_duration_seconds",
			Help:      "Duration of remote push calls in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	outboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "depth",
			Help:      "Number of actions waiting in the outbox",
		},
	)

	listenerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "events_total",
			Help:      "Remote change events by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	listenerReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "resubscribes_total",
			Help:      "Subscription restarts by table",
		},
		[]string{"table"},
	)

	reconcileMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Records handled by full sync by outcome (merged, skipped, failed)",
		},
		[]string{"outcome"},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "conflicts_total",
			Help:      "Position conflicts surfaced to the user",
		},
	)
)

// RecordPush counts one push and its latency.
func RecordPush(actionType, outcome string, duration time.Duration) {
	pushesTotal.WithLabelValues(actionType, outcome).Inc()
	pushDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// SetOutboxDepth publishes the current outbox size.
func SetOutboxDepth(n int) {
	outboxDepth.Set(float64(n))
}

// RecordListenerEvent counts one change event handled by the listener.
func RecordListenerEvent(table, outcome string) {
	listenerEvents.WithLabelValues(table, outcome).Inc()
}

// RecordResubscribe counts a subscription restart.
func RecordResubscribe(table string) {
	listenerReconnects.WithLabelValues(table).Inc()
}

// RecordReconcile adds full-sync totals.
func RecordReconcile(merged, skipped, failed int) {
	reconcileMerged.WithLabelValues("merged").Add(float64(merged))
	reconcileMerged.WithLabelValues("skipped").Add(float64(skipped))
	reconcileMerged.WithLabelValues("failed").Add(float64(failed))
}

// RecordConflict counts a conflict surfaced by the handshake or listener.
func RecordConflict() {
	conflictsTotal.Inc()
}

// SetupMetricsEndpoint starts an HTTP server exposing /metrics on addr.
func SetupMetricsEndpoint(addr string, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Printf("Metrics server error: %v", err)
			}
		}
	}()

	return server
}
