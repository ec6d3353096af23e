// File: internal/observability/metrics.go
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every autoread collector. A run is a short-lived process, so the
// collectors are flushed to a textfile at exit instead of being scraped.
var Registry = prometheus.NewRegistry()

var (
	metricAttempts = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoread",
		Name:      "workflow_attempts_total",
		Help:      "Workflow attempts by workflow and outcome.",
	}, []string{"workflow", "outcome"})

	metricWorklistItems = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoread",
		Name:      "worklist_items_total",
		Help:      "Worklist items by terminal state.",
	}, []string{"state"})

	metricReactions = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "autoread",
		Name:      "reactions_total",
		Help:      "Reaction controls clicked.",
	})

	metricWaits = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "autoread",
		Name:      "wait_seconds",
		Help:      "Time spent in bounded waits by result.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"result"})
)

// ObserveWait records a finished bounded wait.
func ObserveWait(result string, d time.Duration) {
	metricWaits.WithLabelValues(result).Observe(d.Seconds())
}

// RecordAttempt counts one workflow attempt.
func RecordAttempt(workflow, outcome string) {
	metricAttempts.WithLabelValues(workflow, outcome).Inc()
}

// RecordWorklistItem counts an item reaching a terminal state.
func RecordWorklistItem(state string) {
	metricWorklistItems.WithLabelValues(state).Inc()
}

func RecordReaction() {
	metricReactions.Inc()
}

// WriteMetrics writes the registry in the node-exporter textfile format.
func WriteMetrics(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
