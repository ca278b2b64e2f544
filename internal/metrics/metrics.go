// Package metrics registers the Prometheus collectors for the pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// ItemsObserved counts new items seen by the watch session per source.
	ItemsObserved *prometheus.CounterVec

	// ItemsPublished counts successful publishes per source.
	ItemsPublished *prometheus.CounterVec

	// ItemsBlacklisted counts items recorded as permanently failed.
	ItemsBlacklisted prometheus.Counter

	// RunsTotal counts pipeline runs by result.
	RunsTotal *prometheus.CounterVec

	// RunDuration observes end-to-end pipeline run latency.
	RunDuration prometheus.Histogram

	// SessionState tracks the current session state as a one-hot gauge.
	SessionState *prometheus.GaugeVec

	// TriggerFirings counts scheduler firings per trigger.
	TriggerFirings *prometheus.CounterVec

	// LedgerSize is the current processed-fingerprint count.
	LedgerSize prometheus.Gauge
)

// Init registers all collectors exactly once.
func Init() {
	once.Do(func() {
		ItemsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelpipe",
			Name:      "items_observed_total",
			Help:      "New items observed by the watch session.",
		}, []string{"source"})
		ItemsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelpipe",
			Name:      "items_published_total",
			Help:      "Items successfully published.",
		}, []string{"source"})
		ItemsBlacklisted = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "reelpipe",
			Name:      "items_blacklisted_total",
			Help:      "Items recorded as permanently failed.",
		})
		RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelpipe",
			Name:      "runs_total",
			Help:      "Pipeline runs by result.",
		}, []string{"result"})
		RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reelpipe",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		})
		SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reelpipe",
			Name:      "session_state",
			Help:      "Current session state (one-hot).",
		}, []string{"state"})
		TriggerFirings = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelpipe",
			Name:      "trigger_firings_total",
			Help:      "Scheduler trigger firings.",
		}, []string{"trigger"})
		LedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "reelpipe",
			Name:      "ledger_size",
			Help:      "Processed fingerprints in the ledger.",
		})
	})
}
