package events

import (
	"context"

	"github.com/reelpipe/reelpipe/internal/metrics"
)

// MetricsSink maps events onto the Prometheus collectors.
type MetricsSink struct{}

// NewMetricsSink registers the collectors and returns the sink.
func NewMetricsSink() *MetricsSink {
	metrics.Init()
	return &MetricsSink{}
}

// Emit updates the collector matching the event kind.
func (s *MetricsSink) Emit(_ context.Context, ev Event) {
	switch ev.Kind {
	case KindItemObserved:
		metrics.ItemsObserved.WithLabelValues(ev.Source).Inc()
	case KindItemPublished:
		metrics.ItemsPublished.WithLabelValues(ev.Source).Inc()
	case KindItemBlacklisted:
		metrics.ItemsBlacklisted.Inc()
	case KindSessionState:
		for _, st := range []string{"logged_out", "logging_in", "ready", "monitoring", "degraded"} {
			v := 0.0
			if st == ev.Detail {
				v = 1.0
			}
			metrics.SessionState.WithLabelValues(st).Set(v)
		}
	case KindTriggerFired:
		metrics.TriggerFirings.WithLabelValues(ev.Detail).Inc()
	}
}
