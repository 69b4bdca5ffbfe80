package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Events appended to the outbox by event name",
		},
		[]string{"event_name"},
	)

	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_delivered_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"outcome", "event_name"}, // processed|failed|dead_lettered
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_store_errors_total",
			Help: "Outbox store failures seen by the dispatcher",
		},
		[]string{"op"}, // find_pending|mark_processed|mark_failed
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_handler_duration_seconds",
			Help:    "Handler invocation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_name", "result"}, // ok|error|timeout|panic
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_poll_batch_size",
			Help:    "Records returned per poll cycle",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once; later calls are no-ops so
// serve and worker commands can both call it.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			EventsPublished,
			EventsDelivered,
			StoreErrors,
			HandlerDuration,
			BatchSize,
		)
	})
}
