// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rankd"

var (
	// IntervalsRecorded counts usage reports accepted by the engine.
	// Labels: kind (accessed, opened, closed)
	IntervalsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "intervals_total",
		Help:      "Usage intervals recorded",
	}, []string{"kind"})

	// Aggregations counts score updates by outcome.
	// Labels: status (ok, empty, error)
	Aggregations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "updates_total",
		Help:      "Score aggregations by outcome",
	}, []string{"status"})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "update_duration_seconds",
		Help:      "Time spent on one score read-modify-write",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// DirtyKeys is the number of keys waiting for aggregation.
	DirtyKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "dirty_keys",
		Help:      "Keys queued for aggregation",
	})

	// EventsPublished counts bus events.
	// Labels: kind
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Change events published on the bus",
	}, []string{"kind"})

	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "handler_errors_total",
		Help:      "Errors returned by bus subscribers",
	}, []string{"subscriber"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "results",
		Name:      "fetch_duration_seconds",
		Help:      "Result page fetch latency",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"selection"})

	// Forgotten counts score rows removed by bulk forget.
	// Labels: mode (resource, recent, older)
	Forgotten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "forget",
		Name:      "rows_total",
		Help:      "Score rows removed by forget operations",
	}, []string{"mode"})

	Watchers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "results",
		Name:      "watchers",
		Help:      "Live result watchers attached to the bus",
	})
)
