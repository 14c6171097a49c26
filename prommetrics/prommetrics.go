// Package prommetrics exports outbox relay and sweep measurements to Prometheus.
package prommetrics

import (
	"time"

	"github.com/idmesh/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outbox"

// Metrics implements outbox.Metrics with Prometheus collectors.
type Metrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	recordsFetched  prometheus.Counter
	recordsRetried  prometheus.Counter
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	purges          *prometheus.CounterVec
	purged          prometheus.Counter
}

var _ outbox.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_cycles_total",
				Help:      "Total relay cycles by result.",
			},
			[]string{"result"}, // "ok" or "error"
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_cycle_duration_seconds",
				Help:      "Duration of relay cycles.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		recordsFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_records_fetched_total",
				Help:      "Total pending records fetched by relay cycles.",
			},
		),
		recordsRetried: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_records_retried_total",
				Help:      "Total records left pending after a failed delivery.",
			},
		),
		published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "published_total",
				Help:      "Total events published.",
			},
			[]string{"topic"},
		),
		publishFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Total failed publish tries.",
			},
			[]string{"topic"},
		),
		deadLettered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_lettered_total",
				Help:      "Total records moved to the dead letter state.",
			},
			[]string{"reason"},
		),
		purges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_sweeps_total",
				Help:      "Total retention sweeps by result.",
			},
			[]string{"result"},
		),
		purged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_purged_records_total",
				Help:      "Total terminal records deleted by retention sweeps.",
			},
		),
	}
}

func (m *Metrics) ObserveCycle(res outbox.CycleResult, duration time.Duration, err error) {
	m.cycles.WithLabelValues(result(err)).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.recordsFetched.Add(float64(res.Fetched))
	m.recordsRetried.Add(float64(res.Retried))
}

func (m *Metrics) IncPublished(topic string) {
	m.published.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncPublishFailed(topic string) {
	m.publishFailures.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncDeadLettered(reason string) {
	m.deadLettered.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePurge(deleted int64, err error) {
	m.purges.WithLabelValues(result(err)).Inc()
	m.purged.Add(float64(deleted))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
