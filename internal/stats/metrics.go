package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "slotmine"

// metrics mirrors the collector counters into a private prometheus registry,
// so several collectors can coexist in one process (tests).
type metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Counter
	disconnections   prometheus.Counter
	active           prometheus.Gauge
	rejections       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	livenessTimeouts prometheus.Counter
	published        *prometheus.CounterVec
	dropped          prometheus.Counter
	jobDuration      *prometheus.HistogramVec
	jobFailures      *prometheus.CounterVec
	expiredPositions prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_total",
			Help: "Connections admitted to the pool.",
		}),
		disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "disconnections_total",
			Help: "Connections removed from the pool.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "active_connections",
			Help: "Connections currently held by the pool.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "rejections_total",
			Help: "Admissions refused, by reason.",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "delivery_failures_total",
			Help: "Sends that failed during fan-out, by topic.",
		}, []string{"topic"}),
		livenessTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "liveness_timeouts_total",
			Help: "Connections evicted after a missed pong.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "messages_published_total",
			Help: "Frames enqueued to connections, by topic.",
		}, []string{"topic"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stats", Name: "dropped_events_total",
			Help: "Stats events dropped because the buffer was full.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_duration_seconds",
			Help:    "Wall time of one broadcast job run.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"job"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "identity_failures_total",
			Help: "Identities skipped by a job because of a store or accrual error.",
		}, []string{"job"}),
		expiredPositions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "positions", Name: "retired_total",
			Help: "Expired, fully settled positions deactivated by the cleanup job.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.disconnections, m.active, m.rejections,
		m.deliveryFailures, m.livenessTimeouts, m.published, m.dropped,
		m.jobDuration, m.jobFailures, m.expiredPositions,
	)
	return m
}
