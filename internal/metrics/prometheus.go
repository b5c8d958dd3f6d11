package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

type promMetrics struct {
	accepted    prometheus.Counter
	denied      prometheus.Counter
	rejected    prometheus.Counter
	badRequests prometheus.Counter
	routed      *prometheus.CounterVec
	selected    *prometheus.CounterVec
	unavailable *prometheus.CounterVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	healthy     *prometheus.GaugeVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Client connections accepted by a listener.",
		}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_denied_total",
			Help: "Client connections closed by the allow list.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Client connections rejected at the global ceiling.",
		}),
		badRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bad_requests_total",
			Help: "Connections closed because the request head could not be read.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_routed_total",
			Help: "Requests matched to a pool.",
		}, []string{"pool"}),
		selected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "backend_selections_total",
			Help: "Backend selections per pool member.",
		}, []string{"pool", "backend"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "no_healthy_backend_total",
			Help: "Requests answered 503 because the pool had no admissible member.",
		}, []string{"pool"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_retries_total",
			Help: "Backend dials that failed and were retried on another member.",
		}, []string{"backend"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "connection_duration_seconds",
			Help:    "Lifetime of proxied connections.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"backend"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relayed_bytes_total",
			Help: "Bytes relayed per direction.",
		}, []string{"backend", "direction"}),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backend_up",
			Help: "1 when the backend is Up, 0 when Down.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.accepted, m.denied, m.rejected, m.badRequests,
		m.routed, m.selected, m.unavailable, m.retries,
		m.duration, m.bytes, m.healthy,
	)
	return m
}

func (m *promMetrics) observe(event MetricEvent) {
	switch event.Type {
	case EventConnectionAccepted:
		m.accepted.Inc()
	case EventAccessDenied:
		m.denied.Inc()
	case EventCapacityExceeded:
		m.rejected.Inc()
	case EventBadRequest:
		m.badRequests.Inc()
	case EventRequestRouted:
		m.routed.WithLabelValues(event.Pool).Inc()
	case EventBackendSelected:
		m.selected.WithLabelValues(event.Pool, event.Backend).Inc()
	case EventNoHealthyBackend:
		m.unavailable.WithLabelValues(event.Pool).Inc()
	case EventConnectRetry:
		m.retries.WithLabelValues(event.Backend).Inc()
	case EventConnectionClosed:
		m.duration.WithLabelValues(event.Backend).Observe(event.Duration.Seconds())
		m.bytes.WithLabelValues(event.Backend, "in").Add(float64(event.BytesIn))
		m.bytes.WithLabelValues(event.Backend, "out").Add(float64(event.BytesOut))
	case EventHealthChanged:
		v := 0.0
		if event.Healthy {
			v = 1
		}
		m.healthy.WithLabelValues(event.Backend).Set(v)
	}
}
