package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EventType string

const (
	EventConnectionAccepted EventType = "connection_accepted"
	EventAccessDenied       EventType = "access_denied"
	EventCapacityExceeded   EventType = "capacity_exceeded"
	EventBadRequest         EventType = "bad_request"
	EventRequestRouted      EventType = "request_routed"
	EventBackendSelected    EventType = "backend_selected"
	EventNoHealthyBackend   EventType = "no_healthy_backend"
	EventConnectRetry       EventType = "connect_retry"
	EventConnectionClosed   EventType = "connection_closed"
	EventHealthChanged      EventType = "health_changed"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Pool      string
	Backend   string
	Duration  time.Duration
	BytesIn   int64
	BytesOut  int64
	Healthy   bool
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *promMetrics
	registry   *prometheus.Registry
	logger     *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	registry := prometheus.NewRegistry()
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: newPromMetrics(registry),
		registry:   registry,
		logger:     logger,
	}
}

// Emit queues an event without blocking. Events are dropped when the
// buffer is full or c is nil.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.Run(ctx)
}

// Run processes events until ctx is cancelled, then drains the buffer.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventConnectionAccepted:
		c.metrics.IncrementAccepted()

	case EventAccessDenied:
		c.metrics.IncrementDenied()

	case EventCapacityExceeded:
		c.metrics.IncrementCapacityRejected()

	case EventBadRequest:
		c.metrics.IncrementBadRequests()

	case EventRequestRouted:
		c.metrics.RecordRouted(event.Pool)

	case EventBackendSelected:
		c.metrics.RecordBackendSelection(event.Pool, event.Backend)

	case EventNoHealthyBackend:
		c.metrics.RecordUnavailable(event.Pool)

	case EventConnectRetry:
		c.metrics.RecordRetry(event.Backend)

	case EventConnectionClosed:
		c.metrics.RecordConnection(event.Backend, event.Duration, event.BytesIn, event.BytesOut)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)
	}

	c.prometheus.observe(event)
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

// RegisterGauge exposes a live value, such as an active connection count,
// on the Prometheus endpoint.
func (c *Collector) RegisterGauge(name, help string, labels prometheus.Labels, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}
