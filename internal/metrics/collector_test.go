package metrics_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angeloszaimis/node-gateway/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Emit", func() {
		It("should be a no-op on a nil collector", func() {
			var none *metrics.Collector
			Expect(func() { none.Emit(metrics.MetricEvent{Type: metrics.EventAccessDenied}) }).NotTo(Panic())
		})

		It("should drop events instead of blocking when the buffer is full", func() {
			small := metrics.NewCollector(1, log)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 10; i++ {
					small.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})
				}
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("event processing", func() {
		It("should aggregate a proxied connection", func() {
			collector.Start(ctx)

			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Pool: "erigon"})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendSelected, Pool: "erigon", Backend: "erigon:8545"})
			collector.Emit(metrics.MetricEvent{
				Type:     metrics.EventConnectionClosed,
				Pool:     "erigon",
				Backend:  "erigon:8545",
				Duration: 100 * time.Millisecond,
				BytesIn:  42,
				BytesOut: 84,
			})

			Eventually(func() int64 {
				return collector.Snapshot().Backends["erigon:8545"].Connections
			}).Should(Equal(int64(1)))

			snap := collector.Snapshot()
			Expect(snap.Accepted).To(Equal(int64(1)))
			Expect(snap.Pools["erigon"].Routed).To(Equal(int64(1)))
			Expect(snap.Backends["erigon:8545"].Selections).To(Equal(int64(1)))
			Expect(snap.Backends["erigon:8545"].AvgDuration).To(Equal(100 * time.Millisecond))
		})

		It("should aggregate rejections", func() {
			collector.Start(ctx)

			collector.Emit(metrics.MetricEvent{Type: metrics.EventAccessDenied})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventCapacityExceeded})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBadRequest})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventNoHealthyBackend, Pool: "prysm"})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectRetry, Backend: "prysm:3500"})

			Eventually(func() int64 {
				return collector.Snapshot().Backends["prysm:3500"].Retries
			}).Should(Equal(int64(1)))

			snap := collector.Snapshot()
			Expect(snap.Denied).To(Equal(int64(1)))
			Expect(snap.CapacityRejected).To(Equal(int64(1)))
			Expect(snap.BadRequests).To(Equal(int64(1)))
			Expect(snap.Pools["prysm"].Unavailable).To(Equal(int64(1)))
		})

		It("should track health changes", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: "prysm:3500", Healthy: true})

			Eventually(func() bool {
				return collector.Snapshot().Backends["prysm:3500"].Healthy
			}).Should(BeTrue())
		})

		It("should drain events on context cancellation", func() {
			for i := 0; i < 5; i++ {
				collector.Emit(metrics.MetricEvent{Type: metrics.EventAccessDenied})
			}

			done := make(chan struct{})
			cancel()
			go func() {
				collector.Run(ctx)
				close(done)
			}()
			Eventually(done).Should(BeClosed())

			Expect(collector.Snapshot().Denied).To(Equal(int64(5)))
		})
	})

	Describe("Handler", func() {
		It("should serve the JSON snapshot", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventAccessDenied})
			Eventually(func() int64 { return collector.Snapshot().Denied }).Should(Equal(int64(1)))

			w := httptest.NewRecorder()
			collector.Handler()(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(w.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.Denied).To(Equal(int64(1)))
		})
	})

	Describe("PrometheusHandler", func() {
		It("should expose counters and registered gauges", func() {
			Expect(collector.RegisterGauge("active_connections", "Admitted client connections.", nil,
				func() float64 { return 7 })).To(Succeed())

			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Pool: "erigon"})
			Eventually(func() int64 { return collector.Snapshot().Pools["erigon"].Routed }).Should(Equal(int64(1)))

			w := httptest.NewRecorder()
			collector.PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			body := w.Body.String()
			Expect(body).To(ContainSubstring(`gateway_requests_routed_total{pool="erigon"} 1`))
			Expect(body).To(ContainSubstring("gateway_active_connections 7"))
		})

		It("should refuse duplicate gauges", func() {
			labels := prometheus.Labels{"backend": "erigon:8545"}
			Expect(collector.RegisterGauge("backend_active_connections", "x", labels, func() float64 { return 0 })).To(Succeed())
			Expect(collector.RegisterGauge("backend_active_connections", "x", labels, func() float64 { return 0 })).NotTo(Succeed())
		})
	})
})
