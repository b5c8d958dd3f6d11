package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-gateway/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("connection counters", func() {
		It("should count accepted, denied, rejected and bad requests", func() {
			m.IncrementAccepted()
			m.IncrementAccepted()
			m.IncrementDenied()
			m.IncrementCapacityRejected()
			m.IncrementBadRequests()

			snap := m.Snapshot()
			Expect(snap.Accepted).To(Equal(int64(2)))
			Expect(snap.Denied).To(Equal(int64(1)))
			Expect(snap.CapacityRejected).To(Equal(int64(1)))
			Expect(snap.BadRequests).To(Equal(int64(1)))
		})
	})

	Describe("pool counters", func() {
		It("should track routed and unavailable per pool", func() {
			m.RecordRouted("erigon")
			m.RecordRouted("erigon")
			m.RecordRouted("prysm")
			m.RecordUnavailable("prysm")

			snap := m.Snapshot()
			Expect(snap.Pools["erigon"]).To(Equal(metrics.PoolMetrics{Routed: 2}))
			Expect(snap.Pools["prysm"]).To(Equal(metrics.PoolMetrics{Routed: 1, Unavailable: 1}))
		})
	})

	Describe("backend counters", func() {
		It("should track selections and retries per backend", func() {
			m.RecordBackendSelection("erigon", "erigon:8545")
			m.RecordBackendSelection("erigon", "erigon:8545")
			m.RecordRetry("erigon:8545")

			bm := m.Snapshot().Backends["erigon:8545"]
			Expect(bm.Selections).To(Equal(int64(2)))
			Expect(bm.Retries).To(Equal(int64(1)))
		})

		It("should compute duration statistics and byte totals", func() {
			for i := 1; i <= 100; i++ {
				m.RecordConnection("erigon:8545", time.Duration(i)*time.Millisecond, 10, 20)
			}

			bm := m.Snapshot().Backends["erigon:8545"]
			Expect(bm.Connections).To(Equal(int64(100)))
			Expect(bm.BytesIn).To(Equal(int64(1000)))
			Expect(bm.BytesOut).To(Equal(int64(2000)))
			Expect(bm.AvgDuration).To(Equal(50500 * time.Microsecond))
			Expect(bm.P50Duration).To(Equal(51 * time.Millisecond))
			Expect(bm.P99Duration).To(Equal(100 * time.Millisecond))
		})

		It("should keep counting connections past the sample window", func() {
			for i := 0; i < 1500; i++ {
				m.RecordConnection("erigon:8545", time.Millisecond, 1, 0)
			}

			bm := m.Snapshot().Backends["erigon:8545"]
			Expect(bm.Connections).To(Equal(int64(1500)))
			Expect(bm.BytesIn).To(Equal(int64(1500)))
		})

		It("should compute latency over the most recent samples only", func() {
			for i := 0; i < 500; i++ {
				m.RecordConnection("erigon:8545", 100*time.Millisecond, 0, 0)
			}
			for i := 0; i < 1000; i++ {
				m.RecordConnection("erigon:8545", time.Millisecond, 0, 0)
			}

			bm := m.Snapshot().Backends["erigon:8545"]
			Expect(bm.AvgDuration).To(Equal(time.Millisecond))
			Expect(bm.P99Duration).To(Equal(time.Millisecond))
		})

		It("should keep the latest health status", func() {
			m.UpdateHealthStatus("prysm:3500", true)
			m.UpdateHealthStatus("prysm:3500", false)
			Expect(m.Snapshot().Backends["prysm:3500"].Healthy).To(BeFalse())
		})
	})

	It("should report uptime", func() {
		time.Sleep(5 * time.Millisecond)
		Expect(m.Snapshot().Uptime).To(BeNumerically(">=", 5*time.Millisecond))
	})
})
