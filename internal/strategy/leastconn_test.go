package strategy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-gateway/internal/backend"
	"github.com/angeloszaimis/node-gateway/internal/strategy"
)

func withConns(addr string, n int) *backend.Backend {
	b := backend.New(addr, 100, backend.Thresholds{Failure: 3, Success: 2})
	for i := 0; i < n; i++ {
		b.TryAcquire()
	}
	return b
}

var _ = Describe("Leastconn", func() {
	var strat strategy.Strategy

	BeforeEach(func() {
		strat = strategy.NewLeastConnStrategy()
	})

	Describe("SelectBackend", func() {
		It("should return nil for no candidates", func() {
			Expect(strat.SelectBackend(nil)).To(BeNil())
		})

		It("should select backend with fewest connections", func() {
			backends := []*backend.Backend{
				withConns("a:1", 3),
				withConns("b:1", 1),
				withConns("c:1", 5),
			}

			Expect(strat.SelectBackend(backends)).To(Equal(backends[1]))
		})

		It("should not mutate connection counts", func() {
			backends := []*backend.Backend{withConns("a:1", 2)}
			strat.SelectBackend(backends)
			Expect(backends[0].ActiveConnections()).To(Equal(2))
		})
	})

	DescribeTable("tie-breaking follows pool order",
		func(counts []int, want int) {
			backends := make([]*backend.Backend, len(counts))
			for i, n := range counts {
				backends[i] = withConns("b:1", n)
			}
			Expect(strat.SelectBackend(backends)).To(BeIdenticalTo(backends[want]))
		},
		Entry("all zero", []int{0, 0, 0}, 0),
		Entry("tie in the middle", []int{4, 2, 2}, 1),
		Entry("tie at the end", []int{5, 7, 1, 1}, 2),
		Entry("single", []int{9}, 0),
	)
})
