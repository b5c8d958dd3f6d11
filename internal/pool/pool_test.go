package pool_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/node-gateway/internal/backend"
	"github.com/angeloszaimis/node-gateway/internal/pool"
	"github.com/angeloszaimis/node-gateway/internal/strategy"
)

func newBackend(addr string, maxConns int) *backend.Backend {
	return backend.New(addr, maxConns, backend.Thresholds{Failure: 3, Success: 2})
}

func occupy(b *backend.Backend, n int) {
	for i := 0; i < n; i++ {
		Expect(b.TryAcquire()).To(BeTrue())
	}
}

var _ = Describe("Pool", func() {
	var (
		p        *pool.Pool
		backends []*backend.Backend
	)

	BeforeEach(func() {
		backends = []*backend.Backend{
			newBackend("node-a:8545", 10),
			newBackend("node-b:8545", 10),
			newBackend("node-c:8545", 10),
		}
		p = pool.New("erigon", backends, strategy.NewLeastConnStrategy())
	})

	Describe("New", func() {
		It("should keep id and member order", func() {
			Expect(p.ID()).To(Equal("erigon"))
			Expect(p.Backends()).To(Equal(backends))
		})

		It("should default to least-connections", func() {
			q := pool.New("prysm", backends, nil)
			occupy(backends[0], 1)
			b, err := q.Select()
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeIdenticalTo(backends[1]))
		})
	})

	Describe("Select", func() {
		It("should pick the member with the fewest connections", func() {
			occupy(backends[0], 3)
			occupy(backends[1], 1)
			occupy(backends[2], 5)

			b, err := p.Select()
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeIdenticalTo(backends[1]))
		})

		It("should reserve a slot on the chosen member", func() {
			b, err := p.Select()
			Expect(err).NotTo(HaveOccurred())
			Expect(b.ActiveConnections()).To(Equal(1))
		})

		It("should spread sequential selections across members", func() {
			first, _ := p.Select()
			second, _ := p.Select()
			third, _ := p.Select()
			Expect([]*backend.Backend{first, second, third}).To(ConsistOf(backends[0], backends[1], backends[2]))
		})

		It("should skip Down members", func() {
			backends[1].ForceState(backend.StateDown)
			occupy(backends[0], 4)
			occupy(backends[2], 2)

			b, err := p.Select()
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeIdenticalTo(backends[2]))
		})

		It("should skip saturated members even when Up", func() {
			small := []*backend.Backend{newBackend("a:1", 1), newBackend("b:1", 5)}
			q := pool.New("p", small, nil)
			occupy(small[0], 1)
			occupy(small[1], 3)

			b, err := q.Select()
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeIdenticalTo(small[1]))
		})

		It("should honour the exclude list", func() {
			b, err := p.Select(backends[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeIdenticalTo(backends[1]))
		})

		Context("with no healthy backends", func() {
			BeforeEach(func() {
				for _, b := range backends {
					b.ForceState(backend.StateDown)
				}
			})

			It("should return ErrNoHealthyBackend", func() {
				b, err := p.Select()
				Expect(b).To(BeNil())
				Expect(errors.Is(err, pool.ErrNoHealthyBackend)).To(BeTrue())
				Expect(p.Healthy()).To(Equal(0))
			})
		})

		Context("when every member is at its ceiling", func() {
			It("should return ErrNoHealthyBackend", func() {
				for _, b := range backends {
					occupy(b, 10)
				}
				_, err := p.Select()
				Expect(err).To(MatchError(pool.ErrNoHealthyBackend))
			})
		})

		It("should never exceed a member ceiling under contention", func() {
			tight := []*backend.Backend{newBackend("a:1", 5), newBackend("b:1", 5)}
			q := pool.New("p", tight, nil)

			var wg sync.WaitGroup
			var mu sync.Mutex
			ok := 0
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := q.Select(); err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(ok).To(Equal(10))
			Expect(tight[0].ActiveConnections()).To(Equal(5))
			Expect(tight[1].ActiveConnections()).To(Equal(5))
		})
	})
})

var _ = Describe("Registry", func() {
	It("should index pools by id", func() {
		a := pool.New("erigon", nil, nil)
		b := pool.New("prysm", nil, nil)
		r, err := pool.NewRegistry(b, a)
		Expect(err).NotTo(HaveOccurred())

		got, ok := r.Get("prysm")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(b))
		Expect(r.All()).To(Equal([]*pool.Pool{a, b}))
	})

	It("should reject duplicate ids", func() {
		_, err := pool.NewRegistry(pool.New("x", nil, nil), pool.New("x", nil, nil))
		Expect(err).To(HaveOccurred())
	})

	It("should reject empty ids", func() {
		_, err := pool.NewRegistry(pool.New("", nil, nil))
		Expect(err).To(HaveOccurred())
	})

	It("should report unknown ids", func() {
		r, _ := pool.NewRegistry()
		_, ok := r.Get("missing")
		Expect(ok).To(BeFalse())
	})
})
