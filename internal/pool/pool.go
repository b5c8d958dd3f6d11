package pool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/angeloszaimis/node-gateway/internal/backend"
	"github.com/angeloszaimis/node-gateway/internal/strategy"
)

// ErrNoHealthyBackend is returned by Select when no member is Up and below
// its connection ceiling.
var ErrNoHealthyBackend = errors.New("no healthy backend")

// Pool is the ordered set of backends serving one logical service.
type Pool struct {
	id       string
	backends []*backend.Backend
	strategy strategy.Strategy
	mutex    sync.Mutex
}

// New builds a pool. Member order is kept and decides selection ties.
func New(id string, backends []*backend.Backend, strat strategy.Strategy) *Pool {
	if strat == nil {
		strat = strategy.NewLeastConnStrategy()
	}
	return &Pool{
		id:       id,
		backends: slices.Clone(backends),
		strategy: strat,
	}
}

// ID returns the pool identifier used by routing rules.
func (p *Pool) ID() string {
	return p.id
}

// Backends returns the pool members in configuration order.
func (p *Pool) Backends() []*backend.Backend {
	return slices.Clone(p.backends)
}

// Select picks a member and reserves a connection slot on it. Members that
// are Down, saturated or listed in exclude are skipped. The caller must
// call Release on the returned backend when the connection ends.
func (p *Pool) Select(exclude ...*backend.Backend) (*backend.Backend, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	candidates := p.filterCandidates(exclude)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("pool %s: %w", p.id, ErrNoHealthyBackend)
	}

	chosen := p.strategy.SelectBackend(candidates)
	if chosen == nil || !chosen.TryAcquire() {
		return nil, fmt.Errorf("pool %s: %w", p.id, ErrNoHealthyBackend)
	}

	return chosen, nil
}

// Healthy returns the number of members currently Up.
func (p *Pool) Healthy() int {
	n := 0
	for _, b := range p.backends {
		if b.IsHealthy() {
			n++
		}
	}
	return n
}

func (p *Pool) filterCandidates(exclude []*backend.Backend) []*backend.Backend {
	candidates := make([]*backend.Backend, 0, len(p.backends))

	for _, b := range p.backends {
		if !b.IsHealthy() || b.Saturated() || slices.Contains(exclude, b) {
			continue
		}
		candidates = append(candidates, b)
	}

	return candidates
}
