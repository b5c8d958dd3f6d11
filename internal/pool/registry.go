package pool

import (
	"fmt"
	"sort"
)

// Registry indexes pools by id. It is built once at startup and read-only
// afterwards.
type Registry struct {
	pools map[string]*Pool
}

func NewRegistry(pools ...*Pool) (*Registry, error) {
	r := &Registry{pools: make(map[string]*Pool, len(pools))}
	for _, p := range pools {
		if p.ID() == "" {
			return nil, fmt.Errorf("pool id cannot be empty")
		}
		if _, dup := r.pools[p.ID()]; dup {
			return nil, fmt.Errorf("duplicate pool id %q", p.ID())
		}
		r.pools[p.ID()] = p
	}
	return r, nil
}

// Get returns the pool with the given id.
func (r *Registry) Get(id string) (*Pool, bool) {
	p, ok := r.pools[id]
	return p, ok
}

// All returns every pool sorted by id.
func (r *Registry) All() []*Pool {
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
