package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/angeloszaimis/node-gateway/internal/pool"
)

// Rule maps a path prefix to a pool.
type Rule struct {
	Prefix string
	Pool   *pool.Pool
}

// Router resolves a request path to a pool. Rules are kept sorted by
// descending prefix length; the default pool catches everything else.
//
// The matched prefix is not stripped: backends receive the original path,
// e.g. /erigon/status reaches the erigon backend as /erigon/status.
type Router struct {
	rules       []Rule
	defaultPool *pool.Pool
}

func New(rules []Rule, defaultPool *pool.Pool) (*Router, error) {
	if defaultPool == nil {
		return nil, errors.New("router: default pool is required")
	}

	sorted := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("router: rules[%d]: prefix %q must start with '/'", i, r.Prefix)
		}
		if r.Pool == nil {
			return nil, fmt.Errorf("router: rules[%d]: pool is required", i)
		}
		sorted = append(sorted, r)
	}

	// equal lengths keep configuration order
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Router{rules: sorted, defaultPool: defaultPool}, nil
}

// Match returns the pool for path. It never returns nil.
func (r *Router) Match(path string) *pool.Pool {
	for i := range r.rules {
		if strings.HasPrefix(path, r.rules[i].Prefix) {
			return r.rules[i].Pool
		}
	}
	return r.defaultPool
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Default returns the fallback pool.
func (r *Router) Default() *pool.Pool {
	return r.defaultPool
}
