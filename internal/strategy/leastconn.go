package strategy

import (
	"math"

	"github.com/angeloszaimis/node-gateway/internal/backend"
)

type leastConnStrategy struct {
}

// SelectBackend returns the candidate with the strictly smallest active
// connection count. Ties go to the earliest candidate in slice order.
func (l *leastConnStrategy) SelectBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}

	var bestBackend *backend.Backend
	bestConns := math.MaxInt

	for _, b := range backends {
		activeConns := b.ActiveConnections()
		if activeConns < bestConns {
			bestConns = activeConns
			bestBackend = b
		}
	}

	return bestBackend
}

func NewLeastConnStrategy() Strategy {
	return &leastConnStrategy{}
}
