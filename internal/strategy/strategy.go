package strategy

import (
	"github.com/angeloszaimis/node-gateway/internal/backend"
)

// Strategy picks one backend out of an already filtered candidate list.
type Strategy interface {
	SelectBackend(backends []*backend.Backend) *backend.Backend
}
