package connmgr

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrCapacityExceeded is returned by Admit when the global ceiling is reached.
var ErrCapacityExceeded = errors.New("connection capacity exceeded")

// Limits are the ceilings and timeouts applied to every proxied connection.
type Limits struct {
	MaxGlobal      int
	ConnectTimeout time.Duration
	ClientTimeout  time.Duration
	ServerTimeout  time.Duration
}

// Dialer opens backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customises a Manager.
type Option func(*Manager)

// WithDialer replaces the TCP dialer used by Dial. The connect timeout is
// still applied through the context.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// Manager admits connections against the global ceiling and dials backends
// within the connect timeout. Per-backend ceilings live on the backends.
type Manager struct {
	limits Limits
	sem    *semaphore.Weighted
	active atomic.Int64
	dialer Dialer
}

func New(limits Limits, opts ...Option) *Manager {
	if limits.MaxGlobal < 1 {
		limits.MaxGlobal = 1
	}
	m := &Manager{
		limits: limits,
		sem:    semaphore.NewWeighted(int64(limits.MaxGlobal)),
		dialer: &net.Dialer{Timeout: limits.ConnectTimeout},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Admit takes a global slot without waiting. The returned release func must
// be called exactly once; extra calls are ignored.
func (m *Manager) Admit() (release func(), err error) {
	if !m.sem.TryAcquire(1) {
		return nil, ErrCapacityExceeded
	}
	m.active.Add(1)

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			m.active.Add(-1)
			m.sem.Release(1)
		}
	}, nil
}

// Active returns the number of admitted connections.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// Dial opens a TCP connection to address, bounded by the connect timeout
// and ctx.
func (m *Manager) Dial(ctx context.Context, address string) (net.Conn, error) {
	if m.limits.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.limits.ConnectTimeout)
		defer cancel()
	}
	return m.dialer.DialContext(ctx, "tcp", address)
}

// ClientConn wraps the client leg with the client idle timeout.
func (m *Manager) ClientConn(c net.Conn) net.Conn {
	return WithIdleTimeout(c, m.limits.ClientTimeout)
}

// ServerConn wraps the backend leg with the server idle timeout.
func (m *Manager) ServerConn(c net.Conn) net.Conn {
	return WithIdleTimeout(c, m.limits.ServerTimeout)
}
