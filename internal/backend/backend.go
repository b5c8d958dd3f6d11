package backend

import (
	"sync"
	"sync/atomic"
)

// State is the health state of a backend as seen by the health checker.
type State int

const (
	StateUp State = iota
	StateDown
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "UP"
	case StateDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// Thresholds controls how many consecutive probe results flip the state.
type Thresholds struct {
	Failure int
	Success int
}

// Backend is one pool member: a host:port endpoint with health state,
// probe counters and an active connection count bounded by maxConns.
type Backend struct {
	address  string
	maxConns int64

	active atomic.Int64

	mutex      sync.Mutex
	state      State
	successes  int
	failures   int
	thresholds Thresholds
}

// New creates a backend for address. The backend starts Up so traffic can
// flow before the first probe completes.
func New(address string, maxConns int, thresholds Thresholds) *Backend {
	if thresholds.Failure < 1 {
		thresholds.Failure = 1
	}
	if thresholds.Success < 1 {
		thresholds.Success = 1
	}
	return &Backend{
		address:    address,
		maxConns:   int64(maxConns),
		state:      StateUp,
		thresholds: thresholds,
	}
}

// Address returns the backend host:port.
func (b *Backend) Address() string {
	return b.address
}

// MaxConnections returns the per-backend ceiling.
func (b *Backend) MaxConnections() int {
	return int(b.maxConns)
}

// TryAcquire reserves a connection slot. It fails when the backend is
// already at its ceiling.
func (b *Backend) TryAcquire() bool {
	for {
		cur := b.active.Load()
		if cur >= b.maxConns {
			return false
		}
		if b.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees a slot taken by TryAcquire. The count never drops below zero.
func (b *Backend) Release() {
	for {
		cur := b.active.Load()
		if cur <= 0 {
			return
		}
		if b.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveConnections returns the current number of active connections.
func (b *Backend) ActiveConnections() int {
	return int(b.active.Load())
}

// Saturated reports whether the backend is at its connection ceiling.
func (b *Backend) Saturated() bool {
	return b.active.Load() >= b.maxConns
}

// State returns the current health state.
func (b *Backend) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// IsHealthy returns true if the backend is Up.
func (b *Backend) IsHealthy() bool {
	return b.State() == StateUp
}

// RecordProbe feeds one probe result into the hysteresis state machine.
// A result resets the opposite counter; Up→Down needs Failure consecutive
// failures and Down→Up needs Success consecutive successes.
// Returns true if the state changed.
func (b *Backend) RecordProbe(ok bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if ok {
		b.successes++
		b.failures = 0
		if b.state == StateDown && b.successes >= b.thresholds.Success {
			b.state = StateUp
			return true
		}
		return false
	}

	b.failures++
	b.successes = 0
	if b.state == StateUp && b.failures >= b.thresholds.Failure {
		b.state = StateDown
		return true
	}
	return false
}

// Counters returns the consecutive success and failure counts.
func (b *Backend) Counters() (successes, failures int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.successes, b.failures
}

// ForceState sets the state directly and clears both counters.
func (b *Backend) ForceState(s State) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.state = s
	b.successes = 0
	b.failures = 0
}
