package metrics

import (
	"sort"
	"sync"
	"time"
)

type Metrics struct {
	mutex            sync.RWMutex
	accepted         int64
	denied           int64
	capacityRejected int64
	badRequests      int64
	routed           map[string]int64
	unavailable      map[string]int64
	selections       map[string]int64
	retries          map[string]int64
	connections      map[string]int64
	durations        map[string][]time.Duration
	bytesIn          map[string]int64
	bytesOut         map[string]int64
	healthStatus     map[string]bool
	startTime        time.Time
}

type Snapshot struct {
	Uptime           time.Duration             `json:"uptime"`
	Accepted         int64                     `json:"accepted"`
	Denied           int64                     `json:"denied"`
	CapacityRejected int64                     `json:"capacity_rejected"`
	BadRequests      int64                     `json:"bad_requests"`
	Pools            map[string]PoolMetrics    `json:"pools"`
	Backends         map[string]BackendMetrics `json:"backends"`
}

type PoolMetrics struct {
	Routed      int64 `json:"routed"`
	Unavailable int64 `json:"unavailable"`
}

type BackendMetrics struct {
	Selections  int64         `json:"selections"`
	Retries     int64         `json:"retries"`
	Connections int64         `json:"connections"`
	Healthy     bool          `json:"healthy"`
	BytesIn     int64         `json:"bytes_in"`
	BytesOut    int64         `json:"bytes_out"`
	AvgDuration time.Duration `json:"avg_duration"`
	P50Duration time.Duration `json:"p50_duration"`
	P95Duration time.Duration `json:"p95_duration"`
	P99Duration time.Duration `json:"p99_duration"`
}

const maxSamples = 1000

func (m *Metrics) IncrementAccepted() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.accepted++
}

func (m *Metrics) IncrementDenied() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.denied++
}

func (m *Metrics) IncrementCapacityRejected() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.capacityRejected++
}

func (m *Metrics) IncrementBadRequests() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.badRequests++
}

func (m *Metrics) RecordRouted(pool string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.routed[pool]++
}

func (m *Metrics) RecordUnavailable(pool string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.unavailable[pool]++
}

// RecordBackendSelection counts a selection. The pool is implied by the
// backend address and only used for Prometheus labels.
func (m *Metrics) RecordBackendSelection(_ string, backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[backend]++
}

func (m *Metrics) RecordRetry(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retries[backend]++
}

func (m *Metrics) RecordConnection(backend string, duration time.Duration, in, out int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.connections[backend]++
	m.durations[backend] = append(m.durations[backend], duration)
	if len(m.durations[backend]) > maxSamples {
		m.durations[backend] = m.durations[backend][1:]
	}
	m.bytesIn[backend] += in
	m.bytesOut[backend] += out
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[backend] = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:           time.Since(m.startTime),
		Accepted:         m.accepted,
		Denied:           m.denied,
		CapacityRejected: m.capacityRejected,
		BadRequests:      m.badRequests,
		Pools:            make(map[string]PoolMetrics),
		Backends:         make(map[string]BackendMetrics),
	}

	for pool, n := range m.routed {
		pm := snap.Pools[pool]
		pm.Routed = n
		snap.Pools[pool] = pm
	}
	for pool, n := range m.unavailable {
		pm := snap.Pools[pool]
		pm.Unavailable = n
		snap.Pools[pool] = pm
	}

	// Collect all unique backend addresses
	allBackends := make(map[string]bool)
	for backend := range m.selections {
		allBackends[backend] = true
	}
	for backend := range m.retries {
		allBackends[backend] = true
	}
	for backend := range m.connections {
		allBackends[backend] = true
	}
	for backend := range m.healthStatus {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		bm := BackendMetrics{
			Selections:  m.selections[backend],
			Retries:     m.retries[backend],
			Connections: m.connections[backend],
			Healthy:     m.healthStatus[backend],
			BytesIn:     m.bytesIn[backend],
			BytesOut:    m.bytesOut[backend],
		}

		durations := m.durations[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgDuration = average(sorted)
			bm.P50Duration = percentile(sorted, 0.50)
			bm.P95Duration = percentile(sorted, 0.95)
			bm.P99Duration = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		routed:       make(map[string]int64),
		unavailable:  make(map[string]int64),
		selections:   make(map[string]int64),
		retries:      make(map[string]int64),
		connections:  make(map[string]int64),
		durations:    make(map[string][]time.Duration),
		bytesIn:      make(map[string]int64),
		bytesOut:     make(map[string]int64),
		healthStatus: make(map[string]bool),
		startTime:    time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
