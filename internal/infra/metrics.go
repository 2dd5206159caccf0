package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ticksReceived   atomic.Uint64
	ticksDropped    atomic.Uint64
	ordersFilled    atomic.Uint64
	ordersRejected  atomic.Uint64
	positionsClosed atomic.Uint64
	stopOuts        atomic.Uint64
	reconnects      atomic.Uint64
	errorsTotal     atomic.Uint64

	// Tick processing latency
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeSessions atomic.Int32
	upstreamUp     atomic.Int32 // 1 = connected, 0 = down
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordTick records a received tick.
func (m *Metrics) RecordTick() {
	m.ticksReceived.Add(1)
}

// RecordTickDropped records a tick the engine could not enqueue.
func (m *Metrics) RecordTickDropped() {
	m.ticksDropped.Add(1)
}

// RecordTickLatency records how long the engine spent on one tick.
func (m *Metrics) RecordTickLatency(d time.Duration) {
	m.latencySumNs.Add(d.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordOrderFilled records a filled order.
func (m *Metrics) RecordOrderFilled() {
	m.ordersFilled.Add(1)
}

// RecordOrderRejected records an order rejected by validation or margin.
func (m *Metrics) RecordOrderRejected() {
	m.ordersRejected.Add(1)
}

// RecordClose records a closed position, counting stop-outs separately.
func (m *Metrics) RecordClose(stopOut bool) {
	m.positionsClosed.Add(1)
	if stopOut {
		m.stopOuts.Add(1)
	}
}

// RecordReconnect records an upstream reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementSessions increments active client sessions by 1.
func (m *Metrics) IncrementSessions() {
	m.activeSessions.Add(1)
}

// DecrementSessions decrements active client sessions by 1.
func (m *Metrics) DecrementSessions() {
	m.activeSessions.Add(-1)
}

// SetUpstreamState sets the upstream connection state.
func (m *Metrics) SetUpstreamState(up bool) {
	if up {
		m.upstreamUp.Store(1)
	} else {
		m.upstreamUp.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TicksReceived   uint64    `json:"ticksReceived"`
	TicksDropped    uint64    `json:"ticksDropped"`
	OrdersFilled    uint64    `json:"ordersFilled"`
	OrdersRejected  uint64    `json:"ordersRejected"`
	PositionsClosed uint64    `json:"positionsClosed"`
	StopOuts        uint64    `json:"stopOuts"`
	Reconnects      uint64    `json:"reconnects"`
	ErrorsTotal     uint64    `json:"errorsTotal"`
	AvgTickLatency  int64     `json:"avgTickLatencyNs"`
	ActiveSessions  int32     `json:"activeSessions"`
	UpstreamUp      bool      `json:"upstreamUp"`
	Timestamp       time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		TicksReceived:   m.ticksReceived.Load(),
		TicksDropped:    m.ticksDropped.Load(),
		OrdersFilled:    m.ordersFilled.Load(),
		OrdersRejected:  m.ordersRejected.Load(),
		PositionsClosed: m.positionsClosed.Load(),
		StopOuts:        m.stopOuts.Load(),
		Reconnects:      m.reconnects.Load(),
		ErrorsTotal:     m.errorsTotal.Load(),
		AvgTickLatency:  avgLatency,
		ActiveSessions:  m.activeSessions.Load(),
		UpstreamUp:      m.upstreamUp.Load() == 1,
		Timestamp:       time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ticksReceived.Store(0)
	m.ticksDropped.Store(0)
	m.ordersFilled.Store(0)
	m.ordersRejected.Store(0)
	m.positionsClosed.Store(0)
	m.stopOuts.Store(0)
	m.reconnects.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeSessions.Store(0)
	m.upstreamUp.Store(0)
}
