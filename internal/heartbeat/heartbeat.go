// Package heartbeat tracks session liveness: a 25s ping / 10s pong-timeout
// policy, two consecutive misses closing the session with idle_timeout,
// and a latency sample for observability.
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/screenmcp/relay/internal/transport"
	"github.com/screenmcp/relay/internal/wire"
)

// Policy holds the heartbeat timing, overridable for tests.
type Policy struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// DefaultPolicy is the production heartbeat timing.
func DefaultPolicy() Policy {
	return Policy{PingInterval: 25 * time.Second, PongTimeout: 10 * time.Second}
}

// emaAlpha weights the most recent RTT sample; chosen so a handful of
// samples dominate the estimate without one outlier swinging it wildly.
const emaAlpha = 0.3

// Monitor tracks liveness for a single session.
type Monitor struct {
	sess   *transport.Session
	policy Policy

	mu              sync.Mutex
	lastActivity    time.Time
	pingSentAt      time.Time
	pingOutstanding bool
	misses          int

	latencyMicros atomic.Int64 // EWMA, microseconds

	stop chan struct{}
}

// NewMonitor builds a Monitor for sess; call Run in its own goroutine.
func NewMonitor(sess *transport.Session, policy Policy) *Monitor {
	return &Monitor{
		sess:         sess,
		policy:       policy,
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
	}
}

// Touch records inbound activity, resetting the idle clock; any inbound
// frame counts as liveness, not just pong.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.pingOutstanding = false
	m.misses = 0
	m.mu.Unlock()
}

// OnPong records a pong, resetting miss count and updating the latency EWMA.
func (m *Monitor) OnPong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastActivity = now
	m.misses = 0
	if m.pingOutstanding {
		rtt := now.Sub(m.pingSentAt)
		m.updateLatency(rtt)
	}
	m.pingOutstanding = false
}

func (m *Monitor) updateLatency(rtt time.Duration) {
	sample := float64(rtt.Microseconds())
	prev := float64(m.latencyMicros.Load())
	if prev == 0 {
		m.latencyMicros.Store(int64(sample))
		return
	}
	next := emaAlpha*sample + (1-emaAlpha)*prev
	m.latencyMicros.Store(int64(next))
}

// Latency returns the current EWMA round-trip estimate.
func (m *Monitor) Latency() time.Duration {
	return time.Duration(m.latencyMicros.Load()) * time.Microsecond
}

// Stop halts the monitor's background loop.
func (m *Monitor) Stop() {
	close(m.stop)
}

// Run drives the ping/timeout loop until Stop is called or the session
// closes with idle_timeout. Intended to run in its own goroutine.
func (m *Monitor) Run() {
	tick := m.policy.PongTimeout
	if m.policy.PingInterval < tick {
		tick = m.policy.PingInterval
	}
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			if m.step(now) {
				return
			}
		}
	}
}

// step evaluates one tick, returning true if the monitor should exit
// because the session was closed.
func (m *Monitor) step(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pingOutstanding {
		if now.Sub(m.pingSentAt) >= m.policy.PongTimeout {
			m.misses++
			if m.misses >= 2 {
				m.sess.CloseWithCode(wire.CloseIdleTimeout)
				return true
			}
			m.pingOutstanding = false
		}
		return false
	}

	if now.Sub(m.lastActivity) >= m.policy.PingInterval {
		m.pingSentAt = now
		m.pingOutstanding = true
		raw, err := wire.JSON.Marshal(wire.PingFrame{Type: wire.FrameTypePing})
		if err != nil || m.sess.Send(raw) != nil {
			m.sess.CloseWithCode(wire.CloseIdleTimeout)
			return true
		}
	}
	return false
}
