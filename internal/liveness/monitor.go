package liveness

import (
	"sync"
	"time"

	"main/internal/schema"
)

// Config defines ping cadence and failure policy.
type Config struct {
	// PingInterval is the cadence of liveness pings. Default 5s.
	PingInterval time.Duration
	// Window is the sliding window for RTT and uptime stats. Default 60s.
	Window time.Duration
	// DisconnectAfter is the consecutive failed-ping count that drops a
	// link. Default 3.
	DisconnectAfter int
	// MaxReconnectAttempts before a peer is marked Failed. Default 10.
	MaxReconnectAttempts int
	// BackoffMin/BackoffMax bound the reconnect backoff. Defaults 1s/2m.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (cfg *Config) init() {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.DisconnectAfter <= 0 {
		cfg.DisconnectAfter = 3
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
}

type sample struct {
	at    time.Time
	rttMs float64
}

type outcome struct {
	at time.Time
	ok bool
}

type peerHealth struct {
	status schema.PeerConnectionStatus

	// pending maps sent ping timestamps to their deadline.
	pending map[int64]time.Time

	samples  []sample
	outcomes []outcome

	pingCount   uint64
	failedPings uint64

	consecutiveFailures int
	reconnectAttempts   int

	currentRTTMs  float64
	lastPingAt    int64
	lastAttemptAt int64
}

// Monitor tracks per-peer liveness: ping bookkeeping, RTT stats in a sliding
// window, and connection status transitions.
type Monitor struct {
	cfg Config

	mu    sync.Mutex
	peers map[string]*peerHealth
}

// NewMonitor builds a monitor with defaults filled in.
func NewMonitor(cfg Config) *Monitor {
	cfg.init()
	return &Monitor{cfg: cfg, peers: make(map[string]*peerHealth)}
}

// Interval returns the configured ping cadence.
func (m *Monitor) Interval() time.Duration { return m.cfg.PingInterval }

// Track registers a peer if not yet known.
func (m *Monitor) Track(id string) {
	m.mu.Lock()
	m.health(id)
	m.mu.Unlock()
}

// Forget drops all state for a peer.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	delete(m.peers, id)
	m.mu.Unlock()
}

// PingSent records an outbound ping. The ping fails if no pong echoes the
// timestamp within 2x the ping interval.
func (m *Monitor) PingSent(id string, timestamp int64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health(id)
	h.pending[timestamp] = now.Add(2 * m.cfg.PingInterval)
}

// PongReceived matches a pong to its ping and records the RTT. Unmatched
// pongs (late or duplicate) are ignored.
func (m *Monitor) PongReceived(id string, originalTimestamp int64, now time.Time) (rttMs float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health(id)
	if _, pending := h.pending[originalTimestamp]; !pending {
		return 0, false
	}
	delete(h.pending, originalTimestamp)

	rttMs = float64(now.UnixMilli() - originalTimestamp)
	if rttMs < 0 {
		rttMs = 0
	}
	h.currentRTTMs = rttMs
	h.pingCount++
	h.consecutiveFailures = 0
	h.lastPingAt = now.UnixMilli()
	h.samples = append(h.samples, sample{at: now, rttMs: rttMs})
	h.outcomes = append(h.outcomes, outcome{at: now, ok: true})
	m.prune(h, now)
	return rttMs, true
}

// Sweep expires overdue pings and returns the ids whose consecutive failure
// count crossed the disconnect threshold.
func (m *Monitor) Sweep(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var drop []string
	for id, h := range m.peers {
		for ts, deadline := range h.pending {
			if now.Before(deadline) {
				continue
			}
			delete(h.pending, ts)
			h.failedPings++
			h.consecutiveFailures++
			h.outcomes = append(h.outcomes, outcome{at: now, ok: false})
		}
		m.prune(h, now)
		if h.status == schema.PeerConnected && h.consecutiveFailures >= m.cfg.DisconnectAfter {
			drop = append(drop, id)
		}
	}
	return drop
}

// MarkConnecting flags a dial in flight.
func (m *Monitor) MarkConnecting(id string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health(id)
	h.status = schema.PeerConnecting
	h.lastAttemptAt = now.UnixMilli()
}

// MarkConnected flags handshake success and resets reconnect state.
func (m *Monitor) MarkConnected(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health(id)
	h.status = schema.PeerConnected
	h.reconnectAttempts = 0
	h.consecutiveFailures = 0
}

// MarkDisconnected transitions a peer to Disconnected. Returns false when
// the peer was already disconnected or failed, so close paths run once.
func (m *Monitor) MarkDisconnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health(id)
	if h.status == schema.PeerDisconnected || h.status == schema.PeerFailed {
		return false
	}
	h.status = schema.PeerDisconnected
	h.pending = make(map[int64]time.Time)
	h.currentRTTMs = 0
	return true
}

// NextAttempt computes the backoff delay before the next reconnect and
// whether the peer just exceeded its allowed attempts.
func (m *Monitor) NextAttempt(id string) (delay time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health(id)
	if h.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		h.status = schema.PeerFailed
		return 0, true
	}
	delay = m.cfg.BackoffMin << uint(h.reconnectAttempts)
	if delay > m.cfg.BackoffMax || delay <= 0 {
		delay = m.cfg.BackoffMax
	}
	h.reconnectAttempts++
	return delay, false
}

// Status reports the live health view of one peer.
func (m *Monitor) Status(id, region string, now time.Time) schema.PeerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health(id)
	m.prune(h, now)

	st := schema.PeerStatus{
		ID:            id,
		Region:        region,
		Status:        h.status,
		PingCount:     h.pingCount,
		FailedPings:   h.failedPings,
		LastPingAt:    h.lastPingAt,
		LastAttemptAt: h.lastAttemptAt,
	}
	if h.status == schema.PeerConnected {
		st.LatencyMs = h.currentRTTMs
	}

	if len(h.samples) > 0 {
		minMs, maxMs, sum := h.samples[0].rttMs, h.samples[0].rttMs, 0.0
		for _, s := range h.samples {
			if s.rttMs < minMs {
				minMs = s.rttMs
			}
			if s.rttMs > maxMs {
				maxMs = s.rttMs
			}
			sum += s.rttMs
		}
		st.AvgLatencyMs = sum / float64(len(h.samples))
		st.MinLatencyMs = minMs
		st.MaxLatencyMs = maxMs
	}

	good, total := 0, 0
	for _, o := range h.outcomes {
		total++
		if o.ok {
			good++
		}
	}
	if total > 0 {
		st.UptimePercent = float64(good) / float64(total) * 100
	}
	return st
}

func (m *Monitor) health(id string) *peerHealth {
	h, ok := m.peers[id]
	if !ok {
		h = &peerHealth{pending: make(map[int64]time.Time)}
		m.peers[id] = h
	}
	return h
}

func (m *Monitor) prune(h *peerHealth, now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for ; i < len(h.samples) && h.samples[i].at.Before(cutoff); i++ {
	}
	h.samples = h.samples[i:]

	i = 0
	for ; i < len(h.outcomes) && h.outcomes[i].at.Before(cutoff); i++ {
	}
	h.outcomes = h.outcomes[i:]
}
