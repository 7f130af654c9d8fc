package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// PingTracker holds ping/pong liveness state for one connection.
type PingTracker struct {
	mu         sync.Mutex
	lastNonce  uint64
	replied    bool
	lastSentAt time.Time
}

// Due reports whether a new ping should be sent now, given interval.
func (p *PingTracker) Due(interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSentAt.IsZero() || time.Since(p.lastSentAt) >= interval
}

// Idle reports whether the tracker has never sent a ping, or its last ping
// was acknowledged — the precondition for "ping tracker is idle" in spec §8.
func (p *PingTracker) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSentAt.IsZero() || p.replied
}

// Sent records that a ping with the given nonce was just sent.
func (p *PingTracker) Sent(nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastNonce = nonce
	p.replied = false
	p.lastSentAt = time.Now()
}

// Ack records a pong for the given nonce, reporting whether it matched the
// outstanding ping.
func (p *PingTracker) Ack(nonce uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if nonce != p.lastNonce {
		return false
	}
	p.replied = true
	return true
}

// Outstanding reports whether the previous ping's nonce has not yet been
// acknowledged — if true when a new ping is due, the connection must be
// torn down (spec §4.6).
func (p *PingTracker) Outstanding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastSentAt.IsZero() && !p.replied
}

// ConnectionStats tracks attempts/successes/bytes/latency for one relay
// connection (spec §4.6), feeding both the health check and (adapted from
// the teacher's relay monitor) a latency history ring buffer.
type ConnectionStats struct {
	attempts     atomic.Uint64
	successes    atomic.Uint64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64

	mu             sync.Mutex
	latencyEWMA    float64
	latencyHistory *TimeSeriesRingBuffer
}

// ewmaAlpha is the smoothing factor for the latency EWMA (supplemented
// feature, §SPEC_FULL.md §4).
const ewmaAlpha = 0.3

func newConnectionStats() *ConnectionStats {
	return &ConnectionStats{latencyHistory: NewTimeSeriesRingBuffer(DefaultRingBufferSize)}
}

func (s *ConnectionStats) RecordAttempt() { s.attempts.Add(1) }
func (s *ConnectionStats) RecordSuccess() { s.successes.Add(1) }
func (s *ConnectionStats) AddBytesSent(n int) { s.bytesSent.Add(uint64(n)) }
func (s *ConnectionStats) AddBytesReceived(n int) { s.bytesRecv.Add(uint64(n)) }

// RecordLatency folds a new round-trip sample into the EWMA and history.
func (s *ConnectionStats) RecordLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencyHistory.Len() == 0 {
		s.latencyEWMA = ms
	} else {
		s.latencyEWMA = ewmaAlpha*ms + (1-ewmaAlpha)*s.latencyEWMA
	}
	s.latencyHistory.Add(time.Now().Unix(), ms)
}

// LatencyEWMA returns the current smoothed latency in milliseconds.
func (s *ConnectionStats) LatencyEWMA() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyEWMA) * time.Millisecond
}

// Attempts, Successes, and SuccessRate back the health check of spec §4.6.
func (s *ConnectionStats) Attempts() uint64  { return s.attempts.Load() }
func (s *ConnectionStats) Successes() uint64 { return s.successes.Load() }

func (s *ConnectionStats) SuccessRate() float64 {
	a := s.attempts.Load()
	if a == 0 {
		return 1.0
	}
	return float64(s.successes.Load()) / float64(a)
}
