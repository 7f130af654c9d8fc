package relay

import "sync/atomic"

// Status is the per-relay connection lifecycle state (spec §4.6).
type Status int32

const (
	StatusInitialized Status = iota
	StatusPending
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusPending:
		return "pending"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// AtomicStatus holds a Status in a lock-free atomic, so health checks and
// other fast readers never contend with the connection task's writes
// (spec §5, §9).
type AtomicStatus struct {
	v atomic.Int32
}

// Load returns the current status.
func (a *AtomicStatus) Load() Status { return Status(a.v.Load()) }

// Store sets the status unconditionally.
func (a *AtomicStatus) Store(s Status) { a.v.Store(int32(s)) }

// CompareAndSwap attempts the transition old -> new, reporting success.
func (a *AtomicStatus) CompareAndSwap(old, new Status) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}
