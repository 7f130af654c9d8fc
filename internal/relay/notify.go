package relay

import (
	"sync"

	"github.com/keanuklestil/quoin/internal/event"
)

// NotificationKind distinguishes the variants carried on the broadcast bus
// (spec §4.7, §5).
type NotificationKind int

const (
	NotifyEvent NotificationKind = iota
	NotifyMessage
	NotifyAuthenticated
	NotifyEOSE
	NotifyClosed
	NotifyShutdown
	NotifyLagged
)

// Notification is one item on a relay's (or a pool's) broadcast bus.
type Notification struct {
	Kind    NotificationKind
	Relay   string
	SubID   string
	Event   *event.Event
	Message string
}

// broadcastBufferSize bounds each subscriber's lag window before it starts
// dropping notifications (spec §5: "slow subscribers lag and miss messages
// rather than block producers").
const broadcastBufferSize = 256

// Broadcaster is a lossy fan-out bus: every subscriber gets its own buffered
// channel; a full channel causes the oldest notification to be dropped and a
// Lagged marker delivered in its place, rather than blocking the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Notification]struct{})}
}

// Subscribe registers a new reader starting from the current tip. The
// caller must eventually call the returned cancel func.
func (b *Broadcaster) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, broadcastBufferSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans n out to every current subscriber, never blocking: a
// subscriber that can't keep up is sent a Lagged marker instead.
func (b *Broadcaster) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Notification{Kind: NotifyLagged, Relay: n.Relay}:
			default:
			}
		}
	}
}

// Close notifies every subscriber of shutdown and closes their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- Notification{Kind: NotifyShutdown}:
		default:
		}
		close(ch)
		delete(b.subs, ch)
	}
}
