package relay

import (
	"time"

	"github.com/keanuklestil/quoin/internal/filter"
	"github.com/keanuklestil/quoin/internal/wire"
)

// SubscribeOptions configures the auto-close behavior of spec §4.6.
type SubscribeOptions struct {
	AutoClose       bool
	AfterCount      int           // close after this many post-EOSE events
	AfterDuration   time.Duration // close this long after EOSE
	IdleTimeout     time.Duration // close after this long with no events at all
}

// Subscribe records the subscription and sends REQ. If opts requests
// auto-close, an auxiliary goroutine watches the broadcast bus and sends
// CLOSE once the configured condition is met.
func (e *Engine) Subscribe(f *filter.Filter, opts SubscribeOptions) (string, error) {
	subID := newSubID()
	sub := &Subscription{ID: subID, Filter: f, SubscribedAt: time.Now()}
	e.subs.put(sub)

	if err := e.Send(wire.ReqMsg{SubID: subID, Filter: f}); err != nil {
		e.subs.remove(subID)
		return "", err
	}

	if opts.AutoClose {
		go e.watchAutoClose(subID, opts)
	}
	return subID, nil
}

// Unsubscribe removes the subscription and sends CLOSE.
func (e *Engine) Unsubscribe(subID string) error {
	e.subs.remove(subID)
	return e.Send(wire.CloseMsg{SubID: subID})
}

// resubscribe re-sends REQ for every subscription opened before this
// connection's connected_at, per spec §4.6.
func (e *Engine) resubscribe() {
	e.mu.Lock()
	connectedAt := e.connectedAt
	e.mu.Unlock()

	for _, sub := range e.subs.all() {
		if sub.SubscribedAt.After(connectedAt) {
			continue
		}
		if sub.Filter == nil {
			continue
		}
		_ = e.Send(wire.ReqMsg{SubID: sub.ID, Filter: sub.Filter})
	}
}

// watchAutoClose implements the auto-close auxiliary task of spec §4.6:
// close on EOSE, on a post-EOSE event count, on a duration after EOSE, or on
// an idle gap, whichever comes first.
func (e *Engine) watchAutoClose(subID string, opts SubscribeOptions) {
	ch, cancel := e.bus.Subscribe()
	defer cancel()

	var afterEOSE <-chan time.Time
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if opts.IdleTimeout > 0 {
		idleTimer = time.NewTimer(opts.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}
	eventsSinceEOSE := 0
	sawEOSE := false

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Relay != e.URL && n.Relay != "" {
				continue
			}
			if opts.IdleTimeout > 0 && (n.Kind == NotifyEvent) && n.SubID == subID {
				// any traffic resets the idle window
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(opts.IdleTimeout)
			}
			switch {
			case n.Kind == NotifyEOSE && n.SubID == subID:
				sawEOSE = true
				if opts.AfterDuration > 0 {
					t := time.NewTimer(opts.AfterDuration)
					defer t.Stop()
					afterEOSE = t.C
				} else if opts.AfterCount == 0 {
					_ = e.Unsubscribe(subID)
					return
				}
			case n.Kind == NotifyEvent && n.SubID == subID && sawEOSE:
				eventsSinceEOSE++
				if opts.AfterCount > 0 && eventsSinceEOSE >= opts.AfterCount {
					_ = e.Unsubscribe(subID)
					return
				}
			case n.Kind == NotifyClosed && n.SubID == subID:
				return
			}
		case <-afterEOSE:
			_ = e.Unsubscribe(subID)
			return
		case <-idle:
			_ = e.Unsubscribe(subID)
			return
		}
	}
}
