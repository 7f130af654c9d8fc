package relay

import (
	"context"
	"log"

	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/wire"
)

// dispatch is the inbound pipeline of spec §4.6: size check, partial decode
// and policy check, full decode and verification-on-first-sighting, then
// either the EVENT path or a generic RelayMessage handoff.
func (e *Engine) dispatch(raw []byte, fail func()) {
	if len(raw) > e.cfg.MessageMaxSize {
		log.Printf("[Relay] %s: oversized message (%d bytes), tearing down", e.URL, len(raw))
		fail()
		return
	}

	if pe, ok := wire.DecodePartialEvent(raw); ok {
		e.dispatchEvent(raw, pe)
		return
	}

	msg, err := wire.DecodeRelay(raw)
	if err != nil {
		log.Printf("[Relay] %s: unparseable frame: %v", e.URL, err)
		return
	}
	e.dispatchRelayMessage(msg)
}

func (e *Engine) dispatchEvent(raw []byte, pe wire.PartialEvent) {
	if pe.NumTags > e.cfg.MaxTags {
		log.Printf("[Relay] %s: dropping event %s: too many tags", e.URL, pe.ID)
		return
	}
	if reason := e.policy.Allow(pe); reason != "" {
		log.Printf("[Relay] %s: dropping event %s: %s", e.URL, pe.ID, reason)
		return
	}

	msg, err := wire.DecodeRelay(raw)
	if err != nil {
		log.Printf("[Relay] %s: event decode failed: %v", e.URL, err)
		return
	}
	rem, ok := msg.(wire.RelayEventMsg)
	if !ok {
		return
	}
	ev := rem.Event

	if deleted, _ := e.store.HasEventIDBeenDeleted(ev.ID); deleted {
		return
	}
	if coord, ok := ev.Coordinate(); ok {
		if deleted, _ := e.store.HasCoordinateBeenDeleted(coord, ev.CreatedAt); deleted {
			return
		}
	}

	firstSighting := true
	if saved, _ := e.store.HasEventIDBeenSaved(ev.ID); saved {
		firstSighting = false
	}
	if firstSighting {
		if err := ev.Verify(); err != nil {
			log.Printf("[Relay] %s: event %s failed verification: %v", e.URL, pe.ID, err)
			return
		}
	}

	if err := e.store.SaveEvent(ev); err != nil {
		log.Printf("[Relay] %s: save event %s failed: %v", e.URL, pe.ID, err)
		return
	}
	_ = e.store.EventIDSeen(ev.ID, e.URL)

	e.bus.Publish(Notification{Kind: NotifyEvent, Relay: e.URL, SubID: rem.SubID, Event: ev})
}

func (e *Engine) dispatchRelayMessage(msg wire.RelayMessage) {
	switch v := msg.(type) {
	case wire.OKMsg:
		e.mu.Lock()
		ch := e.pendingOK[v.EventID]
		e.mu.Unlock()
		if ch != nil {
			select {
			case ch <- v:
			default:
			}
		}
	case wire.EOSEMsg:
		e.bus.Publish(Notification{Kind: NotifyEOSE, Relay: e.URL, SubID: v.SubID})
	case wire.ClosedMsg:
		e.handleClosed(v)
	case wire.NoticeMsg:
		log.Printf("[Relay] %s: NOTICE: %s", e.URL, v.Message)
		e.negNoticeCheck(v.Message)
	case wire.RelayAuthMsg:
		e.handleAuthChallenge(v.Challenge)
	case wire.CountReplyMsg:
		e.bus.Publish(Notification{Kind: NotifyMessage, Relay: e.URL, SubID: v.SubID})
	case wire.NegMsgReplyMsg:
		e.handleNegMsg(v)
	case wire.NegErrMsg:
		e.handleNegErr(v)
	default:
		_ = v
	}
}

func (e *Engine) handleClosed(v wire.ClosedMsg) {
	e.subs.markClosedByRelay(v.SubID)
	if prefix, reason, ok := wire.ParsePrefix(v.Message); ok && prefix == wire.PrefixAuthRequired && e.AutoAuth && e.signer != nil {
		sub, found := e.subs.get(v.SubID)
		if !found {
			return
		}
		go e.reauthAndResubscribeOnce(v.SubID, sub, reason)
		return
	}
	e.bus.Publish(Notification{Kind: NotifyClosed, Relay: e.URL, SubID: v.SubID, Message: v.Message})
}

// handleAuthChallenge implements NIP-42 auto-auth: build and sign a kind
// 22242 event tagged with the relay url and challenge, send it, then signal
// every waiter and trigger a resubscribe pass. Waiters are signalled as soon
// as the AUTH message is queued: the relay's OK for the auth event is not
// awaited, so a rejected auth is still reported as Authenticated.
func (e *Engine) handleAuthChallenge(challenge string) {
	if !e.AutoAuth || e.signer == nil {
		return
	}
	go func() {
		built, err := event.NewBuilder(event.KindClientAuth, "").
			Tag(event.Tag{"relay", e.URL}).
			Tag(event.Tag{"challenge", challenge}).
			Sign(e.signer)
		if err != nil {
			log.Printf("[Relay] %s: auth sign failed: %v", e.URL, err)
			return
		}
		if err := e.Send(wire.AuthMsg{Event: built}); err != nil {
			log.Printf("[Relay] %s: auth send failed: %v", e.URL, err)
			return
		}
		e.signalAuthenticated()
		e.bus.Publish(Notification{Kind: NotifyAuthenticated, Relay: e.URL})
		e.resubscribe()
	}()
}

func (e *Engine) reauthAndResubscribeOnce(subID string, sub *Subscription, _ string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WaitForOKTimeout)
	defer cancel()
	if err := e.waitAuthenticated(ctx); err != nil {
		return
	}
	_ = e.Send(wire.ReqMsg{SubID: subID, Filter: sub.Filter})
}
