package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/keanuklestil/quoin/internal/config"
	"github.com/keanuklestil/quoin/internal/corerr"
	"github.com/keanuklestil/quoin/internal/storage"
	"github.com/keanuklestil/quoin/internal/transport"
	"github.com/keanuklestil/quoin/internal/wire"
)

// vectorRawEvent builds the literal event from spec §8 scenario 1/2, inline
// (not shared with internal/event's test so packages stay independent).
func vectorRawEvent() []byte {
	return []byte(`["EVENT","sub1",{"id":"70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5","pubkey":"379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe","created_at":1612809991,"kind":1,"tags":[],"content":"test","sig":"273a9cd5d11455590f4359500bccb7a89428262b96b3ea87a756b770964472f8c3e87f5d5e64d8d2e859a71462a3f477b554565c4f2f326cb01dd7620db71502"}]`)
}

type noopTransport struct{}

func (noopTransport) Connect(ctx context.Context, rawURL string, opts transport.ConnectOptions) (transport.Sink, transport.Stream, error) {
	return nil, nil, context.Canceled
}
func (noopTransport) SupportsPing() bool { return true }

func newTestEngine(t *testing.T) (*Engine, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	cfg := config.Default()
	e := NewEngine("wss://example.test", noopTransport{}, cfg, store, nil, nil, NewBroadcaster())
	return e, store
}

func TestReconnectIntervalScenario5(t *testing.T) {
	got := ReconnectInterval(5, 0, 10*time.Second, 60*time.Second)
	if got != 30*time.Second {
		t.Fatalf("ReconnectInterval(5,0,...) = %v, want 30s", got)
	}
}

func TestReconnectIntervalSaturatesAtMax(t *testing.T) {
	got := ReconnectInterval(100, 0, 10*time.Second, 60*time.Second)
	if got != 60*time.Second {
		t.Fatalf("expected saturation at max, got %v", got)
	}
}

func TestReconnectIntervalNoFailures(t *testing.T) {
	got := ReconnectInterval(3, 3, 10*time.Second, 60*time.Second)
	if got != 10*time.Second {
		t.Fatalf("diff=0 should give base interval, got %v", got)
	}
}

func TestHealthCheckInitialized(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.HealthCheck()
	if !corerr.Is(err, corerr.KindNotReady) {
		t.Fatalf("expected NotReady, got %v", err)
	}
}

func TestHealthCheckNotConnected(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Attach()
	err := e.HealthCheck()
	if !corerr.Is(err, corerr.KindNotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestHealthCheckLowSuccessRate(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Attach()
	for i := 0; i < 25; i++ {
		e.stats.RecordAttempt()
	}
	e.stats.RecordSuccess() // 1/25 success rate, well under 0.5
	err := e.HealthCheck()
	if !corerr.Is(err, corerr.KindNotConnected) {
		t.Fatalf("expected NotConnected from low success rate, got %v", err)
	}
}

func TestHealthCheckConnectedOK(t *testing.T) {
	e, _ := newTestEngine(t)
	e.status.Store(StatusConnected)
	if err := e.HealthCheck(); err != nil {
		t.Fatalf("expected healthy connected engine, got %v", err)
	}
}

func TestHealthCheckLatencyExceeded(t *testing.T) {
	e, _ := newTestEngine(t)
	e.status.Store(StatusConnected)
	e.stats.RecordLatency(10 * time.Second) // cfg.MaxLatency default is 5s
	if err := e.HealthCheck(); !corerr.Is(err, corerr.KindMaxLatencyExceeded) {
		t.Fatalf("expected MaximumLatencyExceeded, got %v", err)
	}
}

func TestDispatchEventSavesAndNotifiesOnFirstSighting(t *testing.T) {
	e, store := newTestEngine(t)
	ch, cancel := e.bus.Subscribe()
	defer cancel()

	e.dispatch(vectorRawEvent(), func() {})

	var id [32]byte
	idb, _ := hex.DecodeString("70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5")
	copy(id[:], idb)
	saved, err := store.HasEventIDBeenSaved(id)
	if err != nil || !saved {
		t.Fatalf("expected event to be saved, saved=%v err=%v", saved, err)
	}

	select {
	case n := <-ch:
		if n.Kind != NotifyEvent || n.Event == nil {
			t.Fatalf("expected Event notification, got %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestDispatchEventDropsBlacklistedID(t *testing.T) {
	e, store := newTestEngine(t)
	e.policy.BlacklistIDs["70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5"] = struct{}{}

	e.dispatch(vectorRawEvent(), func() {})

	var id [32]byte
	idb, _ := hex.DecodeString("70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5")
	copy(id[:], idb)
	saved, _ := store.HasEventIDBeenSaved(id)
	if saved {
		t.Fatal("blacklisted event should not have been saved")
	}
}

func TestDispatchEventDroppedWhenDeleted(t *testing.T) {
	e, store := newTestEngine(t)
	var id [32]byte
	idb, _ := hex.DecodeString("70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5")
	copy(id[:], idb)
	store.MarkDeleted(id)

	e.dispatch(vectorRawEvent(), func() {})

	saved, _ := store.HasEventIDBeenSaved(id)
	if saved {
		t.Fatal("deleted-id event should not have been (re)saved")
	}
}

func TestDispatchRelayMessageOK(t *testing.T) {
	e, _ := newTestEngine(t)
	ch := make(chan wire.OKMsg, 1)
	e.mu.Lock()
	e.pendingOK["deadbeef"] = ch
	e.mu.Unlock()

	raw, _ := json.Marshal([]any{"OK", "deadbeef", true, ""})
	e.dispatch(raw, func() {})

	select {
	case ok := <-ch:
		if !ok.OK {
			t.Fatal("expected ok=true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OK delivery")
	}
}

func TestOversizedMessageTearsDownConnection(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.MessageMaxSize = 8
	called := false
	e.dispatch(make([]byte, 100), func() { called = true })
	if !called {
		t.Fatal("expected fail() to be invoked for an oversized frame")
	}
}
