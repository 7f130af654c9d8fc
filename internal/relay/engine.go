// Package relay implements the per-relay connection engine (spec §4.6) and
// the pool that fans operations out across many relays (spec §4.7): dialing,
// reconnect backoff, ping liveness, inbound dispatch with filtering policy,
// subscription lifecycle, NIP-42 auto-auth, and Negentropy bulk sync.
package relay

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/keanuklestil/quoin/internal/config"
	"github.com/keanuklestil/quoin/internal/corerr"
	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/signer"
	"github.com/keanuklestil/quoin/internal/storage"
	"github.com/keanuklestil/quoin/internal/transport"
	"github.com/keanuklestil/quoin/internal/wire"
)

// Engine owns one relay connection end to end: the state machine, the
// outbound queue, ping liveness, and inbound dispatch. Callers interact with
// it through Send/Subscribe/Unsubscribe/Sync; Run drives the connection
// lifecycle and must be started in its own goroutine.
type Engine struct {
	URL       string
	CanRead   bool
	CanWrite  bool
	AutoAuth  bool

	transport transport.Transport
	cfg       *config.Config
	store     storage.Store
	signer    signer.Signer
	policy    *Policy
	bus       *Broadcaster

	status AtomicStatus
	subs   *SubscriptionTable
	stats  *ConnectionStats
	ping   PingTracker

	outbound chan []byte

	mu          sync.Mutex
	sink        transport.Sink
	connectedAt time.Time
	pendingOK   map[string]chan wire.OKMsg
	authWaiters []chan struct{}

	terminate     chan struct{}
	terminateOnce sync.Once

	negMu       sync.Mutex
	negSessions map[string]*syncSession
}

// NewEngine constructs an Engine in the Initialized state. policy and signer
// may be nil: a nil policy admits everything, a nil signer disables
// auto-auth regardless of AutoAuth.
func NewEngine(url string, tr transport.Transport, cfg *config.Config, store storage.Store, s signer.Signer, policy *Policy, bus *Broadcaster) *Engine {
	if policy == nil {
		policy = NewPolicy()
	}
	e := &Engine{
		URL:         url,
		CanRead:     true,
		CanWrite:    true,
		transport:   tr,
		cfg:         cfg,
		store:       store,
		signer:      s,
		policy:      policy,
		bus:         bus,
		subs:        newSubscriptionTable(),
		stats:       newConnectionStats(),
		outbound:    make(chan []byte, cfg.OutboundQueueCap),
		pendingOK:   make(map[string]chan wire.OKMsg),
		terminate:   make(chan struct{}),
		negSessions: make(map[string]*syncSession),
	}
	e.status.Store(StatusInitialized)
	return e
}

// Status returns the current connection state.
func (e *Engine) Status() Status { return e.status.Load() }

// Attach transitions Initialized -> Pending, the pool-attach step of
// spec §4.6.
func (e *Engine) Attach() {
	e.status.CompareAndSwap(StatusInitialized, StatusPending)
}

// Run drives the connect/dispatch/reconnect lifecycle until ctx is
// cancelled or Terminate is called. It must run in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.Attach()
	for {
		if e.status.Load() == StatusTerminated {
			return
		}
		select {
		case <-ctx.Done():
			e.status.Store(StatusTerminated)
			return
		default:
		}

		e.status.Store(StatusConnecting)
		e.stats.RecordAttempt()
		sink, stream, err := e.transport.Connect(ctx, e.URL, transport.ConnectOptions{Timeout: e.cfg.ConnectTimeout})
		if err != nil {
			log.Printf("[Relay] %s: connect failed: %v", e.URL, err)
			e.status.Store(StatusDisconnected)
			if !e.sleepBeforeReconnect() {
				return
			}
			continue
		}

		e.stats.RecordSuccess()
		e.mu.Lock()
		e.sink = sink
		e.connectedAt = time.Now()
		e.mu.Unlock()
		e.status.Store(StatusConnected)
		log.Printf("[Relay] %s: connected", e.URL)
		go e.logRelayInfo(ctx)

		e.resubscribe()
		e.runConnection(ctx, sink, stream)

		e.status.CompareAndSwap(StatusConnected, StatusDisconnected)
		log.Printf("[Relay] %s: disconnected", e.URL)
		if e.status.Load() == StatusTerminated {
			return
		}
		if !e.sleepBeforeReconnect() {
			return
		}
	}
}

// runConnection drives one live connection's write/read/ping pumps until
// any of them fails, then tears the connection down.
func (e *Engine) runConnection(ctx context.Context, sink transport.Sink, stream transport.Stream) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sink.Close()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		e.writePump(connCtx, sink, cancel)
	}()
	go func() {
		defer wg.Done()
		e.readPump(connCtx, stream, cancel)
	}()
	go func() {
		defer wg.Done()
		e.pingPump(connCtx, sink, cancel)
	}()

	wg.Wait()
}

func (e *Engine) writePump(ctx context.Context, sink transport.Sink, fail func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-e.outbound:
			if !ok {
				return
			}
			if err := sink.Send(ctx, transport.Frame{Type: transport.Text, Data: raw}); err != nil {
				log.Printf("[Relay] %s: write failed: %v", e.URL, err)
				fail()
				return
			}
			e.stats.AddBytesSent(len(raw))
		}
	}
}

func (e *Engine) readPump(ctx context.Context, stream transport.Stream, fail func()) {
	for {
		frame, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[Relay] %s: read failed: %v", e.URL, err)
			}
			fail()
			return
		}
		switch frame.Type {
		case transport.Text, transport.Binary:
			e.stats.AddBytesReceived(len(frame.Data))
			e.dispatch(frame.Data, fail)
		case transport.Pong:
			e.ping.Ack(nonceFromPong(frame.Data))
		}
	}
}

func (e *Engine) pingPump(ctx context.Context, sink transport.Sink, fail func()) {
	if !e.transport.SupportsPing() {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.ping.Due(e.cfg.PingInterval) {
				continue
			}
			if e.ping.Outstanding() {
				log.Printf("[Relay] %s: ping timeout", e.URL)
				fail()
				return
			}
			nonce := rand.Uint64()
			if err := sink.Send(ctx, transport.Frame{Type: transport.Ping, Data: nonceToBytes(nonce)}); err != nil {
				fail()
				return
			}
			e.ping.Sent(nonce)
		}
	}
}

// logRelayInfo fetches the relay's NIP-11 information document and logs its
// name and supported NIPs. Best-effort: many relays don't serve one, so a
// failure is logged at most once per connection and never affects liveness.
func (e *Engine) logRelayInfo(ctx context.Context) {
	infoCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := nip11.Fetch(infoCtx, e.URL)
	if err != nil {
		log.Printf("[Relay] %s: nip11 info unavailable: %v", e.URL, err)
		return
	}
	log.Printf("[Relay] %s: info name=%q software=%q supported_nips=%v", e.URL, info.Name, info.Software, info.SupportedNIPs)
}

func nonceToBytes(n uint64) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func nonceFromPong(data []byte) uint64 {
	var n uint64
	fmt.Sscanf(string(data), "%d", &n)
	return n
}

// sleepBeforeReconnect waits out the reconnect backoff interval, returning
// false if termination was requested during the wait.
func (e *Engine) sleepBeforeReconnect() bool {
	iv := ReconnectInterval(e.stats.Attempts(), e.stats.Successes(), e.cfg.ReconnectBase, e.cfg.ReconnectMax)
	iv = applyJitter(iv, e.cfg.ReconnectJitter)
	timer := time.NewTimer(iv)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.terminate:
		e.status.Store(StatusTerminated)
		return false
	}
}

// ReconnectInterval computes the unjittered backoff interval of spec §4.6 /
// §8 scenario 5: min(base * (1 + diff/2), max), diff = attempts - successes,
// using integer division exactly as the scenario's literal arithmetic does.
func ReconnectInterval(attempts, successes uint64, base, max time.Duration) time.Duration {
	diff := int64(attempts) - int64(successes)
	if diff < 0 {
		diff = 0
	}
	factor := 1 + diff/2
	iv := base * time.Duration(factor)
	if iv > max {
		iv = max
	}
	return iv
}

// applyJitter adds uniform jitter in [-jitterMax, +jitterMax], saturating at
// zero.
func applyJitter(iv, jitterMax time.Duration) time.Duration {
	if jitterMax <= 0 {
		return iv
	}
	delta := time.Duration(rand.Int63n(int64(2*jitterMax+1))) - jitterMax
	iv += delta
	if iv < 0 {
		return 0
	}
	return iv
}

// Terminate requests an immediate, final shutdown: any pending reconnect
// sleep is cancelled and the state machine moves to Terminated.
func (e *Engine) Terminate() {
	e.terminateOnce.Do(func() {
		e.status.Store(StatusTerminated)
		close(e.terminate)
	})
	e.bus.Publish(Notification{Kind: NotifyShutdown, Relay: e.URL})
}

// HealthCheck implements the send_msg precondition of spec §4.6.
func (e *Engine) HealthCheck() error {
	switch e.status.Load() {
	case StatusInitialized:
		return corerr.New(corerr.KindNotReady, "relay not yet attached")
	case StatusConnected:
		// fall through to latency/success-rate checks below
	default:
		attempts := e.stats.Attempts()
		if attempts > uint64(e.cfg.MinHealthAttempts) && e.stats.SuccessRate() < e.cfg.MinSuccessRate {
			return corerr.New(corerr.KindNotConnected, "relay success rate below threshold")
		}
		return corerr.New(corerr.KindNotConnected, "relay not connected")
	}
	if e.cfg.MaxLatency > 0 && e.stats.LatencyEWMA() > e.cfg.MaxLatency {
		return corerr.New(corerr.KindMaxLatencyExceeded, "measured latency exceeds configured cap")
	}
	return nil
}

// enqueue puts a raw client-message frame on the outbound queue without
// blocking; a full queue reports KindQueueFull.
func (e *Engine) enqueue(raw []byte) error {
	select {
	case e.outbound <- raw:
		return nil
	default:
		return corerr.New(corerr.KindQueueFull, "outbound queue full")
	}
}

// Send health-checks the connection, then enqueues a client message.
func (e *Engine) Send(msg wire.ClientMessage) error {
	if err := e.HealthCheck(); err != nil {
		return err
	}
	raw, err := wire.EncodeClient(msg)
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidJSON, "encode client message", err)
	}
	return e.enqueue(raw)
}

// PublishEvent sends an EVENT message and waits (bounded by
// cfg.WaitForOKTimeout) for the relay's OK response.
func (e *Engine) PublishEvent(ctx context.Context, ev *event.Event) error {
	if err := e.HealthCheck(); err != nil {
		return err
	}
	if err := checkSizeAndTags(ev, e.cfg); err != nil {
		return err
	}
	ch := make(chan wire.OKMsg, 1)
	id := ev.IDHex()
	e.mu.Lock()
	e.pendingOK[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pendingOK, id)
		e.mu.Unlock()
	}()

	raw, err := wire.EncodeClient(wire.EventMsg{Event: ev})
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidJSON, "encode event", err)
	}
	if err := e.enqueue(raw); err != nil {
		return err
	}

	timeout := e.cfg.WaitForOKTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-ch:
		if !ok.OK {
			return corerr.New(corerr.KindRelayMessageNegative, ok.Message)
		}
		return nil
	case <-timer.C:
		return corerr.New(corerr.KindTimeout, "wait_for_ok exceeded its bound")
	case <-ctx.Done():
		return corerr.Wrap(corerr.KindTimeout, "context cancelled", ctx.Err())
	case <-e.terminate:
		return corerr.New(corerr.KindTerminationRequested, "relay terminated")
	}
}

func checkSizeAndTags(ev *event.Event, cfg *config.Config) error {
	if len(ev.Tags) > cfg.MaxTags {
		return corerr.New(corerr.KindTooManyTags, "event exceeds configured tag cap")
	}
	if len(ev.CanonicalForm()) > cfg.MessageMaxSize {
		return corerr.New(corerr.KindEventTooLarge, "event exceeds configured size cap")
	}
	return nil
}

// waitAuthenticated blocks until an Authenticated notification fires or ctx
// is done.
func (e *Engine) waitAuthenticated(ctx context.Context) error {
	ch := make(chan struct{})
	e.mu.Lock()
	e.authWaiters = append(e.authWaiters, ch)
	e.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) signalAuthenticated() {
	e.mu.Lock()
	waiters := e.authWaiters
	e.authWaiters = nil
	e.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// newSubID returns a fresh random subscription id.
func newSubID() string { return uuid.NewString() }
