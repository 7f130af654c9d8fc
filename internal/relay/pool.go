package relay

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/keanuklestil/quoin/internal/config"
	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/filter"
	"github.com/keanuklestil/quoin/internal/signer"
	"github.com/keanuklestil/quoin/internal/storage"
	"github.com/keanuklestil/quoin/internal/transport"
)

// AddOptions configures a single relay attached to a Pool.
type AddOptions struct {
	Read     bool
	Write    bool
	AutoAuth bool
	Policy   *Policy
}

// Pool holds a mapping of relay url to Engine and fans operations out
// across the set of relays that carry the relevant read/write flag
// (spec §4.7). relays is read far more often than written — every
// SendEvent/SubscribeAll/Reconcile call ranges over it from its own
// goroutine — so it's backed by xsync's lock-free map rather than a
// mutex-guarded one.
type Pool struct {
	relays *xsync.MapOf[string, *Engine]

	transport transport.Transport
	cfg       *config.Config
	store     storage.Store
	signer    signer.Signer
	bus       *Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool builds an empty Pool bound to a single store/signer/transport
// triple shared by every relay it manages.
func NewPool(tr transport.Transport, cfg *config.Config, store storage.Store, s signer.Signer) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		relays:    xsync.NewMapOf[string, *Engine](),
		transport: tr,
		cfg:       cfg,
		store:     store,
		signer:    s,
		bus:       NewBroadcaster(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers a reader on the pool's aggregate notification bus
// (distinct from any one relay's own bus — the pool bus carries everything
// published by every managed Engine, since they share the same Broadcaster).
func (p *Pool) Subscribe() (<-chan Notification, func()) { return p.bus.Subscribe() }

// Add attaches a relay and starts its connection lifecycle in a new
// goroutine.
func (p *Pool) Add(url string, opts AddOptions) *Engine {
	e := NewEngine(url, p.transport, p.cfg, p.store, p.signer, opts.Policy, p.bus)
	e.CanRead = opts.Read
	e.CanWrite = opts.Write
	e.AutoAuth = opts.AutoAuth
	existing, loaded := p.relays.LoadOrStore(url, e)
	if loaded {
		return existing
	}

	go e.Run(p.ctx)
	log.Printf("[Pool] added relay %s (read=%v write=%v)", url, opts.Read, opts.Write)
	return e
}

// Remove terminates and forgets a relay.
func (p *Pool) Remove(url string) {
	e, ok := p.relays.LoadAndDelete(url)
	if ok {
		e.Terminate()
		log.Printf("[Pool] removed relay %s", url)
	}
}

// Engine returns the Engine for a given relay url, if attached.
func (p *Pool) Engine(url string) (*Engine, bool) {
	return p.relays.Load(url)
}

// writeTargets/readTargets return a snapshot of the relays carrying the
// corresponding flag.
func (p *Pool) writeTargets() []*Engine { return p.targetsWhere(func(e *Engine) bool { return e.CanWrite }) }
func (p *Pool) readTargets() []*Engine  { return p.targetsWhere(func(e *Engine) bool { return e.CanRead }) }

func (p *Pool) targetsWhere(pred func(*Engine) bool) []*Engine {
	out := make([]*Engine, 0, p.relays.Size())
	p.relays.Range(func(_ string, e *Engine) bool {
		if pred(e) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// relaysForEvent honors the per-event "r" tag routing convention (spec §6):
// a tagged event only goes to its named relays, restricted to the write
// set; an untagged event goes to every write relay.
func (p *Pool) relaysForEvent(ev *event.Event) []*Engine {
	var tagged []string
	for _, t := range ev.Tags {
		if t.Name() != "r" || len(t) < 2 {
			continue
		}
		mode := ""
		if len(t) >= 3 {
			mode = t[2]
		}
		if mode == "" || mode == "write" {
			tagged = append(tagged, t[1])
		}
	}
	if len(tagged) == 0 {
		return p.writeTargets()
	}
	want := make(map[string]struct{}, len(tagged))
	for _, u := range tagged {
		want[strings.TrimSpace(u)] = struct{}{}
	}
	out := make([]*Engine, 0, len(want))
	for url := range want {
		if e, ok := p.relays.Load(url); ok && e.CanWrite {
			out = append(out, e)
		}
	}
	return out
}

// PublishResult is the per-relay outcome of a fan-out publish (spec §4.7,
// §7): published carries the relays that accepted the event; notPublished
// maps the rest to their failure reason.
type PublishResult struct {
	Published    map[string]struct{}
	NotPublished map[string]error
}

// SendEvent publishes ev to every eligible write relay (per the "r" tag
// routing convention), aggregating per-relay outcomes.
func (p *Pool) SendEvent(ctx context.Context, ev *event.Event) *PublishResult {
	targets := p.relaysForEvent(ev)
	res := &PublishResult{Published: make(map[string]struct{}), NotPublished: make(map[string]error)}
	if len(targets) == 0 {
		return res
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, e := range targets {
		go func(e *Engine) {
			defer wg.Done()
			err := e.PublishEvent(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.NotPublished[e.URL] = err
			} else {
				res.Published[e.URL] = struct{}{}
			}
		}(e)
	}
	wg.Wait()
	return res
}

// SubscribeAll opens the same subscription on every read relay, returning
// the per-relay subscription id and any per-relay failure.
func (p *Pool) SubscribeAll(f *filter.Filter, opts SubscribeOptions) (map[string]string, map[string]error) {
	targets := p.readTargets()
	ids := make(map[string]string, len(targets))
	errs := make(map[string]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, e := range targets {
		go func(e *Engine) {
			defer wg.Done()
			id, err := e.Subscribe(f, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[e.URL] = err
				return
			}
			ids[e.URL] = id
		}(e)
	}
	wg.Wait()
	return ids, errs
}

// UnsubscribeAll closes a subscription id on every relay that opened it.
func (p *Pool) UnsubscribeAll(idsByRelay map[string]string) {
	for url, id := range idsByRelay {
		if e, ok := p.Engine(url); ok {
			_ = e.Unsubscribe(id)
		}
	}
}

// Reconcile runs a Negentropy sync against every read relay and aggregates
// the results.
func (p *Pool) Reconcile(ctx context.Context, f *filter.Filter, opts SyncOptions) map[string]*Reconciliation {
	targets := p.readTargets()
	out := make(map[string]*Reconciliation, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, e := range targets {
		go func(e *Engine) {
			defer wg.Done()
			res, err := e.Sync(ctx, f, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[Pool] reconcile against %s failed: %v", e.URL, err)
				return
			}
			out[e.URL] = res
		}(e)
	}
	wg.Wait()
	return out
}

// Shutdown terminates every relay and closes the pool's broadcast bus.
func (p *Pool) Shutdown() {
	relays := make([]*Engine, 0, p.relays.Size())
	p.relays.Range(func(_ string, e *Engine) bool {
		relays = append(relays, e)
		return true
	})

	for _, e := range relays {
		e.Terminate()
	}
	p.cancel()
	p.bus.Close()
}
