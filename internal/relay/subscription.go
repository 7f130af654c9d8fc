package relay

import (
	"sync"
	"time"

	"github.com/keanuklestil/quoin/internal/filter"
)

// Subscription is a per-(relay, subscription-id) record (spec §3).
type Subscription struct {
	ID            string
	Filter        *filter.Filter
	SubscribedAt  time.Time
	ClosedByRelay bool
}

// SubscriptionTable is a reader-writer-disciplined map of active
// subscriptions: reads (the inbound dispatch hot path) take the read lock,
// writes (subscribe/unsubscribe) take the write lock, per spec §5/§9.
type SubscriptionTable struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func newSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{subs: make(map[string]*Subscription)}
}

func (t *SubscriptionTable) put(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[s.ID] = s
}

func (t *SubscriptionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

func (t *SubscriptionTable) get(id string) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id]
	return s, ok
}

func (t *SubscriptionTable) markClosedByRelay(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.subs[id]; ok {
		s.ClosedByRelay = true
	}
}

// all returns a snapshot of all subscriptions, safe to range over without
// holding the lock.
func (t *SubscriptionTable) all() []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}
