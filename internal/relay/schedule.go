package relay

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/keanuklestil/quoin/internal/filter"
)

// ResyncJob is one registered periodic Negentropy reconciliation.
type ResyncJob struct {
	Name    string
	Filter  *filter.Filter
	Options SyncOptions
}

// Scheduler runs periodic Negentropy resyncs against a Pool on a cron
// schedule, an ambient convenience on top of the on-demand Pool.Reconcile
// (spec §6's "approximate tunables" leaves room for operator-driven bulk
// sync cadence beyond what the protocol itself mandates).
type Scheduler struct {
	pool *Pool
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler builds a Scheduler bound to pool. It does not start running
// until Start is called.
func NewScheduler(pool *Pool) *Scheduler {
	return &Scheduler{
		pool:    pool,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// AddResync registers a periodic reconciliation. spec is a standard 5-field
// cron expression evaluated in the scheduler's local time.
func (s *Scheduler) AddResync(job ResyncJob, spec string) error {
	id, err := s.cron.AddFunc(spec, func() {
		log.Printf("[Scheduler] running periodic resync %q", job.Name)
		results := s.pool.Reconcile(context.Background(), job.Filter, job.Options)
		for url, res := range results {
			log.Printf("[Scheduler] resync %q against %s: sent=%d received=%d failures=%d",
				job.Name, url, res.Sent, res.Received, res.SendFailures)
		}
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[job.Name] = id
	s.mu.Unlock()
	return nil
}

// RemoveResync cancels a previously registered job by name.
func (s *Scheduler) RemoveResync(name string) {
	s.mu.Lock()
	id, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
