package relay

import (
	"testing"

	"github.com/keanuklestil/quoin/internal/config"
	"github.com/keanuklestil/quoin/internal/filter"
	"github.com/keanuklestil/quoin/internal/storage"
)

func TestSchedulerAddAndRemoveResync(t *testing.T) {
	pool := NewPool(noopTransport{}, config.Default(), storage.NewMemory(), nil)
	sched := NewScheduler(pool)

	job := ResyncJob{Name: "daily", Filter: filter.New(), Options: SyncOptions{DoUp: true, DoDown: true}}
	if err := sched.AddResync(job, "0 3 * * *"); err != nil {
		t.Fatalf("AddResync: %v", err)
	}
	if _, ok := sched.entries["daily"]; !ok {
		t.Fatal("expected entry to be registered")
	}

	sched.RemoveResync("daily")
	if _, ok := sched.entries["daily"]; ok {
		t.Fatal("expected entry to be removed")
	}
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	pool := NewPool(noopTransport{}, config.Default(), storage.NewMemory(), nil)
	sched := NewScheduler(pool)
	if err := sched.AddResync(ResyncJob{Name: "bad"}, "not-a-cron-spec"); err == nil {
		t.Fatal("expected invalid cron spec to fail")
	}
}
