package relay

import "testing"

func TestSubscriptionTablePutGetRemove(t *testing.T) {
	tbl := newSubscriptionTable()
	sub := &Subscription{ID: "s1"}
	tbl.put(sub)

	got, ok := tbl.get("s1")
	if !ok || got != sub {
		t.Fatal("expected to find subscription s1")
	}

	tbl.markClosedByRelay("s1")
	got, _ = tbl.get("s1")
	if !got.ClosedByRelay {
		t.Fatal("expected ClosedByRelay to be set")
	}

	tbl.remove("s1")
	if _, ok := tbl.get("s1"); ok {
		t.Fatal("expected subscription to be removed")
	}
}

func TestSubscriptionTableAllSnapshots(t *testing.T) {
	tbl := newSubscriptionTable()
	tbl.put(&Subscription{ID: "a"})
	tbl.put(&Subscription{ID: "b"})
	if len(tbl.all()) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(tbl.all()))
	}
}

func TestAtomicStatusCompareAndSwap(t *testing.T) {
	var s AtomicStatus
	s.Store(StatusPending)
	if !s.CompareAndSwap(StatusPending, StatusConnecting) {
		t.Fatal("expected CAS to succeed")
	}
	if s.Load() != StatusConnecting {
		t.Fatalf("expected Connecting, got %v", s.Load())
	}
	if s.CompareAndSwap(StatusPending, StatusConnected) {
		t.Fatal("expected CAS on stale value to fail")
	}
}

func TestTimeSeriesRingBufferWraps(t *testing.T) {
	rb := NewTimeSeriesRingBuffer(3)
	rb.Add(1, 10)
	rb.Add(2, 20)
	rb.Add(3, 30)
	rb.Add(4, 40) // evicts the first sample

	all := rb.GetAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 retained samples, got %d", len(all))
	}
	if all[0].Value != 20 || all[2].Value != 40 {
		t.Fatalf("unexpected ring buffer contents: %+v", all)
	}
}
