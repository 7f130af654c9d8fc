package mls

import (
	"testing"

	"github.com/keanuklestil/quoin/internal/event"
)

func TestCreateAndProcessMessageRoundTrip(t *testing.T) {
	_, creator, creatorPk, _, _, mlsGroupID := newTestGroup(t)

	rumor := event.NewBuilder(event.Kind(1), "hello group").BuildRumor(creatorPk)
	wrapper, err := creator.CreateMessage(mlsGroupID, rumor)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if wrapper.Kind != event.KindMLSGroupMsg {
		t.Fatalf("expected wrapper kind %d, got %d", event.KindMLSGroupMsg, wrapper.Kind)
	}

	result, err := creator.ProcessMessage(wrapper)
	if err != nil {
		t.Fatalf("process message: %v", err)
	}
	if result.Kind != ResultApplicationMessage {
		t.Fatalf("expected ResultApplicationMessage, got %v", result.Kind)
	}
	if result.Rumor.Content != "hello group" {
		t.Fatalf("unexpected rumor content: %q", result.Rumor.Content)
	}
}

func TestProcessMessageIdempotentOnDuplicateDelivery(t *testing.T) {
	_, creator, creatorPk, _, _, mlsGroupID := newTestGroup(t)

	rumor := event.NewBuilder(event.Kind(1), "hello again").BuildRumor(creatorPk)
	wrapper, err := creator.CreateMessage(mlsGroupID, rumor)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	first, err := creator.ProcessMessage(wrapper)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	second, err := creator.ProcessMessage(wrapper)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if first.Kind != second.Kind {
		t.Fatalf("expected stable result kind across redelivery, got %v then %v", first.Kind, second.Kind)
	}
}

// TestEpochFallbackWindow exercises the documented scenario: a message
// encrypted at an earlier epoch still decrypts within the lookback window
// after the group has since advanced, and fails once it falls outside it.
func TestEpochFallbackWindow(t *testing.T) {
	_, creator, creatorPk, _, _, mlsGroupID := newTestGroup(t)

	rumor := event.NewBuilder(event.Kind(1), "sent before the group moved on").BuildRumor(creatorPk)
	staleWrapper, err := creator.CreateMessage(mlsGroupID, rumor)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	// Advance the epoch twice via self-updates, simulating the group
	// having moved forward since the message above was sent.
	if _, err := creator.SelfUpdate(mlsGroupID); err != nil {
		t.Fatalf("self update 1: %v", err)
	}
	if _, err := creator.SelfUpdate(mlsGroupID); err != nil {
		t.Fatalf("self update 2: %v", err)
	}

	result, err := creator.ProcessMessage(staleWrapper)
	if err != nil {
		t.Fatalf("expected stale message to still decrypt within lookback: %v", err)
	}
	if result.Kind != ResultApplicationMessage {
		t.Fatalf("expected ResultApplicationMessage within lookback, got %v", result.Kind)
	}

	for i := 0; i < DefaultEpochLookback+2; i++ {
		if _, err := creator.SelfUpdate(mlsGroupID); err != nil {
			t.Fatalf("self update %d: %v", i, err)
		}
	}

	result2, err := creator.ProcessMessage(staleWrapper)
	if err != nil {
		t.Fatalf("process message outside lookback should return Unprocessable, not error: %v", err)
	}
	if result2.Kind != ResultUnprocessable {
		t.Fatalf("expected ResultUnprocessable once outside the lookback window, got %v", result2.Kind)
	}
}

func TestSyncGroupMetadataMatchesLiveStateAfterUpdate(t *testing.T) {
	store, creator, _, _, _, mlsGroupID := newTestGroup(t)

	if _, err := creator.SelfUpdate(mlsGroupID); err != nil {
		t.Fatalf("self update: %v", err)
	}

	g, err := store.FindGroupByMLSGroupID(mlsGroupID)
	if err != nil {
		t.Fatalf("find group: %v", err)
	}
	lg := creator.live[string(mlsGroupID)]
	if g.Epoch != lg.epoch {
		t.Fatalf("stored epoch %d does not match live epoch %d", g.Epoch, lg.epoch)
	}

	// Corrupt the stored record, then repair it.
	g.Epoch = 999
	if err := store.SaveGroup(g); err != nil {
		t.Fatalf("save group: %v", err)
	}
	if err := creator.SyncGroupMetadataFromMLS(mlsGroupID); err != nil {
		t.Fatalf("sync group metadata: %v", err)
	}
	repaired, err := store.FindGroupByMLSGroupID(mlsGroupID)
	if err != nil {
		t.Fatalf("find group: %v", err)
	}
	if repaired.Epoch != lg.epoch {
		t.Fatalf("expected sync to repair epoch to %d, got %d", lg.epoch, repaired.Epoch)
	}
}
