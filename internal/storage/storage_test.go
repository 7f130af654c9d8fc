package storage

import (
	"testing"

	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/filter"
)

func testEvent(id byte, kind event.Kind, createdAt int64) *event.Event {
	e := &event.Event{Kind: kind, CreatedAt: createdAt, Content: "x"}
	e.ID[0] = id
	return e
}

func TestSaveAndFindEventByID(t *testing.T) {
	m := NewMemory()
	e := testEvent(1, 1, 1000)

	if err := m.SaveEvent(e); err != nil {
		t.Fatalf("save event: %v", err)
	}
	got, err := m.EventByID(e.ID)
	if err != nil {
		t.Fatalf("find event: %v", err)
	}
	if got.Content != "x" {
		t.Fatalf("unexpected content: %q", got.Content)
	}

	if _, err := m.EventByID([32]byte{0xFF}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasEventIDBeenSaved(t *testing.T) {
	m := NewMemory()
	e := testEvent(2, 1, 1000)

	if saved, _ := m.HasEventIDBeenSaved(e.ID); saved {
		t.Fatal("expected unsaved event to report false")
	}
	if err := m.SaveEvent(e); err != nil {
		t.Fatalf("save event: %v", err)
	}
	if saved, _ := m.HasEventIDBeenSaved(e.ID); !saved {
		t.Fatal("expected saved event to report true")
	}
}

func TestMarkDeleted(t *testing.T) {
	m := NewMemory()
	e := testEvent(3, 1, 1000)
	if err := m.SaveEvent(e); err != nil {
		t.Fatalf("save event: %v", err)
	}

	if deleted, _ := m.HasEventIDBeenDeleted(e.ID); deleted {
		t.Fatal("expected event to not be deleted yet")
	}
	m.MarkDeleted(e.ID)
	if deleted, _ := m.HasEventIDBeenDeleted(e.ID); !deleted {
		t.Fatal("expected event to be marked deleted")
	}
}

func TestMarkCoordinateDeletedRespectsCreatedAt(t *testing.T) {
	m := NewMemory()
	coord := event.Coordinate{Kind: 30000, PubKey: [32]byte{1}, D: "x"}
	m.MarkCoordinateDeleted(coord, 2000)

	deleted, err := m.HasCoordinateBeenDeleted(coord, 1000)
	if err != nil {
		t.Fatalf("has coordinate been deleted: %v", err)
	}
	if !deleted {
		t.Fatal("expected an older replaceable event to be considered deleted")
	}

	notDeleted, err := m.HasCoordinateBeenDeleted(coord, 3000)
	if err != nil {
		t.Fatalf("has coordinate been deleted: %v", err)
	}
	if notDeleted {
		t.Fatal("expected a newer replacement to not be considered deleted")
	}
}

func TestQueryFiltersByKindAndLimit(t *testing.T) {
	m := NewMemory()
	for i := byte(0); i < 5; i++ {
		if err := m.SaveEvent(testEvent(i+10, event.Kind(1), int64(i))); err != nil {
			t.Fatalf("save event %d: %v", i, err)
		}
	}
	for i := byte(0); i < 3; i++ {
		if err := m.SaveEvent(testEvent(i+20, event.Kind(7), int64(i))); err != nil {
			t.Fatalf("save reaction %d: %v", i, err)
		}
	}

	f := filter.New()
	f.Kinds = []event.Kind{1}
	out, err := m.Query(f)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 kind-1 events, got %d", len(out))
	}

	f.Limit = 2
	limited, err := m.Query(f)
	if err != nil {
		t.Fatalf("query with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(limited))
	}
}

func TestGroupSaveAndLookupByBothIDs(t *testing.T) {
	m := NewMemory()
	g := &Group{
		MLSGroupID:   []byte("mls-group-1"),
		NostrGroupID: [32]byte{9},
		Name:         "study group",
		AdminPubkeys: map[[32]byte]struct{}{{1}: {}},
		Relays:       map[string]struct{}{"wss://relay.example": {}},
		Epoch:        1,
	}
	if err := m.SaveGroup(g); err != nil {
		t.Fatalf("save group: %v", err)
	}

	byMLS, err := m.FindGroupByMLSGroupID(g.MLSGroupID)
	if err != nil {
		t.Fatalf("find by mls id: %v", err)
	}
	if byMLS.Name != "study group" {
		t.Fatalf("unexpected name: %q", byMLS.Name)
	}

	byNostr, err := m.FindGroupByNostrGroupID(g.NostrGroupID)
	if err != nil {
		t.Fatalf("find by nostr id: %v", err)
	}
	if byNostr.MLSGroupID == nil || string(byNostr.MLSGroupID) != string(g.MLSGroupID) {
		t.Fatal("expected nostr-id lookup to return the same group record")
	}

	if _, err := m.FindGroupByMLSGroupID([]byte("does-not-exist")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown mls group id, got %v", err)
	}
}

func TestGroupRelaysDeduplicates(t *testing.T) {
	m := NewMemory()
	mlsGroupID := []byte("group-relays")
	if err := m.SaveGroupRelay(mlsGroupID, "wss://one.example"); err != nil {
		t.Fatalf("save relay: %v", err)
	}
	if err := m.SaveGroupRelay(mlsGroupID, "wss://one.example"); err != nil {
		t.Fatalf("save relay again: %v", err)
	}
	if err := m.SaveGroupRelay(mlsGroupID, "wss://two.example"); err != nil {
		t.Fatalf("save second relay: %v", err)
	}

	relays, err := m.GroupRelays(mlsGroupID)
	if err != nil {
		t.Fatalf("group relays: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("expected 2 distinct relays, got %d: %v", len(relays), relays)
	}
}

func TestSaveMessageUpsertsByID(t *testing.T) {
	m := NewMemory()
	mlsGroupID := []byte("group-msgs")
	msg := &Message{ID: [32]byte{1}, MLSGroupID: mlsGroupID, Content: "first", State: MessageCreated}
	if err := m.SaveMessage(msg); err != nil {
		t.Fatalf("save message: %v", err)
	}

	updated := &Message{ID: [32]byte{1}, MLSGroupID: mlsGroupID, Content: "updated", State: MessageProcessed}
	if err := m.SaveMessage(updated); err != nil {
		t.Fatalf("save updated message: %v", err)
	}

	msgs, err := m.Messages(mlsGroupID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected upsert to keep a single entry, got %d", len(msgs))
	}
	if msgs[0].Content != "updated" {
		t.Fatalf("expected upsert to replace content, got %q", msgs[0].Content)
	}

	found, err := m.FindMessageByEventID([32]byte{1})
	if err != nil {
		t.Fatalf("find message by event id: %v", err)
	}
	if found.State != MessageProcessed {
		t.Fatalf("expected updated state to persist, got %v", found.State)
	}
}

func TestProcessedMessageRoundTrip(t *testing.T) {
	m := NewMemory()
	wrapperID := [32]byte{7}

	if _, err := m.FindProcessedMessageByEventID(wrapperID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before any marker saved, got %v", err)
	}

	p := &ProcessedMessage{WrapperEventID: wrapperID, State: ProcessedCreated}
	if err := m.SaveProcessedMessage(p); err != nil {
		t.Fatalf("save processed message: %v", err)
	}

	got, err := m.FindProcessedMessageByEventID(wrapperID)
	if err != nil {
		t.Fatalf("find processed message: %v", err)
	}
	if got.State != ProcessedCreated {
		t.Fatalf("unexpected state: %v", got.State)
	}
}

func TestGroupExporterSecretIsScopedPerEpoch(t *testing.T) {
	m := NewMemory()
	mlsGroupID := []byte("group-secrets")

	if _, ok, err := m.GetGroupExporterSecret(mlsGroupID, 1); err != nil || ok {
		t.Fatalf("expected no secret cached for epoch 1 yet, ok=%v err=%v", ok, err)
	}

	secretEpoch1 := [32]byte{1, 2, 3}
	secretEpoch2 := [32]byte{4, 5, 6}
	if err := m.SaveGroupExporterSecret(mlsGroupID, 1, secretEpoch1); err != nil {
		t.Fatalf("save secret epoch 1: %v", err)
	}
	if err := m.SaveGroupExporterSecret(mlsGroupID, 2, secretEpoch2); err != nil {
		t.Fatalf("save secret epoch 2: %v", err)
	}

	got1, ok, err := m.GetGroupExporterSecret(mlsGroupID, 1)
	if err != nil || !ok {
		t.Fatalf("expected epoch 1 secret to be found, ok=%v err=%v", ok, err)
	}
	if got1 != secretEpoch1 {
		t.Fatal("epoch 1 secret mismatch")
	}

	got2, ok, err := m.GetGroupExporterSecret(mlsGroupID, 2)
	if err != nil || !ok {
		t.Fatalf("expected epoch 2 secret to be found, ok=%v err=%v", ok, err)
	}
	if got2 != secretEpoch2 {
		t.Fatal("epoch 2 secret mismatch")
	}
}
