package negentropy

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

func mkItem(n int) Item {
	var id [32]byte
	h := sha256.Sum256(binary.BigEndian.AppendUint64(nil, uint64(n)))
	copy(id[:], h[:])
	return Item{ID: id, Timestamp: int64(1000 + n)}
}

// drive runs a full reconciliation session between two reconcilers until
// both sides report Done, accumulating the have/need sets each side reports
// about the other.
func drive(t *testing.T, local, remote *Reconciler) (localHave, localNeed [][32]byte) {
	t.Helper()

	frame, err := local.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for round := 0; round < 50; round++ {
		remoteRes, err := remote.Reconcile(frame)
		if err != nil {
			t.Fatalf("remote reconcile: %v", err)
		}
		localHave = append(localHave, remoteRes.NeedIDs...)
		localNeed = append(localNeed, remoteRes.HaveIDs...)
		if remoteRes.Reply == nil {
			return
		}

		localRes, err := local.Reconcile(remoteRes.Reply)
		if err != nil {
			t.Fatalf("local reconcile: %v", err)
		}
		localHave = append(localHave, localRes.HaveIDs...)
		localNeed = append(localNeed, localRes.NeedIDs...)
		if localRes.Reply == nil {
			return
		}
		frame = localRes.Reply
	}
	t.Fatal("reconciliation did not converge")
	return
}

func TestReconcileConverges(t *testing.T) {
	var localItems, remoteItems []Item
	for i := 0; i < 40; i++ {
		localItems = append(localItems, mkItem(i))
	}
	for i := 20; i < 60; i++ {
		remoteItems = append(remoteItems, mkItem(i))
	}

	local := New(localItems, 8)
	remote := New(remoteItems, 8)

	have, need := drive(t, local, remote)

	haveSet := make(map[[32]byte]struct{})
	for _, id := range have {
		haveSet[id] = struct{}{}
	}
	needSet := make(map[[32]byte]struct{})
	for _, id := range need {
		needSet[id] = struct{}{}
	}

	for i := 0; i < 20; i++ {
		if _, ok := haveSet[mkItem(i).ID]; !ok {
			t.Errorf("expected local to report having item %d that remote lacks", i)
		}
	}
	for i := 40; i < 60; i++ {
		if _, ok := needSet[mkItem(i).ID]; !ok {
			t.Errorf("expected local to report needing item %d that only remote has", i)
		}
	}
}

func TestSupportProbeFailed(t *testing.T) {
	if !SupportProbeFailed("ERROR: unknown cmd NEG-OPEN") {
		t.Fatal("expected heuristic match")
	}
	if SupportProbeFailed("duplicate: already have this event") {
		t.Fatal("expected no match")
	}
}
