package mls

import (
	"testing"

	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/signer"
	"github.com/keanuklestil/quoin/internal/storage"
)

func identity(t *testing.T) (signer.Signer, [32]byte) {
	t.Helper()
	s, err := signer.GenerateLocal()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	pk, err := s.GetPublicKey()
	if err != nil {
		t.Fatalf("get public key: %v", err)
	}
	return s, pk
}

func newTestGroup(t *testing.T) (store *storage.Memory, creator *Engine, creatorPk [32]byte, memberEngine *Engine, memberPk [32]byte, mlsGroupID []byte) {
	t.Helper()
	store = storage.NewMemory()

	_, creatorPk = identity(t)
	creator = NewEngine(store, creatorPk)

	_, memberPk = identity(t)
	memberEngine = NewEngine(store, memberPk)

	memberKP, _, err := GenerateKeyPackage(memberPk)
	if err != nil {
		t.Fatalf("generate member key package: %v", err)
	}

	g, welcomeBytes, err := creator.CreateGroup("study group", "weekly sync", []*KeyPackage{memberKP}, [][32]byte{creatorPk}, []string{"wss://relay.example"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if welcomeBytes == nil {
		t.Fatal("expected a serialized welcome")
	}
	if g.Type != storage.GroupTypeDirectMessage {
		t.Fatalf("expected a 2-member group to be classified DirectMessage, got %v", g.Type)
	}

	if _, err := DecodeWelcome(welcomeBytes); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}

	return store, creator, creatorPk, memberEngine, memberPk, g.MLSGroupID
}

func TestCreateGroupRejectsCreatorAsMember(t *testing.T) {
	store := storage.NewMemory()
	_, creatorPk := identity(t)
	creator := NewEngine(store, creatorPk)

	selfKP, _, err := GenerateKeyPackage(creatorPk)
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}

	if _, _, err := creator.CreateGroup("g", "d", []*KeyPackage{selfKP}, [][32]byte{creatorPk}, nil); err == nil {
		t.Fatal("expected error when creator is included as a member")
	}
}

func TestCreateGroupRejectsNonMemberAdmin(t *testing.T) {
	store := storage.NewMemory()
	_, creatorPk := identity(t)
	creator := NewEngine(store, creatorPk)
	_, otherAdminPk := identity(t)

	_, memberPk := identity(t)
	memberKP, _, err := GenerateKeyPackage(memberPk)
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}

	if _, _, err := creator.CreateGroup("g", "d", []*KeyPackage{memberKP}, [][32]byte{creatorPk, otherAdminPk}, nil); err == nil {
		t.Fatal("expected error when a non-creator admin is not a member")
	}
}

func TestCreateGroupPersistsGroupRecord(t *testing.T) {
	store, _, creatorPk, _, memberPk, mlsGroupID := newTestGroup(t)

	g, err := store.FindGroupByMLSGroupID(mlsGroupID)
	if err != nil {
		t.Fatalf("find group: %v", err)
	}
	if g.Epoch != 1 {
		t.Fatalf("expected epoch 1 after create, got %d", g.Epoch)
	}
	if _, ok := g.AdminPubkeys[creatorPk]; !ok {
		t.Fatal("expected creator to be an admin")
	}
	if _, ok := g.AdminPubkeys[memberPk]; ok {
		t.Fatal("did not expect member to be an admin")
	}
}

func TestAddMembersFailsWithoutLiveGroup(t *testing.T) {
	store := storage.NewMemory()
	_, creatorPk := identity(t)
	creator := NewEngine(store, creatorPk)

	_, memberPk := identity(t)
	memberKP, _, err := GenerateKeyPackage(memberPk)
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}
	g, _, err := creator.CreateGroup("g", "d", []*KeyPackage{memberKP}, [][32]byte{creatorPk}, nil)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	nonAdmin := NewEngine(store, memberPk)
	// nonAdmin never loaded the live group; loadLive itself should fail
	// before the admin check, which is the right failure for an engine
	// instance that never joined.
	if _, err := nonAdmin.AddMembers(g.MLSGroupID, nil); err == nil {
		t.Fatal("expected error for an engine with no live group state")
	}
}

func TestSelfUpdateRotatesSignatureKeyAndAdvancesEpoch(t *testing.T) {
	store, creator, _, _, _, mlsGroupID := newTestGroup(t)

	before := creator.live[string(mlsGroupID)].epoch
	result, err := creator.SelfUpdate(mlsGroupID)
	if err != nil {
		t.Fatalf("self update: %v", err)
	}
	if result.Wrapper.Kind != event.KindMLSGroupMsg {
		t.Fatalf("expected commit wrapper to be kind %d, got %d", event.KindMLSGroupMsg, result.Wrapper.Kind)
	}

	after := creator.live[string(mlsGroupID)].epoch
	if after != before+1 {
		t.Fatalf("expected epoch to advance by one, got %d -> %d", before, after)
	}

	g, err := store.FindGroupByMLSGroupID(mlsGroupID)
	if err != nil {
		t.Fatalf("find group: %v", err)
	}
	if g.Epoch != after {
		t.Fatalf("expected stored group epoch to match live epoch after sync, got %d want %d", g.Epoch, after)
	}
}

func TestRemoveMembersRequiresMatchingIdentity(t *testing.T) {
	store, creator, _, _, _, mlsGroupID := newTestGroup(t)
	_ = store

	var stranger [32]byte
	stranger[0] = 0x99
	if _, err := creator.RemoveMembers(mlsGroupID, [][32]byte{stranger}); err == nil {
		t.Fatal("expected error when no identities match a current member")
	}
}

func TestExporterSecretIsCachedPerEpoch(t *testing.T) {
	_, creator, _, _, _, mlsGroupID := newTestGroup(t)

	first, err := creator.ExporterSecret(mlsGroupID)
	if err != nil {
		t.Fatalf("exporter secret: %v", err)
	}
	second, err := creator.ExporterSecret(mlsGroupID)
	if err != nil {
		t.Fatalf("exporter secret: %v", err)
	}
	if first != second {
		t.Fatal("expected exporter secret to be stable within the same epoch")
	}

	if _, err := creator.SelfUpdate(mlsGroupID); err != nil {
		t.Fatalf("self update: %v", err)
	}
	third, err := creator.ExporterSecret(mlsGroupID)
	if err != nil {
		t.Fatalf("exporter secret: %v", err)
	}
	if third == first {
		t.Fatal("expected exporter secret to change across epochs")
	}
}
