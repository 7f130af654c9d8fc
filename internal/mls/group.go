package mls

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/keanuklestil/quoin/internal/corerr"
	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/mlsext"
	"github.com/keanuklestil/quoin/internal/storage"
)

// liveMember is one member's cryptographic material as tracked by this
// engine's live (in-memory) view of a group.
type liveMember struct {
	identity  [32]byte
	sigPub    ed25519.PublicKey
	hpkePub   [32]byte
	leafIndex uint32
}

// liveGroup is this engine's live MLS state for one group: the material
// storage.Group does not carry (member keys, the epoch secret chain).
// It exists only in process memory for the lifetime of the engine, the
// same "exclusively owned by a single engine instance per identity"
// ownership storage.Group's siblings describe; a restart loses it the way
// losing an MLS provider's keystore would, which is why exporter secrets
// are cached in storage separately rather than recomputed from this state.
type liveGroup struct {
	mlsGroupID    []byte
	selfLeafIndex uint32
	selfSigPub    ed25519.PublicKey
	selfSigPriv   ed25519.PrivateKey
	selfHPKEPub   [32]byte
	selfHPKEPriv  [32]byte
	nextLeafIndex uint32
	members       map[[32]byte]*liveMember
	epoch         uint64
	secret        [32]byte
	epochSecrets  map[uint64][32]byte // recent epochs' raw group secrets, for decrypting messages sent before the most recent commit
	data          mlsext.GroupData
}

// epochRetentionWindow bounds how many past epochs' raw secrets a live
// group keeps around. It is independent of DefaultEpochLookback (how far
// ProcessMessage will walk back); keeping
// more epochs than any configured lookback would ever use is harmless, it
// just avoids re-trimming on every commit.
const epochRetentionWindow = 64

func (lg *liveGroup) rememberSecret(epoch uint64, secret [32]byte) {
	if lg.epochSecrets == nil {
		lg.epochSecrets = make(map[uint64][32]byte)
	}
	lg.epochSecrets[epoch] = secret
	if epoch > epochRetentionWindow {
		delete(lg.epochSecrets, epoch-epochRetentionWindow-1)
	}
}

// Engine is the per-identity MLS group engine: group lifecycle, message
// send/receive, and key-package/welcome handling, all scoped to a single
// Nostr identity (spec §3's "the MLS provider is exclusively owned by a
// single engine instance per identity").
type Engine struct {
	store        storage.Store
	selfIdentity [32]byte

	mu   sync.Mutex
	live map[string]*liveGroup
}

// NewEngine builds an Engine for selfIdentity backed by store.
func NewEngine(store storage.Store, selfIdentity [32]byte) *Engine {
	return &Engine{store: store, selfIdentity: selfIdentity, live: make(map[string]*liveGroup)}
}

func (e *Engine) loadLive(mlsGroupID []byte) (*liveGroup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lg, ok := e.live[string(mlsGroupID)]
	if !ok {
		return nil, corerr.New(corerr.KindGroupNotFound, fmt.Sprintf("mls group %x not loaded", mlsGroupID))
	}
	return lg, nil
}

func (lg *liveGroup) isAdmin(identity [32]byte) bool { return lg.data.IsAdmin(identity) }

// validateGroupMembers enforces spec §4.10 step 1 / §3's group-membership
// invariant.
func validateGroupMembers(creator [32]byte, members [][32]byte, admins [][32]byte) error {
	memberSet := make(map[[32]byte]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}
	creatorIsAdmin := false
	for _, a := range admins {
		if a == creator {
			creatorIsAdmin = true
			break
		}
	}
	if !creatorIsAdmin {
		return errors.New("mls: creator must be an admin")
	}
	if _, ok := memberSet[creator]; ok {
		return errors.New("mls: creator must not be included in the member list")
	}
	for _, a := range admins {
		if a == creator {
			continue
		}
		if _, ok := memberSet[a]; !ok {
			return errors.New("mls: every non-creator admin must be a member")
		}
	}
	return nil
}

func setOfPubkeys(pks [][32]byte) map[[32]byte]struct{} {
	out := make(map[[32]byte]struct{}, len(pks))
	for _, p := range pks {
		out[p] = struct{}{}
	}
	return out
}

func setOfStrings(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

// CreateGroup implements spec §4.10's create_group: validate, generate a
// creator credential, create the group with the Nostr extension in its
// context, add the initial members, merge immediately, and persist.
func (e *Engine) CreateGroup(name, description string, memberPackages []*KeyPackage, admins [][32]byte, relays []string) (*storage.Group, []byte, error) {
	members := make([][32]byte, len(memberPackages))
	for i, kp := range memberPackages {
		members[i] = kp.Identity
	}
	if err := validateGroupMembers(e.selfIdentity, members, admins); err != nil {
		return nil, nil, err
	}

	sigPub, sigPriv, err := GenerateSignatureKeyPair()
	if err != nil {
		return nil, nil, err
	}
	hpkePub, hpkePriv, err := GenerateHPKEKeyPair()
	if err != nil {
		return nil, nil, err
	}

	mlsGroupID, err := randomID(16)
	if err != nil {
		return nil, nil, err
	}
	nostrGroupIDBytes, err := randomID(32)
	if err != nil {
		return nil, nil, err
	}
	var nostrGroupID [32]byte
	copy(nostrGroupID[:], nostrGroupIDBytes)

	data := mlsext.GroupData{
		NostrGroupID: nostrGroupID,
		Name:         name,
		Description:  description,
		Admins:       admins,
		Relays:       relays,
	}

	var secret0 [32]byte
	s0, err := randomID(32)
	if err != nil {
		return nil, nil, err
	}
	copy(secret0[:], s0)

	lg := &liveGroup{
		mlsGroupID:    mlsGroupID,
		selfLeafIndex: 0,
		selfSigPub:    sigPub,
		selfSigPriv:   sigPriv,
		selfHPKEPub:   hpkePub,
		selfHPKEPriv:  hpkePriv,
		nextLeafIndex: 1,
		members: map[[32]byte]*liveMember{
			e.selfIdentity: {identity: e.selfIdentity, sigPub: sigPub, hpkePub: hpkePub, leafIndex: 0},
		},
		epoch:  0,
		secret: secret0,
		data:   data,
	}

	newMembers := make([]*liveMember, 0, len(memberPackages))
	for _, kp := range memberPackages {
		lm := &liveMember{identity: kp.Identity, sigPub: kp.SignaturePub, hpkePub: kp.HPKEPub, leafIndex: lg.nextLeafIndex}
		lg.nextLeafIndex++
		lg.members[kp.Identity] = lm
		newMembers = append(newMembers, lm)
	}

	newSecret, err := evolveSecret(lg.secret)
	if err != nil {
		return nil, nil, err
	}
	lg.rememberSecret(0, secret0)
	lg.secret = newSecret
	lg.epoch = 1
	lg.rememberSecret(1, newSecret)

	welcome := buildWelcome(lg, newMembers)
	welcomeBytes := welcome.Encode()

	e.mu.Lock()
	e.live[string(mlsGroupID)] = lg
	e.mu.Unlock()

	groupType := storage.GroupTypeGroup
	if len(lg.members) == 2 {
		groupType = storage.GroupTypeDirectMessage
	}

	g := &storage.Group{
		MLSGroupID:   mlsGroupID,
		NostrGroupID: nostrGroupID,
		Name:         name,
		Description:  description,
		AdminPubkeys: setOfPubkeys(admins),
		Relays:       setOfStrings(relays),
		Epoch:        lg.epoch,
		Type:         groupType,
		State:        storage.GroupActive,
	}
	if err := e.store.SaveGroup(g); err != nil {
		return nil, nil, fmt.Errorf("mls: save group: %w", err)
	}
	for _, r := range relays {
		if err := e.store.SaveGroupRelay(mlsGroupID, r); err != nil {
			return nil, nil, fmt.Errorf("mls: save group relay: %w", err)
		}
	}

	if _, err := e.ExporterSecret(mlsGroupID); err != nil {
		return nil, nil, err
	}

	return g, welcomeBytes, nil
}

// ExporterSecret implements spec §4.10's exporter_secret: cache-or-derive
// the current epoch's 32-byte export, label "nostr" context "nostr".
func (e *Engine) ExporterSecret(mlsGroupID []byte) ([32]byte, error) {
	lg, err := e.loadLive(mlsGroupID)
	if err != nil {
		return [32]byte{}, err
	}
	return e.exporterSecretAt(mlsGroupID, lg.epoch, lg.secret)
}

func (e *Engine) exporterSecretAt(mlsGroupID []byte, epoch uint64, rawSecret [32]byte) ([32]byte, error) {
	if cached, ok, err := e.store.GetGroupExporterSecret(mlsGroupID, epoch); err != nil {
		return [32]byte{}, fmt.Errorf("mls: load exporter secret: %w", err)
	} else if ok {
		return cached, nil
	}
	exported, err := exportFromSecret(rawSecret, "nostr", "nostr")
	if err != nil {
		return [32]byte{}, err
	}
	if err := e.store.SaveGroupExporterSecret(mlsGroupID, epoch, exported); err != nil {
		return [32]byte{}, fmt.Errorf("mls: save exporter secret: %w", err)
	}
	return exported, nil
}

// AddMembers implements spec §4.10's add_members: admin-gated, produces a
// commit sealed under the pre-commit epoch's secret (so receivers still on
// that epoch can open it), merges immediately, and returns the signed
// kind-445 wrapper plus a serialized welcome for the new members.
func (e *Engine) AddMembers(mlsGroupID []byte, packages []*KeyPackage) (*CommitResult, error) {
	lg, err := e.loadLive(mlsGroupID)
	if err != nil {
		return nil, err
	}
	if !lg.isAdmin(e.selfIdentity) {
		return nil, corerr.New(corerr.KindOnlyAdmins, "only group admins can add members")
	}

	oldEpoch, oldSecret := lg.epoch, lg.secret
	envelopeSecret, err := e.exporterSecretAt(mlsGroupID, oldEpoch, oldSecret)
	if err != nil {
		return nil, err
	}

	newMembers := make([]*liveMember, 0, len(packages))
	for _, kp := range packages {
		lm := &liveMember{identity: kp.Identity, sigPub: kp.SignaturePub, hpkePub: kp.HPKEPub, leafIndex: lg.nextLeafIndex}
		lg.nextLeafIndex++
		newMembers = append(newMembers, lm)
	}
	payload := encodeAddPayload(newMembers)

	commitFrame := &frame{Type: ContentCommit, SenderLeaf: lg.selfLeafIndex, Epoch: oldEpoch, Payload: payload}
	commitFrame.sign(lg.selfSigPub, lg.selfSigPriv)
	sealed, err := sealFrame(oldSecret, commitFrame)
	if err != nil {
		return nil, err
	}
	wrapper, err := wrapFrame(envelopeSecret, lg.data.NostrGroupID, sealed)
	if err != nil {
		return nil, err
	}

	for _, lm := range newMembers {
		lg.members[lm.identity] = lm
	}
	lg.epoch++
	lg.secret, err = evolveSecret(oldSecret)
	if err != nil {
		return nil, err
	}
	lg.rememberSecret(oldEpoch, oldSecret)
	lg.rememberSecret(lg.epoch, lg.secret)
	welcome := buildWelcome(lg, newMembers)

	if _, err := e.ExporterSecret(mlsGroupID); err != nil {
		return nil, err
	}
	if err := e.syncGroupMetadataLocked(lg); err != nil {
		return nil, err
	}

	return &CommitResult{Wrapper: wrapper, WelcomeSerialized: welcome.Encode()}, nil
}

// RemoveMembers implements spec §4.10's remove_members.
func (e *Engine) RemoveMembers(mlsGroupID []byte, identities [][32]byte) (*CommitResult, error) {
	lg, err := e.loadLive(mlsGroupID)
	if err != nil {
		return nil, err
	}
	if !lg.isAdmin(e.selfIdentity) {
		return nil, corerr.New(corerr.KindOnlyAdmins, "only group admins can remove members")
	}

	toRemove := make([][32]byte, 0, len(identities))
	for _, id := range identities {
		if _, ok := lg.members[id]; ok {
			toRemove = append(toRemove, id)
		}
	}
	if len(toRemove) == 0 {
		return nil, errors.New("mls: no matching members found to remove")
	}

	oldEpoch, oldSecret := lg.epoch, lg.secret
	envelopeSecret, err := e.exporterSecretAt(mlsGroupID, oldEpoch, oldSecret)
	if err != nil {
		return nil, err
	}

	payload := encodeRemovePayload(toRemove)
	commitFrame := &frame{Type: ContentCommit, SenderLeaf: lg.selfLeafIndex, Epoch: oldEpoch, Payload: payload}
	commitFrame.sign(lg.selfSigPub, lg.selfSigPriv)
	sealed, err := sealFrame(oldSecret, commitFrame)
	if err != nil {
		return nil, err
	}
	wrapper, err := wrapFrame(envelopeSecret, lg.data.NostrGroupID, sealed)
	if err != nil {
		return nil, err
	}

	for _, id := range toRemove {
		delete(lg.members, id)
	}
	lg.epoch++
	lg.secret, err = evolveSecret(oldSecret)
	if err != nil {
		return nil, err
	}
	lg.rememberSecret(oldEpoch, oldSecret)
	lg.rememberSecret(lg.epoch, lg.secret)

	if _, err := e.ExporterSecret(mlsGroupID); err != nil {
		return nil, err
	}
	if err := e.syncGroupMetadataLocked(lg); err != nil {
		return nil, err
	}

	return &CommitResult{Wrapper: wrapper}, nil
}

// SelfUpdate implements spec §4.10's self_update: rotate the caller's
// leaf signature key while keeping the Nostr identity unchanged.
func (e *Engine) SelfUpdate(mlsGroupID []byte) (*CommitResult, error) {
	lg, err := e.loadLive(mlsGroupID)
	if err != nil {
		return nil, err
	}

	oldEpoch, oldSecret := lg.epoch, lg.secret
	envelopeSecret, err := e.exporterSecretAt(mlsGroupID, oldEpoch, oldSecret)
	if err != nil {
		return nil, err
	}

	newSigPub, newSigPriv, err := GenerateSignatureKeyPair()
	if err != nil {
		return nil, err
	}

	payload := encodeUpdatePayload(newSigPub)
	commitFrame := &frame{Type: ContentCommit, SenderLeaf: lg.selfLeafIndex, Epoch: oldEpoch, Payload: payload}
	commitFrame.sign(lg.selfSigPub, lg.selfSigPriv) // signed with the outgoing key, the last act of its authority
	sealed, err := sealFrame(oldSecret, commitFrame)
	if err != nil {
		return nil, err
	}
	wrapper, err := wrapFrame(envelopeSecret, lg.data.NostrGroupID, sealed)
	if err != nil {
		return nil, err
	}

	lg.selfSigPub, lg.selfSigPriv = newSigPub, newSigPriv
	if m, ok := lg.members[e.selfIdentity]; ok {
		m.sigPub = newSigPub
	}
	lg.epoch++
	lg.secret, err = evolveSecret(oldSecret)
	if err != nil {
		return nil, err
	}
	lg.rememberSecret(oldEpoch, oldSecret)
	lg.rememberSecret(lg.epoch, lg.secret)

	if _, err := e.ExporterSecret(mlsGroupID); err != nil {
		return nil, err
	}
	if err := e.syncGroupMetadataLocked(lg); err != nil {
		return nil, err
	}

	return &CommitResult{Wrapper: wrapper}, nil
}

// ProposeAddMembers builds a ContentProposal frame proposing the given
// key packages be added, wrapped as a kind-445 event. Any member may send
// a proposal; whether it is honored is decided on receipt (only an admin
// sender's proposal is applied, per spec §4.11 step 4).
func (e *Engine) ProposeAddMembers(mlsGroupID []byte, packages []*KeyPackage) (*event.Event, error) {
	newMembers := make([]*liveMember, len(packages))
	for i, kp := range packages {
		newMembers[i] = &liveMember{identity: kp.Identity, sigPub: kp.SignaturePub, hpkePub: kp.HPKEPub}
	}
	return e.proposeChange(mlsGroupID, encodeAddPayload(newMembers))
}

// ProposeRemoveMembers builds a ContentProposal frame proposing the given
// identities be removed.
func (e *Engine) ProposeRemoveMembers(mlsGroupID []byte, identities [][32]byte) (*event.Event, error) {
	return e.proposeChange(mlsGroupID, encodeRemovePayload(identities))
}

func (e *Engine) proposeChange(mlsGroupID []byte, payload []byte) (*event.Event, error) {
	lg, err := e.loadLive(mlsGroupID)
	if err != nil {
		return nil, err
	}
	envelopeSecret, err := e.ExporterSecret(mlsGroupID)
	if err != nil {
		return nil, err
	}
	proposalFrame := &frame{Type: ContentProposal, SenderLeaf: lg.selfLeafIndex, Epoch: lg.epoch, Payload: payload}
	proposalFrame.sign(lg.selfSigPub, lg.selfSigPriv)
	sealed, err := sealFrame(lg.secret, proposalFrame)
	if err != nil {
		return nil, err
	}
	return wrapFrame(envelopeSecret, lg.data.NostrGroupID, sealed)
}

// SyncGroupMetadataFromMLS implements spec §4.10's repair operation:
// re-derive the stored Group record from the live MLS extension state.
func (e *Engine) SyncGroupMetadataFromMLS(mlsGroupID []byte) error {
	lg, err := e.loadLive(mlsGroupID)
	if err != nil {
		return err
	}
	return e.syncGroupMetadataLocked(lg)
}

func (e *Engine) syncGroupMetadataLocked(lg *liveGroup) error {
	g, err := e.store.FindGroupByMLSGroupID(lg.mlsGroupID)
	if err != nil {
		return fmt.Errorf("mls: load group for sync: %w", err)
	}
	g.Epoch = lg.epoch
	g.Name = lg.data.Name
	g.Description = lg.data.Description
	g.AdminPubkeys = lg.data.AdminSet()
	return e.store.SaveGroup(g)
}

// CommitResult is the Go shape of spec §4.10's
// {commit_serialized, welcome_serialized?, group_info_serialized?}: the
// commit is already wrapped as a signed kind-445 event ready to publish,
// since every commit this engine produces is sent the same way an
// application message is (spec §4.11's wrapper format).
type CommitResult struct {
	Wrapper           *event.Event
	WelcomeSerialized []byte
}

// Commit and proposal frame payloads are tagged with a one-byte marker so
// a receiver can tell an add from a remove from a self-update without
// guessing at shape: 'A' + uint32 count + length-prefixed member-delta
// entries; 'R' + uint32 count + 32-byte identities; 'U' + the rotated
// signature public key.
const (
	payloadMarkerAdd    = 'A'
	payloadMarkerRemove = 'R'
	payloadMarkerUpdate = 'U'
)

func encodeMemberDelta(lm *liveMember) []byte {
	buf := make([]byte, 0, 32+4+len(lm.sigPub)+32)
	buf = append(buf, lm.identity[:]...)
	buf = appendVar(buf, lm.sigPub)
	buf = append(buf, lm.hpkePub[:]...)
	return buf
}

func encodeAddPayload(added []*liveMember) []byte {
	buf := []byte{payloadMarkerAdd}
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(added)))
	buf = append(buf, count[:]...)
	for _, lm := range added {
		buf = appendVar(buf, encodeMemberDelta(lm))
	}
	return buf
}

func encodeRemovePayload(removed [][32]byte) []byte {
	buf := []byte{payloadMarkerRemove}
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(removed)))
	buf = append(buf, count[:]...)
	for _, id := range removed {
		buf = append(buf, id[:]...)
	}
	return buf
}

func encodeUpdatePayload(newSigPub []byte) []byte {
	return append([]byte{payloadMarkerUpdate}, newSigPub...)
}
