package mls

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/keanuklestil/quoin/internal/corerr"
	"github.com/keanuklestil/quoin/internal/crypto"
	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/signer"
	"github.com/keanuklestil/quoin/internal/storage"
)

// DefaultEpochLookback is how many epochs behind the current one
// ProcessMessage will try before giving up (spec §4.11, §8 scenario 6).
const DefaultEpochLookback = 5

// wrapFrame seals a frame's wire bytes under envelopeSecret and wraps the
// result in a signed kind-445 event (spec §4.11 step 3-4): an ephemeral,
// single-use identity signs the wrapper so authorship isn't visible on the
// wire, with the group's nostr_group_id carried in an "h" tag.
func wrapFrame(envelopeSecret [32]byte, nostrGroupID [32]byte, sealed []byte) (*event.Event, error) {
	content, err := crypto.NIP44V2Encrypt(envelopeSecret, base64.StdEncoding.EncodeToString(sealed))
	if err != nil {
		return nil, fmt.Errorf("mls: encrypt frame envelope: %w", err)
	}
	oneTime, err := signer.GenerateLocal()
	if err != nil {
		return nil, fmt.Errorf("mls: generate wrapper identity: %w", err)
	}
	b := event.NewBuilder(event.KindMLSGroupMsg, content)
	b.Tag(event.Tag{"h", hex.EncodeToString(nostrGroupID[:])})
	return b.Sign(oneTime)
}

func unwrapFrame(envelopeSecret, epochSecret [32]byte, ev *event.Event) (*frame, error) {
	payload, err := crypto.NIP44V2Decrypt(envelopeSecret, ev.Content)
	if err != nil {
		return nil, fmt.Errorf("mls: decrypt frame envelope: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("mls: decode frame envelope: %w", err)
	}
	return openFrame(epochSecret, sealed)
}

// CreateMessage implements spec §4.11's create_message send path.
func (e *Engine) CreateMessage(mlsGroupID []byte, rumor *event.Event) (*event.Event, error) {
	lg, err := e.loadLive(mlsGroupID)
	if err != nil {
		return nil, err
	}
	g, err := e.store.FindGroupByMLSGroupID(mlsGroupID)
	if err != nil {
		return nil, fmt.Errorf("mls: load group: %w", err)
	}

	rumor.EnsureID()
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("mls: marshal rumor: %w", err)
	}

	appFrame := &frame{Type: ContentApplication, SenderLeaf: lg.selfLeafIndex, Epoch: lg.epoch, Payload: rumorJSON}
	appFrame.sign(lg.selfSigPub, lg.selfSigPriv)
	sealed, err := sealFrame(lg.secret, appFrame)
	if err != nil {
		return nil, err
	}
	envelopeSecret, err := e.ExporterSecret(mlsGroupID)
	if err != nil {
		return nil, err
	}
	wrapper, err := wrapFrame(envelopeSecret, lg.data.NostrGroupID, sealed)
	if err != nil {
		return nil, err
	}

	if err := e.store.SaveMessage(&storage.Message{
		ID: rumor.ID, PubKey: rumor.PubKey, Kind: rumor.Kind, MLSGroupID: mlsGroupID,
		CreatedAt: rumor.CreatedAt, Content: rumor.Content, Tags: rumor.Tags, Event: rumor,
		WrapperEventID: wrapper.ID, State: storage.MessageCreated,
	}); err != nil {
		return nil, fmt.Errorf("mls: save message: %w", err)
	}
	msgID := rumor.ID
	if err := e.store.SaveProcessedMessage(&storage.ProcessedMessage{
		WrapperEventID: wrapper.ID, MessageEventID: &msgID, ProcessedAt: rumor.CreatedAt, State: storage.ProcessedCreated,
	}); err != nil {
		return nil, fmt.Errorf("mls: save processed marker: %w", err)
	}

	g.LastMessageAt = rumor.CreatedAt
	g.LastMessageID = rumor.ID
	if err := e.store.SaveGroup(g); err != nil {
		return nil, fmt.Errorf("mls: save group: %w", err)
	}

	return wrapper, nil
}

// ResultKind distinguishes what ProcessMessage recovered from a kind-445
// wrapper (spec §4.11's MessageProcessingResult).
type ResultKind int

const (
	ResultApplicationMessage ResultKind = iota
	ResultCommit
	ResultProposalEvolution
	ResultExternalJoinProposal
	ResultUnprocessable
)

// Result is ProcessMessage's return value.
type Result struct {
	Kind           ResultKind
	Rumor          *event.Event // set for ResultApplicationMessage
	EvolutionEvent *event.Event // set for ResultProposalEvolution: the auto-generated commit wrapper to publish
	Reason         string       // set for ResultUnprocessable
}

// ProcessMessage implements spec §4.11's process_message receive path:
// epoch-fallback decrypt, content-type branching, and the idempotence /
// cannot-decrypt-own-message recovery paths.
func (e *Engine) ProcessMessage(ev *event.Event) (*Result, error) {
	if ev.Kind != event.KindMLSGroupMsg {
		return nil, fmt.Errorf("mls: expected kind %d group message, got %d", event.KindMLSGroupMsg, ev.Kind)
	}
	hTag, ok := ev.Tags.Find("h")
	if !ok {
		return nil, fmt.Errorf("mls: group message missing h tag")
	}
	nostrGroupIDBytes, err := hex.DecodeString(hTag.Value())
	if err != nil || len(nostrGroupIDBytes) != 32 {
		return nil, fmt.Errorf("mls: invalid h tag")
	}
	var nostrGroupID [32]byte
	copy(nostrGroupID[:], nostrGroupIDBytes)

	g, err := e.store.FindGroupByNostrGroupID(nostrGroupID)
	if err != nil {
		return nil, fmt.Errorf("mls: unknown group for message: %w", err)
	}
	lg, err := e.loadLive(g.MLSGroupID)
	if err != nil {
		return nil, err
	}

	f, decryptErr := e.tryDecryptWithRecentEpochs(g.MLSGroupID, lg, ev)
	if decryptErr != nil {
		return e.recoverFromDecryptFailure(lg, ev, decryptErr)
	}

	return e.processFrame(lg, ev, f)
}

func (e *Engine) tryDecryptWithRecentEpochs(mlsGroupID []byte, lg *liveGroup, ev *event.Event) (*frame, error) {
	currentSecret, err := e.exporterSecretAt(mlsGroupID, lg.epoch, lg.secret)
	if err == nil {
		if f, ferr := unwrapFrame(currentSecret, lg.secret, ev); ferr == nil {
			return f, nil
		}
	}
	var lastErr error = fmt.Errorf("mls: could not decrypt at current epoch")
	for back := uint64(1); back <= DefaultEpochLookback && back <= lg.epoch; back++ {
		epoch := lg.epoch - back
		rawSecret, ok := lg.epochSecrets[epoch]
		if !ok {
			continue
		}
		envelopeSecret, err := e.exporterSecretAt(mlsGroupID, epoch, rawSecret)
		if err != nil {
			lastErr = err
			continue
		}
		f, ferr := unwrapFrame(envelopeSecret, rawSecret, ev)
		if ferr == nil {
			return f, nil
		}
		lastErr = ferr
	}
	return nil, lastErr
}

func (e *Engine) processFrame(lg *liveGroup, ev *event.Event, f *frame) (*Result, error) {
	switch f.Type {
	case ContentApplication:
		return e.processApplicationFrame(lg, ev, f)
	case ContentProposal:
		return e.processProposalFrame(lg, ev, f)
	case ContentCommit:
		return e.processCommitFrame(lg, ev, f)
	case ContentExternalJoinProposal:
		if err := e.store.SaveProcessedMessage(&storage.ProcessedMessage{WrapperEventID: ev.ID, State: storage.ProcessedProcessed}); err != nil {
			return nil, fmt.Errorf("mls: save processed marker: %w", err)
		}
		return &Result{Kind: ResultExternalJoinProposal}, nil
	default:
		return nil, corerr.New(corerr.KindUnexpectedKind, "unrecognized frame content type")
	}
}

func (e *Engine) processApplicationFrame(lg *liveGroup, ev *event.Event, f *frame) (*Result, error) {
	var rumor event.Event
	if err := json.Unmarshal(f.Payload, &rumor); err != nil {
		return nil, fmt.Errorf("mls: unmarshal application rumor: %w", err)
	}

	if err := e.store.SaveMessage(&storage.Message{
		ID: rumor.ID, PubKey: rumor.PubKey, Kind: rumor.Kind, MLSGroupID: lg.mlsGroupID,
		CreatedAt: rumor.CreatedAt, Content: rumor.Content, Tags: rumor.Tags, Event: &rumor,
		WrapperEventID: ev.ID, State: storage.MessageProcessed,
	}); err != nil {
		return nil, fmt.Errorf("mls: save message: %w", err)
	}
	rumorID := rumor.ID
	if err := e.store.SaveProcessedMessage(&storage.ProcessedMessage{
		WrapperEventID: ev.ID, MessageEventID: &rumorID, ProcessedAt: rumor.CreatedAt, State: storage.ProcessedProcessed,
	}); err != nil {
		return nil, fmt.Errorf("mls: save processed marker: %w", err)
	}

	if err := e.syncLastMessage(lg, rumor.CreatedAt, rumor.ID); err != nil {
		return nil, err
	}

	return &Result{Kind: ResultApplicationMessage, Rumor: &rumor}, nil
}

// processProposalFrame implements §4.11 step 4's ProposalMessage branch:
// only a sender who is both a known member and an admin is honored. On
// acceptance the commit is applied and published immediately; there is no
// separate "pending proposal" storage step since this engine always
// auto-commits a proposal the instant it is accepted.
func (e *Engine) processProposalFrame(lg *liveGroup, ev *event.Event, f *frame) (*Result, error) {
	sender := memberByLeaf(lg, f.SenderLeaf)
	if sender == nil {
		return nil, corerr.New(corerr.KindUnprocessable, "proposal from a non-member leaf")
	}
	if !lg.isAdmin(sender.identity) {
		return nil, corerr.New(corerr.KindProposalFromNonAdmin, "only admins may propose membership changes")
	}

	added, removed, err := decodeProposalPayload(f.Payload)
	if err != nil {
		return nil, err
	}

	oldEpoch, oldSecret := lg.epoch, lg.secret
	envelopeSecret, err := e.exporterSecretAt(lg.mlsGroupID, oldEpoch, oldSecret)
	if err != nil {
		return nil, err
	}

	for _, lm := range added {
		lm.leafIndex = lg.nextLeafIndex
		lg.nextLeafIndex++
	}
	var commitPayload []byte
	if len(added) > 0 {
		commitPayload = encodeAddPayload(added)
	} else {
		commitPayload = encodeRemovePayload(removed)
	}
	for _, lm := range added {
		lg.members[lm.identity] = lm
	}
	for _, id := range removed {
		delete(lg.members, id)
	}

	commitFrame := &frame{Type: ContentCommit, SenderLeaf: lg.selfLeafIndex, Epoch: oldEpoch, Payload: commitPayload}
	commitFrame.sign(lg.selfSigPub, lg.selfSigPriv)
	sealed, err := sealFrame(oldSecret, commitFrame)
	if err != nil {
		return nil, err
	}
	wrapper, err := wrapFrame(envelopeSecret, lg.data.NostrGroupID, sealed)
	if err != nil {
		return nil, err
	}

	lg.epoch++
	lg.secret, err = evolveSecret(oldSecret)
	if err != nil {
		return nil, err
	}
	lg.rememberSecret(oldEpoch, oldSecret)
	lg.rememberSecret(lg.epoch, lg.secret)

	if _, err := e.ExporterSecret(lg.mlsGroupID); err != nil {
		return nil, err
	}
	if err := e.syncGroupMetadataLocked(lg); err != nil {
		return nil, err
	}

	if len(added) > 0 {
		// A proposal that adds members would need a welcome rumor so the new
		// member can join, but this engine has no record of the key-package
		// event that would let it construct one here (the proposal frame
		// only carries the member's public material, not the kind-443
		// event id); treating it as unimplemented matches the known
		// limitation in the system this is modeled on.
		return nil, corerr.New(corerr.KindNotImplemented, "processing welcome rumors from proposals is not supported")
	}

	if err := e.store.SaveProcessedMessage(&storage.ProcessedMessage{WrapperEventID: ev.ID, State: storage.ProcessedProcessed}); err != nil {
		return nil, fmt.Errorf("mls: save processed marker: %w", err)
	}

	return &Result{Kind: ResultProposalEvolution, EvolutionEvent: wrapper}, nil
}

func (e *Engine) processCommitFrame(lg *liveGroup, ev *event.Event, f *frame) (*Result, error) {
	sender := memberByLeaf(lg, f.SenderLeaf)
	if sender == nil && f.SenderLeaf != lg.selfLeafIndex {
		return nil, corerr.New(corerr.KindUnprocessable, "commit from a non-member leaf")
	}

	added, removed, rotatedSigPub, err := decodeCommitPayload(f.Payload)
	if err != nil {
		return nil, err
	}
	for _, lm := range added {
		lg.members[lm.identity] = lm
	}
	for _, id := range removed {
		delete(lg.members, id)
	}
	if rotatedSigPub != nil && sender != nil {
		sender.sigPub = rotatedSigPub
	}

	oldSecret := lg.secret
	newSecret, err := evolveSecret(oldSecret)
	if err != nil {
		return nil, err
	}
	lg.rememberSecret(lg.epoch, oldSecret)
	lg.epoch++
	lg.secret = newSecret
	lg.rememberSecret(lg.epoch, newSecret)

	if _, err := e.ExporterSecret(lg.mlsGroupID); err != nil {
		return nil, err
	}
	if err := e.syncGroupMetadataLocked(lg); err != nil {
		return nil, err
	}

	if err := e.store.SaveProcessedMessage(&storage.ProcessedMessage{WrapperEventID: ev.ID, State: storage.ProcessedProcessedCommit}); err != nil {
		return nil, fmt.Errorf("mls: save processed marker: %w", err)
	}

	return &Result{Kind: ResultCommit}, nil
}

func (e *Engine) syncLastMessage(lg *liveGroup, createdAt int64, msgID [32]byte) error {
	g, err := e.store.FindGroupByMLSGroupID(lg.mlsGroupID)
	if err != nil {
		return fmt.Errorf("mls: load group: %w", err)
	}
	g.LastMessageAt = createdAt
	g.LastMessageID = msgID
	return e.store.SaveGroup(g)
}

// recoverFromDecryptFailure implements §4.11 step 5-6: a failure to
// decrypt a message this engine itself sent (its own commit, re-delivered
// by a relay) is recoverable from the idempotence marker rather than a
// real processing failure.
func (e *Engine) recoverFromDecryptFailure(lg *liveGroup, ev *event.Event, decryptErr error) (*Result, error) {
	marker, err := e.store.FindProcessedMessageByEventID(ev.ID)
	if err != nil {
		if saveErr := e.store.SaveProcessedMessage(&storage.ProcessedMessage{
			WrapperEventID: ev.ID, State: storage.ProcessedFailed, FailureReason: decryptErr.Error(),
		}); saveErr != nil {
			return nil, fmt.Errorf("mls: save processed marker: %w", saveErr)
		}
		return &Result{Kind: ResultUnprocessable, Reason: decryptErr.Error()}, nil
	}

	switch marker.State {
	case storage.ProcessedCreated:
		msg, err := e.store.FindMessageByEventID(ev.ID)
		if err != nil {
			return nil, fmt.Errorf("mls: load cached message: %w", err)
		}
		marker.State = storage.ProcessedProcessed
		if err := e.store.SaveProcessedMessage(marker); err != nil {
			return nil, fmt.Errorf("mls: save processed marker: %w", err)
		}
		msg.State = storage.MessageProcessed
		if err := e.store.SaveMessage(msg); err != nil {
			return nil, fmt.Errorf("mls: save message: %w", err)
		}
		return &Result{Kind: ResultApplicationMessage, Rumor: msg.Event}, nil
	case storage.ProcessedProcessedCommit:
		if err := e.syncGroupMetadataLocked(lg); err != nil {
			return nil, err
		}
		return &Result{Kind: ResultCommit}, nil
	default:
		return &Result{Kind: ResultUnprocessable, Reason: decryptErr.Error()}, nil
	}
}

func memberByLeaf(lg *liveGroup, leaf uint32) *liveMember {
	for _, m := range lg.members {
		if m.leafIndex == leaf {
			return m
		}
	}
	return nil
}

// decodeProposalPayload and decodeCommitPayload both parse the
// marker-tagged shape encodeAddPayload/encodeRemovePayload/
// encodeUpdatePayload build on the send side (group.go).

func decodeProposalPayload(payload []byte) (added []*liveMember, removed [][32]byte, err error) {
	if len(payload) == 0 {
		return nil, nil, errMalformedFrame
	}
	switch payload[0] {
	case payloadMarkerAdd:
		added, err = decodeAddPayload(payload)
	case payloadMarkerRemove:
		removed, err = decodeRemovePayload(payload)
	default:
		err = fmt.Errorf("%w: unexpected proposal marker", errMalformedFrame)
	}
	return added, removed, err
}

func decodeCommitPayload(payload []byte) (added []*liveMember, removed [][32]byte, rotatedSigPub []byte, err error) {
	if len(payload) == 0 {
		return nil, nil, nil, errMalformedFrame
	}
	switch payload[0] {
	case payloadMarkerAdd:
		added, err = decodeAddPayload(payload)
	case payloadMarkerRemove:
		removed, err = decodeRemovePayload(payload)
	case payloadMarkerUpdate:
		rotatedSigPub = append([]byte(nil), payload[1:]...)
	default:
		err = fmt.Errorf("%w: unexpected commit marker", errMalformedFrame)
	}
	return added, removed, rotatedSigPub, err
}

func decodeAddPayload(payload []byte) ([]*liveMember, error) {
	if len(payload) < 5 {
		return nil, errMalformedFrame
	}
	count := int(binary.BigEndian.Uint32(payload[1:5]))
	pos := 5
	members := make([]*liveMember, 0, count)
	for i := 0; i < count; i++ {
		entry, next, err := readVar(payload, pos)
		if err != nil {
			return nil, err
		}
		lm, err := decodeMemberDeltaEntry(entry)
		if err != nil {
			return nil, err
		}
		members = append(members, lm)
		pos = next
	}
	if pos != len(payload) {
		return nil, fmt.Errorf("%w: trailing bytes in add payload", errMalformedFrame)
	}
	return members, nil
}

func decodeRemovePayload(payload []byte) ([][32]byte, error) {
	if len(payload) < 5 {
		return nil, errMalformedFrame
	}
	count := int(binary.BigEndian.Uint32(payload[1:5]))
	pos := 5
	if len(payload)-pos != count*32 {
		return nil, errMalformedFrame
	}
	removed := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		var id [32]byte
		copy(id[:], payload[pos:pos+32])
		pos += 32
		removed = append(removed, id)
	}
	return removed, nil
}

func decodeMemberDeltaEntry(entry []byte) (*liveMember, error) {
	if len(entry) < 32 {
		return nil, errMalformedFrame
	}
	lm := &liveMember{}
	copy(lm.identity[:], entry[:32])
	pos := 32
	sigPub, pos2, err := readVar(entry, pos)
	if err != nil {
		return nil, err
	}
	lm.sigPub = sigPub
	if len(entry)-pos2 != 32 {
		return nil, errMalformedFrame
	}
	copy(lm.hpkePub[:], entry[pos2:pos2+32])
	return lm, nil
}
