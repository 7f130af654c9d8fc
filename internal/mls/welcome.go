package mls

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/mlsext"
	"github.com/keanuklestil/quoin/internal/signer"
)

// welcomeMember is one member's public material as carried in a Welcome, so
// a freshly-joined member can reconstruct a full membership view without
// having observed any of the group's history.
type welcomeMember struct {
	identity  [32]byte
	sigPub    ed25519.PublicKey
	hpkePub   [32]byte
	leafIndex uint32
}

// sealedSecret is one recipient's HPKE-sealed copy of the group secret a
// Welcome is onboarding them into.
type sealedSecret struct {
	identity     [32]byte
	ephemeralPub [32]byte
	ciphertext   []byte
}

// Welcome is this engine's analogue of an MLS Welcome message (spec
// §4.12): the new epoch, a full membership snapshot, the group's Nostr
// extension data, and one sealed secret per newly-added recipient.
type Welcome struct {
	mlsGroupID []byte
	epoch      uint64
	data       mlsext.GroupData
	members    []welcomeMember
	secrets    []sealedSecret
}

// buildWelcome assembles a Welcome for newMembers against lg's
// already-advanced (post-merge) state: every current member is included so
// a new joiner has a complete view, and the group's current secret is
// sealed to each new member's HPKE key.
func buildWelcome(lg *liveGroup, newMembers []*liveMember) *Welcome {
	w := &Welcome{
		mlsGroupID: lg.mlsGroupID,
		epoch:      lg.epoch,
		data:       lg.data,
		members:    make([]welcomeMember, 0, len(lg.members)),
	}
	for _, m := range lg.members {
		w.members = append(w.members, welcomeMember{identity: m.identity, sigPub: m.sigPub, hpkePub: m.hpkePub, leafIndex: m.leafIndex})
	}
	for _, nm := range newMembers {
		ephPub, ct, err := sealHPKE(nm.hpkePub, lg.secret[:])
		if err != nil {
			continue // caller surfaces the group as created even if one recipient's seal fails; they simply can't decrypt until re-added
		}
		w.secrets = append(w.secrets, sealedSecret{identity: nm.identity, ephemeralPub: ephPub, ciphertext: ct})
	}
	return w
}

// Encode serializes a Welcome to bytes.
func (w *Welcome) Encode() []byte {
	var buf []byte
	buf = appendVar(buf, w.mlsGroupID)
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], w.epoch)
	buf = append(buf, epochBytes[:]...)
	buf = appendVar(buf, w.data.Encode())

	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(len(w.members)))
	buf = append(buf, countBytes[:]...)
	for _, m := range w.members {
		buf = append(buf, m.identity[:]...)
		buf = appendVar(buf, m.sigPub)
		buf = append(buf, m.hpkePub[:]...)
		var leafBytes [4]byte
		binary.BigEndian.PutUint32(leafBytes[:], m.leafIndex)
		buf = append(buf, leafBytes[:]...)
	}

	binary.BigEndian.PutUint32(countBytes[:], uint32(len(w.secrets)))
	buf = append(buf, countBytes[:]...)
	for _, s := range w.secrets {
		buf = append(buf, s.identity[:]...)
		buf = append(buf, s.ephemeralPub[:]...)
		buf = appendVar(buf, s.ciphertext)
	}
	return buf
}

// DecodeWelcome is Encode's inverse.
func DecodeWelcome(data []byte) (*Welcome, error) {
	mlsGroupID, pos, err := readVar(data, 0)
	if err != nil {
		return nil, err
	}
	if len(data)-pos < 8 {
		return nil, errMalformedFrame
	}
	epoch := binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	rawData, pos, err := readVar(data, pos)
	if err != nil {
		return nil, err
	}
	gd, err := mlsext.Decode(rawData)
	if err != nil {
		return nil, fmt.Errorf("mls: decode welcome group data: %w", err)
	}

	if len(data)-pos < 4 {
		return nil, errMalformedFrame
	}
	memberCount := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4

	w := &Welcome{mlsGroupID: mlsGroupID, epoch: epoch, data: *gd}
	for i := uint32(0); i < memberCount; i++ {
		if len(data)-pos < 32 {
			return nil, errMalformedFrame
		}
		var identity [32]byte
		copy(identity[:], data[pos:pos+32])
		pos += 32

		sigPub, pos2, err := readVar(data, pos)
		if err != nil {
			return nil, err
		}
		pos = pos2

		if len(data)-pos < 32+4 {
			return nil, errMalformedFrame
		}
		var hpkePub [32]byte
		copy(hpkePub[:], data[pos:pos+32])
		pos += 32
		leafIndex := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		w.members = append(w.members, welcomeMember{identity: identity, sigPub: sigPub, hpkePub: hpkePub, leafIndex: leafIndex})
	}

	if len(data)-pos < 4 {
		return nil, errMalformedFrame
	}
	secretCount := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4
	for i := uint32(0); i < secretCount; i++ {
		if len(data)-pos < 64 {
			return nil, errMalformedFrame
		}
		var s sealedSecret
		copy(s.identity[:], data[pos:pos+32])
		pos += 32
		copy(s.ephemeralPub[:], data[pos:pos+32])
		pos += 32
		ct, pos2, err := readVar(data, pos)
		if err != nil {
			return nil, err
		}
		s.ciphertext = ct
		pos = pos2
		w.secrets = append(w.secrets, s)
	}

	if pos != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes in welcome", errMalformedFrame)
	}
	return w, nil
}

// BuildWelcomeEvent wraps a serialized Welcome as a kind-444 event
// addressed and encrypted to invitee (spec §4.12: "NIP-59 gift-wrap
// style"). The wrapper is signed by a fresh one-time key the same way a
// kind-445 message wrapper is, rather than the inviter's own identity, so
// the event alone does not reveal who sent the invitation.
func BuildWelcomeEvent(welcomeBytes []byte, inviteeIdentity [32]byte, inviterSigner signer.Signer) (*event.Event, error) {
	content := base64.StdEncoding.EncodeToString(welcomeBytes)
	sealed, err := inviterSigner.NIP44Encrypt(inviteeIdentity, content)
	if err != nil {
		return nil, fmt.Errorf("mls: encrypt welcome: %w", err)
	}

	oneTime, err := signer.GenerateLocal()
	if err != nil {
		return nil, fmt.Errorf("mls: generate welcome wrapper identity: %w", err)
	}
	b := event.NewBuilder(event.KindMLSWelcome, sealed)
	b.Tag(event.Tag{"p", fmt.Sprintf("%x", inviteeIdentity)})
	return b.Sign(oneTime)
}

// ProcessWelcomeEvent decrypts a kind-444 event addressed to selfIdentity
// and recovers the Welcome plus this recipient's sealed group secret.
func ProcessWelcomeEvent(ev *event.Event, selfIdentity [32]byte, selfSigner signer.Signer, selfHPKEPriv [32]byte, inviterIdentity [32]byte) (*Welcome, [32]byte, error) {
	var groupSecret [32]byte
	if ev.Kind != event.KindMLSWelcome {
		return nil, groupSecret, fmt.Errorf("mls: expected kind %d welcome event, got %d", event.KindMLSWelcome, ev.Kind)
	}
	content, err := selfSigner.NIP44Decrypt(inviterIdentity, ev.Content)
	if err != nil {
		return nil, groupSecret, fmt.Errorf("mls: decrypt welcome: %w", err)
	}
	welcomeBytes, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, groupSecret, fmt.Errorf("mls: decode welcome payload: %w", err)
	}
	w, err := DecodeWelcome(welcomeBytes)
	if err != nil {
		return nil, groupSecret, err
	}

	for _, s := range w.secrets {
		if s.identity != selfIdentity {
			continue
		}
		pt, err := openHPKE(selfHPKEPriv, s.ephemeralPub, s.ciphertext)
		if err != nil {
			return nil, groupSecret, fmt.Errorf("mls: open welcome secret: %w", err)
		}
		copy(groupSecret[:], pt)
		return w, groupSecret, nil
	}
	return nil, groupSecret, fmt.Errorf("mls: welcome carries no sealed secret for this identity")
}
