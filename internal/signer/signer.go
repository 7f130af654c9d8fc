// Package signer implements the polymorphic signer capability set of spec
// §4.8: a single interface with local-key, browser-extension (NIP-07), and
// remote NIP-46 variants.
package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/keanuklestil/quoin/internal/crypto"
	"github.com/keanuklestil/quoin/internal/event"
)

// Error is the single SignerError kind of spec §4.8, carrying a
// variant-specific reason string.
type Error struct {
	Variant string
	Reason  string
}

func (e *Error) Error() string { return fmt.Sprintf("signer(%s): %s", e.Variant, e.Reason) }

// Signer is the capability set every concrete variant implements.
type Signer interface {
	GetPublicKey() ([32]byte, error)
	SignEvent(unsigned *event.Event) (*event.Event, error)
	NIP04Encrypt(peerPk [32]byte, plaintext string) (string, error)
	NIP04Decrypt(peerPk [32]byte, payload string) (string, error)
	NIP44Encrypt(peerPk [32]byte, plaintext string) (string, error)
	NIP44Decrypt(peerPk [32]byte, payload string) (string, error)
}

// Local is a signer backed by an in-process secret key.
type Local struct {
	sk [32]byte
	pk [32]byte
}

// NewLocal builds a Local signer from a 32-byte secret key.
func NewLocal(sk [32]byte) (*Local, error) {
	priv := secp256k1.PrivKeyFromBytes(sk[:])
	defer priv.Zero()
	pub := priv.PubKey().SerializeCompressed()
	var pk [32]byte
	copy(pk[:], pub[1:]) // drop the 0x02/0x03 prefix: x-only pubkey
	return &Local{sk: sk, pk: pk}, nil
}

// GenerateLocal creates a fresh random Local signer, used for the
// ephemeral single-use keys that sign kind-445 wrapper events (spec §4.11).
func GenerateLocal() (*Local, error) {
	var sk [32]byte
	if _, err := rand.Read(sk[:]); err != nil {
		return nil, &Error{Variant: "local", Reason: err.Error()}
	}
	return NewLocal(sk)
}

func (l *Local) GetPublicKey() ([32]byte, error) { return l.pk, nil }

func (l *Local) SignEvent(unsigned *event.Event) (*event.Event, error) {
	e := *unsigned
	e.PubKey = l.pk
	e.ID = crypto.DeriveEventID(e.CanonicalForm())
	sig, err := crypto.SchnorrSign(l.sk, e.ID)
	if err != nil {
		return nil, &Error{Variant: "local", Reason: err.Error()}
	}
	e.Sig = sig
	e.Unsigned = false
	return &e, nil
}

func (l *Local) NIP04Encrypt(peerPk [32]byte, plaintext string) (string, error) {
	s, err := crypto.NIP04Encrypt(l.sk, peerPk, plaintext)
	if err != nil {
		return "", &Error{Variant: "local", Reason: err.Error()}
	}
	return s, nil
}

func (l *Local) NIP04Decrypt(peerPk [32]byte, payload string) (string, error) {
	s, err := crypto.NIP04Decrypt(l.sk, peerPk, payload)
	if err != nil {
		return "", &Error{Variant: "local", Reason: err.Error()}
	}
	return s, nil
}

func (l *Local) NIP44Encrypt(peerPk [32]byte, plaintext string) (string, error) {
	key, err := crypto.ConversationKeyV2(l.sk, peerPk)
	if err != nil {
		return "", &Error{Variant: "local", Reason: err.Error()}
	}
	s, err := crypto.NIP44V2Encrypt(key, plaintext)
	if err != nil {
		return "", &Error{Variant: "local", Reason: err.Error()}
	}
	return s, nil
}

func (l *Local) NIP44Decrypt(peerPk [32]byte, payload string) (string, error) {
	key, err := crypto.ConversationKeyV2(l.sk, peerPk)
	if err != nil {
		return "", &Error{Variant: "local", Reason: err.Error()}
	}
	s, err := crypto.NIP44V2Decrypt(key, payload)
	if err != nil {
		return "", &Error{Variant: "local", Reason: err.Error()}
	}
	return s, nil
}

// SecretHex returns the signer's secret key as lowercase hex, for tests and
// diagnostics only.
func (l *Local) SecretHex() string { return hex.EncodeToString(l.sk[:]) }

// BrowserExtension is a NIP-07 signer. Outside of a browser/WASM build
// there is no extension to bridge to, so every operation fails; a wasm
// build would replace this file's body with a js/syscall bridge, the way
// go-nostr's own nip07 package is WASM-only.
type BrowserExtension struct{}

var errNoBrowserExtension = errors.New("signer: no browser extension available outside wasm builds")

func (BrowserExtension) GetPublicKey() ([32]byte, error) {
	return [32]byte{}, &Error{Variant: "nip07", Reason: errNoBrowserExtension.Error()}
}
func (BrowserExtension) SignEvent(*event.Event) (*event.Event, error) {
	return nil, &Error{Variant: "nip07", Reason: errNoBrowserExtension.Error()}
}
func (BrowserExtension) NIP04Encrypt([32]byte, string) (string, error) {
	return "", &Error{Variant: "nip07", Reason: errNoBrowserExtension.Error()}
}
func (BrowserExtension) NIP04Decrypt([32]byte, string) (string, error) {
	return "", &Error{Variant: "nip07", Reason: errNoBrowserExtension.Error()}
}
func (BrowserExtension) NIP44Encrypt([32]byte, string) (string, error) {
	return "", &Error{Variant: "nip07", Reason: errNoBrowserExtension.Error()}
}
func (BrowserExtension) NIP44Decrypt([32]byte, string) (string, error) {
	return "", &Error{Variant: "nip07", Reason: errNoBrowserExtension.Error()}
}

// RemoteTransport is what a NIP-46 remote signer needs from the relay
// layer: publish a request event to the signer's relays and wait for its
// encrypted response event.
type RemoteTransport interface {
	Request(ctx context.Context, method string, params []string) (result string, err error)
}

// Remote is a NIP-46 remote signer: requests are encrypted (NIP-44) to the
// remote signer's pubkey and sent as kind-24133-equivalent events over
// RemoteTransport; the local keypair here is the client's own connection
// key, distinct from the controlled account's key.
type Remote struct {
	clientKey   *Local
	remotePk    [32]byte
	accountPk   [32]byte
	hasAccount  bool
	transport   RemoteTransport
}

// NewRemote builds a NIP-46 remote signer bound to remotePk (the signer's
// pubkey) over the given transport.
func NewRemote(clientKey *Local, remotePk [32]byte, transport RemoteTransport) *Remote {
	return &Remote{clientKey: clientKey, remotePk: remotePk, transport: transport}
}

func (r *Remote) GetPublicKey() ([32]byte, error) {
	if r.hasAccount {
		return r.accountPk, nil
	}
	res, err := r.transport.Request(context.Background(), "get_public_key", nil)
	if err != nil {
		return [32]byte{}, &Error{Variant: "nip46", Reason: err.Error()}
	}
	b, err := hex.DecodeString(res)
	if err != nil || len(b) != 32 {
		return [32]byte{}, &Error{Variant: "nip46", Reason: "malformed public key response"}
	}
	copy(r.accountPk[:], b)
	r.hasAccount = true
	return r.accountPk, nil
}

func (r *Remote) SignEvent(unsigned *event.Event) (*event.Event, error) {
	data, err := unsigned.MarshalJSON()
	if err != nil {
		return nil, &Error{Variant: "nip46", Reason: err.Error()}
	}
	res, err := r.transport.Request(context.Background(), "sign_event", []string{string(data)})
	if err != nil {
		return nil, &Error{Variant: "nip46", Reason: err.Error()}
	}
	var signed event.Event
	if err := signed.UnmarshalJSON([]byte(res)); err != nil {
		return nil, &Error{Variant: "nip46", Reason: err.Error()}
	}
	return &signed, nil
}

func (r *Remote) NIP04Encrypt(peerPk [32]byte, plaintext string) (string, error) {
	res, err := r.transport.Request(context.Background(), "nip04_encrypt", []string{hex.EncodeToString(peerPk[:]), plaintext})
	if err != nil {
		return "", &Error{Variant: "nip46", Reason: err.Error()}
	}
	return res, nil
}

func (r *Remote) NIP04Decrypt(peerPk [32]byte, payload string) (string, error) {
	res, err := r.transport.Request(context.Background(), "nip04_decrypt", []string{hex.EncodeToString(peerPk[:]), payload})
	if err != nil {
		return "", &Error{Variant: "nip46", Reason: err.Error()}
	}
	return res, nil
}

func (r *Remote) NIP44Encrypt(peerPk [32]byte, plaintext string) (string, error) {
	res, err := r.transport.Request(context.Background(), "nip44_encrypt", []string{hex.EncodeToString(peerPk[:]), plaintext})
	if err != nil {
		return "", &Error{Variant: "nip46", Reason: err.Error()}
	}
	return res, nil
}

func (r *Remote) NIP44Decrypt(peerPk [32]byte, payload string) (string, error) {
	res, err := r.transport.Request(context.Background(), "nip44_decrypt", []string{hex.EncodeToString(peerPk[:]), payload})
	if err != nil {
		return "", &Error{Variant: "nip46", Reason: err.Error()}
	}
	return res, nil
}
