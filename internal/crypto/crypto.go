// Package crypto provides the signature, hashing, and envelope-encryption
// primitives the rest of the engine is built on: event-id derivation,
// BIP-340 Schnorr signing, and the NIP-04/NIP-44 payload schemes.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptFailed is returned for any decrypt failure, regardless of
// whether authentication or padding was the actual cause — leaking that
// distinction is a padding/timing oracle.
var ErrDecryptFailed = errors.New("crypto: decrypt failed")

// DeriveEventID hashes the canonical serialization of an event into its id.
func DeriveEventID(canonical []byte) [32]byte {
	return sha256.Sum256(canonical)
}

// SchnorrSign produces a BIP-340 Schnorr signature over a 32-byte message
// (typically an event id) using a 32-byte secret key.
func SchnorrSign(sk [32]byte, msg [32]byte) ([64]byte, error) {
	var sig [64]byte
	priv := secp256k1.PrivKeyFromBytes(sk[:])
	defer priv.Zero()
	s, err := schnorr.Sign(priv, msg[:])
	if err != nil {
		return sig, fmt.Errorf("crypto: schnorr sign: %w", err)
	}
	copy(sig[:], s.Serialize())
	return sig, nil
}

// SchnorrVerify checks a BIP-340 Schnorr signature over a 32-byte message
// against a 32-byte x-only public key.
func SchnorrVerify(pk [32]byte, msg [32]byte, sig [64]byte) bool {
	pub, err := schnorr.ParsePubKey(pk[:])
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return s.Verify(msg[:], pub)
}

// NIP04Encrypt encrypts plaintext for peerPk using go-nostr's nip04 package:
// AES-256-CBC under a key derived from ECDH(sk, peerPk).x and a random IV.
// Legacy scheme; never used for MLS envelopes.
func NIP04Encrypt(sk [32]byte, peerPk [32]byte, plaintext string) (string, error) {
	key, err := nip04.ComputeSharedSecret(hex.EncodeToString(peerPk[:]), hex.EncodeToString(sk[:]))
	if err != nil {
		return "", fmt.Errorf("crypto: nip04 shared secret: %w", err)
	}
	out, err := nip04.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("crypto: nip04 encrypt: %w", err)
	}
	return out, nil
}

// NIP04Decrypt is the inverse of NIP04Encrypt.
func NIP04Decrypt(sk [32]byte, peerPk [32]byte, payload string) (string, error) {
	key, err := nip04.ComputeSharedSecret(hex.EncodeToString(peerPk[:]), hex.EncodeToString(sk[:]))
	if err != nil {
		return "", ErrDecryptFailed
	}
	out, err := nip04.Decrypt(payload, key)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return out, nil
}

// HKDFExtract implements HKDF-Extract over SHA-256.
func HKDFExtract(salt, ikm []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

// HKDFExpand implements HKDF-Expand over SHA-256 for the given output length.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}

// ConversationKeyV2 derives the NIP-44 v2 conversation key via go-nostr's
// nip44.GenerateConversationKey: HKDF-Extract(salt="nip44-v2",
// ikm=ECDH(sk, peerPk).x).
func ConversationKeyV2(sk [32]byte, peerPk [32]byte) ([32]byte, error) {
	var out [32]byte
	key, err := nip44.GenerateConversationKey(hex.EncodeToString(peerPk[:]), hex.EncodeToString(sk[:]))
	if err != nil {
		return out, fmt.Errorf("crypto: nip44 conversation key: %w", err)
	}
	copy(out[:], key)
	return out, nil
}

// NIP44V2Encrypt encrypts plaintext under a 32-byte conversation key using
// go-nostr's nip44 package (padded-plaintext, ChaCha20, HMAC-SHA256 v2
// envelope).
func NIP44V2Encrypt(convKey [32]byte, plaintext string) (string, error) {
	out, err := nip44.Encrypt(plaintext, convKey[:])
	if err != nil {
		return "", fmt.Errorf("crypto: nip44 encrypt: %w", err)
	}
	return out, nil
}

// NIP44V2Decrypt is the inverse of NIP44V2Encrypt. Any failure — bad
// version, bad MAC, or bad padding — collapses to the single opaque
// ErrDecryptFailed so callers can't distinguish the cause.
func NIP44V2Decrypt(convKey [32]byte, payload string) (string, error) {
	out, err := nip44.Decrypt(payload, convKey[:])
	if err != nil {
		return "", ErrDecryptFailed
	}
	return out, nil
}
