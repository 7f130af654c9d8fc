package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ContentType distinguishes what an MLS frame carries (spec §4.11 step 4's
// processed-content branches).
type ContentType uint8

const (
	ContentApplication ContentType = iota + 1
	ContentCommit
	ContentProposal
	ContentExternalJoinProposal
)

// frame is the serialized, signed, epoch-sealed payload that rides inside
// a kind-445 wrapper's NIP-44 envelope (spec §4.11 step 2's "MLS frame").
type frame struct {
	Type        ContentType
	SenderLeaf  uint32
	Epoch       uint64
	Payload     []byte
	SignaturePub ed25519.PublicKey
	Signature    []byte
}

// sign fills in the signature over (Type, SenderLeaf, Epoch, Payload).
func (f *frame) sign(pub ed25519.PublicKey, priv ed25519.PrivateKey) {
	f.SignaturePub = pub
	f.Signature = ed25519.Sign(priv, f.signedBytes())
}

func (f *frame) signedBytes() []byte {
	var hdr [20]byte
	hdr[0] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[4:8], f.SenderLeaf)
	binary.BigEndian.PutUint64(hdr[8:16], f.Epoch)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(f.Payload)))
	return append(hdr[:], f.Payload...)
}

func (f *frame) verify() bool {
	if len(f.SignaturePub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(f.SignaturePub, f.signedBytes(), f.Signature)
}

var errMalformedFrame = errors.New("mls: malformed frame")

func (f *frame) encode() []byte {
	body := f.signedBytes()
	out := make([]byte, 0, len(body)+4+len(f.SignaturePub)+4+len(f.Signature))
	out = append(out, body...)
	out = appendVar(out, f.SignaturePub)
	out = appendVar(out, f.Signature)
	return out
}

func appendVar(buf, field []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}

func decodeFrame(data []byte) (*frame, error) {
	if len(data) < 20 {
		return nil, errMalformedFrame
	}
	f := &frame{
		Type:       ContentType(data[0]),
		SenderLeaf: binary.BigEndian.Uint32(data[4:8]),
		Epoch:      binary.BigEndian.Uint64(data[8:16]),
	}
	payloadLen := binary.BigEndian.Uint32(data[16:20])
	pos := 20
	if uint32(len(data)-pos) < payloadLen {
		return nil, errMalformedFrame
	}
	f.Payload = append([]byte(nil), data[pos:pos+int(payloadLen)]...)
	pos += int(payloadLen)

	sigPub, pos2, err := readVar(data, pos)
	if err != nil {
		return nil, err
	}
	f.SignaturePub = sigPub
	sig, pos3, err := readVar(data, pos2)
	if err != nil {
		return nil, err
	}
	f.Signature = sig
	if pos3 != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes", errMalformedFrame)
	}
	return f, nil
}

func readVar(data []byte, pos int) ([]byte, int, error) {
	if len(data)-pos < 4 {
		return nil, 0, errMalformedFrame
	}
	n := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4
	if uint32(len(data)-pos) < n {
		return nil, 0, errMalformedFrame
	}
	out := append([]byte(nil), data[pos:pos+int(n)]...)
	return out, pos + int(n), nil
}

// sealFrame seals f under the given epoch secret's derived frame key.
func sealFrame(epochSecret [32]byte, f *frame) ([]byte, error) {
	key, err := frameKey(epochSecret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("mls: build frame aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mls: frame nonce: %w", err)
	}
	plain := f.encode()
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return sealed, nil
}

// openFrame is sealFrame's inverse.
func openFrame(epochSecret [32]byte, sealed []byte) (*frame, error) {
	key, err := frameKey(epochSecret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("mls: build frame aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed frame too short", errMalformedFrame)
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("mls: open frame: %w", err)
	}
	f, err := decodeFrame(plain)
	if err != nil {
		return nil, err
	}
	if !f.verify() {
		return nil, fmt.Errorf("mls: frame signature invalid")
	}
	return f, nil
}
