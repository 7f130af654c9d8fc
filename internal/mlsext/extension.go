// Package mlsext implements the Nostr-specific MLS group-context extension
// (spec §4.9): a TLS-style length-prefixed payload of
// {nostr_group_id(32), name, description, admins, relays} carried inside
// every group's context extensions, plus the small capability/ciphersuite
// surface internal/mls builds its groups against.
package mlsext

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ExtensionType is the MLS extension type this package advertises in leaf
// node capabilities and places in the group context. No retrieved reference
// fixes this value, so it is assigned from the private-use range RFC 9420
// reserves (0xFF00-0xFFFF) for experimental/application extensions rather
// than guessing at an unverified registered number.
const ExtensionType uint16 = 0xFF2E

// Ciphersuite identifies the single MLS ciphersuite every group in this
// engine is created with: MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519.
type Ciphersuite uint16

// CiphersuiteX25519ChaCha20Ed25519 is the suite id spec §4.9 mandates.
const CiphersuiteX25519ChaCha20Ed25519 Ciphersuite = 0x0003

// GroupData is the decoded form of the Nostr group data extension.
type GroupData struct {
	NostrGroupID [32]byte
	Name         string
	Description  string
	Admins       [][32]byte
	Relays       []string
}

// ErrMalformed is returned by Decode when the payload is truncated or
// internally inconsistent.
var ErrMalformed = errors.New("mlsext: malformed group data extension")

const maxFieldLen = 1 << 20 // 1 MiB guards against a corrupt length prefix driving a huge allocation

// Encode produces the TLS-style wire form: the 32-byte group id verbatim,
// then each variable-length field as a big-endian uint32 byte-length prefix
// followed by its bytes, matching the presentation-language conventions the
// MLS wire format itself uses for variable-length vectors.
func (g *GroupData) Encode() []byte {
	size := 32 + 4 + len(g.Name) + 4 + len(g.Description)
	size += 4 + len(g.Admins)*32
	size += 4
	for _, r := range g.Relays {
		size += 4 + len(r)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, g.NostrGroupID[:]...)
	buf = appendVarBytes(buf, []byte(g.Name))
	buf = appendVarBytes(buf, []byte(g.Description))

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(g.Admins)))
	buf = append(buf, countBuf[:]...)
	for _, a := range g.Admins {
		buf = append(buf, a[:]...)
	}

	binary.BigEndian.PutUint32(countBuf[:], uint32(len(g.Relays)))
	buf = append(buf, countBuf[:]...)
	for _, r := range g.Relays {
		buf = appendVarBytes(buf, []byte(r))
	}
	return buf
}

func appendVarBytes(buf, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, field...)
}

// Decode parses the wire form Encode produces.
func Decode(data []byte) (*GroupData, error) {
	r := &reader{data: data}

	var g GroupData
	if err := r.fixed(g.NostrGroupID[:]); err != nil {
		return nil, err
	}
	name, err := r.varBytes()
	if err != nil {
		return nil, err
	}
	g.Name = string(name)

	desc, err := r.varBytes()
	if err != nil {
		return nil, err
	}
	g.Description = string(desc)

	nAdmins, err := r.u32()
	if err != nil {
		return nil, err
	}
	if nAdmins > maxFieldLen {
		return nil, ErrMalformed
	}
	g.Admins = make([][32]byte, nAdmins)
	for i := range g.Admins {
		if err := r.fixed(g.Admins[i][:]); err != nil {
			return nil, err
		}
	}

	nRelays, err := r.u32()
	if err != nil {
		return nil, err
	}
	if nRelays > maxFieldLen {
		return nil, ErrMalformed
	}
	g.Relays = make([]string, nRelays)
	for i := range g.Relays {
		rb, err := r.varBytes()
		if err != nil {
			return nil, err
		}
		g.Relays[i] = string(rb)
	}

	if !r.exhausted() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return &g, nil
}

// AdminSet returns the admin set as a lookup-friendly map.
func (g *GroupData) AdminSet() map[[32]byte]struct{} {
	set := make(map[[32]byte]struct{}, len(g.Admins))
	for _, a := range g.Admins {
		set[a] = struct{}{}
	}
	return set
}

// IsAdmin reports whether pk is among the extension's admins.
func (g *GroupData) IsAdmin(pk [32]byte) bool {
	for _, a := range g.Admins {
		if a == pk {
			return true
		}
	}
	return false
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) exhausted() bool { return r.pos == len(r.data) }

func (r *reader) fixed(dst []byte) error {
	if len(r.data)-r.pos < len(dst) {
		return ErrMalformed
	}
	copy(dst, r.data[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

func (r *reader) u32() (uint32, error) {
	if len(r.data)-r.pos < 4 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) varBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen || uint32(len(r.data)-r.pos) < n {
		return nil, ErrMalformed
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// Capabilities is the leaf-node capability advertisement every credential in
// this engine carries: the Nostr group data extension type, on top of the
// mandatory MLS base protocol versions/ciphersuites/credential types. It is
// a plain value type passed to group/leaf-node construction in internal/mls;
// this package only owns the list of extension types it contributes.
type Capabilities struct {
	ExtensionTypes []uint16
}

// DefaultCapabilities returns the capability set advertising this package's
// extension type alongside whatever base types the caller already has.
func DefaultCapabilities(base ...uint16) Capabilities {
	return Capabilities{ExtensionTypes: append(append([]uint16{}, base...), ExtensionType)}
}
