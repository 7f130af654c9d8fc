// Package event implements the Nostr event model: canonical serialization,
// id derivation, signature verification, and the small set of per-kind
// semantics (replaceable/addressable coordinates, expiration) the rest of
// the engine depends on.
package event

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/keanuklestil/quoin/internal/crypto"
)

// Kind is a Nostr event kind. A handful of values carry semantics the core
// relies on; everything else is opaque.
type Kind uint16

const (
	KindMetadata    Kind = 0
	KindTextNote    Kind = 1
	KindContacts    Kind = 3
	KindLegacyDM    Kind = 4
	KindClientAuth  Kind = 22242
	KindMLSKeyPkg   Kind = 443
	KindMLSWelcome  Kind = 444
	KindMLSGroupMsg Kind = 445
)

// IsReplaceable reports whether kind falls in the 10000-19999 replaceable range.
func (k Kind) IsReplaceable() bool { return k >= 10000 && k < 20000 }

// IsAddressable reports whether kind falls in the 30000-39999 addressable range.
func (k Kind) IsAddressable() bool { return k >= 30000 && k < 40000 }

// Tag is an ordered sequence of strings; Tag[0] is the tag name.
type Tag []string

// Name returns the tag name, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first positional value (Tag[1]), or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered sequence of Tag.
type Tags []Tag

// Find returns the first tag with the given name, and whether one was found.
func (tg Tags) Find(name string) (Tag, bool) {
	for _, t := range tg {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// index maps single-letter tag names to the set of their second elements,
// accelerating Filter.Match's per-tag predicate (spec §4.3).
type index map[string]map[string]struct{}

func buildIndex(tags Tags) index {
	idx := make(index)
	for _, t := range tags {
		name := t.Name()
		if len(name) != 1 {
			continue
		}
		val := t.Value()
		set, ok := idx[name]
		if !ok {
			set = make(map[string]struct{})
			idx[name] = set
		}
		set[val] = struct{}{}
	}
	return idx
}

// Event is a signed, canonical, typed Nostr event.
type Event struct {
	ID        [32]byte
	PubKey    [32]byte
	CreatedAt int64
	Kind      Kind
	Tags      Tags
	Content   string
	Sig       [64]byte
	// Unsigned marks an event that deliberately carries no signature — an
	// MLS rumor. Such events must never be dispatched to user-level code
	// without that caller knowing they are unsigned.
	Unsigned bool

	idx index
}

// ErrCanonicalMismatch is returned by Verify when the stored id does not
// match the hash of the recomputed canonical form.
var ErrCanonicalMismatch = errors.New("event: id does not match canonical hash")

// ErrSignatureInvalid is returned by Verify when the Schnorr signature does
// not check out.
var ErrSignatureInvalid = errors.New("event: signature verification failed")

// CanonicalForm returns the exact UTF-8 JSON bytes hashed to produce the
// event id: [0, pubkey_hex, created_at, kind, tags, content], with no extra
// whitespace and the minimal JSON escape set.
func (e *Event) CanonicalForm() []byte {
	var buf bytes.Buffer
	buf.WriteString(`[0,"`)
	buf.WriteString(hex.EncodeToString(e.PubKey[:]))
	buf.WriteString(`",`)
	buf.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatUint(uint64(e.Kind), 10))
	buf.WriteByte(',')
	writeTagsJSON(&buf, e.Tags)
	buf.WriteByte(',')
	writeJSONString(&buf, e.Content)
	buf.WriteByte(']')
	return buf.Bytes()
}

func writeTagsJSON(buf *bytes.Buffer, tags Tags) {
	buf.WriteByte('[')
	for i, t := range tags {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		for j, v := range t {
			if j > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, v)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte(']')
}

// writeJSONString emits the minimal JSON escape set required for
// deterministic canonicalization: quote, backslash, and control characters.
func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// Verify recomputes the canonical form, checks the id, then verifies the
// Schnorr signature. Mandatory before any event (other than an explicitly
// unsigned rumor) is surfaced to user-level code.
func (e *Event) Verify() error {
	if e.Unsigned {
		return nil
	}
	want := crypto.DeriveEventID(e.CanonicalForm())
	if want != e.ID {
		return ErrCanonicalMismatch
	}
	if !crypto.SchnorrVerify(e.PubKey, e.ID, e.Sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// IsExpired reports whether the event carries an ["expiration", t] tag with
// t <= now.
func (e *Event) IsExpired(now time.Time) bool {
	tag, ok := e.Tags.Find("expiration")
	if !ok || len(tag) < 2 {
		return false
	}
	t, err := strconv.ParseInt(tag[1], 10, 64)
	if err != nil {
		return false
	}
	return t <= now.Unix()
}

// Coordinate identifies a replaceable or addressable event.
type Coordinate struct {
	Kind   Kind
	PubKey [32]byte
	D      string
}

// Coordinate returns the event's replaceable/addressable identity, if any.
func (e *Event) Coordinate() (Coordinate, bool) {
	if !e.Kind.IsReplaceable() && !e.Kind.IsAddressable() {
		return Coordinate{}, false
	}
	d := ""
	if tag, ok := e.Tags.Find("d"); ok {
		d = tag.Value()
	}
	return Coordinate{Kind: e.Kind, PubKey: e.PubKey, D: d}, true
}

// TagValues returns the set of second elements recorded under the given
// single-letter tag name, using the event's tag index.
func (e *Event) TagValues(letter string) map[string]struct{} {
	if e.idx == nil {
		e.idx = buildIndex(e.Tags)
	}
	return e.idx[letter]
}

// Signer is the minimal capability Event needs to be signed; satisfied by
// internal/signer.Signer.
type Signer interface {
	GetPublicKey() ([32]byte, error)
	SignEvent(unsigned *Event) (*Event, error)
}

// Builder accumulates event fields before signing.
type Builder struct {
	kind    Kind
	content string
	tags    Tags
	created int64
}

// NewBuilder starts building an event of the given kind and content.
// CreatedAt defaults to time.Now() at Sign time unless overridden.
func NewBuilder(kind Kind, content string) *Builder {
	return &Builder{kind: kind, content: content}
}

// Tag appends a tag to the event under construction.
func (b *Builder) Tag(t Tag) *Builder {
	b.tags = append(b.tags, t)
	return b
}

// AddTags appends all of ts to the event under construction.
func (b *Builder) AddTags(ts Tags) *Builder {
	b.tags = append(b.tags, ts...)
	return b
}

// CreatedAt overrides the default created_at timestamp.
func (b *Builder) CreatedAt(t time.Time) *Builder {
	b.created = t.Unix()
	return b
}

// Sign finalizes the event via signer: sets created_at (now, unless
// overridden), computes the canonical id, and produces the signature.
func (b *Builder) Sign(signer Signer) (*Event, error) {
	created := b.created
	if created == 0 {
		created = time.Now().Unix()
	}
	pub, err := signer.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("event: get public key: %w", err)
	}
	unsigned := &Event{
		PubKey:    pub,
		CreatedAt: created,
		Kind:      b.kind,
		Tags:      b.tags,
		Content:   b.content,
	}
	return signer.SignEvent(unsigned)
}

// BuildRumor finalizes the event under construction as an unsigned rumor:
// sets created_at and pubkey but leaves id to EnsureID and sig zero.
func (b *Builder) BuildRumor(pubkey [32]byte) *Event {
	created := b.created
	if created == 0 {
		created = time.Now().Unix()
	}
	r := &Event{
		PubKey:    pubkey,
		CreatedAt: created,
		Kind:      b.kind,
		Tags:      b.tags,
		Content:   b.content,
		Unsigned:  true,
	}
	r.EnsureID()
	return r
}

// EnsureID computes and stores the canonical id for an unsigned rumor if it
// has not already been set.
func (e *Event) EnsureID() {
	if e.ID != [32]byte{} {
		return
	}
	e.ID = crypto.DeriveEventID(e.CanonicalForm())
}

// jsonEvent is the tolerant wire representation: extra fields are ignored
// by encoding/json by default; only id/pubkey/created_at/kind/tags/content/sig
// are mandatory for a signed event.
type jsonEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// MarshalJSON encodes the event in standard Nostr wire form.
func (e *Event) MarshalJSON() ([]byte, error) {
	je := jsonEvent{
		ID:        hex.EncodeToString(e.ID[:]),
		PubKey:    hex.EncodeToString(e.PubKey[:]),
		CreatedAt: e.CreatedAt,
		Kind:      int(e.Kind),
		Content:   e.Content,
		Sig:       hex.EncodeToString(e.Sig[:]),
	}
	je.Tags = make([][]string, len(e.Tags))
	for i, t := range e.Tags {
		je.Tags[i] = []string(t)
	}
	return json.Marshal(je)
}

// UnmarshalJSON decodes an event, rejecting missing mandatory fields but
// tolerating (and ignoring) extras.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	for _, k := range []string{"id", "pubkey", "created_at", "kind", "tags", "content"} {
		if _, ok := fields[k]; !ok {
			return fmt.Errorf("event: missing %s", k)
		}
	}
	var je jsonEvent
	if err := json.Unmarshal(data, &je); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	if je.ID == "" || je.PubKey == "" {
		return errors.New("event: missing id or pubkey")
	}
	idb, err := hex.DecodeString(je.ID)
	if err != nil || len(idb) != 32 {
		return errors.New("event: invalid id")
	}
	pkb, err := hex.DecodeString(je.PubKey)
	if err != nil || len(pkb) != 32 {
		return errors.New("event: invalid pubkey")
	}

	ne := Event{CreatedAt: je.CreatedAt, Kind: Kind(je.Kind), Content: je.Content}
	copy(ne.ID[:], idb)
	copy(ne.PubKey[:], pkb)
	if je.Sig != "" {
		sb, err := hex.DecodeString(je.Sig)
		if err != nil || len(sb) != 64 {
			return errors.New("event: invalid sig")
		}
		copy(ne.Sig[:], sb)
	} else {
		ne.Unsigned = true
	}
	ne.Tags = make(Tags, len(je.Tags))
	for i, t := range je.Tags {
		ne.Tags[i] = Tag(t)
	}
	*e = ne
	return nil
}

// IDHex returns the lowercase hex event id.
func (e *Event) IDHex() string { return hex.EncodeToString(e.ID[:]) }

// PubKeyHex returns the lowercase hex x-only pubkey.
func (e *Event) PubKeyHex() string { return hex.EncodeToString(e.PubKey[:]) }
