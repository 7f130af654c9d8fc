// Package storage defines the narrow synchronous storage trait the engine
// depends on (spec §4.13, §6) and an in-memory reference implementation
// used by tests and by cmd/quoin. Concrete on-disk (LMDB/redb-shaped)
// implementations are external collaborators per spec.md §1.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/filter"
)

// Error is the single StorageError kind, carrying an implementer string.
type Error struct{ Reason string }

func (e *Error) Error() string { return fmt.Sprintf("storage: %s", e.Reason) }

// ErrNotFound is returned by lookups that find nothing; callers that want
// "not found" to mean false/nil rather than an error should check this.
var ErrNotFound = errors.New("storage: not found")

// NegentropyItem is one (id, timestamp) pair used to build a local
// reconciliation range.
type NegentropyItem struct {
	ID        [32]byte
	Timestamp int64
}

// GroupType distinguishes a 1:1 MLS group from a multi-party one.
type GroupType int

const (
	GroupTypeDirectMessage GroupType = iota
	GroupTypeGroup
)

// GroupState is Active or Inactive (spec §3).
type GroupState int

const (
	GroupActive GroupState = iota
	GroupInactive
)

// Group mirrors the spec §3 MLS Group record.
type Group struct {
	MLSGroupID     []byte
	NostrGroupID   [32]byte
	Name           string
	Description    string
	AdminPubkeys   map[[32]byte]struct{}
	Relays         map[string]struct{}
	Epoch          uint64
	Type           GroupType
	State          GroupState
	LastMessageAt  int64
	LastMessageID  [32]byte
}

// MessageState is Created or Processed (spec §3).
type MessageState int

const (
	MessageCreated MessageState = iota
	MessageProcessed
)

// Message mirrors the spec §3 application-rumor record.
type Message struct {
	ID             [32]byte
	PubKey         [32]byte
	Kind           event.Kind
	MLSGroupID     []byte
	CreatedAt      int64
	Content        string
	Tags           event.Tags
	Event          *event.Event
	WrapperEventID [32]byte
	State          MessageState
}

// ProcessedState tracks wrapper-event idempotence (spec §3).
type ProcessedState int

const (
	ProcessedCreated ProcessedState = iota
	ProcessedProcessed
	ProcessedProcessedCommit
	ProcessedFailed
)

// ProcessedMessage mirrors the spec §3 wrapper-event idempotence record.
type ProcessedMessage struct {
	WrapperEventID  [32]byte
	MessageEventID  *[32]byte
	ProcessedAt     int64
	State           ProcessedState
	FailureReason   string
}

// Store is the narrow synchronous interface the engine depends on.
// Implementations may block; callers in an async context are expected to
// hop to a blocking pool themselves (spec §5).
type Store interface {
	// Events
	SaveEvent(e *event.Event) error
	HasEventIDBeenSaved(id [32]byte) (bool, error)
	HasEventIDBeenDeleted(id [32]byte) (bool, error)
	HasCoordinateBeenDeleted(coord event.Coordinate, createdAt int64) (bool, error)
	EventIDSeen(id [32]byte, relay string) error
	EventByID(id [32]byte) (*event.Event, error)
	Query(f *filter.Filter) ([]*event.Event, error)
	NegentropyItems(f *filter.Filter) ([]NegentropyItem, error)

	// Groups
	SaveGroup(g *Group) error
	FindGroupByMLSGroupID(id []byte) (*Group, error)
	FindGroupByNostrGroupID(id [32]byte) (*Group, error)
	AllGroups() ([]*Group, error)
	SaveGroupRelay(mlsGroupID []byte, relayURL string) error
	GroupRelays(mlsGroupID []byte) ([]string, error)

	// Messages
	SaveMessage(m *Message) error
	FindMessageByEventID(id [32]byte) (*Message, error)
	Messages(mlsGroupID []byte) ([]*Message, error)

	// Processed markers
	SaveProcessedMessage(p *ProcessedMessage) error
	FindProcessedMessageByEventID(wrapperEventID [32]byte) (*ProcessedMessage, error)

	// Secrets
	SaveGroupExporterSecret(mlsGroupID []byte, epoch uint64, secret [32]byte) error
	GetGroupExporterSecret(mlsGroupID []byte, epoch uint64) ([32]byte, bool, error)
}

// Memory is an in-memory Store, suitable for tests and the demonstration
// CLI. Guarded by a single mutex: the spec places no concurrency
// requirement on Store beyond "may be blocking".
type Memory struct {
	mu sync.Mutex

	events        map[[32]byte]*event.Event
	deletedIDs    map[[32]byte]struct{}
	deletedCoords map[string]int64 // coordinate key -> created_at of the deletion
	seenBy        map[[32]byte]map[string]struct{}

	groupsByMLSID   map[string]*Group
	groupsByNostrID map[[32]byte]*Group
	groupRelays     map[string]map[string]struct{}

	messagesByID   map[[32]byte]*Message
	messagesByGrp  map[string][]*Message

	processed map[[32]byte]*ProcessedMessage

	secrets map[string][32]byte // key: mlsGroupID|epoch
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:          make(map[[32]byte]*event.Event),
		deletedIDs:      make(map[[32]byte]struct{}),
		deletedCoords:   make(map[string]int64),
		seenBy:          make(map[[32]byte]map[string]struct{}),
		groupsByMLSID:   make(map[string]*Group),
		groupsByNostrID: make(map[[32]byte]*Group),
		groupRelays:     make(map[string]map[string]struct{}),
		messagesByID:    make(map[[32]byte]*Message),
		messagesByGrp:   make(map[string][]*Message),
		processed:       make(map[[32]byte]*ProcessedMessage),
		secrets:         make(map[string][32]byte),
	}
}

func coordKey(c event.Coordinate) string {
	return fmt.Sprintf("%d|%x|%s", c.Kind, c.PubKey, c.D)
}

func secretKey(mlsGroupID []byte, epoch uint64) string {
	return fmt.Sprintf("%x|%d", mlsGroupID, epoch)
}

func (m *Memory) SaveEvent(e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}

func (m *Memory) HasEventIDBeenSaved(id [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[id]
	return ok, nil
}

func (m *Memory) HasEventIDBeenDeleted(id [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deletedIDs[id]
	return ok, nil
}

// MarkDeleted records a NIP-09 style deletion, used by tests exercising the
// spec §4.6 step 4 reject-deleted-reference path.
func (m *Memory) MarkDeleted(id [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedIDs[id] = struct{}{}
}

// MarkCoordinateDeleted records a replaceable/addressable deletion at a
// given created_at, per spec §4.6 step 4.
func (m *Memory) MarkCoordinateDeleted(c event.Coordinate, at int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedCoords[coordKey(c)] = at
}

func (m *Memory) HasCoordinateBeenDeleted(coord event.Coordinate, createdAt int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deletedAt, ok := m.deletedCoords[coordKey(coord)]
	if !ok {
		return false, nil
	}
	return createdAt <= deletedAt, nil
}

func (m *Memory) EventIDSeen(id [32]byte, relay string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.seenBy[id]
	if !ok {
		set = make(map[string]struct{})
		m.seenBy[id] = set
	}
	set[relay] = struct{}{}
	return nil
}

func (m *Memory) EventByID(id [32]byte) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Query(f *filter.Filter) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*event.Event
	for _, e := range m.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) NegentropyItems(f *filter.Filter) ([]NegentropyItem, error) {
	events, err := m.Query(f)
	if err != nil {
		return nil, err
	}
	items := make([]NegentropyItem, len(events))
	for i, e := range events {
		items[i] = NegentropyItem{ID: e.ID, Timestamp: e.CreatedAt}
	}
	return items, nil
}

func (m *Memory) SaveGroup(g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupsByMLSID[string(g.MLSGroupID)] = g
	m.groupsByNostrID[g.NostrGroupID] = g
	return nil
}

func (m *Memory) FindGroupByMLSGroupID(id []byte) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groupsByMLSID[string(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

func (m *Memory) FindGroupByNostrGroupID(id [32]byte) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groupsByNostrID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

func (m *Memory) AllGroups() ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Group, 0, len(m.groupsByMLSID))
	for _, g := range m.groupsByMLSID {
		out = append(out, g)
	}
	return out, nil
}

func (m *Memory) SaveGroupRelay(mlsGroupID []byte, relayURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.groupRelays[string(mlsGroupID)]
	if !ok {
		set = make(map[string]struct{})
		m.groupRelays[string(mlsGroupID)] = set
	}
	set[relayURL] = struct{}{}
	return nil
}

func (m *Memory) GroupRelays(mlsGroupID []byte) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.groupRelays[string(mlsGroupID)]
	out := make([]string, 0, len(set))
	for url := range set {
		out = append(out, url)
	}
	return out, nil
}

func (m *Memory) SaveMessage(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messagesByID[msg.ID]; !exists {
		m.messagesByGrp[string(msg.MLSGroupID)] = append(m.messagesByGrp[string(msg.MLSGroupID)], msg)
	} else {
		for i, existing := range m.messagesByGrp[string(msg.MLSGroupID)] {
			if existing.ID == msg.ID {
				m.messagesByGrp[string(msg.MLSGroupID)][i] = msg
				break
			}
		}
	}
	m.messagesByID[msg.ID] = msg
	return nil
}

func (m *Memory) FindMessageByEventID(id [32]byte) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messagesByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) Messages(mlsGroupID []byte) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.messagesByGrp[string(mlsGroupID)]...), nil
}

func (m *Memory) SaveProcessedMessage(p *ProcessedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[p.WrapperEventID] = p
	return nil
}

func (m *Memory) FindProcessedMessageByEventID(wrapperEventID [32]byte) (*ProcessedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processed[wrapperEventID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *Memory) SaveGroupExporterSecret(mlsGroupID []byte, epoch uint64, secret [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[secretKey(mlsGroupID, epoch)] = secret
	return nil
}

func (m *Memory) GetGroupExporterSecret(mlsGroupID []byte, epoch uint64) ([32]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[secretKey(mlsGroupID, epoch)]
	return s, ok, nil
}
