// Package wire implements the client<->relay message taxonomy and JSON
// codec of spec §4.4, plus the "machine-readable prefix" convention on
// OK/CLOSED messages and a fast partial-event pre-decode used by the
// inbound dispatch path before full unmarshal/verification.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/keanuklestil/quoin/internal/event"
	"github.com/keanuklestil/quoin/internal/filter"
)

// Prefix is a machine-readable OK/CLOSED message prefix (spec §4.4).
type Prefix string

const (
	PrefixAuthRequired Prefix = "auth-required"
	PrefixPoW          Prefix = "pow"
	PrefixDuplicate    Prefix = "duplicate"
	PrefixBlocked      Prefix = "blocked"
	PrefixRateLimited  Prefix = "rate-limited"
	PrefixInvalid      Prefix = "invalid"
	PrefixError        Prefix = "error"
	PrefixRestricted   Prefix = "restricted"
)

// ParsePrefix extracts the machine-readable prefix from an OK/CLOSED
// message, if present.
func ParsePrefix(msg string) (Prefix, string, bool) {
	i := strings.Index(msg, ":")
	if i < 0 {
		return "", msg, false
	}
	token := Prefix(strings.TrimSpace(msg[:i]))
	switch token {
	case PrefixAuthRequired, PrefixPoW, PrefixDuplicate, PrefixBlocked,
		PrefixRateLimited, PrefixInvalid, PrefixError, PrefixRestricted:
		return token, strings.TrimSpace(msg[i+1:]), true
	default:
		return "", msg, false
	}
}

// ClientMessage is any of the client->relay wire variants.
type ClientMessage interface{ clientMessage() }

type EventMsg struct{ Event *event.Event }
type ReqMsg struct {
	SubID  string
	Filter *filter.Filter
}
type CloseMsg struct{ SubID string }
type AuthMsg struct{ Event *event.Event }
type CountMsg struct {
	SubID  string
	Filter *filter.Filter
}
type NegOpenMsg struct {
	SubID         string
	Filter        *filter.Filter
	InitialHexMsg string
}
type NegMsgMsg struct {
	SubID  string
	HexMsg string
}
type NegCloseMsg struct{ SubID string }

func (EventMsg) clientMessage()    {}
func (ReqMsg) clientMessage()      {}
func (CloseMsg) clientMessage()    {}
func (AuthMsg) clientMessage()     {}
func (CountMsg) clientMessage()    {}
func (NegOpenMsg) clientMessage()  {}
func (NegMsgMsg) clientMessage()   {}
func (NegCloseMsg) clientMessage() {}

// EncodeClient serializes a client message to its exact JSON array form.
func EncodeClient(m ClientMessage) ([]byte, error) {
	switch v := m.(type) {
	case EventMsg:
		return json.Marshal([]any{"EVENT", v.Event})
	case ReqMsg:
		return json.Marshal([]any{"REQ", v.SubID, v.Filter})
	case CloseMsg:
		return json.Marshal([]any{"CLOSE", v.SubID})
	case AuthMsg:
		return json.Marshal([]any{"AUTH", v.Event})
	case CountMsg:
		return json.Marshal([]any{"COUNT", v.SubID, v.Filter})
	case NegOpenMsg:
		return json.Marshal([]any{"NEG-OPEN", v.SubID, v.Filter, v.InitialHexMsg})
	case NegMsgMsg:
		return json.Marshal([]any{"NEG-MSG", v.SubID, v.HexMsg})
	case NegCloseMsg:
		return json.Marshal([]any{"NEG-CLOSE", v.SubID})
	default:
		return nil, fmt.Errorf("wire: unknown client message type %T", m)
	}
}

// RelayMessage is any of the relay->client wire variants.
type RelayMessage interface{ relayMessage() }

type RelayEventMsg struct {
	SubID string
	Event *event.Event
}
type OKMsg struct {
	EventID string
	OK      bool
	Message string
}
type EOSEMsg struct{ SubID string }
type ClosedMsg struct {
	SubID   string
	Message string
}
type NoticeMsg struct{ Message string }
type RelayAuthMsg struct{ Challenge string }
type CountReplyMsg struct {
	SubID string
	Count int
}
type NegMsgReplyMsg struct {
	SubID  string
	HexMsg string
}
type NegErrMsg struct {
	SubID  string
	Reason string
}

func (RelayEventMsg) relayMessage()  {}
func (OKMsg) relayMessage()          {}
func (EOSEMsg) relayMessage()        {}
func (ClosedMsg) relayMessage()      {}
func (NoticeMsg) relayMessage()      {}
func (RelayAuthMsg) relayMessage()   {}
func (CountReplyMsg) relayMessage()  {}
func (NegMsgReplyMsg) relayMessage() {}
func (NegErrMsg) relayMessage()      {}

// ErrUnknownVariant is returned by DecodeRelay for an unrecognized first
// array element.
type ErrUnknownVariant struct{ Variant string }

func (e *ErrUnknownVariant) Error() string {
	return fmt.Sprintf("wire: unknown relay message variant %q", e.Variant)
}

// DecodeRelay parses a raw relay->client Text frame into a typed RelayMessage.
func DecodeRelay(raw []byte) (RelayMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("wire: invalid JSON: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("wire: empty message")
	}
	var variant string
	if err := json.Unmarshal(parts[0], &variant); err != nil {
		return nil, fmt.Errorf("wire: invalid variant tag: %w", err)
	}

	switch variant {
	case "EVENT":
		if len(parts) < 3 {
			return nil, fmt.Errorf("wire: EVENT: expected 3 elements")
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, err
		}
		var ev event.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return nil, err
		}
		return RelayEventMsg{SubID: subID, Event: &ev}, nil
	case "OK":
		if len(parts) < 4 {
			return nil, fmt.Errorf("wire: OK: expected 4 elements")
		}
		var id, msg string
		var ok bool
		if err := json.Unmarshal(parts[1], &id); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[2], &ok); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[3], &msg); err != nil {
			return nil, err
		}
		return OKMsg{EventID: id, OK: ok, Message: msg}, nil
	case "EOSE":
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, err
		}
		return EOSEMsg{SubID: subID}, nil
	case "CLOSED":
		var subID, msg string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, err
		}
		if len(parts) > 2 {
			if err := json.Unmarshal(parts[2], &msg); err != nil {
				return nil, err
			}
		}
		return ClosedMsg{SubID: subID, Message: msg}, nil
	case "NOTICE":
		var msg string
		if err := json.Unmarshal(parts[1], &msg); err != nil {
			return nil, err
		}
		return NoticeMsg{Message: msg}, nil
	case "AUTH":
		var challenge string
		if err := json.Unmarshal(parts[1], &challenge); err != nil {
			return nil, err
		}
		return RelayAuthMsg{Challenge: challenge}, nil
	case "COUNT":
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, err
		}
		var body struct {
			Count int `json:"count"`
		}
		if len(parts) > 2 {
			if err := json.Unmarshal(parts[2], &body); err != nil {
				return nil, err
			}
		}
		return CountReplyMsg{SubID: subID, Count: body.Count}, nil
	case "NEG-MSG":
		var subID, hexMsg string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[2], &hexMsg); err != nil {
			return nil, err
		}
		return NegMsgReplyMsg{SubID: subID, HexMsg: hexMsg}, nil
	case "NEG-ERR":
		var subID, reason string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[2], &reason); err != nil {
			return nil, err
		}
		return NegErrMsg{SubID: subID, Reason: reason}, nil
	default:
		return nil, &ErrUnknownVariant{Variant: variant}
	}
}

// PartialEvent holds only the fields needed for cheap pre-validation before
// a full unmarshal (spec §4.6 step 2): id, pubkey, sig, kind, tag count and
// serialized size.
type PartialEvent struct {
	ID      string
	PubKey  string
	Sig     string
	Kind    int
	NumTags int
	Size    int
}

// DecodePartialEvent pulls id/pubkey/sig/kind and the tag count out of a raw
// ["EVENT", subID, {...}] frame using gjson, avoiding a full unmarshal (and
// its allocations) for events that will be dropped by policy before
// signature verification.
func DecodePartialEvent(raw []byte) (PartialEvent, bool) {
	result := gjson.ParseBytes(raw)
	if !result.IsArray() {
		return PartialEvent{}, false
	}
	arr := result.Array()
	if len(arr) < 3 || arr[0].String() != "EVENT" {
		return PartialEvent{}, false
	}
	obj := arr[2]
	pe := PartialEvent{
		ID:      obj.Get("id").String(),
		PubKey:  obj.Get("pubkey").String(),
		Sig:     obj.Get("sig").String(),
		Kind:    int(obj.Get("kind").Int()),
		NumTags: len(obj.Get("tags").Array()),
		Size:    len(raw),
	}
	if pe.ID == "" || pe.PubKey == "" {
		return PartialEvent{}, false
	}
	return pe, true
}
