package filter

import (
	"encoding/hex"
	"testing"

	"github.com/keanuklestil/quoin/internal/event"
)

func vectorEvent(t *testing.T) *event.Event {
	t.Helper()
	pk, _ := hex.DecodeString("379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe")
	e := &event.Event{CreatedAt: 1612809991, Kind: event.KindTextNote, Tags: event.Tags{}, Content: "test"}
	copy(e.PubKey[:], pk)
	return e
}

func TestFilterMatchesVector(t *testing.T) {
	e := vectorEvent(t)
	since, until := int64(1612808000), int64(1612810000)
	f := &Filter{
		Authors: []string{e.PubKeyHex()},
		Kinds:   []event.Kind{event.KindTextNote},
		Since:   &since,
		Until:   &until,
	}
	if !f.Match(e) {
		t.Fatal("expected match")
	}
}

func TestFilterNonMatchOnKind(t *testing.T) {
	e := vectorEvent(t)
	f := &Filter{Kinds: []event.Kind{event.KindMetadata}}
	if f.Match(e) {
		t.Fatal("expected non-match")
	}
}

func TestFilterTagPredicate(t *testing.T) {
	e := &event.Event{Tags: event.Tags{event.Tag{"h", "abcd"}}}
	f := &Filter{Tags: map[string][]string{"h": {"abcd"}}}
	if !f.Match(e) {
		t.Fatal("expected tag match")
	}
	f2 := &Filter{Tags: map[string][]string{"h": {"zzzz"}}}
	if f2.Match(e) {
		t.Fatal("expected tag non-match")
	}
}

func TestFilterSearchCaseInsensitive(t *testing.T) {
	e := &event.Event{Content: "Hello World"}
	f := &Filter{Search: "world"}
	if !f.Match(e) {
		t.Fatal("expected case-insensitive substring match")
	}
}

func TestFilterJSONRoundTrip(t *testing.T) {
	since := int64(100)
	f := &Filter{
		Authors: []string{"aabb"},
		Kinds:   []event.Kind{1, 2},
		Since:   &since,
		Limit:   10,
		Tags:    map[string][]string{"e": {"x", "y"}},
	}
	data, err := f.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var got Filter
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if got.Limit != 10 || len(got.Tags["e"]) != 2 || *got.Since != 100 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
