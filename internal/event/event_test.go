package event

import (
	"encoding/hex"
	"testing"
	"time"
)

// vectorEvent builds the literal event from spec §8 scenario 1/2.
func vectorEvent(t *testing.T) *Event {
	t.Helper()
	id, err := hex.DecodeString("70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5"[:64])
	if err != nil {
		t.Fatal(err)
	}
	pk, err := hex.DecodeString("379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe"[:64])
	if err != nil {
		t.Fatal(err)
	}
	sig, err := hex.DecodeString("273a9cd5d11455590f4359500bccb7a89428262b96b3ea87a756b770964472f8c3e87f5d5e64d8d2e859a71462a3f477b554565c4f2f326cb01dd7620db71502")
	if err != nil {
		t.Fatal(err)
	}
	e := &Event{
		CreatedAt: 1612809991,
		Kind:      KindTextNote,
		Tags:      Tags{},
		Content:   "test",
	}
	copy(e.ID[:], id)
	copy(e.PubKey[:], pk)
	copy(e.Sig[:], sig)
	return e
}

func TestCanonicalForm(t *testing.T) {
	e := vectorEvent(t)
	got := string(e.CanonicalForm())
	want := `[0,"379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe",1612809991,1,[],"test"]`
	if got != want {
		t.Fatalf("canonical form mismatch:\n got: %s\nwant: %s", got, want)
	}
}

func TestVerifyVector(t *testing.T) {
	e := vectorEvent(t)
	if err := e.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestCanonicalMismatchDetected(t *testing.T) {
	e := vectorEvent(t)
	e.Content = "tampered"
	if err := e.Verify(); err != ErrCanonicalMismatch {
		t.Fatalf("expected ErrCanonicalMismatch, got %v", err)
	}
}

func TestIsExpired(t *testing.T) {
	e := &Event{Tags: Tags{Tag{"expiration", "100"}}}
	if !e.IsExpired(time.Unix(200, 0)) {
		t.Fatal("expected expired")
	}
	if e.IsExpired(time.Unix(50, 0)) {
		t.Fatal("expected not expired")
	}
	e2 := &Event{}
	if e2.IsExpired(time.Unix(50, 0)) {
		t.Fatal("no expiration tag means never expired")
	}
}

func TestCoordinate(t *testing.T) {
	e := &Event{Kind: 30001, Tags: Tags{Tag{"d", "my-article"}}}
	c, ok := e.Coordinate()
	if !ok || c.D != "my-article" || c.Kind != 30001 {
		t.Fatalf("unexpected coordinate: %+v ok=%v", c, ok)
	}

	e2 := &Event{Kind: KindTextNote}
	if _, ok := e2.Coordinate(); ok {
		t.Fatal("kind 1 is not addressable/replaceable")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	e := vectorEvent(t)
	data, err := e.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var got Event
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if got.IDHex() != e.IDHex() || got.Content != e.Content {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, e)
	}
}

func TestUnmarshalToleratesExtraFields(t *testing.T) {
	raw := []byte(`{"id":"` + "70b10f70c1318967eddf12527799411b1a9780ad9c43858f5e5fcd45486a13a5" +
		`","pubkey":"` + "379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe" +
		`","created_at":1612809991,"kind":1,"tags":[],"content":"test","sig":"` +
		"273a9cd5d11455590f4359500bccb7a89428262b96b3ea87a756b770964472f8c3e87f5d5e64d8d2e859a71462a3f477b554565c4f2f326cb01dd7620db71502" +
		`","unexpected_field":"ignored"}`)
	var e Event
	if err := e.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnmarshalRejectsMissingMandatory(t *testing.T) {
	var e Event
	if err := e.UnmarshalJSON([]byte(`{"kind":1,"content":"x"}`)); err == nil {
		t.Fatal("expected error for missing id/pubkey")
	}
}
