package mlsext

import (
	"bytes"
	"testing"
)

func sampleGroupData() *GroupData {
	var gid [32]byte
	gid[0] = 0xAB
	var admin1, admin2 [32]byte
	admin1[0] = 1
	admin2[0] = 2
	return &GroupData{
		NostrGroupID: gid,
		Name:         "study group",
		Description:  "weekly sync",
		Admins:       [][32]byte{admin1, admin2},
		Relays:       []string{"wss://relay.one", "wss://relay.two"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleGroupData()
	wire := want.Encode()

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NostrGroupID != want.NostrGroupID {
		t.Fatal("group id mismatch")
	}
	if got.Name != want.Name || got.Description != want.Description {
		t.Fatal("name/description mismatch")
	}
	if len(got.Admins) != len(want.Admins) || got.Admins[0] != want.Admins[0] || got.Admins[1] != want.Admins[1] {
		t.Fatal("admins mismatch")
	}
	if len(got.Relays) != len(want.Relays) || got.Relays[0] != want.Relays[0] || got.Relays[1] != want.Relays[1] {
		t.Fatal("relays mismatch")
	}
}

func TestEncodeEmptyFields(t *testing.T) {
	g := &GroupData{}
	wire := g.Encode()
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != "" || got.Description != "" || len(got.Admins) != 0 || len(got.Relays) != 0 {
		t.Fatal("expected all-empty round trip")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	wire := sampleGroupData().Encode()
	if _, err := Decode(wire[:len(wire)-5]); err == nil {
		t.Fatal("expected truncated payload to fail")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	wire := sampleGroupData().Encode()
	wire = append(wire, 0x00)
	if _, err := Decode(wire); err == nil {
		t.Fatal("expected trailing bytes to fail")
	}
}

func TestIsAdmin(t *testing.T) {
	g := sampleGroupData()
	if !g.IsAdmin(g.Admins[0]) {
		t.Fatal("expected admin[0] to be recognized")
	}
	var stranger [32]byte
	stranger[0] = 0xFF
	if g.IsAdmin(stranger) {
		t.Fatal("expected stranger to not be recognized as admin")
	}
}

func TestDefaultCapabilitiesIncludesExtensionType(t *testing.T) {
	caps := DefaultCapabilities(1, 2, 3)
	found := false
	for _, t2 := range caps.ExtensionTypes {
		if t2 == ExtensionType {
			found = true
		}
	}
	if !found {
		t.Fatal("expected extension type to be advertised")
	}
	if !bytes.Equal([]byte{1, 2, 3}, toBytesU16(caps.ExtensionTypes[:3])) {
		t.Fatal("expected base capabilities preserved in order")
	}
}

func toBytesU16(vals []uint16) []byte {
	out := make([]byte, len(vals))
	for i, v := range vals {
		out[i] = byte(v)
	}
	return out
}
