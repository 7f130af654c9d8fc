package mls

import (
	"testing"

	"github.com/keanuklestil/quoin/internal/event"
)

func TestKeyPackageEncodeDecodeRoundTrip(t *testing.T) {
	_, pk := identity(t)
	kp, _, err := GenerateKeyPackage(pk)
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}
	if !kp.Verify() {
		t.Fatal("expected freshly generated key package to verify")
	}

	wire := kp.Encode()
	got, err := DecodeKeyPackage(wire)
	if err != nil {
		t.Fatalf("decode key package: %v", err)
	}
	if got.Identity != kp.Identity {
		t.Fatal("identity mismatch after round trip")
	}
	if !got.Verify() {
		t.Fatal("expected decoded key package to still verify")
	}
}

func TestKeyPackageEventRoundTrip(t *testing.T) {
	s, pk := identity(t)
	kp, _, err := GenerateKeyPackage(pk)
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}

	ev, err := BuildKeyPackageEvent(kp, s, []string{"wss://relay.one", "wss://relay.two"})
	if err != nil {
		t.Fatalf("build key package event: %v", err)
	}
	if ev.Kind != event.KindMLSKeyPkg {
		t.Fatalf("expected kind %d, got %d", event.KindMLSKeyPkg, ev.Kind)
	}
	relayTags := 0
	for _, tg := range ev.Tags {
		if tg.Name() == "relay" {
			relayTags++
		}
	}
	if relayTags != 2 {
		t.Fatalf("expected 2 relay hint tags, got %d", relayTags)
	}

	parsed, err := ParseKeyPackageEvent(ev)
	if err != nil {
		t.Fatalf("parse key package event: %v", err)
	}
	if parsed.Identity != pk {
		t.Fatal("identity mismatch after event round trip")
	}
}

func TestKeyPackageVerifyRejectsTamperedSignature(t *testing.T) {
	_, pk := identity(t)
	kp, _, err := GenerateKeyPackage(pk)
	if err != nil {
		t.Fatalf("generate key package: %v", err)
	}
	kp.Signature[0] ^= 0xFF
	if kp.Verify() {
		t.Fatal("expected tampered signature to fail verification")
	}
}
