package signer

import (
	"testing"

	"github.com/keanuklestil/quoin/internal/event"
)

func TestLocalSignAndVerify(t *testing.T) {
	s, err := GenerateLocal()
	if err != nil {
		t.Fatal(err)
	}
	b := event.NewBuilder(event.KindTextNote, "hello")
	e, err := b.Sign(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLocalNIP44RoundTrip(t *testing.T) {
	a, err := GenerateLocal()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateLocal()
	if err != nil {
		t.Fatal(err)
	}
	bPub, _ := b.GetPublicKey()
	ct, err := a.NIP44Encrypt(bPub, "secret message")
	if err != nil {
		t.Fatal(err)
	}
	aPub, _ := a.GetPublicKey()
	pt, err := b.NIP44Decrypt(aPub, ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "secret message" {
		t.Fatalf("got %q", pt)
	}
}

func TestLocalNIP04RoundTrip(t *testing.T) {
	a, err := GenerateLocal()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateLocal()
	if err != nil {
		t.Fatal(err)
	}
	bPub, _ := b.GetPublicKey()
	ct, err := a.NIP04Encrypt(bPub, "legacy dm")
	if err != nil {
		t.Fatal(err)
	}
	aPub, _ := a.GetPublicKey()
	pt, err := b.NIP04Decrypt(aPub, ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "legacy dm" {
		t.Fatalf("got %q", pt)
	}
}
