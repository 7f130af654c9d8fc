package wire

import "testing"

func TestParsePrefix(t *testing.T) {
	p, rest, ok := ParsePrefix("auth-required: please authenticate")
	if !ok || p != PrefixAuthRequired || rest != "please authenticate" {
		t.Fatalf("got %v %q %v", p, rest, ok)
	}
	if _, _, ok := ParsePrefix("just a notice"); ok {
		t.Fatal("expected no prefix match")
	}
}

func TestDecodeRelayEOSE(t *testing.T) {
	m, err := DecodeRelay([]byte(`["EOSE","sub1"]`))
	if err != nil {
		t.Fatal(err)
	}
	eose, ok := m.(EOSEMsg)
	if !ok || eose.SubID != "sub1" {
		t.Fatalf("unexpected decode: %+v", m)
	}
}

func TestDecodeRelayUnknownVariant(t *testing.T) {
	_, err := DecodeRelay([]byte(`["WEIRD","x"]`))
	if err == nil {
		t.Fatal("expected error")
	}
	var uv *ErrUnknownVariant
	if e, ok := err.(*ErrUnknownVariant); ok {
		uv = e
	}
	if uv == nil || uv.Variant != "WEIRD" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodePartialEvent(t *testing.T) {
	raw := []byte(`["EVENT","sub1",{"id":"aa","pubkey":"bb","sig":"cc","kind":1,"tags":[["e","1"],["p","2"]]}]`)
	pe, ok := DecodePartialEvent(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if pe.ID != "aa" || pe.PubKey != "bb" || pe.NumTags != 2 || pe.Kind != 1 {
		t.Fatalf("unexpected partial event: %+v", pe)
	}
}
