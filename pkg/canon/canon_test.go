package canon

import "testing"

type sample struct {
	A uint64
	B string
	C []byte
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sample{A: 42, B: "hello", C: []byte{1, 2, 3}}
	b, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out sample
	if err := Decode(b, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.A != s.A || out.B != s.B || string(out.C) != string(s.C) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDomainHashDeterministic(t *testing.T) {
	b, _ := Encode(sample{A: 1, B: "x"})
	h1 := DomainHash(TagReceipt, b)
	h2 := DomainHash(TagReceipt, b)
	if h1 != h2 {
		t.Fatal("domain hash not deterministic")
	}
}

func TestDomainHashTagSeparation(t *testing.T) {
	b, _ := Encode(sample{A: 1, B: "x"})
	h1 := DomainHash(TagReceipt, b)
	h2 := DomainHash(TagLogBlock, b)
	if h1 == h2 {
		t.Fatal("different tags must not collide for identical bytes")
	}
}

func TestDecodeRejectsNonCanonical(t *testing.T) {
	// An indefinite-length text string is valid CBOR but not canonical.
	nonCanonical := []byte{0x7f, 0x61, 'a', 0xff}
	var out string
	if err := Decode(nonCanonical, &out); err == nil {
		t.Fatal("expected non-canonical input to be rejected")
	}
}
