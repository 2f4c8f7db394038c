package envelope

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{GroupID: "group0", SrcNodeID: []byte{0xAA, 0xBB}, DstNodeID: []byte{0xCC}, Payload: []byte("hi")},
		{GroupID: "", SrcNodeID: []byte("a"), DstNodeID: nil, Payload: nil},
		{GroupID: strings.Repeat("g", MaxFieldLen), SrcNodeID: bytes.Repeat([]byte{1}, MaxFieldLen), Payload: []byte{0}},
	}
	for i, in := range cases {
		b, err := Encode(in)
		if err != nil {
			t.Fatalf("case %d encode: %v", i, err)
		}
		out, n, err := Decode(b)
		if err != nil {
			t.Fatalf("case %d decode: %v", i, err)
		}
		if n != len(b) {
			t.Fatalf("case %d consumed=%d want=%d", i, n, len(b))
		}
		if out.GroupID != in.GroupID || !bytes.Equal(out.SrcNodeID, in.SrcNodeID) ||
			!bytes.Equal(out.DstNodeID, in.DstNodeID) || !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("case %d mismatch: got=%+v want=%+v", i, out, in)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	b, err := Encode(Envelope{GroupID: "g1", SrcNodeID: []byte{0x0A}, DstNodeID: []byte{0x0B, 0x0C}, Payload: []byte("p")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0, 2, 'g', '1', 0, 1, 0x0A, 0, 2, 0x0B, 0x0C, 'p'}
	if !bytes.Equal(b, want) {
		t.Fatalf("layout got=%v want=%v", b, want)
	}
}

func TestEncodeRejectsLongGroup(t *testing.T) {
	_, err := Encode(Envelope{GroupID: strings.Repeat("g", MaxFieldLen+1), SrcNodeID: []byte("a")})
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong, got %v", err)
	}
}

func TestEncodeRejectsLongDestination(t *testing.T) {
	_, err := Encode(Envelope{SrcNodeID: []byte("a"), DstNodeID: make([]byte, MaxFieldLen+1)})
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong, got %v", err)
	}
}

func TestEncodeRequiresSource(t *testing.T) {
	_, err := Encode(Envelope{GroupID: "g"})
	if !errors.Is(err, ErrMissingSource) {
		t.Fatalf("expected ErrMissingSource, got %v", err)
	}
}

func TestDecodeTruncatedIsOutOfRange(t *testing.T) {
	b, err := Encode(Envelope{GroupID: "group", SrcNodeID: []byte("src"), DstNodeID: []byte("dst")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, cut := range []int{0, 1, 3, 8, 10, len(b) - 1} {
		if _, _, err := Decode(b[:cut]); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("cut=%d expected ErrOutOfRange, got %v", cut, err)
		}
	}
}
