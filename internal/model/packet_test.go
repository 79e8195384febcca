package model

import (
	"bytes"
	"testing"
)

func TestVariableLengthEncoding(t *testing.T) {
	t.Parallel()

	cases := []struct {
		l   int
		enc []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	ve := make([]byte, 0, 4)
	for _, c := range cases {
		ve = VariableLengthEncode(ve[:0], c.l)
		if !bytes.Equal(ve, c.enc) {
			t.Fatal(c.l, ve)
		}
		if n := LengthToNumberOfVariableLengthBytes(c.l); n != len(c.enc) {
			t.Fatal(c.l, n)
		}

		l, n, err := VariableLengthDecode(ve)
		if err != nil {
			t.Fatal(c.l, err)
		}
		if l != c.l || n != len(c.enc) {
			t.Fatal(c.l, l, n)
		}
	}
}

func TestVariableLengthDecodeRoundTripSweep(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 0, 4)
	for l := 0; l <= MaxRemainingLength; l += 4099 {
		buf = VariableLengthEncode(buf[:0], l)
		got, n, err := VariableLengthDecode(buf)
		if err != nil || got != l || n != len(buf) {
			t.Fatal(l, got, n, err)
		}
	}
}

func TestVariableLengthDecodeNonMinimal(t *testing.T) {
	t.Parallel()

	bad := [][]byte{
		{0x80, 0x00},
		{0xFF, 0x00},
		{0x80, 0x80, 0x00},
		{0x80, 0x80, 0x80, 0x00},
		{0xFF, 0xFF, 0xFF, 0xFF, 0x01},
	}
	for _, b := range bad {
		if _, _, err := VariableLengthDecode(b); err != ErrMalformedLength {
			t.Fatal(b, err)
		}
	}
}

func TestVariableLengthDecodePartial(t *testing.T) {
	t.Parallel()

	for _, b := range [][]byte{{}, {0x80}, {0xFF, 0xFF}, {0x80, 0x80, 0x80}} {
		l, n, err := VariableLengthDecode(b)
		if err != nil || n != 0 || l != 0 {
			t.Fatal(b, l, n, err)
		}
	}
}
