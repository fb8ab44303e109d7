package wire

import (
	"errors"
	"testing"
)

func TestParseSignature(t *testing.T) {
	cases := []struct {
		sig   Signature
		count int
	}{
		{"", 0},
		{"s", 1},
		{"xsaysas", 5},
		{"a{sv}", 1},
		{"(ia(sv))as", 2},
		{"aa{s(ii)}", 1},
	}
	for _, tc := range cases {
		types, err := ParseSignature(tc.sig)
		if err != nil {
			t.Fatalf("%q: %v", tc.sig, err)
		}
		if len(types) != tc.count {
			t.Fatalf("%q: got %d types want %d", tc.sig, len(types), tc.count)
		}
		var rebuilt string
		for _, typ := range types {
			rebuilt += typ.String()
		}
		if rebuilt != string(tc.sig) {
			t.Fatalf("%q: rebuilt %q", tc.sig, rebuilt)
		}
	}
}

func TestParseSignatureRejects(t *testing.T) {
	cases := []struct {
		sig  Signature
		want error
	}{
		{"z", ErrUnknownType},
		{"a", ErrBadSignature},
		{"()", ErrBadSignature},
		{"(i", ErrBadSignature},
		{"{sv}", ErrBadSignature},
		{"a{vs}", ErrBadSignature},
		{"a{sss}", ErrBadSignature},
	}
	for _, tc := range cases {
		if _, err := ParseSignature(tc.sig); !errors.Is(err, tc.want) {
			t.Fatalf("%q: expected %v, got %v", tc.sig, tc.want, err)
		}
	}
}

func TestTypeAlignment(t *testing.T) {
	want := map[Signature]int{"y": 1, "b": 4, "n": 2, "i": 4, "x": 8, "s": 4, "o": 4, "g": 1, "as": 4, "(y)": 8, "v": 1, "d": 8}
	for sig, align := range want {
		typ, err := ParseSingle(sig)
		if err != nil {
			t.Fatalf("%q: %v", sig, err)
		}
		if typ.Align() != align {
			t.Fatalf("%q: align=%d want %d", sig, typ.Align(), align)
		}
	}
}
