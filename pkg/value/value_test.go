package value

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		NewBoolean(true),
		NewBoolean(false),
		NewInt32(-7),
		NewInt64(1 << 40),
		NewFloat(3.14),
		NewDouble(2.71828),
		NewString("hello world"),
		NewTag("unindexed"),
		NewLink(42),
	}

	for _, v := range cases {
		enc := v.Encode()
		got, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		if !got.Equal(v) {
			t.Fatalf("round trip mismatch: want %v, got %v", v, got)
		}
		if got.Type() != v.Type() {
			t.Fatalf("round trip type mismatch: want %v, got %v", v.Type(), got.Type())
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error decoding empty input")
	}
	if _, err := Decode([]byte{byte(TypeInt64), 1, 2}); err == nil {
		t.Fatal("expected error decoding truncated int64")
	}
}

func TestCompareSameType(t *testing.T) {
	if NewInt64(1).Compare(NewInt64(2)) >= 0 {
		t.Fatal("expected 1 < 2")
	}
	if NewString("a").Compare(NewString("b")) >= 0 {
		t.Fatal("expected \"a\" < \"b\"")
	}
	if !NewInt32(5).Equal(NewInt32(5)) {
		t.Fatal("expected equal int32 values to compare equal")
	}
}

func TestCompareCrossTypeFallsBackToByteLex(t *testing.T) {
	a := NewInt32(1)
	b := NewString("1")
	// Cross-type comparison must not panic and must be consistent with a
	// byte-lex comparison of the two encodings (§3).
	want := func() int {
		ea, eb := a.Encode(), b.Encode()
		for i := 0; i < len(ea) && i < len(eb); i++ {
			if ea[i] != eb[i] {
				if ea[i] < eb[i] {
					return -1
				}
				return 1
			}
		}
		switch {
		case len(ea) < len(eb):
			return -1
		case len(ea) > len(eb):
			return 1
		default:
			return 0
		}
	}()
	if got := a.Compare(b); got != want {
		t.Fatalf("cross-type compare: want %d, got %d", want, got)
	}
}

func TestIsLink(t *testing.T) {
	link := NewLink(17)
	record, ok := link.IsLink()
	if !ok || record != 17 {
		t.Fatalf("expected link to record 17, got (%d, %v)", record, ok)
	}
	if _, ok := NewInt32(1).IsLink(); ok {
		t.Fatal("expected a non-link value to report IsLink()=false")
	}
}

func TestTagIsNotEqualToStringOfSameText(t *testing.T) {
	// Tag and String share a payload encoding but are distinct types
	// (§4.3: "Tag" is "String"'s un-indexed twin) and must not compare
	// equal across that boundary.
	if NewTag("x").Equal(NewString("x")) {
		t.Fatal("expected Tag and String with the same text to be distinct values")
	}
}
