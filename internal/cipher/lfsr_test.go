package cipher

import (
	"bytes"
	"testing"
)

func TestXORInPlaceIsInvolution(t *testing.T) {
	orig := []byte("the quick brown fox jumps over the lazy dog!!!!")
	buf := append([]byte(nil), orig...)

	k1 := XORInPlace(buf, 0, len(buf), 0x12345678)
	if bytes.Equal(buf, orig) {
		t.Fatal("buffer unchanged after first pass")
	}

	XORInPlace(buf, 0, len(buf), 0x12345678)
	if !bytes.Equal(buf, orig) {
		t.Fatalf("second pass did not restore original: got %x want %x", buf, orig)
	}
	_ = k1
}

func TestXORInPlacePartialRange(t *testing.T) {
	buf := make([]byte, 16)
	XORInPlace(buf, 4, 8, 0xDEADBEEF)
	for i, b := range buf {
		if i < 4 || i >= 12 {
			if b != 0 {
				t.Fatalf("byte %d outside range was touched: %#02x", i, b)
			}
		}
	}
}

func TestXORChainedKeyContinuesStream(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 32)
	whole := append([]byte(nil), data...)
	key := XORInPlace(whole, 0, 32, 0)

	split := append([]byte(nil), data...)
	k := XORInPlace(split, 0, 16, 0)
	k = XORInPlace(split, 16, 16, k)

	if !bytes.Equal(whole, split) {
		t.Fatalf("chained key didn't continue the same stream: %x vs %x", whole, split)
	}
	if key != k {
		t.Fatalf("final register mismatch: %#08x vs %#08x", key, k)
	}
}

func TestCalcKeyZero(t *testing.T) {
	got := CalcKey(0, 0xFFFF)
	if got == 0 {
		t.Fatal("calc_key(0) should not be zero")
	}
	// deterministic
	if got != CalcKey(0, 0xFFFF) {
		t.Fatal("calc_key not deterministic")
	}
}

func TestCalcUserKeyDeterministic(t *testing.T) {
	a := CalcUserKey(0xDEADBEEF)
	b := CalcUserKey(0xDEADBEEF)
	if a != b {
		t.Fatal("calc_user_key not deterministic")
	}
	if CalcUserKey(0) == a {
		t.Fatal("calc_user_key should depend on input")
	}
}
