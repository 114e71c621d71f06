package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)

	if bf.Has(0) {
		t.Fatalf("expected bit 0 unset")
	}

	bf.Set(0)
	if !bf.Has(0) {
		t.Fatalf("expected bit 0 set")
	}
	if bf[0] != 0x80 {
		t.Fatalf("bit 0 should be MSB of byte 0, got %08b", bf[0])
	}

	bf.Set(9)
	if bf[1] != 0x40 {
		t.Fatalf("bit 9 should be the second bit of byte 1, got %08b", bf[1])
	}

	bf.Clear(0)
	if bf.Has(0) {
		t.Fatalf("expected bit 0 cleared")
	}
}

func TestCount(t *testing.T) {
	bf := New(16)
	bf.Set(0)
	bf.Set(1)
	bf.Set(15)

	if got := bf.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
}

func TestFromBytesCopies(t *testing.T) {
	raw := []byte{0x80}
	bf := FromBytes(raw)
	raw[0] = 0x00

	if !bf.Has(0) {
		t.Fatalf("FromBytes should copy, not alias, the source slice")
	}
}

func TestEquals(t *testing.T) {
	a := New(8)
	a.Set(0)
	b := New(8)
	b.Set(0)

	if !a.Equals(b) {
		t.Fatalf("expected equal bitfields")
	}

	b.Set(1)
	if a.Equals(b) {
		t.Fatalf("expected unequal bitfields")
	}
}

func TestValidatePadding(t *testing.T) {
	bf := New(4) // 1 byte, 4 spare bits
	if err := bf.ValidatePadding(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bf.Set(7) // a padding bit
	if err := bf.ValidatePadding(4); err == nil {
		t.Fatalf("expected error for nonzero padding bit")
	}
}

func TestKnownScenarios(t *testing.T) {
	// 1 piece -> [0x80] once the single piece is marked present.
	bf1 := New(1)
	bf1.Set(0)
	if bf1[0] != 0x80 {
		t.Fatalf("1-piece bitfield = %08b, want 10000000", bf1[0])
	}

	// 2 pieces, both present -> [0xC0].
	bf2 := New(2)
	bf2.Set(0)
	bf2.Set(1)
	if bf2[0] != 0xC0 {
		t.Fatalf("2-piece bitfield = %08b, want 11000000", bf2[0])
	}
}
