package bitfield

import "testing"

func TestSetTestClear(t *testing.T) {
	bf := New(10)
	if bf.Count() != 0 {
		t.Fatalf("expected empty bitfield")
	}
	bf.Set(0)
	bf.Set(9)
	if !bf.Test(0) || !bf.Test(9) {
		t.Fatalf("expected bits 0 and 9 set")
	}
	if bf.Test(1) {
		t.Fatalf("bit 1 should not be set")
	}
	bf.Clear(0)
	if bf.Test(0) {
		t.Fatalf("bit 0 should be cleared")
	}
}

func TestRoundTrip(t *testing.T) {
	bf := New(20)
	for _, i := range []uint32{0, 1, 7, 8, 15, 19} {
		bf.Set(i)
	}
	bf2, err := NewBytes(bf.Bytes(), 20)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(0); i < 20; i++ {
		if bf.Test(i) != bf2.Test(i) {
			t.Fatalf("bit %d mismatch after round-trip", i)
		}
	}
}

func TestMSBFirst(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	if bf.Bytes()[0] != 0x80 {
		t.Fatalf("bit 0 should map to MSB of first byte, got %08b", bf.Bytes()[0])
	}
}

func TestAll(t *testing.T) {
	bf := New(3)
	if bf.All() {
		t.Fatal("empty bitfield should not be All")
	}
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	if !bf.All() {
		t.Fatal("expected All() after setting every bit")
	}
}

func TestValidPadding(t *testing.T) {
	bf, err := NewBytes([]byte{0xFF}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if bf.Valid() {
		t.Fatal("expected invalid padding bits to be detected")
	}
	bf2, err := NewBytes([]byte{0xF8}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bf2.Valid() {
		t.Fatal("expected clean padding to validate")
	}
}
