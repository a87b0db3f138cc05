package cortexm

import "testing"

func TestFPBRev0ComparatorEncodesReplaceField(t *testing.T) {
	comp, err := fpbComparatorAddress(0, 0x0800_0100)
	if err != nil {
		t.Fatalf("fpbComparatorAddress: %v", err)
	}
	if !fpbComparatorEnabled(comp) {
		t.Fatal("comparator not marked enabled")
	}
	got := fpbComparatorDecodeAddress(0, comp)
	if got != 0x0800_0100 {
		t.Fatalf("got 0x%X, want 0x0800_0100", got)
	}
}

func TestFPBRev0ComparatorUpperHalfword(t *testing.T) {
	comp, err := fpbComparatorAddress(0, 0x0800_0102)
	if err != nil {
		t.Fatalf("fpbComparatorAddress: %v", err)
	}
	got := fpbComparatorDecodeAddress(0, comp)
	if got != 0x0800_0102 {
		t.Fatalf("got 0x%X, want 0x0800_0102", got)
	}
}

func TestFPBRev0RejectsAddressAboveLimit(t *testing.T) {
	if _, err := fpbComparatorAddress(0, 0x2000_0000); err == nil {
		t.Fatal("expected error for address at/above the rev0 limit")
	}
}

func TestFPBRejectsUnalignedAddress(t *testing.T) {
	if _, err := fpbComparatorAddress(1, 0x0800_0101); err == nil {
		t.Fatal("expected error for non-half-word-aligned address")
	}
}

func TestFPBRev1ComparatorRoundTrip(t *testing.T) {
	comp, err := fpbComparatorAddress(1, 0x9000_4000)
	if err != nil {
		t.Fatalf("fpbComparatorAddress: %v", err)
	}
	got := fpbComparatorDecodeAddress(1, comp)
	if got != 0x9000_4000 {
		t.Fatalf("got 0x%X, want 0x9000_4000", got)
	}
}

func TestFPNumCodeSplitBitfield(t *testing.T) {
	// REV=1, NUM_CODE high bit (bit3) set, low3 = 0b101 -> NUM_CODE = 0b1101 = 13
	ctrl := uint32(1)<<28 | 1<<3 | 0b101<<12
	if got := fpNumCode(ctrl); got != 13 {
		t.Fatalf("fpNumCode = %d, want 13", got)
	}
	if got := fpRev(ctrl); got != 1 {
		t.Fatalf("fpRev = %d, want 1", got)
	}
}
