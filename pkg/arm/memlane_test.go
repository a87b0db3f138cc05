package arm

import "testing"

func TestLaneShiftByte(t *testing.T) {
	cases := []struct {
		addr uint32
		want int
	}{
		{0x2000_0000, 0},
		{0x2000_0001, 8},
		{0x2000_0002, 16},
		{0x2000_0003, 24},
	}
	for _, c := range cases {
		got, err := LaneShift(c.addr, 1)
		if err != nil {
			t.Fatalf("LaneShift(0x%X,1): %v", c.addr, err)
		}
		if got != c.want {
			t.Fatalf("LaneShift(0x%X,1) = %d, want %d", c.addr, got, c.want)
		}
	}
}

func TestLaneShiftHalfRejectsMisalignment(t *testing.T) {
	if _, err := LaneShift(0x2000_0001, 2); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestExtractAndInsertLaneRoundTrip(t *testing.T) {
	word, err := InsertLane(0x2000_0001, 1, 0xAB)
	if err != nil {
		t.Fatalf("InsertLane: %v", err)
	}
	if word != 0xAB00 {
		t.Fatalf("got 0x%X, want 0xAB00", word)
	}
	v, err := ExtractLane(word, 0x2000_0001, 1)
	if err != nil {
		t.Fatalf("ExtractLane: %v", err)
	}
	if v != 0xAB {
		t.Fatalf("got 0x%X, want 0xAB", v)
	}
}
