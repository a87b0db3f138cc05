package tap

import "testing"

// fakeChainShift builds a ShiftFunc that returns, as TDO, the TDI it was
// given on the previous call of the same length (zeros otherwise), like a
// shift register that is flushed by each scan.
func fakeChainShift(prev *[]bool) ShiftFunc {
	return func(tms, tdi []bool, bits int) ([]bool, error) {
		out := make([]bool, bits)
		if prev != nil && len(*prev) == bits {
			copy(out, *prev)
		}
		snapshot := make([]bool, bits)
		copy(snapshot, tdi)
		*prev = snapshot
		return out, nil
	}
}

func TestChainPrescanPostscan(t *testing.T) {
	var prev []bool
	c := NewChain(fakeChainShift(&prev), []int{4, 5, 6})

	if err := c.SelectTAP(1); err != nil {
		t.Fatalf("SelectTAP: %v", err)
	}
	if got := c.PrescanBits(DomainIR); got != 4 {
		t.Fatalf("PrescanBits(IR) = %d, want 4", got)
	}
	if got := c.PostscanBits(DomainIR); got != 6 {
		t.Fatalf("PostscanBits(IR) = %d, want 6", got)
	}
	if got := c.PrescanBits(DomainDR); got != 1 {
		t.Fatalf("PrescanBits(DR) = %d, want 1 (one BYPASS bit per other TAP)", got)
	}
	if got := c.PostscanBits(DomainDR); got != 1 {
		t.Fatalf("PostscanBits(DR) = %d, want 1", got)
	}
}

func TestSelectTAPIdempotent(t *testing.T) {
	var prev []bool
	c := NewChain(fakeChainShift(&prev), []int{4, 5})
	if err := c.SelectTAP(1); err != nil {
		t.Fatalf("SelectTAP: %v", err)
	}
	first := c.PrescanBits(DomainIR)
	if err := c.SelectTAP(1); err != nil {
		t.Fatalf("SelectTAP (second call): %v", err)
	}
	if got := c.PrescanBits(DomainIR); got != first {
		t.Fatalf("PrescanBits changed across idempotent SelectTAP calls: %d != %d", got, first)
	}
}

func TestSelectTAPOutOfRange(t *testing.T) {
	var prev []bool
	c := NewChain(fakeChainShift(&prev), []int{4})
	if err := c.SelectTAP(5); err == nil {
		t.Fatalf("SelectTAP(5) on a 1-TAP chain: want error, got nil")
	}
}

func TestShiftSelectedIRPadsWithBypass(t *testing.T) {
	var captured []bool
	shift := func(tms, tdi []bool, bits int) ([]bool, error) {
		captured = append([]bool{}, tdi...)
		return make([]bool, bits), nil
	}
	c := NewChain(shift, []int{2, 3})
	if err := c.SelectTAP(1); err != nil {
		t.Fatalf("SelectTAP: %v", err)
	}

	data := []bool{true, false, true}
	if _, err := c.ShiftSelectedIR(data); err != nil {
		t.Fatalf("ShiftSelectedIR: %v", err)
	}

	want := []bool{true, true, true, false, true}
	if len(captured) != len(want) {
		t.Fatalf("captured TDI length = %d, want %d", len(captured), len(want))
	}
	for i := range want {
		if captured[i] != want[i] {
			t.Fatalf("captured[%d] = %v, want %v", i, captured[i], want[i])
		}
	}
}

func TestShiftSelectedDRWithIdleCycles(t *testing.T) {
	var capturedTMS []bool
	shift := func(tms, tdi []bool, bits int) ([]bool, error) {
		capturedTMS = append([]bool{}, tms...)
		return make([]bool, bits), nil
	}
	c := NewChain(shift, []int{2})
	c.SetIdleCycles(3)

	if _, err := c.ShiftSelectedDR([]bool{true}); err != nil {
		t.Fatalf("ShiftSelectedDR: %v", err)
	}

	// shiftLen=1 (single TAP, no pre/post), then Update-DR + 3 idle cycles.
	wantLen := 1 + 1 + 3
	if len(capturedTMS) != wantLen {
		t.Fatalf("tms length = %d, want %d", len(capturedTMS), wantLen)
	}
	if !capturedTMS[0] {
		t.Fatalf("tms[0] = false, want true (Exit1-DR after final shift bit)")
	}
	if !capturedTMS[1] {
		t.Fatalf("tms[1] = false, want true (Exit1-DR -> Update-DR)")
	}
	for i := 2; i < len(capturedTMS); i++ {
		if capturedTMS[i] {
			t.Fatalf("tms[%d] = true, want false (holding Run-Test/Idle)", i)
		}
	}
}

func TestDiscoverChainFindsDeviceCount(t *testing.T) {
	ids := []uint32{0x06438041, 0x16410041}
	shift := func(tms, tdi []bool, bits int) ([]bool, error) {
		out := make([]bool, bits)
		pos := 0
		for _, id := range ids {
			for i := 0; i < 32 && pos < bits; i++ {
				if (id>>uint(i))&1 != 0 {
					out[pos] = true
				}
				pos++
			}
		}
		return out, nil
	}

	chain, err := DiscoverChain(shift, 4)
	if err != nil {
		t.Fatalf("DiscoverChain: %v", err)
	}
	if len(chain.Taps) != len(ids) {
		t.Fatalf("discovered %d taps, want %d", len(chain.Taps), len(ids))
	}
	for i, want := range ids {
		if chain.Taps[i].IDCode != want {
			t.Fatalf("tap %d IDCode = 0x%08X, want 0x%08X", i, chain.Taps[i].IDCode, want)
		}
	}

	_, m := chain.Taps[1].Decode()
	if m.Name != "STMicroelectronics" {
		t.Fatalf("tap 1 manufacturer = %q, want STMicroelectronics", m.Name)
	}
}

func TestDiscoverChainNoResponse(t *testing.T) {
	shift := func(tms, tdi []bool, bits int) ([]bool, error) {
		return make([]bool, bits), nil // all zero: no responsive TAPs
	}
	if _, err := DiscoverChain(shift, 4); err == nil {
		t.Fatalf("DiscoverChain with no responses: want error, got nil")
	}
}
