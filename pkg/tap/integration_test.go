package tap

import "testing"

// recordingAdapter is a minimal in-package stand-in for a physical shift
// adapter: it echoes TDI to TDO (same convention a real adapter's BYPASS
// path uses) while recording the last TMS/bits it was asked to drive, so the
// test can check what the state machine actually sent.
type recordingAdapter struct {
	lastTMS  []bool
	lastBits int
}

func (a *recordingAdapter) shift(tms, tdi []bool, bits int) ([]bool, error) {
	a.lastTMS = append([]bool(nil), tms...)
	a.lastBits = bits
	tdo := make([]bool, bits)
	copy(tdo, tdi)
	return tdo, nil
}

func TestStateMachineSequencesDriveShiftAdapter(t *testing.T) {
	m := NewStateMachine()
	// Leave reset so the path is more interesting.
	m.Clock(false) // -> Run-Test/Idle

	seq, err := m.GoTo(StateShiftIR)
	if err != nil {
		t.Fatalf("GoTo returned error: %v", err)
	}

	adapter := &recordingAdapter{}
	tdi := make([]bool, len(seq.TMS))
	if _, err := adapter.shift(seq.TMS, tdi, len(seq.TMS)); err != nil {
		t.Fatalf("shift returned error: %v", err)
	}

	if adapter.lastBits != len(seq.TMS) {
		t.Fatalf("adapter bits = %d, want %d", adapter.lastBits, len(seq.TMS))
	}
	if len(adapter.lastTMS) != len(seq.TMS) {
		t.Fatalf("recorded TMS length = %d, want %d", len(adapter.lastTMS), len(seq.TMS))
	}
	for i := range seq.TMS {
		if adapter.lastTMS[i] != seq.TMS[i] {
			t.Fatalf("tms bit %d = %v, want %v", i, adapter.lastTMS[i], seq.TMS[i])
		}
	}
}
