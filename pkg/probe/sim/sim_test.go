package sim

import (
	"testing"

	"github.com/opendap-project/godap/pkg/dap"
)

func TestSimProbeReadDPIDR(t *testing.T) {
	s := New(DefaultConfig())
	p := dap.NewPort(s)

	v, err := p.ReadDP("DPIDR")
	if err != nil {
		t.Fatalf("ReadDP: %v", err)
	}
	if v != 0x2BA01477 {
		t.Fatalf("got 0x%X", v)
	}
}

func TestSimProbeMemoryReadWriteViaDRW(t *testing.T) {
	s := New(DefaultConfig())
	p := dap.NewPort(s)

	if err := p.WriteAP(0, 0x0, 0x2); err != nil { // CSW: size=word
		t.Fatalf("write CSW: %v", err)
	}
	if err := p.WriteAP(0, 0x4, 0x2000_0000); err != nil { // TAR
		t.Fatalf("write TAR: %v", err)
	}
	if err := p.WriteAP(0, 0xC, 0x11223344); err != nil { // DRW
		t.Fatalf("write DRW: %v", err)
	}

	mem := s.Memory()
	base := s.window(0x2000_0000)
	got := uint32(mem[base]) | uint32(mem[base+1])<<8 | uint32(mem[base+2])<<16 | uint32(mem[base+3])<<24
	if got != 0x11223344 {
		t.Fatalf("memory at TAR = 0x%X, want 0x11223344", got)
	}

	if err := p.WriteAP(0, 0x4, 0x2000_0000); err != nil {
		t.Fatalf("write TAR: %v", err)
	}
	if _, err := p.ReadAP(0, 0xC); err != nil {
		t.Fatalf("read DRW: %v", err)
	}
	v, err := p.ReadAPFinal()
	if err != nil {
		t.Fatalf("ReadAPFinal: %v", err)
	}
	if v != 0x11223344 {
		t.Fatalf("got 0x%X, want 0x11223344", v)
	}
}

func TestSimProbeAutoIncrementWrapsAt1KiB(t *testing.T) {
	s := New(DefaultConfig())
	p := dap.NewPort(s)

	// CSW: size=word(2), AddrInc=single(1<<4)
	if err := p.WriteAP(0, 0x0, 0x2|1<<4); err != nil {
		t.Fatalf("write CSW: %v", err)
	}
	if err := p.WriteAP(0, 0x4, 0x2000_03FC); err != nil { // last word in the 1 KiB window
		t.Fatalf("write TAR: %v", err)
	}
	if err := p.WriteAP(0, 0xC, 0xAAAAAAAA); err != nil {
		t.Fatalf("write DRW: %v", err)
	}
	tar, err := p.ReadAP(0, 0x4)
	_ = tar
	if err != nil {
		t.Fatalf("read TAR: %v", err)
	}
	final, err := p.ReadAPFinal()
	if err != nil {
		t.Fatalf("ReadAPFinal: %v", err)
	}
	if final != 0x2000_0000 {
		t.Fatalf("TAR after wrap = 0x%X, want 0x2000_0000", final)
	}
}

func TestSimProbeWaitInjection(t *testing.T) {
	s := New(DefaultConfig())
	s.Faults.WaitCountDP = 2
	p := dap.NewPort(s)

	v, err := p.ReadDP("DPIDR")
	if err != nil {
		t.Fatalf("ReadDP: %v", err)
	}
	if v != 0x2BA01477 {
		t.Fatalf("got 0x%X", v)
	}
}

func TestSimProbeFaultInjectionClassifiesAndClears(t *testing.T) {
	s := New(DefaultConfig())
	s.Faults.FaultOnceDP = true
	p := dap.NewPort(s)

	_, err := p.ReadDP("DPIDR")
	if err == nil {
		t.Fatal("expected fault")
	}

	// After classification/clear, a subsequent access should succeed.
	v, err := p.ReadDP("DPIDR")
	if err != nil {
		t.Fatalf("ReadDP after fault clear: %v", err)
	}
	if v != 0x2BA01477 {
		t.Fatalf("got 0x%X", v)
	}
}

func TestSimProbeMultidropTargetSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Multidrop = []MultidropTarget{
		{TargetSel: 0x01002927, TargetID: 0x0BD11477, DLPIDR: 0x00000001},
		{TargetSel: 0x02002927, TargetID: 0x0BD11478, DLPIDR: 0x00000002},
	}
	s := New(cfg)
	p := dap.NewPort(s)

	if err := p.SelectTarget(dap.MultidropDP(0x02002927)); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	dlpidr, err := p.ReadDP("DLPIDR")
	if err != nil {
		t.Fatalf("ReadDP DLPIDR: %v", err)
	}
	if dlpidr != 0x00000002 {
		t.Fatalf("got DLPIDR 0x%X, want 0x00000002", dlpidr)
	}
}
