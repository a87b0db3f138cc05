package cortexm_test

import (
	"context"
	"testing"

	"github.com/opendap-project/godap/pkg/arm"
	"github.com/opendap-project/godap/pkg/arm/memory"
	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/core/cortexm"
	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/probe/sim"
)

// scsSim layers a minimal Cortex-M System Control Space on top of the
// existing MEM-AP memory backing so cortexm.Core can be exercised without
// real silicon: DHCSR/DFSR/DCRSR/DCRDR/DEMCR/AIRCR/FP_CTRL/FP_COMPn are
// backed by plain bytes in the simulator's memory array, and this harness
// pokes S_HALT/S_REGRDY/S_RESET_ST transitions the same way real hardware
// would in response to the writes cortexm.Core issues.
type scsSim struct {
	t    *testing.T
	mem  *memory.Interface
	core *cortexm.Core
}

func newSCS(t *testing.T) *scsSim {
	t.Helper()
	s := sim.New(sim.DefaultConfig())
	port := dap.NewPort(s)
	ap, err := arm.NewMemoryAP(port, dap.ApAddress{Dp: dap.DefaultDP, Select: 0})
	if err != nil {
		t.Fatalf("NewMemoryAP: %v", err)
	}
	mem := memory.New(ap)
	return &scsSim{t: t, mem: mem, core: cortexm.New(mem)}
}

// primeHalted writes DHCSR as if the core is already halted with S_HALT and
// S_REGRDY set, which is what real hardware reports immediately after a
// successful halt. The debug key is left out: the word is stored as written,
// and the key's bits would read back as S_SLEEP/S_LOCKUP.
func (s *scsSim) primeHalted() {
	s.t.Helper()
	if err := s.mem.Write32(0xE000EDF0, 1<<17|1<<16|1<<0); err != nil {
		s.t.Fatalf("priming DHCSR: %v", err)
	}
}

func TestCoreHaltSetsAndPolls(t *testing.T) {
	h := newSCS(t)
	// The simulator's backing memory starts zeroed; a real core would report
	// S_HALT asynchronously, but our harness has no async model, so prime it
	// before Halt polls.
	h.primeHalted()
	if err := h.core.Halt(context.Background()); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	v, err := h.mem.Read32(0xE000EDF0)
	if err != nil {
		t.Fatalf("Read32 DHCSR: %v", err)
	}
	if v&(1<<1) == 0 {
		t.Fatalf("DHCSR.C_HALT not set: 0x%X", v)
	}
}

func TestCoreStepSetsMaskInts(t *testing.T) {
	h := newSCS(t)
	h.primeHalted()
	if err := h.core.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	v, err := h.mem.Read32(0xE000EDF0)
	if err != nil {
		t.Fatalf("Read32 DHCSR: %v", err)
	}
	if v&(1<<3) == 0 {
		t.Fatalf("DHCSR.C_MASKINTS not set after Step: 0x%X", v)
	}
	if v&(1<<2) == 0 {
		t.Fatalf("DHCSR.C_STEP not set after Step: 0x%X", v)
	}
}

func TestCoreStatusClassifiesBreakpointAndClearsDFSR(t *testing.T) {
	h := newSCS(t)
	h.primeHalted()
	if err := h.mem.Write32(0xE000ED30, 1<<1); err != nil { // DFSR.BKPT
		t.Fatalf("priming DFSR: %v", err)
	}
	info, err := h.core.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Status != core.StatusHalted {
		t.Fatalf("status = %v, want Halted", info.Status)
	}
	if info.HaltReason != core.HaltReasonBreakpoint {
		t.Fatalf("reason = %v, want Breakpoint", info.HaltReason)
	}
	dfsr, err := h.mem.Read32(0xE000ED30)
	if err != nil {
		t.Fatalf("Read32 DFSR: %v", err)
	}
	if dfsr != 0 {
		t.Fatalf("DFSR not cleared after read: 0x%X", dfsr)
	}
}

func TestCoreStatusTieBreaksBreakpointOverWatchpoint(t *testing.T) {
	h := newSCS(t)
	h.primeHalted()
	if err := h.mem.Write32(0xE000ED30, 1<<1|1<<2); err != nil { // BKPT + DWTTRAP
		t.Fatalf("priming DFSR: %v", err)
	}
	info, err := h.core.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.HaltReason != core.HaltReasonBreakpoint {
		t.Fatalf("reason = %v, want Breakpoint to win the tie-break", info.HaltReason)
	}
}

func TestCoreReadWriteCoreReg(t *testing.T) {
	h := newSCS(t)
	h.primeHalted()
	if err := h.core.WriteCoreReg(context.Background(), cortexm.RegR0, 0xCAFEBABE); err != nil {
		t.Fatalf("WriteCoreReg: %v", err)
	}
	v, err := h.core.ReadCoreReg(context.Background(), cortexm.RegR0)
	if err != nil {
		t.Fatalf("ReadCoreReg: %v", err)
	}
	if v != 0xCAFEBABE {
		t.Fatalf("got 0x%X, want 0xCAFEBABE", v)
	}
}

func TestCoreHardwareBreakpointRoundTrip(t *testing.T) {
	h := newSCS(t)
	h.primeHalted()
	// rev 1, NUM_CODE = 4.
	if err := h.mem.Write32(0xE0002000, uint32(1)<<28|4<<12); err != nil {
		t.Fatalf("priming FP_CTRL: %v", err)
	}
	ctx := context.Background()
	n, err := h.core.AvailableHardwareBreakpoints(ctx)
	if err != nil {
		t.Fatalf("AvailableHardwareBreakpoints: %v", err)
	}
	if n != 4 {
		t.Fatalf("got %d units, want 4", n)
	}
	if err := h.core.SetHardwareBreakpoint(ctx, 1, 0x0800_0100); err != nil {
		t.Fatalf("SetHardwareBreakpoint: %v", err)
	}
	bps, err := h.core.HardwareBreakpoints(ctx)
	if err != nil {
		t.Fatalf("HardwareBreakpoints: %v", err)
	}
	if !bps[1].Enabled || bps[1].Address != 0x0800_0100 {
		t.Fatalf("unit 1 = %+v, want enabled at 0x0800_0100", bps[1])
	}
	if err := h.core.ClearHardwareBreakpoint(ctx, 1); err != nil {
		t.Fatalf("ClearHardwareBreakpoint: %v", err)
	}
	bps, err = h.core.HardwareBreakpoints(ctx)
	if err != nil {
		t.Fatalf("HardwareBreakpoints: %v", err)
	}
	if bps[1].Enabled {
		t.Fatalf("unit 1 still enabled after clear")
	}
}

func TestCoreSemihostingDetection(t *testing.T) {
	h := newSCS(t)
	h.primeHalted()
	if err := h.mem.Write32(0xE000ED30, 1<<1); err != nil { // DFSR.BKPT
		t.Fatalf("priming DFSR: %v", err)
	}
	const pc = 0x0800_0050
	if err := h.core.WriteCoreReg(context.Background(), cortexm.RegPC, pc); err != nil {
		t.Fatalf("WriteCoreReg PC: %v", err)
	}
	if err := h.mem.Write16(pc, 0xBEAB); err != nil {
		t.Fatalf("priming BKPT instruction: %v", err)
	}
	if err := h.core.WriteCoreReg(context.Background(), cortexm.RegR0, 0x07); err != nil { // SYS_WRITE0
		t.Fatalf("priming R0: %v", err)
	}
	if err := h.core.WriteCoreReg(context.Background(), cortexm.RegR0+1, 0x2000_1000); err != nil {
		t.Fatalf("priming R1: %v", err)
	}
	info, err := h.core.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.HaltReason != core.HaltReasonSemihosting {
		t.Fatalf("reason = %v, want Semihosting", info.HaltReason)
	}
	if info.SemihostCall != 0x07 || info.SemihostArgs != 0x2000_1000 {
		t.Fatalf("got call=0x%X args=0x%X", info.SemihostCall, info.SemihostArgs)
	}
}
