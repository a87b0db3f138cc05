package cortexa_test

import (
	"context"
	"testing"

	"github.com/opendap-project/godap/pkg/arm"
	"github.com/opendap-project/godap/pkg/arm/memory"
	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/core/cortexa"
	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/probe/sim"
)

const (
	debugBase = 0x8000_0000
	ctiBase   = 0x8001_0000
)

func newCore(t *testing.T, variant cortexa.Variant) (*memory.Interface, *cortexa.Core) {
	t.Helper()
	s := sim.New(sim.DefaultConfig())
	port := dap.NewPort(s)
	ap, err := arm.NewMemoryAP(port, dap.ApAddress{Dp: dap.DefaultDP, Select: 0})
	if err != nil {
		t.Fatalf("NewMemoryAP: %v", err)
	}
	mem := memory.New(ap)
	return mem, cortexa.New(mem, debugBase, ctiBase, variant)
}

func primeHalted(t *testing.T, mem *memory.Interface) {
	t.Helper()
	if err := mem.Write32(debugBase+0x088, 1<<0); err != nil { // DSCR halted bit
		t.Fatalf("priming DSCR: %v", err)
	}
}

func TestCoreHaltV7(t *testing.T) {
	mem, c := newCore(t, cortexa.VariantV7)
	primeHalted(t, mem)
	if err := c.Halt(context.Background()); err != nil {
		t.Fatalf("Halt: %v", err)
	}
}

func TestCoreStatusClassifiesBreakpointMOE(t *testing.T) {
	mem, c := newCore(t, cortexa.VariantV7)
	if err := mem.Write32(debugBase+0x088, 1<<0|0x1<<2); err != nil {
		t.Fatalf("priming DSCR: %v", err)
	}
	info, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Status != core.StatusHalted || info.HaltReason != core.HaltReasonBreakpoint {
		t.Fatalf("got %+v", info)
	}
}

func TestCoreHardwareBreakpointRoundTripV8(t *testing.T) {
	mem, c := newCore(t, cortexa.VariantV8)
	// DIDR.BRPs = 3 -> 4 units.
	if err := mem.Write32(debugBase, 3<<24); err != nil {
		t.Fatalf("priming DIDR: %v", err)
	}
	ctx := context.Background()
	n, err := c.AvailableHardwareBreakpoints(ctx)
	if err != nil {
		t.Fatalf("AvailableHardwareBreakpoints: %v", err)
	}
	if n != 4 {
		t.Fatalf("got %d units, want 4", n)
	}
	if err := c.SetHardwareBreakpoint(ctx, 0, 0x8000_1000); err != nil {
		t.Fatalf("SetHardwareBreakpoint: %v", err)
	}
	bps, err := c.HardwareBreakpoints(ctx)
	if err != nil {
		t.Fatalf("HardwareBreakpoints: %v", err)
	}
	if !bps[0].Enabled || bps[0].Address != 0x8000_1000 {
		t.Fatalf("unit 0 = %+v", bps[0])
	}
}

func TestResetCatchRoundTrip(t *testing.T) {
	_, c := newCore(t, cortexa.VariantV7)
	ctx := context.Background()
	if err := c.ResetCatchSet(ctx); err != nil {
		t.Fatalf("ResetCatchSet: %v", err)
	}
	if err := c.ResetCatchClear(ctx); err != nil {
		t.Fatalf("ResetCatchClear: %v", err)
	}
}
