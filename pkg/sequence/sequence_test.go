package sequence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/opendap-project/godap/pkg/arm"
	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/probe"
	"github.com/opendap-project/godap/pkg/probe/sim"
	"github.com/opendap-project/godap/pkg/sequence"
	"github.com/opendap-project/godap/pkg/target"
)

// fakeCore is a minimal core.Interface implementation used only to observe
// which hooks Default forwards to, without pulling in a full architecture
// package.
type fakeCore struct {
	core.Interface
	resetCatchSet   bool
	resetCatchClear bool
	resetCalled     bool
}

func (f *fakeCore) ResetCatchSet(ctx context.Context) error   { f.resetCatchSet = true; return nil }
func (f *fakeCore) ResetCatchClear(ctx context.Context) error { f.resetCatchClear = true; return nil }
func (f *fakeCore) Reset(ctx context.Context) error           { f.resetCalled = true; return nil }

// fakeEnablerCore additionally implements the unexported debugEnabler
// contract Default.DebugCoreStart type-asserts against, mirroring
// pkg/core/xtensa.Core.EnterDebugMode.
type fakeEnablerCore struct {
	fakeCore
	entered bool
}

func (f *fakeEnablerCore) EnterDebugMode() error { f.entered = true; return nil }

func TestRegistryLookupDefaultAndNamed(t *testing.T) {
	r := sequence.NewRegistry()
	if _, err := r.Lookup(""); err != nil {
		t.Fatalf("Lookup(\"\"): %v", err)
	}
	if _, err := r.Lookup("default"); err != nil {
		t.Fatalf("Lookup(default): %v", err)
	}
	if _, err := r.Lookup("acme-chip"); err == nil {
		t.Fatal("expected error for unregistered family")
	}

	var custom sequence.Default
	r.Register("acme-chip", custom)
	if _, err := r.Lookup("acme-chip"); err != nil {
		t.Fatalf("Lookup(acme-chip) after Register: %v", err)
	}
}

func TestDefaultResetHardwareDrivesProbe(t *testing.T) {
	ctx := context.Background()
	var d sequence.Default
	p := sim.New(sim.DefaultConfig())

	if err := d.ResetHardwareAssert(ctx, p); err != nil {
		t.Fatalf("ResetHardwareAssert: %v", err)
	}
	if err := d.ResetHardwareDeassert(ctx, p); err != nil {
		t.Fatalf("ResetHardwareDeassert: %v", err)
	}
}

func TestDefaultDebugPortSetupStartStop(t *testing.T) {
	ctx := context.Background()
	var d sequence.Default
	p := sim.New(sim.DefaultConfig())
	port := dap.NewPort(p)
	iface := arm.NewArmDebugInterface(port)

	if err := d.DebugPortSetup(ctx, iface, dap.DefaultDP); err != nil {
		t.Fatalf("DebugPortSetup: %v", err)
	}
	if err := d.DebugPortConnect(ctx, iface); err != nil {
		t.Fatalf("DebugPortConnect: %v", err)
	}
	if err := d.DebugPortStart(ctx, iface); err != nil {
		t.Fatalf("DebugPortStart: %v", err)
	}
	if err := d.DebugPortStop(ctx, iface); err != nil {
		t.Fatalf("DebugPortStop: %v", err)
	}
}

func TestDefaultResetHooksForwardToCore(t *testing.T) {
	ctx := context.Background()
	var d sequence.Default
	fc := &fakeCore{}

	if err := d.ResetCatchSet(ctx, fc); err != nil {
		t.Fatalf("ResetCatchSet: %v", err)
	}
	if err := d.ResetCatchClear(ctx, fc); err != nil {
		t.Fatalf("ResetCatchClear: %v", err)
	}
	if err := d.ResetSystem(ctx, fc); err != nil {
		t.Fatalf("ResetSystem: %v", err)
	}
	if !fc.resetCatchSet || !fc.resetCatchClear || !fc.resetCalled {
		t.Fatalf("hooks did not all reach the core: %+v", fc)
	}
}

func TestDefaultDebugCoreStartUsesEnablerWhenPresent(t *testing.T) {
	ctx := context.Background()
	var d sequence.Default

	plain := &fakeCore{}
	if err := d.DebugCoreStart(ctx, plain, target.ArmV7M, 0, 0); err != nil {
		t.Fatalf("DebugCoreStart (no enabler): %v", err)
	}

	enabling := &fakeEnablerCore{}
	if err := d.DebugCoreStart(ctx, enabling, target.Xtensa, 0, 0); err != nil {
		t.Fatalf("DebugCoreStart (enabler): %v", err)
	}
	if !enabling.entered {
		t.Fatal("DebugCoreStart did not call EnterDebugMode on a debugEnabler core")
	}
}

func TestDefaultDebugDeviceUnlockIsNoop(t *testing.T) {
	ctx := context.Background()
	var d sequence.Default
	p := sim.New(sim.DefaultConfig())
	port := dap.NewPort(p)
	iface := arm.NewArmDebugInterface(port)

	err := d.DebugDeviceUnlock(ctx, iface, dap.ApAddress{Dp: dap.DefaultDP, Select: 0}, target.Permissions{})
	if err != nil {
		t.Fatalf("DebugDeviceUnlock: %v", err)
	}
}

func TestDefaultTraceStartWithoutSwoCapability(t *testing.T) {
	ctx := context.Background()
	var d sequence.Default
	p := sim.New(sim.DefaultConfig()) // SimProbe does not implement probe.SwoAccess

	err := d.TraceStart(ctx, p, nil, sequence.TraceSink{Kind: sequence.TraceSinkSWO, SwoBaud: 2_000_000})
	var capErr *probe.CapabilityMissingError
	if !errors.As(err, &capErr) {
		t.Fatalf("TraceStart: got %v, want CapabilityMissingError", err)
	}
}

func TestDefaultTraceStartNoneIsNoop(t *testing.T) {
	ctx := context.Background()
	var d sequence.Default
	p := sim.New(sim.DefaultConfig())

	if err := d.TraceStart(ctx, p, nil, sequence.TraceSink{}); err != nil {
		t.Fatalf("TraceStart(none): %v", err)
	}
}

func TestDefaultEraseAllReportsUnsupported(t *testing.T) {
	var d sequence.Default
	if fn, ok := d.EraseAll(context.Background()); ok || fn != nil {
		t.Fatalf("EraseAll = (%v, %v), want (nil, false)", fn, ok)
	}
}
