package session_test

import (
	"context"
	"testing"

	"github.com/opendap-project/godap/pkg/arm"
	"github.com/opendap-project/godap/pkg/arm/memory"
	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/probe/sim"
	"github.com/opendap-project/godap/pkg/sequence"
	"github.com/opendap-project/godap/pkg/session"
	"github.com/opendap-project/godap/pkg/target"
)

const dhcsrAddr = 0xE000EDF0

// primeHalted writes DHCSR as if the core already reports S_HALT/S_REGRDY,
// the same priming trick pkg/core/cortexm's tests use: the simulator has no
// asynchronous hardware model, so a test that needs to observe a halted
// core must poke the bit itself first. The debug key is left out: the
// simulator stores the word as written, and the key's bits would read back
// as S_SLEEP/S_LOCKUP.
func primeHalted(t *testing.T, p *sim.SimProbe, apSelect uint64) {
	t.Helper()
	port := dap.NewPort(p)
	ap, err := arm.NewMemoryAP(port, dap.ApAddress{Dp: dap.DefaultDP, Select: apSelect})
	if err != nil {
		t.Fatalf("NewMemoryAP: %v", err)
	}
	mem := memory.New(ap)
	if err := mem.Write32(dhcsrAddr, 1<<17|1<<16|1<<0); err != nil {
		t.Fatalf("priming DHCSR: %v", err)
	}
}

func singleCortexM4Target() target.Target {
	return target.Target{
		Name: "test-m4",
		Cores: []target.Core{
			{
				ID:       0,
				Name:     "core0",
				CoreType: target.ArmV7M,
				Options:  target.ArmAccessOptions{AP: 0},
			},
		},
	}
}

// TestAttachUnderResetArmV7M covers spec.md §8 scenario 1: assert reset,
// bring the debug port up, enable debug logic, arm reset-catch, release
// reset, and observe the core land halted.
func TestAttachUnderResetArmV7M(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	primeHalted(t, p, 0)

	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{UnderReset: true}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	h, err := s.Core(ctx, 0)
	if err != nil {
		t.Fatalf("Core(0): %v", err)
	}
	defer h.Release()

	ci, err := h.Interface()
	if err != nil {
		t.Fatalf("Interface: %v", err)
	}
	info, err := ci.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Status != core.StatusHalted {
		t.Fatalf("status = %v, want Halted", info.Status)
	}
}

// TestAttachWithoutResetDoesNotRequireHaltedCore covers the ordinary attach
// path: no reset-catch polling, so the core need not already read as halted.
func TestAttachWithoutResetDoesNotRequireHaltedCore(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())

	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	dp, ok := s.SelectedDP()
	if !ok {
		t.Fatal("SelectedDP: expected a DP to be selected after ARM attach")
	}
	if dp != dap.DefaultDP {
		t.Fatalf("SelectedDP = %v, want default", dp)
	}
}

func multidropTarget() (target.Target, sim.Config) {
	dpA := dap.MultidropDP(0x01002927)
	dpB := dap.MultidropDP(0x11002927)

	cfg := sim.Config{
		DPIDR: 0x6BA02477,
		Multidrop: []sim.MultidropTarget{
			{TargetSel: dpA.TargetSel, TargetID: 0x002927, DLPIDR: 0x00000001},
			{TargetSel: dpB.TargetSel, TargetID: 0x10002927, DLPIDR: 0x10000001},
		},
	}

	tgt := target.Target{
		Name: "test-multidrop",
		Cores: []target.Core{
			{ID: 0, Name: "core0", CoreType: target.ArmV7M, Options: target.ArmAccessOptions{Dp: dpA, AP: 0}},
			{ID: 1, Name: "core1", CoreType: target.ArmV7M, Options: target.ArmAccessOptions{Dp: dpB, AP: 0}},
		},
	}
	return tgt, cfg
}

// TestMultidropCoreSwitchReselectsDP covers spec.md §8 scenario 6: switching
// from core(0) to core(1) when the two cores live behind different DPs
// must reselect (line reset + TARGETSEL) before any further register
// access, and the newly selected DP is the one the second core names.
func TestMultidropCoreSwitchReselectsDP(t *testing.T) {
	ctx := context.Background()
	tgt, cfg := multidropTarget()
	p := sim.New(cfg)

	s := session.New(p, tgt, nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	h0, err := s.Core(ctx, 0)
	if err != nil {
		t.Fatalf("Core(0): %v", err)
	}
	dp0, ok := s.SelectedDP()
	if !ok || dp0 != tgt.Cores[0].Options.(target.ArmAccessOptions).Dp {
		t.Fatalf("SelectedDP after Core(0) = %v, %v", dp0, ok)
	}
	h0.Release()

	h1, err := s.Core(ctx, 1)
	if err != nil {
		t.Fatalf("Core(1): %v", err)
	}
	defer h1.Release()
	dp1, ok := s.SelectedDP()
	if !ok || dp1 != tgt.Cores[1].Options.(target.ArmAccessOptions).Dp {
		t.Fatalf("SelectedDP after Core(1) = %v, %v", dp1, ok)
	}
	if dp1 == dp0 {
		t.Fatal("expected Core(1) to select a different DP than Core(0)")
	}
}

// TestSessionCoreRejectsDoubleCheckout covers the exclusive-borrow
// arbitration spec.md §4.8/§5 describe: a second Core() call before the
// first handle is released must fail.
func TestSessionCoreRejectsDoubleCheckout(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	h, err := s.Core(ctx, 0)
	if err != nil {
		t.Fatalf("Core(0): %v", err)
	}
	defer h.Release()

	if _, err := s.Core(ctx, 0); err == nil {
		t.Fatal("expected second Core() call to fail while the first handle is live")
	}
}

// TestCoreHandleStaleAfterRelease ensures a released handle can no longer
// be used to reach the core.
func TestCoreHandleStaleAfterRelease(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	h, err := s.Core(ctx, 0)
	if err != nil {
		t.Fatalf("Core(0): %v", err)
	}
	h.Release()

	if _, err := h.Interface(); err == nil {
		t.Fatal("expected Interface() on a released handle to fail")
	}
}

// TestWithCoresHaltedResumesWhatItHalted covers the already-halted branch:
// a core that reads Halted before the call runs fn without being resumed
// afterward.
func TestWithCoresHaltedRunsFnOnAlreadyHaltedCore(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	primeHalted(t, p, 0)

	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	called := false
	if err := s.WithCoresHalted(ctx, func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("WithCoresHalted: %v", err)
	}
	if !called {
		t.Fatal("WithCoresHalted did not invoke fn")
	}
}

// TestEraseAllRequiresPermission covers spec.md §4.7/§6: EraseAll must
// refuse without the erase_all permission even when the sequence has no
// mass-erase routine at all.
func TestEraseAllRequiresPermission(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := s.EraseAll(ctx, target.Permissions{}); err == nil {
		t.Fatal("expected EraseAll without permission to fail")
	}
}

// TestTraceStartWithoutSinkConfiguredIsNoop covers the default sequence's
// TraceStart hook reached through Session when no sink has been set.
func TestTraceStartWithoutSinkConfiguredIsNoop(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.TraceStart(ctx, nil); err != nil {
		t.Fatalf("TraceStart: %v", err)
	}
}

// TestDetachIsIdempotent covers Detach being safe to call twice.
func TestDetachIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	primeHalted(t, p, 0)
	s := session.New(p, singleCortexM4Target(), nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := s.Detach(ctx); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
}

// TestAttachRejectsMixedCoreFamilies covers the family-mixing guard: a
// target with both an ARM and a RISC-V core is rejected before any wire
// traffic is issued.
func TestAttachRejectsMixedCoreFamilies(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	tgt := target.Target{
		Name: "mixed",
		Cores: []target.Core{
			{ID: 0, Name: "arm", CoreType: target.ArmV7M, Options: target.ArmAccessOptions{AP: 0}},
			{ID: 1, Name: "rv", CoreType: target.Riscv, Options: target.JtagAccessOptions{TapIndex: 0}},
		},
	}
	s := session.New(p, tgt, nil)
	if err := s.Attach(ctx, session.AttachOptions{}); err == nil {
		t.Fatal("expected Attach to reject a target mixing ARM and RISC-V cores")
	}
}

// TestAttachUsesNamedSequence confirms a vendor sequence registered under
// the target's Sequence name is the one Session consults, not Default.
func TestAttachUsesNamedSequence(t *testing.T) {
	ctx := context.Background()
	p := sim.New(sim.DefaultConfig())
	primeHalted(t, p, 0)

	seen := &recordingSequence{Default: sequence.Default{}}
	reg := sequence.NewRegistry()
	reg.Register("acme-chip", seen)

	tgt := singleCortexM4Target()
	tgt.Sequence = "acme-chip"

	s := session.New(p, tgt, reg)
	if err := s.Attach(ctx, session.AttachOptions{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !seen.sawDebugPortSetup {
		t.Fatal("expected the named sequence's DebugPortSetup to run")
	}
}

// recordingSequence wraps Default to observe that a non-default,
// explicitly registered Sequence is actually the one Session dispatches
// into for a target naming it.
type recordingSequence struct {
	sequence.Default
	sawDebugPortSetup bool
}

func (r *recordingSequence) DebugPortSetup(ctx context.Context, iface *arm.ArmDebugInterface, dp dap.DpAddress) error {
	r.sawDebugPortSetup = true
	return iface.DebugPortSetup(ctx, dp)
}
