package cortexm

import (
	"context"
	"fmt"
	"time"

	"github.com/opendap-project/godap/pkg/arm/memory"
	"github.com/opendap-project/godap/pkg/core"
)

// Core register selectors for DCRSR/DCRDR transfers.
const (
	RegR0      = 0
	RegR12     = 12
	RegSP      = 13
	RegLR      = 14
	RegPC      = 15
	RegXPSR    = 16
	RegMSP     = 17
	RegPSP     = 18
	RegControl = 20
)

const (
	haltPollInterval = 1 * time.Millisecond
	haltPollTimeout  = 2 * time.Second

	thumbBkptSize = 2
)

// Core implements core.Interface for one ARMv6-M/v7-M/v7E-M/v8-M core.
type Core struct {
	mem *memory.Interface

	haveFPCtrl bool
	fpRev      int
	fpNumCode  int

	lastHaltReason core.HaltReason
}

// New wraps a memory.Interface already addressed at this core's System
// Control Space.
func New(mem *memory.Interface) *Core {
	return &Core{mem: mem}
}

func (c *Core) readReg32(addr uint32) (uint32, error) {
	return c.mem.Read32(addr)
}

func (c *Core) writeReg32(addr uint32, value uint32) error {
	return c.mem.Write32(addr, value)
}

// Halt implements core.Interface.
func (c *Core) Halt(ctx context.Context) error {
	if err := c.writeReg32(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		return fmt.Errorf("cortexm: Halt: %w", err)
	}
	return c.WaitForCoreHalted(ctx)
}

// WaitForCoreHalted polls DHCSR.S_HALT.
func (c *Core) WaitForCoreHalted(ctx context.Context) error {
	deadline := time.Now().Add(haltPollTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		v, err := c.readReg32(addrDHCSR)
		if err != nil {
			return fmt.Errorf("cortexm: polling DHCSR: %w", err)
		}
		if v&dhcsrSHalt != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cortexm: timed out waiting for S_HALT")
		}
		time.Sleep(haltPollInterval)
	}
}

// Run implements core.Interface. If the core is currently halted on a
// software breakpoint, it single-steps past it first so resuming does not
// immediately re-halt on the same instruction (spec.md §4.6.1).
func (c *Core) Run(ctx context.Context) error {
	info, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("cortexm: Run: reading status: %w", err)
	}
	if info.Status == core.StatusHalted && info.HaltReason == core.HaltReasonBreakpoint {
		if err := c.Step(ctx); err != nil {
			return fmt.Errorf("cortexm: Run: stepping past breakpoint: %w", err)
		}
	}
	if err := c.writeReg32(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn); err != nil {
		return fmt.Errorf("cortexm: Run: %w", err)
	}
	return nil
}

// Step implements core.Interface's single-step, including the
// software-breakpoint-skip algorithm from spec.md §4.6.1.
func (c *Core) Step(ctx context.Context) error {
	dfsr, err := c.readReg32(addrDFSR)
	if err != nil {
		return fmt.Errorf("cortexm: Step: reading DFSR: %w", err)
	}
	onBkpt := dfsr&dfsrBkpt != 0

	var disabledFPB bool
	if onBkpt {
		if err := c.setFPBEnabled(false); err != nil {
			return fmt.Errorf("cortexm: Step: disabling FPB: %w", err)
		}
		disabledFPB = true
	}

	prePC, err := c.ReadCoreReg(ctx, RegPC)
	if err != nil {
		return fmt.Errorf("cortexm: Step: reading PC: %w", err)
	}

	// C_MASKINTS must be set by a write that leaves C_HALT alone (a single
	// DHCSR write cannot both change MASKINTS and clear HALT), so mask
	// interrupts while still halted before the write that arms C_STEP and
	// clears C_HALT. Otherwise a pending interrupt can divert the single
	// step into its handler instead of the next instruction at PC.
	if err := c.writeReg32(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCHalt|dhcsrCMaskInts); err != nil {
		return fmt.Errorf("cortexm: Step: masking interrupts: %w", err)
	}
	if err := c.writeReg32(addrDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCMaskInts|dhcsrCStep); err != nil {
		return fmt.Errorf("cortexm: Step: %w", err)
	}
	if err := c.WaitForCoreHalted(ctx); err != nil {
		return fmt.Errorf("cortexm: Step: waiting for re-halt: %w", err)
	}

	postPC, err := c.ReadCoreReg(ctx, RegPC)
	if err != nil {
		return fmt.Errorf("cortexm: Step: reading post-step PC: %w", err)
	}

	if onBkpt && postPC == prePC {
		// PC did not advance: the halt was on an in-code BKPT not backed by
		// a hardware breakpoint. Manually advance past it so it does not
		// loop forever.
		if err := c.WriteCoreReg(ctx, RegPC, prePC+thumbBkptSize); err != nil {
			return fmt.Errorf("cortexm: Step: advancing PC past BKPT: %w", err)
		}
	}

	if disabledFPB {
		if err := c.setFPBEnabled(true); err != nil {
			return fmt.Errorf("cortexm: Step: re-enabling FPB: %w", err)
		}
	}
	return nil
}

// Reset performs a plain system reset without halting at the reset vector.
func (c *Core) Reset(ctx context.Context) error {
	return c.resetSystem(ctx)
}

// ResetAndHalt sets the reset vector catch, resets the system, and waits
// for the resulting halt (spec.md §4.6.1).
func (c *Core) ResetAndHalt(ctx context.Context) error {
	if err := c.ResetCatchSet(ctx); err != nil {
		return fmt.Errorf("cortexm: ResetAndHalt: %w", err)
	}
	if err := c.resetSystem(ctx); err != nil {
		return fmt.Errorf("cortexm: ResetAndHalt: %w", err)
	}
	return c.WaitForCoreHalted(ctx)
}

func (c *Core) resetSystem(ctx context.Context) error {
	if err := c.writeReg32(addrAIRCR, aircrVectKeyWrite|aircrSysResetReq); err != nil {
		return fmt.Errorf("resetSystem: %w", err)
	}
	deadline := time.Now().Add(haltPollTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		v, err := c.readReg32(addrDHCSR)
		if err != nil {
			return fmt.Errorf("resetSystem: polling DHCSR: %w", err)
		}
		if v&dhcsrSResetSt == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("resetSystem: timed out waiting for S_RESET_ST to clear")
		}
		time.Sleep(haltPollInterval)
	}
}

// Status implements core.Interface, classifying a halt via DFSR and
// promoting it to Semihosting when the halting instruction is BKPT #0xAB
// (spec.md §4.6.1). DFSR is sticky and is cleared after being read.
func (c *Core) Status(ctx context.Context) (core.CoreInformation, error) {
	dhcsr, err := c.readReg32(addrDHCSR)
	if err != nil {
		return core.CoreInformation{}, fmt.Errorf("cortexm: Status: reading DHCSR: %w", err)
	}

	switch {
	case dhcsr&dhcsrSLockup != 0:
		return core.CoreInformation{Status: core.StatusLockedUp}, nil
	case dhcsr&dhcsrSSleep != 0:
		return core.CoreInformation{Status: core.StatusSleeping}, nil
	case dhcsr&dhcsrSHalt == 0:
		return core.CoreInformation{Status: core.StatusRunning}, nil
	}

	dfsr, err := c.readReg32(addrDFSR)
	if err != nil {
		return core.CoreInformation{}, fmt.Errorf("cortexm: Status: reading DFSR: %w", err)
	}
	if err := c.writeReg32(addrDFSR, dfsr); err != nil { // W1C: clear what we read
		return core.CoreInformation{}, fmt.Errorf("cortexm: Status: clearing DFSR: %w", err)
	}

	reason := classifyDFSR(dfsr)
	info := core.CoreInformation{Status: core.StatusHalted, HaltReason: reason}
	c.lastHaltReason = reason

	if reason == core.HaltReasonBreakpoint {
		if call, args, ok, err := c.detectSemihosting(ctx); err == nil && ok {
			info.HaltReason = core.HaltReasonSemihosting
			info.SemihostCall = call
			info.SemihostArgs = args
			c.lastHaltReason = core.HaltReasonSemihosting
		}
	}
	return info, nil
}

// classifyDFSR applies the Breakpoint-over-Watchpoint tie-break policy from
// spec.md §9's open question: when multiple sticky bits are set, Breakpoint
// wins.
func classifyDFSR(dfsr uint32) core.HaltReason {
	switch {
	case dfsr&dfsrBkpt != 0:
		return core.HaltReasonBreakpoint
	case dfsr&dfsrDwttrap != 0:
		return core.HaltReasonWatchpoint
	case dfsr&dfsrVcatch != 0:
		return core.HaltReasonVectorCatch
	case dfsr&dfsrExternal != 0:
		return core.HaltReasonExternal
	case dfsr&dfsrHalted != 0:
		return core.HaltReasonExternal
	default:
		return core.HaltReasonUnknown
	}
}

// ReadCoreReg implements core.Interface via DCRSR/DCRDR.
func (c *Core) ReadCoreReg(ctx context.Context, regID uint32) (uint64, error) {
	if err := c.writeReg32(addrDCRSR, regID&dcrsrRegSelMask); err != nil {
		return 0, fmt.Errorf("cortexm: ReadCoreReg(%d): %w", regID, err)
	}
	if err := c.waitRegReady(ctx); err != nil {
		return 0, fmt.Errorf("cortexm: ReadCoreReg(%d): %w", regID, err)
	}
	v, err := c.readReg32(addrDCRDR)
	if err != nil {
		return 0, fmt.Errorf("cortexm: ReadCoreReg(%d): reading DCRDR: %w", regID, err)
	}
	return uint64(v), nil
}

// WriteCoreReg implements core.Interface via DCRSR/DCRDR.
func (c *Core) WriteCoreReg(ctx context.Context, regID uint32, value uint64) error {
	if err := c.writeReg32(addrDCRDR, uint32(value)); err != nil {
		return fmt.Errorf("cortexm: WriteCoreReg(%d): %w", regID, err)
	}
	if err := c.writeReg32(addrDCRSR, (regID&dcrsrRegSelMask)|dcrsrRegWnR); err != nil {
		return fmt.Errorf("cortexm: WriteCoreReg(%d): %w", regID, err)
	}
	return c.waitRegReady(ctx)
}

func (c *Core) waitRegReady(ctx context.Context) error {
	deadline := time.Now().Add(haltPollTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		v, err := c.readReg32(addrDHCSR)
		if err != nil {
			return err
		}
		if v&dhcsrSRegRdy != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for S_REGRDY")
		}
		time.Sleep(haltPollInterval)
	}
}

// loadFPInfo reads FP_CTRL once and caches REV/NUM_CODE (spec.md §4.6.1).
func (c *Core) loadFPInfo() error {
	if c.haveFPCtrl {
		return nil
	}
	ctrl, err := c.readReg32(addrFPCTRL)
	if err != nil {
		return fmt.Errorf("reading FP_CTRL: %w", err)
	}
	c.fpRev = fpRev(ctrl)
	c.fpNumCode = fpNumCode(ctrl)
	c.haveFPCtrl = true
	return nil
}

func (c *Core) setFPBEnabled(enabled bool) error {
	ctrl, err := c.readReg32(addrFPCTRL)
	if err != nil {
		return err
	}
	if enabled {
		ctrl |= fpCtrlEnable
	} else {
		ctrl &^= fpCtrlEnable
	}
	ctrl |= fpCtrlKey
	return c.writeReg32(addrFPCTRL, ctrl)
}

// SetHardwareBreakpoint implements core.Interface.
func (c *Core) SetHardwareBreakpoint(ctx context.Context, unit int, addr uint64) error {
	if err := c.loadFPInfo(); err != nil {
		return fmt.Errorf("cortexm: SetHardwareBreakpoint: %w", err)
	}
	if unit < 0 || unit >= c.fpNumCode {
		return fmt.Errorf("cortexm: breakpoint unit %d out of range [0,%d)", unit, c.fpNumCode)
	}
	comp, err := fpbComparatorAddress(c.fpRev, addr)
	if err != nil {
		return fmt.Errorf("cortexm: SetHardwareBreakpoint: %w", err)
	}
	if err := c.setFPBEnabled(true); err != nil {
		return fmt.Errorf("cortexm: SetHardwareBreakpoint: enabling FPB: %w", err)
	}
	return c.writeReg32(addrFPCOMP0+uint32(unit)*4, comp)
}

// ClearHardwareBreakpoint implements core.Interface.
func (c *Core) ClearHardwareBreakpoint(ctx context.Context, unit int) error {
	if err := c.loadFPInfo(); err != nil {
		return fmt.Errorf("cortexm: ClearHardwareBreakpoint: %w", err)
	}
	if unit < 0 || unit >= c.fpNumCode {
		return fmt.Errorf("cortexm: breakpoint unit %d out of range [0,%d)", unit, c.fpNumCode)
	}
	return c.writeReg32(addrFPCOMP0+uint32(unit)*4, 0)
}

// HardwareBreakpoints implements core.Interface.
func (c *Core) HardwareBreakpoints(ctx context.Context) ([]core.Breakpoint, error) {
	if err := c.loadFPInfo(); err != nil {
		return nil, fmt.Errorf("cortexm: HardwareBreakpoints: %w", err)
	}
	out := make([]core.Breakpoint, c.fpNumCode)
	for i := 0; i < c.fpNumCode; i++ {
		comp, err := c.readReg32(addrFPCOMP0 + uint32(i)*4)
		if err != nil {
			return nil, fmt.Errorf("cortexm: HardwareBreakpoints: reading unit %d: %w", i, err)
		}
		out[i] = core.Breakpoint{
			UnitIndex: i,
			Enabled:   fpbComparatorEnabled(comp),
			Address:   fpbComparatorDecodeAddress(c.fpRev, comp),
		}
	}
	return out, nil
}

// AvailableHardwareBreakpoints implements core.Interface.
func (c *Core) AvailableHardwareBreakpoints(ctx context.Context) (int, error) {
	if err := c.loadFPInfo(); err != nil {
		return 0, fmt.Errorf("cortexm: AvailableHardwareBreakpoints: %w", err)
	}
	return c.fpNumCode, nil
}

// InstructionSet implements core.Interface: Cortex-M cores are always
// Thumb-only.
func (c *Core) InstructionSet(ctx context.Context) (core.InstructionSet, error) {
	return core.InstructionSetThumb, nil
}

// FpuSupport implements core.Interface by probing CPACR (coprocessor access
// control, 0xE000ED88) for CP10/CP11 full-access grant support.
func (c *Core) FpuSupport(ctx context.Context) (bool, error) {
	const addrCPACR = 0xE000ED88
	orig, err := c.readReg32(addrCPACR)
	if err != nil {
		return false, fmt.Errorf("cortexm: FpuSupport: reading CPACR: %w", err)
	}
	if err := c.writeReg32(addrCPACR, orig|(0xF<<20)); err != nil {
		return false, fmt.Errorf("cortexm: FpuSupport: writing CPACR: %w", err)
	}
	got, err := c.readReg32(addrCPACR)
	if err != nil {
		return false, fmt.Errorf("cortexm: FpuSupport: re-reading CPACR: %w", err)
	}
	if err := c.writeReg32(addrCPACR, orig); err != nil {
		return false, fmt.Errorf("cortexm: FpuSupport: restoring CPACR: %w", err)
	}
	return got&(0xF<<20) != 0, nil
}

// FloatingPointRegisterCount implements core.Interface.
func (c *Core) FloatingPointRegisterCount(ctx context.Context) (int, error) {
	has, err := c.FpuSupport(ctx)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, nil
	}
	return 32, nil
}

// ResetCatchSet implements core.Interface by setting DEMCR.VC_CORERESET.
func (c *Core) ResetCatchSet(ctx context.Context) error {
	v, err := c.readReg32(addrDEMCR)
	if err != nil {
		return fmt.Errorf("cortexm: ResetCatchSet: %w", err)
	}
	return c.writeReg32(addrDEMCR, v|demcrVCCoreReset)
}

// ResetCatchClear implements core.Interface by clearing DEMCR.VC_CORERESET
// and leaving every other DEMCR bit untouched. The bit is cleared even if it
// was already set before ResetCatchSet; its earlier value is not recorded.
func (c *Core) ResetCatchClear(ctx context.Context) error {
	v, err := c.readReg32(addrDEMCR)
	if err != nil {
		return fmt.Errorf("cortexm: ResetCatchClear: %w", err)
	}
	return c.writeReg32(addrDEMCR, v&^demcrVCCoreReset)
}

// DebugCoreStop implements core.Interface: clears DHCSR.C_DEBUGEN and zeros
// DEMCR (spec.md §4.6, detach/drop sequence).
func (c *Core) DebugCoreStop(ctx context.Context) error {
	if err := c.writeReg32(addrDHCSR, dhcsrDebugKey); err != nil {
		return fmt.Errorf("cortexm: DebugCoreStop: %w", err)
	}
	return c.writeReg32(addrDEMCR, 0)
}

// EnableVectorCatch implements core.Interface for the hard-fault vector
// catch (DEMCR.VC_HARDERR).
func (c *Core) EnableVectorCatch(ctx context.Context, enabled bool) error {
	v, err := c.readReg32(addrDEMCR)
	if err != nil {
		return fmt.Errorf("cortexm: EnableVectorCatch: %w", err)
	}
	if enabled {
		v |= demcrVCHarderr
	} else {
		v &^= demcrVCHarderr
	}
	return c.writeReg32(addrDEMCR, v)
}

var _ core.Interface = (*Core)(nil)
