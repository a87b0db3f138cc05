package xtensa

import (
	"context"
	"fmt"

	"github.com/opendap-project/godap/pkg/core"
)

// Instruction-word encoding for the two instructions this layer ever needs
// to inject: RSR (move a special register into a CPU register) and WSR (the
// reverse). This model doesn't reproduce Xtensa's real variable-width
// instruction encoding; it only needs to round-trip through executeInstruction
// consistently, the way pkg/core/cortexa's ReadCoreReg/WriteCoreReg simplify
// DBGITR injection into a direct DBGDTRTX/DBGDTRRX transfer.
const (
	opRSR = 0x1 << 24
	opWSR = 0x2 << 24
)

func rsrInstruction(spr, dst uint8) uint32 { return opRSR | uint32(spr)<<8 | uint32(dst) }
func wsrInstruction(spr, src uint8) uint32 { return opWSR | uint32(spr)<<8 | uint32(src) }

// executeInstruction loads word into the debug instruction register and
// waits for the core to report completion.
func (c *Core) executeInstruction(ctx context.Context, word uint32) error {
	if err := c.xdm.write(xdmRegDIR0, word); err != nil {
		return err
	}
	for attempt := 0; attempt < maxExecPolls; attempt++ {
		dsr, err := c.xdm.read(xdmRegDSR)
		if err != nil {
			return err
		}
		if dsr&dsrExecException != 0 {
			return fmt.Errorf("xtensa: instruction 0x%X raised an exception", word)
		}
		if dsr&dsrExecDone != 0 {
			return nil
		}
	}
	return fmt.Errorf("xtensa: instruction 0x%X did not complete", word)
}

const maxExecPolls = 64

// readWindowRegister reads one of the 16 currently-windowed A-registers by
// copying it into DDR and reading DDR back out through the XDM. This talks
// to hardware directly; special-register mediation uses it to read the
// scratch register's real, just-clobbered contents, which is why it must
// NOT redirect through the logical scratch cache below.
func (c *Core) readWindowRegister(ctx context.Context, areg uint8) (uint32, error) {
	if err := c.executeInstruction(ctx, wsrInstruction(sprDDR, areg)); err != nil {
		return 0, err
	}
	return c.xdm.read(xdmRegDDR)
}

// writeWindowRegister writes value into one of the 16 currently-windowed
// A-registers by staging it in DDR and copying DDR into the register.
func (c *Core) writeWindowRegister(ctx context.Context, areg uint8, value uint32) error {
	if err := c.xdm.write(xdmRegDDR, value); err != nil {
		return err
	}
	return c.executeInstruction(ctx, rsrInstruction(sprDDR, areg))
}

// readLogicalWindowRegister is what ReadCoreReg and other callers outside
// special-register mediation use: while the scratch register is borrowed
// for special-register access, its hardware contents no longer reflect the
// program's value, so reads of it are served from the cached copy
// saveScratch took instead of the currently-clobbered register.
func (c *Core) readLogicalWindowRegister(ctx context.Context, areg uint8) (uint32, error) {
	if areg == scratchRegister && c.scratchSaved {
		return c.scratchValue, nil
	}
	return c.readWindowRegister(ctx, areg)
}

// writeLogicalWindowRegister is the write-side counterpart: a write to the
// borrowed scratch register updates the cached copy that
// restoreScratchIfSaved will write back on resume, rather than hardware.
func (c *Core) writeLogicalWindowRegister(ctx context.Context, areg uint8, value uint32) error {
	if areg == scratchRegister && c.scratchSaved {
		c.scratchValue = value
		return nil
	}
	return c.writeWindowRegister(ctx, areg, value)
}

// saveScratch preserves the scratch register's value the first time this
// halt interval borrows it, so Run can restore it before the core resumes
// (spec.md §4.6.4).
func (c *Core) saveScratch(ctx context.Context) error {
	if c.scratchSaved {
		return nil
	}
	v, err := c.readWindowRegister(ctx, scratchRegister)
	if err != nil {
		return err
	}
	c.scratchValue = v
	c.scratchSaved = true
	return nil
}

func (c *Core) restoreScratchIfSaved(ctx context.Context) error {
	if !c.scratchSaved {
		return nil
	}
	if err := c.writeWindowRegister(ctx, scratchRegister, c.scratchValue); err != nil {
		return err
	}
	c.scratchSaved = false
	return nil
}

// readSpecialRegister reads a Special Register by routing it through the
// scratch register: RSR moves the special register into the scratch
// register, then it is read out like any windowed register.
func (c *Core) readSpecialRegister(ctx context.Context, spr uint8) (uint32, error) {
	if err := c.saveScratch(ctx); err != nil {
		return 0, err
	}
	if err := c.executeInstruction(ctx, rsrInstruction(spr, scratchRegister)); err != nil {
		return 0, err
	}
	return c.readWindowRegister(ctx, scratchRegister)
}

// writeSpecialRegister writes a Special Register by staging the value in
// DDR, moving it into the scratch register, then WSR-ing the scratch
// register into the target special register.
func (c *Core) writeSpecialRegister(ctx context.Context, spr uint8, value uint32) error {
	if err := c.saveScratch(ctx); err != nil {
		return err
	}
	if err := c.xdm.write(xdmRegDDR, value); err != nil {
		return err
	}
	if err := c.executeInstruction(ctx, rsrInstruction(sprDDR, scratchRegister)); err != nil {
		return err
	}
	return c.executeInstruction(ctx, wsrInstruction(spr, scratchRegister))
}

// ReadCoreReg implements core.Interface. Register IDs 0-15 address the
// current register window (A0-A15) directly; higher IDs name special
// registers mediated through DDR.
func (c *Core) ReadCoreReg(ctx context.Context, regID uint32) (uint64, error) {
	switch {
	case regID <= RegA15:
		v, err := c.readLogicalWindowRegister(ctx, uint8(regID))
		return uint64(v), err
	case regID == RegPC:
		v, err := c.readSpecialRegister(ctx, sprEPC2)
		return uint64(v), err
	case regID == RegPS:
		v, err := c.readSpecialRegister(ctx, sprEPS2)
		return uint64(v), err
	case regID == RegWindowBase:
		v, err := c.readSpecialRegister(ctx, sprWindowBase)
		return uint64(v), err
	case regID == RegWindowStart:
		v, err := c.readSpecialRegister(ctx, sprWindowStart)
		return uint64(v), err
	default:
		return 0, fmt.Errorf("xtensa: ReadCoreReg: unknown register id %d", regID)
	}
}

// WriteCoreReg implements core.Interface.
func (c *Core) WriteCoreReg(ctx context.Context, regID uint32, value uint64) error {
	v := uint32(value)
	switch {
	case regID <= RegA15:
		return c.writeLogicalWindowRegister(ctx, uint8(regID), v)
	case regID == RegPC:
		c.pcWritten = true
		return c.writeSpecialRegister(ctx, sprEPC2, v)
	case regID == RegPS:
		return c.writeSpecialRegister(ctx, sprEPS2, v)
	case regID == RegWindowBase:
		return c.writeSpecialRegister(ctx, sprWindowBase, v)
	case regID == RegWindowStart:
		return c.writeSpecialRegister(ctx, sprWindowStart, v)
	default:
		return fmt.Errorf("xtensa: WriteCoreReg: unknown register id %d", regID)
	}
}

// SetHardwareBreakpoint programs one IBREAKA comparator and enables it in
// IBREAKENABLE.
func (c *Core) SetHardwareBreakpoint(ctx context.Context, unit int, addr uint64) error {
	if unit < 0 || unit >= numIBreak {
		return fmt.Errorf("xtensa: breakpoint unit %d out of range [0,%d)", unit, numIBreak)
	}
	if err := c.writeSpecialRegister(ctx, sprIBreakA0+uint8(unit), uint32(addr)); err != nil {
		return err
	}
	enable, err := c.readSpecialRegister(ctx, sprIBreakEnable)
	if err != nil {
		return err
	}
	return c.writeSpecialRegister(ctx, sprIBreakEnable, enable|1<<uint(unit))
}

// ClearHardwareBreakpoint disables one IBREAKA comparator without disturbing
// its programmed address.
func (c *Core) ClearHardwareBreakpoint(ctx context.Context, unit int) error {
	if unit < 0 || unit >= numIBreak {
		return fmt.Errorf("xtensa: breakpoint unit %d out of range [0,%d)", unit, numIBreak)
	}
	enable, err := c.readSpecialRegister(ctx, sprIBreakEnable)
	if err != nil {
		return err
	}
	return c.writeSpecialRegister(ctx, sprIBreakEnable, enable&^(1<<uint(unit)))
}

// HardwareBreakpoints reports every IBREAKA unit's current programming.
func (c *Core) HardwareBreakpoints(ctx context.Context) ([]core.Breakpoint, error) {
	enable, err := c.readSpecialRegister(ctx, sprIBreakEnable)
	if err != nil {
		return nil, err
	}
	bps := make([]core.Breakpoint, numIBreak)
	for i := range bps {
		addr, err := c.readSpecialRegister(ctx, sprIBreakA0+uint8(i))
		if err != nil {
			return nil, err
		}
		bps[i] = core.Breakpoint{UnitIndex: i, Address: uint64(addr), Enabled: enable&(1<<uint(i)) != 0}
	}
	return bps, nil
}

// AvailableHardwareBreakpoints reports the IBREAKA unit count. This model
// hardcodes the common 2-unit configuration (spec.md names no discovery
// register for it, unlike FP_CTRL.NUM_CODE on Cortex-M or DBGDIDR.BRPs on
// Cortex-A).
func (c *Core) AvailableHardwareBreakpoints(ctx context.Context) (int, error) {
	return numIBreak, nil
}

// InstructionSet implements core.Interface; Xtensa has a single encoding.
func (c *Core) InstructionSet(ctx context.Context) (core.InstructionSet, error) {
	return core.InstructionSetXtensa, nil
}

// FpuSupport implements core.Interface. This simplified model doesn't probe
// CPENABLE live; most embedded Xtensa configurations this package targets
// (e.g. the ESP32 family) omit the hardware FPU coprocessor option, so it
// conservatively reports absent rather than guessing.
func (c *Core) FpuSupport(ctx context.Context) (bool, error) {
	return false, nil
}

// FloatingPointRegisterCount implements core.Interface.
func (c *Core) FloatingPointRegisterCount(ctx context.Context) (int, error) {
	return 0, nil
}

// ResetCatchSet is a documented no-op: this model enters debug mode and
// halts as part of Reset/ResetAndHalt directly (via PowerCtl), unlike
// Cortex-M's separate DEMCR.VC_CORERESET latch.
func (c *Core) ResetCatchSet(ctx context.Context) error { return nil }

// ResetCatchClear is the matching no-op.
func (c *Core) ResetCatchClear(ctx context.Context) error { return nil }

// DebugCoreStop disables the OCD bit, releasing the Debug Module's hold on
// the core.
func (c *Core) DebugCoreStop(ctx context.Context) error {
	return c.xdm.write(xdmRegDCR, 0)
}

// EnableVectorCatch is a documented no-op: this model's XDM exposes no
// separate vector-catch register, and ResetAndHalt already halts on reset
// unconditionally.
func (c *Core) EnableVectorCatch(ctx context.Context, enabled bool) error { return nil }

// SpillRegisterWindow writes every live register-window frame out to the
// stack addresses recorded in each frame's A1, per spec.md §4.6.4's spill
// algorithm. Callers (the session/memory layer) must run this before trusting
// a memory read of a halted Xtensa core's stack, since live frames may still
// only exist in the windowed register file.
func (c *Core) SpillRegisterWindow(ctx context.Context) error {
	windowBase, err := c.readSpecialRegister(ctx, sprWindowBase)
	if err != nil {
		return fmt.Errorf("xtensa: SpillRegisterWindow: reading WINDOWBASE: %w", err)
	}
	windowStart, err := c.readSpecialRegister(ctx, sprWindowStart)
	if err != nil {
		return fmt.Errorf("xtensa: SpillRegisterWindow: reading WINDOWSTART: %w", err)
	}
	const numWindows = 16
	for i := 0; i < numWindows; i++ {
		if windowStart&(1<<uint(i)) == 0 {
			continue
		}
		if err := c.writeSpecialRegister(ctx, sprWindowBase, uint32(i)); err != nil {
			return fmt.Errorf("xtensa: SpillRegisterWindow: rotating to window %d: %w", i, err)
		}
		var ar [4]uint32
		for r := 0; r < 4; r++ {
			v, err := c.readWindowRegister(ctx, uint8(r))
			if err != nil {
				return fmt.Errorf("xtensa: SpillRegisterWindow: reading AR%d: %w", r, err)
			}
			ar[r] = v
		}
		// A1 (index 1) holds this frame's stack pointer; AR0-AR3 spill to
		// the four words below it, mirroring the callee-saved frame layout
		// the windowed ABI assumes is already reserved there.
		base := ar[1]
		for r, v := range ar {
			if err := c.mem.Write32(base+uint32(r*4), v); err != nil {
				return fmt.Errorf("xtensa: SpillRegisterWindow: writing AR%d to 0x%X: %w", r, base+uint32(r*4), err)
			}
		}
	}
	return c.writeSpecialRegister(ctx, sprWindowBase, windowBase)
}
