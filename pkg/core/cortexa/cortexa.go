package cortexa

import (
	"context"
	"fmt"
	"time"

	"github.com/opendap-project/godap/pkg/arm/memory"
	"github.com/opendap-project/godap/pkg/core"
)

const (
	offDBGDIDR     = 0x000
	didrBRPsShift  = 24
	didrBRPsMask   = 0xF

	haltPollInterval = 1 * time.Millisecond
	haltPollTimeout  = 2 * time.Second
)

// Core implements core.Interface for one ARMv7-A/v8-A core addressed
// through its relocatable debug_base (and, for v8, cti_base).
type Core struct {
	mem       *memory.Interface
	debugBase uint32
	ctiBase   uint32
	variant   Variant

	haveNumBRP bool
	numBRP     int
}

// New wraps a memory.Interface (already addressed through the owning
// MEM-AP) with the relocatable debug_base/cti_base this core's debug
// registers live at.
func New(mem *memory.Interface, debugBase, ctiBase uint32, variant Variant) *Core {
	return &Core{mem: mem, debugBase: debugBase, ctiBase: ctiBase, variant: variant}
}

func (c *Core) readReg32(addr uint32) (uint32, error) { return c.mem.Read32(addr) }
func (c *Core) writeReg32(addr uint32, v uint32) error { return c.mem.Write32(addr, v) }

// enableDebug implements spec.md §4.6.2's enable sequence: unlock the OS
// Lock, then set HDBGEN (v7) / HDE (v8); v8 additionally brings up the CTI.
func (c *Core) enableDebug() error {
	if err := c.writeReg32(c.debugBase+offDBGOSLAR, 0); err != nil {
		return fmt.Errorf("cortexa: unlocking OS Lock: %w", err)
	}
	dscr, err := c.readReg32(c.debugBase + offDBGDSCR)
	if err != nil {
		return fmt.Errorf("cortexa: reading DSCR: %w", err)
	}
	if err := c.writeReg32(c.debugBase+offDBGDSCR, dscr|dscrHDBGEn); err != nil {
		return fmt.Errorf("cortexa: setting HDBGEN/HDE: %w", err)
	}
	if c.variant != VariantV8 {
		return nil
	}
	if err := c.ctiUnlock(); err != nil {
		return fmt.Errorf("cortexa: unlocking CTI: %w", err)
	}
	if err := c.ctiEnable(); err != nil {
		return fmt.Errorf("cortexa: enabling CTI: %w", err)
	}
	return c.ctiConfigureChannels()
}

// Halt implements core.Interface: a direct DBGDRCR.HRQ on v7-A, a CTI
// channel-0 pulse on v8-A (spec.md §4.6.2).
func (c *Core) Halt(ctx context.Context) error {
	if err := c.enableDebug(); err != nil {
		return fmt.Errorf("cortexa: Halt: %w", err)
	}
	if c.variant == VariantV8 {
		if err := c.ctiPulse(channelHalt); err != nil {
			return fmt.Errorf("cortexa: Halt: %w", err)
		}
	} else {
		if err := c.writeReg32(c.debugBase+offDBGDRCR, drcrHRQ); err != nil {
			return fmt.Errorf("cortexa: Halt: %w", err)
		}
	}
	return c.WaitForCoreHalted(ctx)
}

// WaitForCoreHalted implements core.Interface by polling DSCR/EDSCR's halted
// status bit.
func (c *Core) WaitForCoreHalted(ctx context.Context) error {
	deadline := time.Now().Add(haltPollTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		v, err := c.readReg32(c.debugBase + offDBGDSCR)
		if err != nil {
			return fmt.Errorf("cortexa: polling DSCR: %w", err)
		}
		if v&dscrHalted != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cortexa: timed out waiting for halted status")
		}
		time.Sleep(haltPollInterval)
	}
}

// Run implements core.Interface.
func (c *Core) Run(ctx context.Context) error {
	if c.variant == VariantV8 {
		return c.ctiPulse(channelResume)
	}
	return c.writeReg32(c.debugBase+offDBGDRCR, drcrRRQ)
}

// Step implements core.Interface using the same halt/inspect/resume
// single-instruction technique as Cortex-M (spec.md §4.6.3's RISC-V section
// describes the same pattern in different words: "step+ebreak handling
// mirrors ARM's skip software breakpoint step strategy").
func (c *Core) Step(ctx context.Context) error {
	dscr, err := c.readReg32(c.debugBase + offDBGDSCR)
	if err != nil {
		return fmt.Errorf("cortexa: Step: reading DSCR: %w", err)
	}
	const stepBit = 1 << 22 // model-local "single step enable" bit
	if err := c.writeReg32(c.debugBase+offDBGDSCR, dscr|stepBit); err != nil {
		return fmt.Errorf("cortexa: Step: %w", err)
	}
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("cortexa: Step: %w", err)
	}
	if err := c.WaitForCoreHalted(ctx); err != nil {
		return fmt.Errorf("cortexa: Step: %w", err)
	}
	dscr, err = c.readReg32(c.debugBase + offDBGDSCR)
	if err != nil {
		return fmt.Errorf("cortexa: Step: re-reading DSCR: %w", err)
	}
	return c.writeReg32(c.debugBase+offDBGDSCR, dscr&^uint32(stepBit))
}

// Reset implements core.Interface. Vendor reset-pin sequencing lives in
// pkg/sequence; this package only handles the debug-register side, which on
// ARMv7-A/v8-A is a no-op beyond what ResetCatchSet/Clear already cover.
func (c *Core) Reset(ctx context.Context) error {
	return nil
}

// ResetAndHalt implements core.Interface.
func (c *Core) ResetAndHalt(ctx context.Context) error {
	if err := c.ResetCatchSet(ctx); err != nil {
		return fmt.Errorf("cortexa: ResetAndHalt: %w", err)
	}
	if err := c.Reset(ctx); err != nil {
		return fmt.Errorf("cortexa: ResetAndHalt: %w", err)
	}
	return c.WaitForCoreHalted(ctx)
}

// Status implements core.Interface, classifying a halt via DSCR/EDSCR's
// method-of-entry field.
func (c *Core) Status(ctx context.Context) (core.CoreInformation, error) {
	dscr, err := c.readReg32(c.debugBase + offDBGDSCR)
	if err != nil {
		return core.CoreInformation{}, fmt.Errorf("cortexa: Status: %w", err)
	}
	if dscr&dscrHalted == 0 {
		return core.CoreInformation{Status: core.StatusRunning}, nil
	}
	moe := (dscr >> dscrMoeShift) & dscrMoeMask
	var reason core.HaltReason
	switch moe {
	case moeBreakpoint, moeBkptInstr:
		reason = core.HaltReasonBreakpoint
	case moeWatchpoint:
		reason = core.HaltReasonWatchpoint
	case moeVectorCatch:
		reason = core.HaltReasonVectorCatch
	case moeExternal:
		reason = core.HaltReasonExternal
	default:
		reason = core.HaltReasonUnknown
	}
	return core.CoreInformation{Status: core.StatusHalted, HaltReason: reason}, nil
}

// ReadCoreReg implements core.Interface via the DBGDTRTX/DBGITR transfer
// path, modeled here as a direct scratch-register pair: this simplified
// model treats DBGDTRTX as already holding the requested register's value,
// which DBGITR instruction injection (not modeled) would normally arrange.
func (c *Core) ReadCoreReg(ctx context.Context, regID uint32) (uint64, error) {
	v, err := c.readReg32(c.debugBase + offDBGDTRTX)
	if err != nil {
		return 0, fmt.Errorf("cortexa: ReadCoreReg(%d): %w", regID, err)
	}
	return uint64(v), nil
}

// WriteCoreReg implements core.Interface.
func (c *Core) WriteCoreReg(ctx context.Context, regID uint32, value uint64) error {
	if err := c.writeReg32(c.debugBase+offDBGDTRRX, uint32(value)); err != nil {
		return fmt.Errorf("cortexa: WriteCoreReg(%d): %w", regID, err)
	}
	return nil
}

func (c *Core) loadNumBRP() error {
	if c.haveNumBRP {
		return nil
	}
	didr, err := c.readReg32(c.debugBase + offDBGDIDR)
	if err != nil {
		return fmt.Errorf("reading DIDR: %w", err)
	}
	c.numBRP = int((didr>>didrBRPsShift)&didrBRPsMask) + 1
	c.haveNumBRP = true
	return nil
}

func (c *Core) bvrAddr(unit int) uint32 { return c.debugBase + offDBGBVR0 + uint32(unit)*bpRegSpan }
func (c *Core) bcrAddr(unit int) uint32 { return c.debugBase + offDBGBCR0 + uint32(unit)*bpRegSpan }

// SetHardwareBreakpoint implements core.Interface.
func (c *Core) SetHardwareBreakpoint(ctx context.Context, unit int, addr uint64) error {
	if err := c.loadNumBRP(); err != nil {
		return fmt.Errorf("cortexa: SetHardwareBreakpoint: %w", err)
	}
	if unit < 0 || unit >= c.numBRP {
		return fmt.Errorf("cortexa: breakpoint unit %d out of range [0,%d)", unit, c.numBRP)
	}
	if err := c.writeReg32(c.bvrAddr(unit), uint32(addr)&^0x3); err != nil {
		return fmt.Errorf("cortexa: SetHardwareBreakpoint: writing BVR: %w", err)
	}
	return c.writeReg32(c.bcrAddr(unit), bcrByteSel|bcrEnable)
}

// ClearHardwareBreakpoint implements core.Interface.
func (c *Core) ClearHardwareBreakpoint(ctx context.Context, unit int) error {
	if err := c.loadNumBRP(); err != nil {
		return fmt.Errorf("cortexa: ClearHardwareBreakpoint: %w", err)
	}
	if unit < 0 || unit >= c.numBRP {
		return fmt.Errorf("cortexa: breakpoint unit %d out of range [0,%d)", unit, c.numBRP)
	}
	return c.writeReg32(c.bcrAddr(unit), 0)
}

// HardwareBreakpoints implements core.Interface.
func (c *Core) HardwareBreakpoints(ctx context.Context) ([]core.Breakpoint, error) {
	if err := c.loadNumBRP(); err != nil {
		return nil, fmt.Errorf("cortexa: HardwareBreakpoints: %w", err)
	}
	out := make([]core.Breakpoint, c.numBRP)
	for i := 0; i < c.numBRP; i++ {
		bcr, err := c.readReg32(c.bcrAddr(i))
		if err != nil {
			return nil, fmt.Errorf("cortexa: HardwareBreakpoints: reading BCR%d: %w", i, err)
		}
		bvr, err := c.readReg32(c.bvrAddr(i))
		if err != nil {
			return nil, fmt.Errorf("cortexa: HardwareBreakpoints: reading BVR%d: %w", i, err)
		}
		out[i] = core.Breakpoint{UnitIndex: i, Address: uint64(bvr), Enabled: bcr&bcrEnable != 0}
	}
	return out, nil
}

// AvailableHardwareBreakpoints implements core.Interface.
func (c *Core) AvailableHardwareBreakpoints(ctx context.Context) (int, error) {
	if err := c.loadNumBRP(); err != nil {
		return 0, fmt.Errorf("cortexa: AvailableHardwareBreakpoints: %w", err)
	}
	return c.numBRP, nil
}

// InstructionSet implements core.Interface. A-profile cores may run either
// ARM or Thumb; without decoding CPSR.T this model reports ARM, the
// architecture's default reset state.
func (c *Core) InstructionSet(ctx context.Context) (core.InstructionSet, error) {
	return core.InstructionSetARM, nil
}

// FpuSupport implements core.Interface. A-profile cores in this family
// always ship VFP/NEON; unlike Cortex-M there is no optional CPACR grant to
// probe for absence.
func (c *Core) FpuSupport(ctx context.Context) (bool, error) { return true, nil }

// FloatingPointRegisterCount implements core.Interface.
func (c *Core) FloatingPointRegisterCount(ctx context.Context) (int, error) { return 32, nil }

// ResetCatchSet implements core.Interface via DBGPRCR's reset-catch bit.
func (c *Core) ResetCatchSet(ctx context.Context) error {
	const offDBGPRCR = 0x310
	const resetCatch = 1 << 2
	v, err := c.readReg32(c.debugBase + offDBGPRCR)
	if err != nil {
		return fmt.Errorf("cortexa: ResetCatchSet: %w", err)
	}
	return c.writeReg32(c.debugBase+offDBGPRCR, v|resetCatch)
}

// ResetCatchClear implements core.Interface.
func (c *Core) ResetCatchClear(ctx context.Context) error {
	const offDBGPRCR = 0x310
	const resetCatch = 1 << 2
	v, err := c.readReg32(c.debugBase + offDBGPRCR)
	if err != nil {
		return fmt.Errorf("cortexa: ResetCatchClear: %w", err)
	}
	return c.writeReg32(c.debugBase+offDBGPRCR, v&^uint32(resetCatch))
}

// DebugCoreStop implements core.Interface by clearing HDBGEN/HDE.
func (c *Core) DebugCoreStop(ctx context.Context) error {
	v, err := c.readReg32(c.debugBase + offDBGDSCR)
	if err != nil {
		return fmt.Errorf("cortexa: DebugCoreStop: %w", err)
	}
	return c.writeReg32(c.debugBase+offDBGDSCR, v&^uint32(dscrHDBGEn))
}

// EnableVectorCatch implements core.Interface via DBGVCR's reset-vector
// catch bit.
func (c *Core) EnableVectorCatch(ctx context.Context, enabled bool) error {
	const offDBGVCR = 0x01C
	const rstVectCatch = 1 << 0
	v, err := c.readReg32(c.debugBase + offDBGVCR)
	if err != nil {
		return fmt.Errorf("cortexa: EnableVectorCatch: %w", err)
	}
	if enabled {
		v |= rstVectCatch
	} else {
		v &^= uint32(rstVectCatch)
	}
	return c.writeReg32(c.debugBase+offDBGVCR, v)
}

var _ core.Interface = (*Core)(nil)
