package xtensa

import (
	"context"
	"fmt"
	"time"

	"github.com/opendap-project/godap/pkg/arm/memory"
	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/tap"
)

// Core register numbering. A0-A15 address the current 16-entry register
// window directly; the special registers below are reached by mediating
// through the scratch register and DDR rather than a direct window slot.
const (
	RegA0 = 0
	// RegA15 is the last directly addressable window register.
	RegA15       = 15
	RegPC        = 32
	RegPS        = 33
	RegWindowBase = 34
	RegWindowStart = 35
)

// Special-register numbers used internally when mediating through DDR.
const (
	sprEPC2        = 0xB2 // EPC2, this model's fixed debug level (L2) program counter
	sprEPS2        = 0xC2
	sprWindowBase  = 0x48
	sprWindowStart = 0x49
	sprDebugCause  = 0xE9
	sprIBreakEnable = 0x60
	sprIBreakA0    = 0x80
	sprDDR         = 0x68
	sprICount      = 0xEC
	sprICountLevel = 0xED
)

// scratchRegister is the CPU register the debug module borrows to ferry
// values to and from DDR (spec.md §4.6.4: "the scratch CPU register, usually
// A3, must be saved on first use within a halt interval and restored before
// resume").
const scratchRegister = 3

// DebugCause bits (read through the debug-cause special register).
const (
	debugCauseBreakInstruction  = 1 << 0 // BREAK
	debugCauseBreakNInstruction = 1 << 1 // BREAK.N
	debugCauseDebugInterrupt    = 1 << 2
	debugCauseICount            = 1 << 4
	debugCauseIBreak            = 1 << 5
	debugCauseDBreak            = 1 << 6
)

const (
	haltPollInterval = 1 * time.Millisecond
	haltPollTimeout  = 2 * time.Second

	numIBreak = 2 // this model supports IBREAKA0/IBREAKA1, matching the common 2-unit Xtensa configuration
)

// semihostBreakEncoding is the 3-byte BREAK 1,14 narrow instruction
// encoding Xtensa toolchains emit for a semihosting trap.
const semihostBreakEncoding = 0x00_31_32

// Core implements core.Interface for one Xtensa hart reached through an XDM
// over JTAG.
type Core struct {
	xdm *xdm
	mem *memory.Interface

	scratchSaved bool
	scratchValue uint32
	pcWritten    bool
}

// New builds a Core. mem is used only for the windowed-register spill
// algorithm (SpillRegisterWindow), which writes live register-window
// contents out to the target's stack before a memory read can be trusted.
func New(chain *tap.Chain, tapIndex int, mem *memory.Interface) (*Core, error) {
	x, err := newXDM(chain, tapIndex)
	if err != nil {
		return nil, err
	}
	return &Core{xdm: x, mem: mem}, nil
}

// EnterDebugMode enables the OCD bit so the Debug Module will honor halt
// requests and trap into debug exceptions; it is idempotent.
func (c *Core) EnterDebugMode() error {
	return c.xdm.write(xdmRegDCR, dcrEnableOCD)
}

func (c *Core) Halt(ctx context.Context) error {
	if err := c.EnterDebugMode(); err != nil {
		return fmt.Errorf("xtensa: Halt: enabling OCD: %w", err)
	}
	if err := c.xdm.write(xdmRegDCR, dcrEnableOCD|dcrDebugInterrupt); err != nil {
		return fmt.Errorf("xtensa: Halt: %w", err)
	}
	return c.WaitForCoreHalted(ctx)
}

func (c *Core) WaitForCoreHalted(ctx context.Context) error {
	deadline := time.Now().Add(haltPollTimeout)
	for {
		dsr, err := c.xdm.read(xdmRegDSR)
		if err != nil {
			return err
		}
		if dsr&dsrStopped != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("xtensa: timed out waiting for core to halt")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(haltPollInterval):
		}
	}
}

func (c *Core) Run(ctx context.Context) error {
	if err := c.restoreScratchIfSaved(ctx); err != nil {
		return err
	}
	c.pcWritten = false
	return c.xdm.write(xdmRegDCR, dcrEnableOCD)
}

// Step arms the ICOUNT trap for exactly one retired instruction at the
// current interrupt level, resumes, and waits for the resulting debug
// exception to re-halt the core. This is Xtensa's equivalent of Cortex-M's
// DHCSR.C_STEP: a one-shot hardware counter instead of a dedicated step bit.
func (c *Core) Step(ctx context.Context) error {
	if !c.pcWritten {
		if err := c.skipBreakInstruction(ctx); err != nil {
			return err
		}
	}
	ps, err := c.readSpecialRegister(ctx, sprEPS2)
	if err != nil {
		return fmt.Errorf("xtensa: Step: reading PS: %w", err)
	}
	if err := c.writeSpecialRegister(ctx, sprICountLevel, (ps&0xF)+1); err != nil {
		return fmt.Errorf("xtensa: Step: arming ICOUNTLEVEL: %w", err)
	}
	if err := c.writeSpecialRegister(ctx, sprICount, 0xFFFFFFFE); err != nil {
		return fmt.Errorf("xtensa: Step: arming ICOUNT: %w", err)
	}
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("xtensa: Step: %w", err)
	}
	return c.WaitForCoreHalted(ctx)
}

// skipBreakInstruction advances PC past a software BREAK/BREAK.N the core
// trapped into, mirroring the Cortex-M strategy of moving PC forward by the
// trapping instruction's width before resuming or stepping (spec.md
// §4.6.1's step-over-breakpoint algorithm, generalized here per §4.6.4).
func (c *Core) skipBreakInstruction(ctx context.Context) error {
	cause, err := c.readSpecialRegister(ctx, sprDebugCause)
	if err != nil {
		return err
	}
	var width uint64
	switch {
	case cause&debugCauseBreakInstruction != 0:
		width = 3
	case cause&debugCauseBreakNInstruction != 0:
		width = 2
	default:
		return nil
	}
	pc, err := c.ReadCoreReg(ctx, RegPC)
	if err != nil {
		return err
	}
	return c.WriteCoreReg(ctx, RegPC, pc+width)
}

func (c *Core) Reset(ctx context.Context) error {
	if err := c.xdm.powerControl(0); err != nil {
		return fmt.Errorf("xtensa: Reset: %w", err)
	}
	return nil
}

func (c *Core) ResetAndHalt(ctx context.Context) error {
	if err := c.ResetCatchSet(ctx); err != nil {
		return err
	}
	if err := c.Reset(ctx); err != nil {
		return err
	}
	return c.WaitForCoreHalted(ctx)
}

func (c *Core) Status(ctx context.Context) (core.CoreInformation, error) {
	dsr, err := c.xdm.read(xdmRegDSR)
	if err != nil {
		return core.CoreInformation{}, err
	}
	if dsr&dsrStopped == 0 {
		return core.CoreInformation{Status: core.StatusRunning}, nil
	}
	cause, err := c.readSpecialRegister(ctx, sprDebugCause)
	if err != nil {
		return core.CoreInformation{}, err
	}
	info := core.CoreInformation{Status: core.StatusHalted, HaltReason: classifyDebugCause(cause)}
	if info.HaltReason == core.HaltReasonBreakpoint {
		if call, args, ok, err := c.detectSemihosting(ctx); err != nil {
			return core.CoreInformation{}, err
		} else if ok {
			info.HaltReason = core.HaltReasonSemihosting
			info.SemihostCall = call
			info.SemihostArgs = args
		}
	}
	return info, nil
}

func classifyDebugCause(cause uint32) core.HaltReason {
	switch {
	case cause&(debugCauseBreakInstruction|debugCauseBreakNInstruction) != 0:
		return core.HaltReasonBreakpoint
	case cause&debugCauseIBreak != 0:
		return core.HaltReasonBreakpoint
	case cause&debugCauseDBreak != 0:
		return core.HaltReasonWatchpoint
	case cause&debugCauseICount != 0:
		return core.HaltReasonStep
	case cause&debugCauseDebugInterrupt != 0:
		return core.HaltReasonExternal
	default:
		return core.HaltReasonUnknown
	}
}

var _ core.Interface = (*Core)(nil)
