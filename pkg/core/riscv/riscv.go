package riscv

import (
	"context"
	"fmt"
	"time"

	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/tap"
)

// Debug Module register addresses (RISC-V Debug Specification).
const (
	dmData0      = 0x04
	dmDmcontrol  = 0x10
	dmDmstatus   = 0x11
	dmAbstractcs = 0x16
	dmCommand    = 0x17
	dmProgbuf0   = 0x20
	dmSbcs       = 0x38
	dmSbaddress0 = 0x39
	dmSbdata0    = 0x3c
)

// dmcontrol bits.
const (
	dmcontrolDmactive  = 1 << 0
	dmcontrolNdmreset  = 1 << 1
	dmcontrolHaltreq   = 1 << 31
	dmcontrolResumereq = 1 << 30
)

// dmstatus bits.
const (
	dmstatusAnyhalted    = 1 << 8
	dmstatusAllhalted    = 1 << 9
	dmstatusAnyrunning   = 1 << 10
	dmstatusAllrunning   = 1 << 11
	dmstatusAnyresumeack = 1 << 16
	dmstatusAllresumeack = 1 << 17
)

// abstractcs bits.
const (
	abstractcsBusy      = 1 << 12
	abstractcsCmderrMask = 0x7
	abstractcsCmderrShift = 8
)

// command register (Access Register) fields.
const (
	cmdTypeAccessRegister = 0 << 24
	cmdAarsize32          = 2 << 20
	cmdTransfer           = 1 << 17
	cmdWrite              = 1 << 16
)

const gprRegnoBase = 0x1000

// CSR numbers used for core control.
const (
	csrDpc  = 0x7b1
	csrDcsr = 0x7b0
	csrTselect = 0x7a0
	csrTdata1  = 0x7a1
	csrTdata2  = 0x7a2
)

// dcsr.cause field (bits [8:6]).
const (
	dcsrCauseEbreak      = 1
	dcsrCauseTrigger     = 2
	dcsrCauseHaltreq     = 3
	dcsrCauseStep        = 4
	dcsrCauseResethaltreq = 5
)

const (
	dcsrStep = 1 << 2

	haltPollInterval = 1 * time.Millisecond
	haltPollTimeout  = 2 * time.Second
)

// Core implements core.Interface for one RISC-V hart behind a Debug Module
// reached over JTAG DMI (spec.md §4.6.3).
type Core struct {
	dmi *dmi

	haveNumTriggers bool
	numTriggers     int
}

// New selects tapIndex within chain and initializes a Core over its Debug
// Module.
func New(chain *tap.Chain, tapIndex int) (*Core, error) {
	d, err := newDMI(chain, tapIndex)
	if err != nil {
		return nil, fmt.Errorf("riscv: %w", err)
	}
	if err := d.write(dmDmcontrol, dmcontrolDmactive); err != nil {
		return nil, fmt.Errorf("riscv: activating debug module: %w", err)
	}
	return &Core{dmi: d}, nil
}

// ReadCoreReg implements core.Interface via the Abstract Command interface:
// write the command register with transfer=1 and the target regno, poll
// abstractcs.busy, then read data0.
func (c *Core) ReadCoreReg(ctx context.Context, regID uint32) (uint64, error) {
	if err := c.runAbstractCommand(regno(regID), false, 0); err != nil {
		return 0, fmt.Errorf("riscv: ReadCoreReg(%d): %w", regID, err)
	}
	v, err := c.dmi.read(dmData0)
	if err != nil {
		return 0, fmt.Errorf("riscv: ReadCoreReg(%d): reading data0: %w", regID, err)
	}
	return uint64(v), nil
}

// WriteCoreReg implements core.Interface.
func (c *Core) WriteCoreReg(ctx context.Context, regID uint32, value uint64) error {
	if err := c.dmi.write(dmData0, uint32(value)); err != nil {
		return fmt.Errorf("riscv: WriteCoreReg(%d): writing data0: %w", regID, err)
	}
	if err := c.runAbstractCommand(regno(regID), true, uint32(value)); err != nil {
		return fmt.Errorf("riscv: WriteCoreReg(%d): %w", regID, err)
	}
	return nil
}

func regno(regID uint32) uint32 {
	if regID <= 31 {
		return gprRegnoBase + regID
	}
	switch regID {
	case regPC:
		return csrDpc
	case regDCSR:
		return csrDcsr
	default:
		return regID // treat anything else as a raw CSR number
	}
}

// Register IDs this package recognizes beyond the raw GPR numbers 0-31.
const (
	regPC   = 32
	regDCSR = 33
)

func (c *Core) runAbstractCommand(regno uint32, write bool, _ uint32) error {
	cmd := cmdTypeAccessRegister | cmdAarsize32 | cmdTransfer | regno
	if write {
		cmd |= cmdWrite
	}
	if err := c.dmi.write(dmCommand, cmd); err != nil {
		return err
	}
	deadline := time.Now().Add(haltPollTimeout)
	for {
		cs, err := c.dmi.read(dmAbstractcs)
		if err != nil {
			return err
		}
		if cs&abstractcsBusy == 0 {
			if errCode := (cs >> abstractcsCmderrShift) & abstractcsCmderrMask; errCode != 0 {
				return fmt.Errorf("riscv: abstract command failed, cmderr=%d", errCode)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("riscv: abstract command timed out")
		}
		time.Sleep(haltPollInterval)
	}
}

// Halt implements core.Interface.
func (c *Core) Halt(ctx context.Context) error {
	if err := c.dmi.write(dmDmcontrol, dmcontrolDmactive|dmcontrolHaltreq); err != nil {
		return fmt.Errorf("riscv: Halt: %w", err)
	}
	if err := c.WaitForCoreHalted(ctx); err != nil {
		return fmt.Errorf("riscv: Halt: %w", err)
	}
	return c.dmi.write(dmDmcontrol, dmcontrolDmactive)
}

// WaitForCoreHalted implements core.Interface by polling dmstatus.allhalted.
func (c *Core) WaitForCoreHalted(ctx context.Context) error {
	deadline := time.Now().Add(haltPollTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		st, err := c.dmi.read(dmDmstatus)
		if err != nil {
			return fmt.Errorf("riscv: polling dmstatus: %w", err)
		}
		if st&dmstatusAllhalted != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("riscv: timed out waiting for allhalted")
		}
		time.Sleep(haltPollInterval)
	}
}

// Run implements core.Interface.
func (c *Core) Run(ctx context.Context) error {
	if err := c.dmi.write(dmDmcontrol, dmcontrolDmactive|dmcontrolResumereq); err != nil {
		return fmt.Errorf("riscv: Run: %w", err)
	}
	deadline := time.Now().Add(haltPollTimeout)
	for {
		st, err := c.dmi.read(dmDmstatus)
		if err != nil {
			return fmt.Errorf("riscv: Run: polling dmstatus: %w", err)
		}
		if st&dmstatusAllresumeack != 0 {
			return c.dmi.write(dmDmcontrol, dmcontrolDmactive)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("riscv: Run: timed out waiting for resume ack")
		}
		time.Sleep(haltPollInterval)
	}
}

// Step implements core.Interface: set dcsr.step, resume (which re-halts
// after exactly one instruction per the Debug Specification), then clear
// dcsr.step (spec.md §4.6.3: "step+ebreak handling mirrors ARM's skip
// software breakpoint step strategy").
func (c *Core) Step(ctx context.Context) error {
	dcsr, err := c.ReadCoreReg(ctx, regDCSR)
	if err != nil {
		return fmt.Errorf("riscv: Step: reading dcsr: %w", err)
	}
	if err := c.WriteCoreReg(ctx, regDCSR, dcsr|dcsrStep); err != nil {
		return fmt.Errorf("riscv: Step: setting dcsr.step: %w", err)
	}
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("riscv: Step: %w", err)
	}
	if err := c.WaitForCoreHalted(ctx); err != nil {
		return fmt.Errorf("riscv: Step: %w", err)
	}
	return c.WriteCoreReg(ctx, regDCSR, dcsr&^uint64(dcsrStep))
}

// Reset implements core.Interface via a dmcontrol.ndmreset pulse.
func (c *Core) Reset(ctx context.Context) error {
	if err := c.dmi.write(dmDmcontrol, dmcontrolDmactive|dmcontrolNdmreset); err != nil {
		return fmt.Errorf("riscv: Reset: %w", err)
	}
	return c.dmi.write(dmDmcontrol, dmcontrolDmactive)
}

// ResetAndHalt implements core.Interface by holding haltreq through the
// reset pulse.
func (c *Core) ResetAndHalt(ctx context.Context) error {
	if err := c.dmi.write(dmDmcontrol, dmcontrolDmactive|dmcontrolNdmreset|dmcontrolHaltreq); err != nil {
		return fmt.Errorf("riscv: ResetAndHalt: %w", err)
	}
	if err := c.dmi.write(dmDmcontrol, dmcontrolDmactive|dmcontrolHaltreq); err != nil {
		return fmt.Errorf("riscv: ResetAndHalt: %w", err)
	}
	return c.WaitForCoreHalted(ctx)
}

// Status implements core.Interface, classifying a halt via dcsr.cause.
func (c *Core) Status(ctx context.Context) (core.CoreInformation, error) {
	st, err := c.dmi.read(dmDmstatus)
	if err != nil {
		return core.CoreInformation{}, fmt.Errorf("riscv: Status: %w", err)
	}
	if st&dmstatusAllhalted == 0 {
		return core.CoreInformation{Status: core.StatusRunning}, nil
	}
	dcsr, err := c.ReadCoreReg(ctx, regDCSR)
	if err != nil {
		return core.CoreInformation{}, fmt.Errorf("riscv: Status: reading dcsr: %w", err)
	}
	cause := (dcsr >> 6) & 0x7
	var reason core.HaltReason
	switch cause {
	case dcsrCauseEbreak:
		reason = core.HaltReasonBreakpoint
	case dcsrCauseTrigger:
		reason = core.HaltReasonWatchpoint
	case dcsrCauseHaltreq:
		reason = core.HaltReasonExternal
	case dcsrCauseStep:
		reason = core.HaltReasonStep
	case dcsrCauseResethaltreq:
		reason = core.HaltReasonVectorCatch
	default:
		reason = core.HaltReasonUnknown
	}
	return core.CoreInformation{Status: core.StatusHalted, HaltReason: reason}, nil
}

func (c *Core) loadNumTriggers() error {
	if c.haveNumTriggers {
		return nil
	}
	const maxProbe = 16
	n := 0
	for i := uint64(0); i < maxProbe; i++ {
		if err := c.writeCSR(csrTselect, uint32(i)); err != nil {
			return err
		}
		got, err := c.readCSR(csrTselect)
		if err != nil {
			return err
		}
		if got != uint32(i) {
			break
		}
		n++
	}
	c.numTriggers = n
	c.haveNumTriggers = true
	return nil
}

func (c *Core) writeCSR(csr uint32, value uint32) error {
	return c.WriteCoreReg(context.Background(), csr, uint64(value))
}

func (c *Core) readCSR(csr uint32) (uint32, error) {
	v, err := c.ReadCoreReg(context.Background(), csr)
	return uint32(v), err
}

// mcontrol tdata1 fields for a simple execute-address breakpoint: type=2
// (address/data match), dmode=1, action=1 (enter Debug Mode), m/u=1, execute=1.
const tdata1Breakpoint = 2<<28 | 1<<27 | 1<<12 | 1<<6 | 1<<3 | 1<<2

// SetHardwareBreakpoint implements core.Interface via the Trigger Module.
func (c *Core) SetHardwareBreakpoint(ctx context.Context, unit int, addr uint64) error {
	if err := c.loadNumTriggers(); err != nil {
		return fmt.Errorf("riscv: SetHardwareBreakpoint: %w", err)
	}
	if unit < 0 || unit >= c.numTriggers {
		return fmt.Errorf("riscv: trigger %d out of range [0,%d)", unit, c.numTriggers)
	}
	if err := c.writeCSR(csrTselect, uint32(unit)); err != nil {
		return fmt.Errorf("riscv: SetHardwareBreakpoint: selecting trigger: %w", err)
	}
	if err := c.writeCSR(csrTdata2, uint32(addr)); err != nil {
		return fmt.Errorf("riscv: SetHardwareBreakpoint: writing tdata2: %w", err)
	}
	return c.writeCSR(csrTdata1, tdata1Breakpoint)
}

// ClearHardwareBreakpoint implements core.Interface.
func (c *Core) ClearHardwareBreakpoint(ctx context.Context, unit int) error {
	if err := c.loadNumTriggers(); err != nil {
		return fmt.Errorf("riscv: ClearHardwareBreakpoint: %w", err)
	}
	if unit < 0 || unit >= c.numTriggers {
		return fmt.Errorf("riscv: trigger %d out of range [0,%d)", unit, c.numTriggers)
	}
	if err := c.writeCSR(csrTselect, uint32(unit)); err != nil {
		return err
	}
	return c.writeCSR(csrTdata1, 0)
}

// HardwareBreakpoints implements core.Interface.
func (c *Core) HardwareBreakpoints(ctx context.Context) ([]core.Breakpoint, error) {
	if err := c.loadNumTriggers(); err != nil {
		return nil, fmt.Errorf("riscv: HardwareBreakpoints: %w", err)
	}
	out := make([]core.Breakpoint, c.numTriggers)
	for i := 0; i < c.numTriggers; i++ {
		if err := c.writeCSR(csrTselect, uint32(i)); err != nil {
			return nil, err
		}
		tdata1, err := c.readCSR(csrTdata1)
		if err != nil {
			return nil, err
		}
		tdata2, err := c.readCSR(csrTdata2)
		if err != nil {
			return nil, err
		}
		out[i] = core.Breakpoint{UnitIndex: i, Address: uint64(tdata2), Enabled: tdata1 != 0}
	}
	return out, nil
}

// AvailableHardwareBreakpoints implements core.Interface.
func (c *Core) AvailableHardwareBreakpoints(ctx context.Context) (int, error) {
	if err := c.loadNumTriggers(); err != nil {
		return 0, fmt.Errorf("riscv: AvailableHardwareBreakpoints: %w", err)
	}
	return c.numTriggers, nil
}

// InstructionSet implements core.Interface.
func (c *Core) InstructionSet(ctx context.Context) (core.InstructionSet, error) {
	return core.InstructionSetRiscv, nil
}

// FpuSupport implements core.Interface by probing misa for the F/D
// extension bits (bit 5 = F, bit 3 = D).
func (c *Core) FpuSupport(ctx context.Context) (bool, error) {
	const csrMisa = 0x301
	misa, err := c.readCSR(csrMisa)
	if err != nil {
		return false, fmt.Errorf("riscv: FpuSupport: reading misa: %w", err)
	}
	return misa&(1<<5) != 0 || misa&(1<<3) != 0, nil
}

// FloatingPointRegisterCount implements core.Interface.
func (c *Core) FloatingPointRegisterCount(ctx context.Context) (int, error) {
	has, err := c.FpuSupport(ctx)
	if err != nil || !has {
		return 0, err
	}
	return 32, nil
}

// ResetCatchSet implements core.Interface: haltreq is re-applied around the
// next Reset call by ResetAndHalt; this hook just remembers nothing extra is
// needed on RISC-V, unlike Cortex-M's DEMCR.VC_CORERESET.
func (c *Core) ResetCatchSet(ctx context.Context) error { return nil }

// ResetCatchClear implements core.Interface.
func (c *Core) ResetCatchClear(ctx context.Context) error { return nil }

// DebugCoreStop implements core.Interface by deasserting dmactive, which
// resets the whole Debug Module.
func (c *Core) DebugCoreStop(ctx context.Context) error {
	return c.dmi.write(dmDmcontrol, 0)
}

// EnableVectorCatch implements core.Interface. The Debug Module has no
// separate vector-catch register; ResetAndHalt already provides halt-on-reset
// by holding haltreq through the reset pulse, so this is a documented no-op.
func (c *Core) EnableVectorCatch(ctx context.Context, enabled bool) error { return nil }

var _ core.Interface = (*Core)(nil)
