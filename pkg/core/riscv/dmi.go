// Package riscv implements core.Interface for RISC-V harts via the RISC-V
// Debug Specification's Debug Module over JTAG DMI (spec.md §4.6.3).
package riscv

import (
	"fmt"

	"github.com/opendap-project/godap/pkg/tap"
)

// JTAG IR opcodes for the standard RISC-V Debug Transport Module.
const (
	irBypass = 0x1F
	irIDCode = 0x01
	irDTMCS  = 0x10
	irDMI    = 0x11
)

// DTMCS field layout (DR width 32).
const (
	dtmcsAbitsShift = 4
	dtmcsAbitsMask  = 0x3F
	dtmcsDmireset   = 1 << 16
	dtmcsDmihardreset = 1 << 17
)

// DMI operation/response codes.
const (
	dmiOpNop   = 0
	dmiOpRead  = 1
	dmiOpWrite = 2

	dmiOpSuccess = 0
	dmiOpFailed  = 2
	dmiOpBusy    = 3
)

// dmi drives one Debug Module's DMI register through a tap.Chain, the way
// the teacher's scan-chain code isolates adapter I/O behind a ShiftFunc
// (pkg/tap/chain.go).
type dmi struct {
	chain *tap.Chain
	abits int
}

// newDMI selects tapIndex in chain, reads DTMCS to learn the DMI address
// width, then returns a dmi ready for register access.
func newDMI(chain *tap.Chain, tapIndex int) (*dmi, error) {
	if err := chain.SelectTAP(tapIndex); err != nil {
		return nil, fmt.Errorf("riscv: selecting TAP %d: %w", tapIndex, err)
	}
	d := &dmi{chain: chain}
	if err := d.setIR(irDTMCS); err != nil {
		return nil, fmt.Errorf("riscv: selecting DTMCS: %w", err)
	}
	resp, err := d.chain.ShiftSelectedDR(make([]bool, 32))
	if err != nil {
		return nil, fmt.Errorf("riscv: reading DTMCS: %w", err)
	}
	dtmcs := bitsToUint32(resp)
	d.abits = int((dtmcs >> dtmcsAbitsShift) & dtmcsAbitsMask)
	if err := d.setIR(irDMI); err != nil {
		return nil, fmt.Errorf("riscv: selecting DMI: %w", err)
	}
	return d, nil
}

func (d *dmi) setIR(opcode int) error {
	_, err := d.chain.ShiftSelectedIR(uint32ToBits(uint32(opcode), 5))
	return err
}

// transfer shifts one {address,data,op} triple into DMI and returns the
// PREVIOUS transaction's result, per the DMI pipeline the RISC-V Debug
// Specification defines: a DMI scan both issues the next operation and
// retrieves the prior one's outcome.
func (d *dmi) transfer(addr uint32, data uint32, op uint8) (rdata uint32, rop uint8, err error) {
	width := d.abits + 34
	req := make([]bool, width)
	copy(req[0:2], uint32ToBits(uint32(op), 2))
	copy(req[2:34], uint32ToBits(data, 32))
	copy(req[34:], uint32ToBits(addr, d.abits))

	resp, err := d.chain.ShiftSelectedDR(req)
	if err != nil {
		return 0, 0, err
	}
	rop = uint8(bitsToUint32(resp[0:2]))
	rdata = bitsToUint32(resp[2:34])
	return rdata, rop, nil
}

// read performs a DMI register read, retrying while the debug module
// reports busy (spec.md §4.6.3 describes no explicit retry policy, but every
// real DTM implementation requires one).
func (d *dmi) read(addr uint32) (uint32, error) {
	if _, op, err := d.transfer(addr, 0, dmiOpRead); err != nil {
		return 0, err
	} else if op == dmiOpBusy {
		if err := d.recoverBusy(); err != nil {
			return 0, err
		}
	}
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		data, op, err := d.transfer(0, 0, dmiOpNop)
		if err != nil {
			return 0, err
		}
		switch op {
		case dmiOpSuccess:
			return data, nil
		case dmiOpBusy:
			if err := d.recoverBusy(); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("riscv: DMI read of 0x%X failed (op=%d)", addr, op)
		}
	}
	return 0, fmt.Errorf("riscv: DMI read of 0x%X: exhausted busy retries", addr)
}

// write performs a DMI register write, with the same busy-retry policy as
// read.
func (d *dmi) write(addr uint32, value uint32) error {
	_, op, err := d.transfer(addr, value, dmiOpWrite)
	if err != nil {
		return err
	}
	if op == dmiOpBusy {
		if err := d.recoverBusy(); err != nil {
			return err
		}
	}
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		_, op, err := d.transfer(0, 0, dmiOpNop)
		if err != nil {
			return err
		}
		switch op {
		case dmiOpSuccess:
			return nil
		case dmiOpBusy:
			if err := d.recoverBusy(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("riscv: DMI write of 0x%X failed (op=%d)", addr, op)
		}
	}
	return fmt.Errorf("riscv: DMI write of 0x%X: exhausted busy retries", addr)
}

const maxBusyRetries = 16

// recoverBusy clears the sticky error/busy condition via DTMCS.dmireset.
func (d *dmi) recoverBusy() error {
	if err := d.setIR(irDTMCS); err != nil {
		return err
	}
	if _, err := d.chain.ShiftSelectedDR(uint32ToBits(dtmcsDmireset, 32)); err != nil {
		return err
	}
	return d.setIR(irDMI)
}

func bitsToUint32(bits []bool) uint32 {
	var v uint32
	for i, b := range bits {
		if b {
			v |= 1 << uint(i)
		}
	}
	return v
}

func uint32ToBits(v uint32, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = v&(1<<uint(i)) != 0
	}
	return out
}
