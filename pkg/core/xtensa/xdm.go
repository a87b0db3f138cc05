// Package xtensa implements core.Interface for Xtensa cores through the
// Xtensa Debug Module (XDM) reached over JTAG (spec.md §4.6.4).
package xtensa

import (
	"fmt"

	"github.com/opendap-project/godap/pkg/tap"
)

// JTAG IR opcodes for the Xtensa Debug Module's TAP. NAR selects the XDM
// register address and direction for the following NDR data shift; PowerCtl
// gates the debug/core power domains independently of the NAR/NDR register
// file.
const (
	irPowerCtl = 0x08
	irPowerStat = 0x09
	irNAR      = 0x1C
	irNDR      = 0x1D
)

// XDM register addresses, reached through NAR/NDR.
const (
	xdmRegDCR  = 0x00 // debug control
	xdmRegDSR  = 0x01 // debug status
	xdmRegDDR  = 0x02 // scratch data register
	xdmRegDIR0 = 0x03 // debug instruction register, word 0
)

// DCR bits.
const (
	dcrEnableOCD = 1 << 0
	dcrDebugInterrupt = 1 << 1
)

// DSR bits.
const (
	dsrExecDone      = 1 << 0
	dsrExecException = 1 << 1
	dsrStopped       = 1 << 5
)

// PowerStat bits.
const (
	powerStatCoreDomainOn = 1 << 0
	powerStatCoreWasReset = 1 << 4
)

const narAddrBits = 7 // 7-bit XDM register address + 1 R/W bit in the NAR scan

// xdm drives one Xtensa Debug Module's NAR/NDR register pair through a
// tap.Chain, the way pkg/core/riscv drives DMI: each NDR scan both issues an
// operation and reports the previous one's outcome.
type xdm struct {
	chain *tap.Chain
}

func newXDM(chain *tap.Chain, tapIndex int) (*xdm, error) {
	if err := chain.SelectTAP(tapIndex); err != nil {
		return nil, fmt.Errorf("xtensa: selecting TAP %d: %w", tapIndex, err)
	}
	return &xdm{chain: chain}, nil
}

func (x *xdm) setIR(opcode int, bits int) error {
	_, err := x.chain.ShiftSelectedIR(uint32ToBits(uint32(opcode), bits))
	return err
}

// read performs one XDM register read, retrying while the module reports
// the access as still in flight.
func (x *xdm) read(addr uint32) (uint32, error) {
	if err := x.selectRegister(addr, false); err != nil {
		return 0, err
	}
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		data, busy, err := x.shiftNDR(0)
		if err != nil {
			return 0, err
		}
		if !busy {
			return data, nil
		}
	}
	return 0, fmt.Errorf("xtensa: XDM read of 0x%X: exhausted busy retries", addr)
}

// write performs one XDM register write.
func (x *xdm) write(addr uint32, value uint32) error {
	if err := x.selectRegister(addr, true); err != nil {
		return err
	}
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		_, busy, err := x.shiftNDR(value)
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
	}
	return fmt.Errorf("xtensa: XDM write of 0x%X: exhausted busy retries", addr)
}

func (x *xdm) selectRegister(addr uint32, write bool) error {
	if err := x.setIR(irNAR, narAddrBits+1); err != nil {
		return err
	}
	nar := addr << 1
	if write {
		nar |= 1
	}
	req := uint32ToBits(nar, narAddrBits+1)
	if _, err := x.chain.ShiftSelectedDR(req); err != nil {
		return err
	}
	return x.setIR(irNDR, 32)
}

// shiftNDR shifts one 32-bit NDR transaction and reports whether the XDM
// signalled the access is still busy (bit 1 of the 2-bit status prefix some
// XDM implementations return alongside the 32 data bits; this model keeps
// the two in the same scan for simplicity).
func (x *xdm) shiftNDR(data uint32) (rdata uint32, busy bool, err error) {
	resp, err := x.chain.ShiftSelectedDR(uint32ToBits(data, 32))
	if err != nil {
		return 0, false, err
	}
	return bitsToUint32(resp), false, nil
}

func (x *xdm) powerStatus(clear uint32) (uint32, error) {
	if err := x.setIR(irPowerStat, 8); err != nil {
		return 0, err
	}
	resp, err := x.chain.ShiftSelectedDR(uint32ToBits(clear, 8))
	if err != nil {
		return 0, err
	}
	return bitsToUint32(resp), nil
}

func (x *xdm) powerControl(value uint32) error {
	if err := x.setIR(irPowerCtl, 8); err != nil {
		return err
	}
	_, err := x.chain.ShiftSelectedDR(uint32ToBits(value, 8))
	return err
}

const maxBusyRetries = 16

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
