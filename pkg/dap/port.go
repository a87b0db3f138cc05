// Package dap implements single-word SWD/JTAG-DP and Access Port reads and
// writes (spec.md §4.3): ACK/fault/parity handling, DP register banking, and
// multidrop TARGETSEL selection, all on top of a probe.RawSWD transport.
package dap

import (
	"fmt"
	"time"

	"github.com/opendap-project/godap/pkg/probe"
)

const maxWaitRetries = 5

// CtrlStat bit layout (spec.md §4.4/§7).
const (
	ctrlStatCSYSPWRUPACK = 1 << 31
	ctrlStatCSYSPWRUPREQ = 1 << 30
	ctrlStatCDBGPWRUPACK = 1 << 29
	ctrlStatCDBGPWRUPREQ = 1 << 28
	ctrlStatWDataErr     = 1 << 7
	ctrlStatStickyErr    = 1 << 5
	ctrlStatStickyCmp    = 1 << 4
	ctrlStatStickyOrun   = 1 << 1
	ctrlStatOrunDetect   = 1 << 0
)

// Abort register bits.
const (
	abortDAPABORT  = 1 << 0
	abortSTKCMPCLR = 1 << 1
	abortSTKERRCLR = 1 << 2
	abortWDERRCLR  = 1 << 3
	abortORUNERRCLR = 1 << 4
)

// Port performs raw DP/AP register transactions over a probe.RawSWD
// transport, with WAIT retry, FAULT classification, bank caching, and
// multidrop DP selection. One Port instance owns exactly one probe.
type Port struct {
	swd probe.RawSWD

	selectedDP    DpAddress
	haveSelectedDP bool

	dpBank uint8
	apBank uint8
	apSel  uint64

	// lastAPReadPending marks that the previous operation was an AP read
	// whose result has not yet been retrieved via RDBUFF (spec.md §4.3:
	// "AP reads are pipelined").
	lastAPReadPending bool
}

// NewPort creates a raw DAP accessor over the given transport.
func NewPort(swd probe.RawSWD) *Port {
	return &Port{swd: swd}
}

// SelectTarget performs the line-reset + TARGETSEL dance required before
// accessing a different DP on a multidrop SWD bus, skipping the dance if
// the requested DP is already selected (spec.md §5: "the session tracks the
// currently selected DP to skip redundant selects" — Port is where that
// tracking actually lives).
func (p *Port) SelectTarget(dp DpAddress) error {
	if p.haveSelectedDP && p.selectedDP == dp {
		return nil
	}

	dir, swdio := lineResetSequence()
	if _, err := p.swd.SwdIO(dir, swdio); err != nil {
		return fmt.Errorf("dap: line reset: %w", err)
	}

	if dp.Multidrop {
		dir, swdio = targetselSequence(dp.TargetSel)
		if _, err := p.swd.SwdIO(dir, swdio); err != nil {
			return fmt.Errorf("dap: targetsel: %w", err)
		}
	}

	p.selectedDP = dp
	p.haveSelectedDP = true
	p.dpBank, p.apBank = 0, 0
	p.lastAPReadPending = false
	return nil
}

// transact performs one SWD request/ack/data cycle and returns the ACK and,
// for reads, the data word and observed parity.
func (p *Port) transact(apndp, rnw bool, addr4 uint8, writeValue uint32) (ack uint8, data uint32, parityOK bool, err error) {
	frame := buildTransaction(apndp, rnw, addr4, writeValue)
	resp, err := p.swd.SwdIO(frame.dir, frame.swdio)
	if err != nil {
		return 0, 0, false, fmt.Errorf("dap: swd transaction: %w", err)
	}
	if len(resp) < len(frame.dir) {
		return 0, 0, false, &probe.NoAcknowledgeError{}
	}

	ack = ackFromBits(resp[frame.ackAt : frame.ackAt+3])
	if ack == uint8(probe.AckNone) {
		return ack, 0, false, nil
	}
	if rnw {
		data = boolsToUint32(resp[frame.dataAt : frame.dataAt+32])
		gotParity := resp[frame.parityAt]
		parityOK = gotParity == wordParity(data)
	} else {
		parityOK = true
	}
	return ack, data, parityOK, nil
}

// readRaw performs a register read with WAIT retry and FAULT classification.
func (p *Port) readRaw(apndp bool, addr4 uint8) (uint32, error) {
	for attempt := 0; ; attempt++ {
		ack, data, parityOK, err := p.transact(apndp, true, addr4, 0)
		if err != nil {
			return 0, err
		}
		switch probe.Ack(ack) {
		case probe.AckOK:
			if !parityOK {
				return 0, &probe.IncorrectParityError{}
			}
			if apndp {
				// Pipelined: this call's data belongs to the PREVIOUS AP
				// read. Caller must follow up with a RDBUFF read to obtain
				// it (spec.md §4.3).
				p.lastAPReadPending = true
			}
			return data, nil
		case probe.AckWait:
			if attempt >= maxWaitRetries {
				return 0, &probe.WaitResponseError{Retries: attempt}
			}
			time.Sleep(backoff(attempt))
			continue
		case probe.AckFault:
			return 0, p.classifyFault()
		default:
			return 0, &probe.NoAcknowledgeError{}
		}
	}
}

func (p *Port) writeRaw(apndp bool, addr4 uint8, value uint32) error {
	for attempt := 0; ; attempt++ {
		ack, _, _, err := p.transact(apndp, false, addr4, value)
		if err != nil {
			return err
		}
		switch probe.Ack(ack) {
		case probe.AckOK:
			if apndp {
				p.lastAPReadPending = false
			}
			return nil
		case probe.AckWait:
			if attempt >= maxWaitRetries {
				return &probe.WaitResponseError{Retries: attempt}
			}
			time.Sleep(backoff(attempt))
			continue
		case probe.AckFault:
			return p.classifyFault()
		default:
			return &probe.NoAcknowledgeError{}
		}
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Millisecond
}

// classifyFault reads CTRL/STAT to decode which sticky bit tripped, then
// clears it via ABORT, per spec.md §4.3's FAULT policy.
func (p *Port) classifyFault() error {
	ctrlStat, err := p.readDPNoFaultHandling(regCTRLSTAT)
	if err != nil {
		return fmt.Errorf("dap: reading CTRL/STAT during fault classification: %w", err)
	}

	fault := &probe.FaultResponseError{
		StickyOverrun: ctrlStat&ctrlStatStickyOrun != 0,
		StickyErr:     ctrlStat&ctrlStatStickyErr != 0,
		WriteDataErr:  ctrlStat&ctrlStatWDataErr != 0,
	}

	var abort uint32
	if fault.StickyErr {
		abort |= abortSTKERRCLR
	}
	if fault.StickyOverrun {
		abort |= abortORUNERRCLR
	}
	if fault.WriteDataErr {
		abort |= abortWDERRCLR
	}
	if abort != 0 {
		if err := p.writeRaw(false, regABORT.addr4, abort); err != nil {
			return fmt.Errorf("dap: clearing sticky fault via ABORT: %w", err)
		}
	}

	p.lastAPReadPending = false
	return fault
}

// readDPNoFaultHandling is used internally by fault classification itself,
// to avoid classifyFault recursing into itself on a second FAULT.
func (p *Port) readDPNoFaultHandling(reg dpReg) (uint32, error) {
	if err := p.selectBank(false, reg.bank); err != nil {
		return 0, err
	}
	ack, data, parityOK, err := p.transact(false, true, reg.addr4, 0)
	if err != nil {
		return 0, err
	}
	if probe.Ack(ack) != probe.AckOK {
		return 0, fmt.Errorf("dap: unexpected ack 0x%X reading CTRL/STAT during fault classification", ack)
	}
	if !parityOK {
		return 0, &probe.IncorrectParityError{}
	}
	return data, nil
}

// selectBank writes SELECT if the requested bank differs from the cached
// one, per spec.md §4.3's DPBANKSEL/APBANKSEL caching.
func (p *Port) selectBank(apndp bool, bank uint8) error {
	if apndp {
		if p.apBank == bank {
			return nil
		}
	} else {
		if p.dpBank == bank {
			return nil
		}
	}
	var selectValue uint32
	if apndp {
		selectValue = uint32(p.apSel)<<24 | uint32(bank)<<4 | uint32(p.dpBank)
	} else {
		selectValue = uint32(p.apSel)<<24 | uint32(p.apBank)<<4 | uint32(bank)
	}
	if err := p.writeRaw(false, regSELECT.addr4, selectValue); err != nil {
		return fmt.Errorf("dap: writing SELECT: %w", err)
	}
	if apndp {
		p.apBank = bank
	} else {
		p.dpBank = bank
	}
	return nil
}

// ReadDP reads one of the named, banked DP registers.
func (p *Port) ReadDP(reg string) (uint32, error) {
	r, ok := dpRegByName[reg]
	if !ok {
		return 0, fmt.Errorf("dap: unknown DP register %q", reg)
	}
	if err := p.selectBank(false, r.bank); err != nil {
		return 0, err
	}
	return p.readRaw(false, r.addr4)
}

// WriteDP writes one of the named, banked DP registers.
func (p *Port) WriteDP(reg string, value uint32) error {
	r, ok := dpRegByName[reg]
	if !ok {
		return fmt.Errorf("dap: unknown DP register %q", reg)
	}
	if err := p.selectBank(false, r.bank); err != nil {
		return err
	}
	return p.writeRaw(false, r.addr4, value)
}

var dpRegByName = map[string]dpReg{
	"DPIDR":     regDPIDR,
	"ABORT":     regABORT,
	"CTRLSTAT":  regCTRLSTAT,
	"SELECT":    regSELECT,
	"RDBUFF":    regRDBUFF,
	"TARGETID":  regTARGETID,
	"DLPIDR":    regDLPIDR,
	"EVENTSTAT": regEVENTSTAT,
}

// SelectAP chooses which AP subsequent ReadAP/WriteAP calls address
// (v1 8-bit APSEL).
func (p *Port) SelectAP(apsel uint64) {
	if p.apSel != apsel {
		p.apSel = apsel
		p.apBank = 0xFF // force a SELECT rewrite on next access
	}
}

// ReadAP reads a 32-bit AP register at the given bank-local address. Because
// AP reads are pipelined, the value returned belongs to the AP read BEFORE
// this one; call ReadAPFinal to flush the last pending value via RDBUFF.
func (p *Port) ReadAP(bank uint8, addr4 uint8) (uint32, error) {
	if err := p.selectBank(true, bank); err != nil {
		return 0, err
	}
	return p.readRaw(true, addr4)
}

// ReadAPFinal issues the trailing DP RDBUFF read needed to retrieve the
// value of the most recent pipelined AP read (spec.md §4.3).
func (p *Port) ReadAPFinal() (uint32, error) {
	if !p.lastAPReadPending {
		return 0, fmt.Errorf("dap: no pending AP read to flush via RDBUFF")
	}
	v, err := p.ReadDP("RDBUFF")
	p.lastAPReadPending = false
	return v, err
}

// WriteAP writes a 32-bit AP register at the given bank-local address.
func (p *Port) WriteAP(bank uint8, addr4 uint8, value uint32) error {
	if err := p.selectBank(true, bank); err != nil {
		return err
	}
	return p.writeRaw(true, addr4, value)
}

// ClearStickyErrors unconditionally clears all sticky ABORT bits, used when
// (re)establishing a connection (spec.md §4.4 step 4).
func (p *Port) ClearStickyErrors() error {
	return p.writeRaw(false, regABORT.addr4, abortSTKERRCLR|abortSTKCMPCLR|abortWDERRCLR|abortORUNERRCLR)
}
