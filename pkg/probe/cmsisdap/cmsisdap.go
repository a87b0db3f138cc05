package cmsisdap

import (
	"fmt"
	"sync"

	"github.com/opendap-project/godap/pkg/probe"
)

// Probe implements probe.Probe, probe.RawSWD, and probe.RawJTAG over a
// CMSIS-DAP compliant USB device, adapted from the teacher's
// jtag.CMSISDAPAdapter (JTAG-only) into a protocol-agnostic backend: SWD
// register transactions ride DAP_Transfer, SWD bit sequences (line reset,
// mode switch, TARGETSEL) ride DAP_SWJ_Sequence, and JTAG shifts keep the
// teacher's DAP_JTAG_Sequence-based implementation.
type Probe struct {
	transport *usbTransport

	info     probe.Info
	protocol probe.Protocol
	mu       sync.Mutex
}

// Open claims the CMSIS-DAP interface on the given USB device and queries
// its identity, without yet selecting a wire protocol.
func Open(vid, pid uint16) (*Probe, error) {
	t, err := newUSBTransport(vid, pid)
	if err != nil {
		return nil, err
	}

	p := &Probe{transport: t}
	if err := p.queryInfo(); err != nil {
		t.close()
		return nil, fmt.Errorf("cmsisdap: query info: %w", err)
	}
	return p, nil
}

func (p *Probe) queryInfo() error {
	fetch := func(id byte) string {
		resp, err := p.transport.writeRead(encodeInfo(id))
		if err != nil {
			return ""
		}
		s, _ := decodeInfoString(resp)
		return s
	}

	p.info = probe.Info{
		Name:         "CMSIS-DAP Probe",
		Vendor:       fetch(infoVendorID),
		Model:        fetch(infoProductID),
		SerialNumber: fetch(infoSerialNum),
		Firmware:     fetch(infoFirmwareVer),
		MinFrequency: 1_000,
		MaxFrequency: 10_000_000,
	}
	return nil
}

func (p *Probe) Info() (probe.Info, error) { return p.info, nil }

func (p *Probe) Capabilities() probe.Capabilities {
	var c probe.Capabilities
	return c.With(probe.CapSWD).With(probe.CapJTAG).With(probe.CapAdaptiveClocking)
}

func (p *Probe) SelectProtocol(proto probe.Protocol) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	port := byte(portSWD)
	if proto == probe.ProtocolJTAG {
		port = portJTAG
	}
	resp, err := p.transport.writeRead(encodeConnect(port))
	if err != nil {
		return fmt.Errorf("cmsisdap: DAP_Connect: %w", err)
	}
	got, err := decodeConnect(resp)
	if err != nil {
		return err
	}
	if (proto == probe.ProtocolJTAG && got != portJTAG) || (proto == probe.ProtocolSWD && got != portSWD) {
		return fmt.Errorf("cmsisdap: DAP_Connect returned port %d, wanted %v", got, proto)
	}
	p.protocol = proto
	return nil
}

func (p *Probe) SetSpeedKHz(khz int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hz := khz * 1000
	if hz < p.info.MinFrequency || hz > p.info.MaxFrequency {
		return fmt.Errorf("cmsisdap: %d Hz out of range [%d, %d]", hz, p.info.MinFrequency, p.info.MaxFrequency)
	}
	resp, err := p.transport.writeRead(encodeSetClock(uint32(hz)))
	if err != nil {
		return fmt.Errorf("cmsisdap: DAP_SWJ_Clock: %w", err)
	}
	return decodeSetClock(resp)
}

func (p *Probe) TargetResetAssert() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, err := p.transport.writeRead(encodeResetTarget())
	if err != nil {
		return fmt.Errorf("cmsisdap: DAP_ResetTarget: %w", err)
	}
	return decodeResetTarget(resp)
}

// TargetResetDeassert is a no-op: CMSIS-DAP's DAP_ResetTarget pulses and
// releases reset as a single operation, so there is nothing to deassert
// separately (the teacher's CMSISDAPAdapter.ResetTAP has the same shape).
func (p *Probe) TargetResetDeassert() error { return nil }

func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.transport.writeRead(encodeDisconnect())
	return p.transport.close()
}

// SwdIO implements probe.RawSWD. Register transactions (46 bits, matching
// pkg/dap/swd.go's buildTransaction layout) are issued as DAP_Transfer;
// everything else is a pure host-driven bit pattern and rides
// DAP_SWJ_Sequence.
func (p *Probe) SwdIO(dir, swdio []bool) ([]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(swdio) == 46 {
		return p.swdTransaction(swdio)
	}
	return p.swdRawSequence(dir, swdio)
}

func (p *Probe) swdRawSequence(dir, swdio []bool) ([]bool, error) {
	for _, d := range dir {
		if !d {
			return nil, fmt.Errorf("cmsisdap: SWJ sequences must be entirely host-driven")
		}
	}
	data := packBitsLSB(swdio)
	resp, err := p.transport.writeRead(encodeSWJSequence(len(swdio), data))
	if err != nil {
		return nil, fmt.Errorf("cmsisdap: DAP_SWJ_Sequence: %w", err)
	}
	if err := decodeSWJSequence(resp); err != nil {
		return nil, err
	}
	return make([]bool, len(swdio)), nil
}

// swdTransaction decodes the register-transaction layout produced by
// pkg/dap/swd.go's buildTransaction and reconstructs an equivalent response
// frame from a single DAP_Transfer call.
func (p *Probe) swdTransaction(swdio []bool) ([]bool, error) {
	req := swdio[0:8]
	apndp := req[1]
	rnw := req[2]
	var addr4 uint8
	if req[3] {
		addr4 |= 0x4
	}
	if req[4] {
		addr4 |= 0x8
	}

	var writeValue uint32
	if !rnw {
		writeValue = boolsToUint32(swdio[12:44])
	}

	resp, err := p.transport.writeRead(encodeTransfer(apndp, rnw, addr4, writeValue))
	if err != nil {
		return nil, fmt.Errorf("cmsisdap: DAP_Transfer: %w", err)
	}
	ack, data, err := decodeTransfer(resp, rnw)
	if err != nil {
		return nil, err
	}

	out := make([]bool, 46)
	copy(out[9:12], ackBits(ack))
	if ack == xferAckOK && rnw {
		copy(out[12:44], uint32ToBools(data))
		out[44] = wordParity(data)
	}
	return out, nil
}

func packBitsLSB(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func ackBits(ack uint8) []bool {
	return []bool{ack&0x1 != 0, ack&0x2 != 0, ack&0x4 != 0}
}

func boolsToUint32(bits []bool) uint32 {
	var v uint32
	for i, b := range bits {
		if b {
			v |= 1 << uint(i)
		}
	}
	return v
}

func uint32ToBools(v uint32) []bool {
	out := make([]bool, 32)
	for i := range out {
		out[i] = v&(1<<uint(i)) != 0
	}
	return out
}

func wordParity(v uint32) bool {
	p := false
	for i := 0; i < 32; i++ {
		if v&(1<<uint(i)) != 0 {
			p = !p
		}
	}
	return p
}

// ShiftTMS implements probe.RawJTAG, generalized from the teacher's
// CMSISDAPAdapter.shiftRegister TMS-segmenting logic.
func (p *Probe) ShiftTMS(tms []bool, tdiConstant bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tdi byte
	if tdiConstant {
		tdi = 0xFF
	}
	for offset := 0; offset < len(tms); offset += 64 {
		n := len(tms) - offset
		if n > 64 {
			n = 64
		}
		seg := tms[offset : offset+n]
		// A single CMSIS-DAP sequence carries one constant TMS value; split
		// further on TMS changes within the segment.
		pos := 0
		for pos < len(seg) {
			tmsVal := seg[pos]
			runLen := 1
			for pos+runLen < len(seg) && seg[pos+runLen] == tmsVal {
				runLen++
			}
			seq := newJTAGSequence(runLen, tmsVal, false, []byte{tdi})
			resp, err := p.transport.writeRead(encodeJTAGSequence([]jtagSequence{seq}))
			if err != nil {
				return fmt.Errorf("cmsisdap: DAP_JTAG_Sequence (TMS): %w", err)
			}
			if _, err := decodeJTAGSequence(resp, []jtagSequence{seq}); err != nil {
				return err
			}
			pos += runLen
		}
	}
	return nil
}

// ShiftTDI implements probe.RawJTAG for a constant-TMS data shift.
func (p *Probe) ShiftTDI(tmsConstant bool, tdi []bool) (tdo []bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shiftBitsLocked(tmsConstant, tdi, true)
}

// ShiftBits implements probe.RawJTAG for mixed per-bit TMS/TDI, splitting
// into CMSIS-DAP sequences on TMS transitions exactly as the teacher's
// CMSISDAPAdapter.buildSequences does.
func (p *Probe) ShiftBits(tms, tdi []bool, capture bool) (tdo []bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(tms) != len(tdi) {
		return nil, fmt.Errorf("cmsisdap: tms/tdi length mismatch")
	}

	out := make([]bool, 0, len(tdi))
	pos := 0
	for pos < len(tdi) {
		tmsVal := tms[pos]
		runLen := 1
		for pos+runLen < len(tdi) && runLen < 64 && tms[pos+runLen] == tmsVal {
			runLen++
		}
		chunk, err := p.shiftBitsLocked(tmsVal, tdi[pos:pos+runLen], capture)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		pos += runLen
	}
	return out, nil
}

func (p *Probe) shiftBitsLocked(tmsConstant bool, tdi []bool, capture bool) ([]bool, error) {
	out := make([]bool, 0, len(tdi))
	for offset := 0; offset < len(tdi); offset += 64 {
		n := len(tdi) - offset
		if n > 64 {
			n = 64
		}
		chunk := tdi[offset : offset+n]
		data := packBitsLSB(chunk)
		seq := newJTAGSequence(n, tmsConstant, capture, data)
		resp, err := p.transport.writeRead(encodeJTAGSequence([]jtagSequence{seq}))
		if err != nil {
			return nil, fmt.Errorf("cmsisdap: DAP_JTAG_Sequence: %w", err)
		}
		tdoSeqs, err := decodeJTAGSequence(resp, []jtagSequence{seq})
		if err != nil {
			return nil, err
		}
		if capture && len(tdoSeqs) == 1 {
			for i := 0; i < n; i++ {
				out = append(out, tdoSeqs[0][i/8]&(1<<uint(i%8)) != 0)
			}
		}
	}
	return out, nil
}

// ConfigureJTAGChain sets per-TAP IR lengths for subsequent JTAG shifts, a
// CMSIS-DAP-specific extension beyond probe.RawJTAG (teacher precedent:
// CMSISDAPAdapter.ConfigureJTAGChain).
func (p *Probe) ConfigureJTAGChain(irLengths []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw := make([]byte, len(irLengths))
	for i, n := range irLengths {
		raw[i] = byte(n)
	}
	resp, err := p.transport.writeRead(encodeJTAGConfigure(raw))
	if err != nil {
		return fmt.Errorf("cmsisdap: DAP_JTAG_Configure: %w", err)
	}
	return decodeJTAGConfigure(resp)
}

// ReadIDCODE reads one device's IDCODE directly from firmware, bypassing
// the TAP-driven DR scan (teacher precedent: CMSISDAPAdapter.ReadIDCODE).
func (p *Probe) ReadIDCODE(deviceIndex byte) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, err := p.transport.writeRead(encodeJTAGIDCODE(deviceIndex))
	if err != nil {
		return 0, fmt.Errorf("cmsisdap: DAP_JTAG_IDCODE: %w", err)
	}
	return decodeJTAGIDCODE(resp)
}
