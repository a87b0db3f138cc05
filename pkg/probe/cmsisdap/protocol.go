package cmsisdap

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP command IDs (generalized from the teacher's JTAG-only subset to
// add DAP_Transfer and DAP_SWJ_Sequence for SWD support).
const (
	cmdInfo          = 0x00
	cmdConnect       = 0x02
	cmdDisconnect    = 0x03
	cmdResetTarget   = 0x0A
	cmdSWJClock      = 0x11
	cmdSWJSequence   = 0x12
	cmdTransfer      = 0x05
	cmdJTAGSequence  = 0x14
	cmdJTAGConfigure = 0x15
	cmdJTAGIDCODE    = 0x16
)

const (
	infoVendorID    = 0x01
	infoProductID   = 0x02
	infoSerialNum   = 0x03
	infoFirmwareVer = 0x04
)

const (
	portDefault = 0
	portSWD     = 1
	portJTAG    = 2
)

const statusOK = 0x00

// transfer request byte fields (DAP_Transfer, CMSIS-DAP spec §7.2.4).
const (
	xferAPnDP = 1 << 0
	xferRnW   = 1 << 1
	xferA2    = 1 << 2
	xferA3    = 1 << 3
)

// transfer response ACK field (bits [2:0] of the per-transfer status byte).
const (
	xferAckOK    = 0b001
	xferAckWait  = 0b010
	xferAckFault = 0b100
)

func encodeInfo(id byte) []byte { return []byte{cmdInfo, id} }

func decodeInfoString(resp []byte) (string, error) {
	if len(resp) < 2 || resp[0] != cmdInfo {
		return "", fmt.Errorf("cmsisdap: malformed DAP_Info response")
	}
	n := int(resp[1])
	if len(resp) < 2+n {
		return "", fmt.Errorf("cmsisdap: truncated DAP_Info response")
	}
	return string(resp[2 : 2+n]), nil
}

func encodeConnect(port byte) []byte { return []byte{cmdConnect, port} }

func decodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 || resp[0] != cmdConnect {
		return 0, fmt.Errorf("cmsisdap: malformed DAP_Connect response")
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("cmsisdap: DAP_Connect failed")
	}
	return resp[1], nil
}

func encodeDisconnect() []byte { return []byte{cmdDisconnect} }

func encodeResetTarget() []byte { return []byte{cmdResetTarget} }

func decodeResetTarget(resp []byte) error {
	if len(resp) < 2 || resp[0] != cmdResetTarget || resp[1] != statusOK {
		return fmt.Errorf("cmsisdap: DAP_ResetTarget failed")
	}
	return nil
}

func encodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = cmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

func decodeSetClock(resp []byte) error {
	if len(resp) < 2 || resp[0] != cmdSWJClock || resp[1] != statusOK {
		return fmt.Errorf("cmsisdap: DAP_SWJ_Clock failed")
	}
	return nil
}

// encodeSWJSequence builds a raw, host-driven SWJ bit sequence. bits must
// already be packed LSB-first into data; count is the number of clocked
// bits (1-256 in a single command).
func encodeSWJSequence(count int, data []byte) []byte {
	cmd := make([]byte, 2+len(data))
	cmd[0] = cmdSWJSequence
	cmd[1] = byte(count)
	copy(cmd[2:], data)
	return cmd
}

func decodeSWJSequence(resp []byte) error {
	if len(resp) < 2 || resp[0] != cmdSWJSequence || resp[1] != statusOK {
		return fmt.Errorf("cmsisdap: DAP_SWJ_Sequence failed")
	}
	return nil
}

// encodeTransfer builds a single-transfer DAP_Transfer command targeting
// DAP index 0 (the only DP on a CMSIS-DAP v1/v2 link).
func encodeTransfer(apndp, rnw bool, addr4 uint8, writeValue uint32) []byte {
	req := byte(0)
	if apndp {
		req |= xferAPnDP
	}
	if rnw {
		req |= xferRnW
	}
	if addr4&0x4 != 0 {
		req |= xferA2
	}
	if addr4&0x8 != 0 {
		req |= xferA3
	}

	if rnw {
		return []byte{cmdTransfer, 0x00, 0x01, req}
	}
	cmd := make([]byte, 8)
	cmd[0] = cmdTransfer
	cmd[1] = 0x00
	cmd[2] = 0x01
	cmd[3] = req
	binary.LittleEndian.PutUint32(cmd[4:], writeValue)
	return cmd
}

// decodeTransfer parses a DAP_Transfer response for the single-transfer
// commands encodeTransfer produces: [cmd][count][ack/status][data(4, reads only)].
func decodeTransfer(resp []byte, rnw bool) (ack uint8, data uint32, err error) {
	if len(resp) < 3 || resp[0] != cmdTransfer {
		return 0, 0, fmt.Errorf("cmsisdap: malformed DAP_Transfer response")
	}
	status := resp[2]
	ack = status & 0x7
	if status&0x08 != 0 {
		return ack, 0, fmt.Errorf("cmsisdap: DAP_Transfer reported protocol error")
	}
	if ack != xferAckOK {
		return ack, 0, nil
	}
	if rnw {
		if len(resp) < 7 {
			return ack, 0, fmt.Errorf("cmsisdap: truncated DAP_Transfer read data")
		}
		data = binary.LittleEndian.Uint32(resp[3:7])
	}
	return ack, data, nil
}

func encodeJTAGConfigure(irLengths []byte) []byte {
	cmd := make([]byte, 2+len(irLengths))
	cmd[0] = cmdJTAGConfigure
	cmd[1] = byte(len(irLengths))
	copy(cmd[2:], irLengths)
	return cmd
}

func decodeJTAGConfigure(resp []byte) error {
	if len(resp) < 2 || resp[0] != cmdJTAGConfigure || resp[1] != statusOK {
		return fmt.Errorf("cmsisdap: DAP_JTAG_Configure failed")
	}
	return nil
}

func encodeJTAGIDCODE(deviceIndex byte) []byte {
	return []byte{cmdJTAGIDCODE, deviceIndex}
}

func decodeJTAGIDCODE(resp []byte) (uint32, error) {
	if len(resp) < 6 || resp[0] != cmdJTAGIDCODE || resp[1] != statusOK {
		return 0, fmt.Errorf("cmsisdap: DAP_JTAG_IDCODE failed")
	}
	return binary.LittleEndian.Uint32(resp[2:6]), nil
}

// jtagSeqTCKMask / jtagSeqTMS / jtagSeqTDO mirror the teacher's
// JTAGSeqTCKMask/JTAGSeqTMS/JTAGSeqTDO sequence-info bit layout.
const (
	jtagSeqTCKMask = 0x3F
	jtagSeqTMS     = 0x40
	jtagSeqTDO     = 0x80
)

type jtagSequence struct {
	info byte
	tdi  []byte
}

func newJTAGSequence(tckCount int, tms, captureTDO bool, tdi []byte) jtagSequence {
	info := byte(tckCount & jtagSeqTCKMask)
	if tms {
		info |= jtagSeqTMS
	}
	if captureTDO {
		info |= jtagSeqTDO
	}
	return jtagSequence{info: info, tdi: tdi}
}

func (s jtagSequence) captureTDO() bool { return s.info&jtagSeqTDO != 0 }

func encodeJTAGSequence(seqs []jtagSequence) []byte {
	size := 2
	for _, s := range seqs {
		size += 1 + len(s.tdi)
	}
	cmd := make([]byte, size)
	cmd[0] = cmdJTAGSequence
	cmd[1] = byte(len(seqs))
	offset := 2
	for _, s := range seqs {
		cmd[offset] = s.info
		offset++
		copy(cmd[offset:], s.tdi)
		offset += len(s.tdi)
	}
	return cmd
}

func decodeJTAGSequence(resp []byte, seqs []jtagSequence) ([][]byte, error) {
	if len(resp) < 2 || resp[0] != cmdJTAGSequence || resp[1] != statusOK {
		return nil, fmt.Errorf("cmsisdap: DAP_JTAG_Sequence failed")
	}
	var out [][]byte
	offset := 2
	for _, s := range seqs {
		if !s.captureTDO() {
			continue
		}
		n := len(s.tdi)
		if offset+n > len(resp) {
			return nil, fmt.Errorf("cmsisdap: truncated DAP_JTAG_Sequence TDO data")
		}
		out = append(out, resp[offset:offset+n])
		offset += n
	}
	return out, nil
}
