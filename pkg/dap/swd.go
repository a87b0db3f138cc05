package dap

// This file implements the SWD wire frame described in spec.md §4.3/§6:
// an 8-bit request, a turnaround, a 3-bit ACK, 32 bits of data, a parity
// bit, and a final turnaround. It is pure bit-pattern encode/decode with no
// I/O; pkg/probe backends (or pkg/probe/sim for tests) drive the actual
// SWDIO/SWCLK lines through probe.RawSWD.

// buildRequest assembles the 8-bit SWD request header: start=1, APnDP, RnW,
// A[2:3], parity over (APnDP,RnW,A2,A3), stop=0, park=1. Bits are ordered
// LSB-first, matching transmission order on the wire.
func buildRequest(apndp, rnw bool, addr4 uint8) []bool {
	a2 := addr4&0x4 != 0
	a3 := addr4&0x8 != 0
	parity := xor(apndp, rnw, a2, a3)
	return []bool{
		true,   // start
		apndp,  // APnDP
		rnw,    // RnW
		a2,     // A[2]
		a3,     // A[3]
		parity, // parity
		false,  // stop
		true,   // park
	}
}

func xor(bits ...bool) bool {
	v := false
	for _, b := range bits {
		v = v != b
	}
	return v
}

// wordParity returns the even-parity bit for a 32-bit word (the bit that
// makes the total number of set bits, including itself, even).
func wordParity(v uint32) bool {
	p := false
	for i := 0; i < 32; i++ {
		if v&(1<<uint(i)) != 0 {
			p = !p
		}
	}
	return p
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

// ackFromBits decodes the 3-bit ACK field (LSB first, per spec.md §6:
// OK=0b001, WAIT=0b010, FAULT=0b100).
func ackFromBits(bits []bool) uint8 {
	var v uint8
	for i, b := range bits {
		if b {
			v |= 1 << uint(i)
		}
	}
	return v
}

func ackToBits(v uint8) []bool {
	return []bool{v&0x1 != 0, v&0x2 != 0, v&0x4 != 0}
}

// lineResetSequence is >=50 cycles of SWDIO=1 followed by >=2 idle cycles,
// per spec.md §4.4 step 1.
func lineResetSequence() (dir, swdio []bool) {
	n := 50 + 2
	dir = make([]bool, n)
	swdio = make([]bool, n)
	for i := 0; i < n; i++ {
		dir[i] = true
		if i < 50 {
			swdio[i] = true
		}
	}
	return dir, swdio
}

// jtagToSWDSequence drives the 16-bit 0xE79E magic that switches an
// already-connected JTAG TAP into SWD mode (spec.md §4.4 step 3).
func jtagToSWDSequence() (dir, swdio []bool) {
	return constantSequence(0xE79E, 16)
}

// swdToJTAGSequence drives the reverse 16-bit 0xE73C magic.
func swdToJTAGSequence() (dir, swdio []bool) {
	return constantSequence(0xE73C, 16)
}

func constantSequence(pattern uint32, bits int) (dir, swdio []bool) {
	dir = make([]bool, bits)
	swdio = make([]bool, bits)
	for i := 0; i < bits; i++ {
		dir[i] = true
		swdio[i] = pattern&(1<<uint(i)) != 0
	}
	return dir, swdio
}

// targetselHeader is the 8-bit request that opens a TARGETSEL packet: a DP
// write to address 0xC, the same byte buildRequest(false, false, 0xC)
// produces. A simulator or real backend tells the packet apart from an
// ordinary register transaction by its shape (8+32+1 host-driven bits with
// no turnaround or ACK phase), matching the real protocol's property that
// TARGETSEL is an "intentionally un-ACKed" raw sequence.
const targetselHeader = 0x99

// targetselSequence builds the un-ACKed TARGETSEL write: header byte +
// 32-bit target value + 1 parity bit, all host-driven (spec.md §4.3).
func targetselSequence(targetsel uint32) (dir, swdio []bool) {
	dir = make([]bool, 0, 8+32+1)
	swdio = make([]bool, 0, 8+32+1)
	for i := 0; i < 8; i++ {
		dir = append(dir, true)
		swdio = append(swdio, targetselHeader&(1<<uint(i)) != 0)
	}
	for i := 0; i < 32; i++ {
		dir = append(dir, true)
		swdio = append(swdio, targetsel&(1<<uint(i)) != 0)
	}
	dir = append(dir, true)
	swdio = append(swdio, wordParity(targetsel))
	return dir, swdio
}

// transactionFrame describes one DP/AP register transaction's dir/swdio
// pattern before it is sent, and where to find the ACK/data/parity bits in
// the sampled response.
type transactionFrame struct {
	dir, swdio   []bool
	ackAt        int
	dataAt       int
	parityAt     int
	turnaroundAt int
}

// buildTransaction lays out: request(8,out) / turnaround(1,in) / ack(3,in) /
// data(32, in for read else out) / parity(1, same direction as data) /
// turnaround(1,in), matching spec.md §6's SWD frame description.
func buildTransaction(apndp, rnw bool, addr4 uint8, writeValue uint32) transactionFrame {
	req := buildRequest(apndp, rnw, addr4)
	dir := make([]bool, 0, 46)
	swdio := make([]bool, 0, 46)

	dir = append(dir, true, true, true, true, true, true, true, true)
	swdio = append(swdio, req...)

	dir = append(dir, false) // turnaround
	swdio = append(swdio, false)

	ackAt := len(dir)
	dir = append(dir, false, false, false) // ACK sampled from target
	swdio = append(swdio, false, false, false)

	dataAt := len(dir)
	dataDir := rnw // read: target drives (input to host); write: host drives
	for i := 0; i < 32; i++ {
		dir = append(dir, dataDir)
	}
	var dataBits []bool
	if rnw {
		dataBits = make([]bool, 32)
	} else {
		dataBits = uint32ToBools(writeValue)
	}
	swdio = append(swdio, dataBits...)

	parityAt := len(dir)
	dir = append(dir, dataDir)
	if rnw {
		swdio = append(swdio, false)
	} else {
		swdio = append(swdio, wordParity(writeValue))
	}

	turnaroundAt := len(dir)
	dir = append(dir, false)
	swdio = append(swdio, false)

	return transactionFrame{
		dir: dir, swdio: swdio,
		ackAt: ackAt, dataAt: dataAt, parityAt: parityAt, turnaroundAt: turnaroundAt,
	}
}
