package riscv_test

import (
	"context"
	"testing"

	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/core/riscv"
	"github.com/opendap-project/godap/pkg/tap"
)

// fakeDebugModule models just enough of the RISC-V Debug Module's JTAG DTM
// to exercise pkg/core/riscv without real hardware: a single TAP whose IR
// selects either DTMCS (read-only, fixed abits) or DMI. Writes apply
// immediately; reads latch into lastRead and are reported on the NEXT scan,
// mirroring the one-scan-behind pipeline real silicon uses, since
// riscv.Core always issues a confirming no-op scan to retrieve a read's
// result.
type fakeDebugModule struct {
	abits    int
	ir       uint32
	regs     map[uint32]uint32
	lastRead uint32
}

const (
	dmDmcontrol  = 0x10
	dmDmstatus   = 0x11
	dmAbstractcs = 0x16
	dmCommand    = 0x17
	dmData0      = 0x04

	dmcontrolHaltreq   = 1 << 31
	dmcontrolResumereq = 1 << 30
	dmstatusAllhalted    = 1 << 9
	dmstatusAnyhalted    = 1 << 8
	dmstatusAllresumeack = 1 << 17
	dmstatusAnyresumeack = 1 << 16

	gprRegnoBase = 0x1000
	cmdTransfer  = 1 << 17
	cmdWrite     = 1 << 16
)

func newFakeDebugModule(abits int) *fakeDebugModule {
	return &fakeDebugModule{abits: abits, regs: map[uint32]uint32{}}
}

func (f *fakeDebugModule) shift(tms, tdi []bool, bits int) ([]bool, error) {
	switch bits {
	case 5: // IR shift
		f.ir = bitsToUint32(tdi)
		return make([]bool, bits), nil
	case 32: // DTMCS DR shift (this fake never selects DMI with a 32-bit width)
		dtmcs := uint32(f.abits&0x3F) << 4
		return uint32ToBits(dtmcs, 32), nil
	default: // DMI DR shift: op(2) + data(32) + addr(abits)
		op := uint8(bitsToUint32(tdi[0:2]))
		data := bitsToUint32(tdi[2:34])
		addr := bitsToUint32(tdi[34:])

		const opRead, opWrite = 1, 2
		switch op {
		case opWrite:
			f.write(addr, data)
		case opRead:
			f.lastRead = f.read(addr)
		}
		// Real silicon reports the PREVIOUS transaction's result on every
		// scan, including confirming no-op scans. f.lastRead plays that
		// role here so a caller's follow-up nop scan still observes it.
		resp := make([]bool, bits)
		copy(resp[0:2], uint32ToBits(0, 2)) // op=success
		copy(resp[2:34], uint32ToBits(f.lastRead, 32))
		return resp, nil
	}
}

func (f *fakeDebugModule) write(addr, value uint32) {
	f.regs[addr] = value
	switch addr {
	case dmDmcontrol:
		switch {
		case value&dmcontrolHaltreq != 0:
			f.regs[dmDmstatus] = dmstatusAllhalted | dmstatusAnyhalted
		case value&dmcontrolResumereq != 0:
			f.regs[dmDmstatus] = dmstatusAllresumeack | dmstatusAnyresumeack
		}
	case dmCommand:
		regno := value & 0xFFFF
		if value&cmdTransfer == 0 {
			return
		}
		if value&cmdWrite != 0 {
			f.regs[regno] = f.regs[dmData0]
		} else {
			f.regs[dmData0] = f.regs[regno]
		}
	}
}

func (f *fakeDebugModule) read(addr uint32) uint32 { return f.regs[addr] }

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

func newCore(t *testing.T) (*fakeDebugModule, *riscv.Core) {
	t.Helper()
	dm := newFakeDebugModule(7)
	chain := tap.NewChain(dm.shift, []int{5})
	c, err := riscv.New(chain, 0)
	if err != nil {
		t.Fatalf("riscv.New: %v", err)
	}
	return dm, c
}

func TestHaltReportsHalted(t *testing.T) {
	dm, c := newCore(t)
	if err := c.Halt(context.Background()); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if dm.regs[dmDmstatus]&dmstatusAllhalted == 0 {
		t.Fatal("dmstatus.allhalted not set after Halt")
	}
}

func TestRunClearsHaltedAndAcksResume(t *testing.T) {
	_, c := newCore(t)
	ctx := context.Background()
	if err := c.Halt(ctx); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	info, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Status != core.StatusRunning {
		t.Fatalf("status = %v, want Running", info.Status)
	}
}

func TestReadWriteCoreReg(t *testing.T) {
	_, c := newCore(t)
	ctx := context.Background()
	if err := c.WriteCoreReg(ctx, 10, 0xDEADBEEF); err != nil { // x10/a0
		t.Fatalf("WriteCoreReg: %v", err)
	}
	v, err := c.ReadCoreReg(ctx, 10)
	if err != nil {
		t.Fatalf("ReadCoreReg: %v", err)
	}
	if v != 0xDEADBEEF {
		t.Fatalf("got 0x%X, want 0xDEADBEEF", v)
	}
}
