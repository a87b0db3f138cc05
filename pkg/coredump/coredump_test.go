package coredump_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/opendap-project/godap/pkg/arm"
	"github.com/opendap-project/godap/pkg/arm/memory"
	"github.com/opendap-project/godap/pkg/core/cortexm"
	"github.com/opendap-project/godap/pkg/coredump"
	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/probe/sim"
	"github.com/opendap-project/godap/pkg/target"
)

func newHaltedCortexM(t *testing.T) (*cortexm.Core, *memory.Interface) {
	t.Helper()
	p := sim.New(sim.DefaultConfig())
	port := dap.NewPort(p)
	ap, err := arm.NewMemoryAP(port, dap.ApAddress{Dp: dap.DefaultDP, Select: 0})
	if err != nil {
		t.Fatalf("NewMemoryAP: %v", err)
	}
	mem := memory.New(ap)
	if err := mem.Write32(0xE000EDF0, 0xA05F0000|1<<17|1<<16|1<<0); err != nil {
		t.Fatalf("priming DHCSR: %v", err)
	}
	c := cortexm.New(mem)
	if err := c.Halt(context.Background()); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	return c, mem
}

func TestCaptureWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mem := newHaltedCortexM(t)

	if err := mem.WriteRaw(0x2000_0000, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("seeding memory: %v", err)
	}

	regs := []coredump.RegisterSet{{Name: "r0", RegID: 0}, {Name: "pc", RegID: 15}}
	ranges := []coredump.MemoryRange{{Start: 0x2000_0000, Data: make([]byte, 8)}}

	rec, err := coredump.Capture(ctx, c, "core0", target.ArmV7M, regs, mem, ranges)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(rec.Registers) != 2 {
		t.Fatalf("Registers = %v, want 2 entries", rec.Registers)
	}
	if len(rec.Memory) != 1 || len(rec.Memory[0].Data) != 8 {
		t.Fatalf("Memory = %+v, want one 8-byte range", rec.Memory)
	}

	var buf bytes.Buffer
	if err := coredump.Write(&buf, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := coredump.Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.CoreName != rec.CoreName || got.CoreType != rec.CoreType {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
	if !bytes.Equal(got.Memory[0].Data, rec.Memory[0].Data) {
		t.Fatalf("memory round trip mismatch: got %v, want %v", got.Memory[0].Data, rec.Memory[0].Data)
	}
	for id, v := range rec.Registers {
		if got.Registers[id] != v {
			t.Fatalf("register %d round trip mismatch: got %d, want %d", id, got.Registers[id], v)
		}
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	rec := coredump.Record{
		CoreName:  "core0",
		CoreType:  target.ArmV7M,
		Registers: map[uint32]uint64{0: 0xDEADBEEF},
	}
	data, err := coredump.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := coredump.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Registers[0] != 0xDEADBEEF {
		t.Fatalf("Registers[0] = %#x, want 0xDEADBEEF", got.Registers[0])
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	if _, err := coredump.Read(buf); err == nil {
		t.Fatal("expected Read to reject a non-coredump file")
	}
}

func TestReadRejectsUnsupportedVersion(t *testing.T) {
	rec := coredump.Record{CoreName: "core0"}
	data, err := coredump.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// Corrupt the version field (bytes 4..8, big-endian uint32) to a value
	// that will never match formatVersion.
	data[7] = 0xFF
	if _, err := coredump.Unmarshal(data); err == nil {
		t.Fatal("expected Unmarshal to reject an unsupported version")
	}
}
