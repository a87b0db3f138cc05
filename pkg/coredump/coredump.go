// Package coredump persists a snapshot of one halted core — its registers,
// selected memory ranges, and enough architecture metadata to interpret
// them later without a live probe attached (spec.md §6). The file is a
// small fixed magic/version header followed by a gob-encoded Record: a
// self-delimiting, versioned envelope in the spirit of the rest of this
// stack's small versioned parsers, without inventing a bespoke wire format.
package coredump

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/target"
)

var magic = [4]byte{'G', 'D', 'C', 'D'}

// formatVersion is bumped whenever Record's shape changes in a way that
// breaks gob's built-in field-compatibility rules (field removal/retyping).
const formatVersion uint32 = 1

// MemoryRange is one captured span of target memory.
type MemoryRange struct {
	Start uint64
	Data  []byte
}

// Record is the complete contents of one core-dump file: register state,
// captured memory, and the architecture metadata needed to make sense of
// both without reattaching to the target (spec.md §6).
type Record struct {
	CoreName string
	CoreType target.CoreType

	Registers map[uint32]uint64
	Memory    []MemoryRange

	InstructionSet             core.InstructionSet
	FpuSupport                 bool
	FloatingPointRegisterCount int
	SupportsNative64BitAccess  bool
}

// MemoryReader is the subset of arm/memory.Interface (or an equivalent
// JTAG-backed reader) Capture needs to pull memory ranges.
type MemoryReader interface {
	ReadRaw(addr uint32, length int) ([]byte, error)
}

// RegisterSet names one register to capture; RegID matches the regID
// argument core.Interface.ReadCoreReg takes, so callers can reuse whatever
// per-architecture register numbering they already have (e.g.
// pkg/core/cortexm's core register indices).
type RegisterSet struct {
	Name  string
	RegID uint32
}

// Capture reads every register in regs and every range in ranges from a
// halted core and assembles a Record. The caller is responsible for having
// halted the core first; Capture does not check core.Interface.Status
// itself, since some callers (e.g. re-dumping after a crash was already
// classified) have already done so.
func Capture(ctx context.Context, c core.Interface, coreName string, coreType target.CoreType, regs []RegisterSet, mem MemoryReader, ranges []MemoryRange) (Record, error) {
	rec := Record{
		CoreName:  coreName,
		CoreType:  coreType,
		Registers: make(map[uint32]uint64, len(regs)),
		// Only ARMv8-A's external debug interface defines a native 64-bit
		// memory access path (DBGDTRRX/TX pairing aside); every other
		// architecture this package knows about is 32-bit-word native.
		SupportsNative64BitAccess: coreType == target.ArmV8A,
	}

	for _, r := range regs {
		v, err := c.ReadCoreReg(ctx, r.RegID)
		if err != nil {
			return Record{}, fmt.Errorf("coredump: Capture: reading register %q: %w", r.Name, err)
		}
		rec.Registers[r.RegID] = v
	}

	for _, rng := range ranges {
		data, err := mem.ReadRaw(uint32(rng.Start), len(rng.Data))
		if err != nil {
			return Record{}, fmt.Errorf("coredump: Capture: reading 0x%X: %w", rng.Start, err)
		}
		rec.Memory = append(rec.Memory, MemoryRange{Start: rng.Start, Data: data})
	}

	iset, err := c.InstructionSet(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("coredump: Capture: reading instruction set: %w", err)
	}
	rec.InstructionSet = iset

	fpu, err := c.FpuSupport(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("coredump: Capture: reading FPU support: %w", err)
	}
	rec.FpuSupport = fpu

	n, err := c.FloatingPointRegisterCount(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("coredump: Capture: reading FP register count: %w", err)
	}
	rec.FloatingPointRegisterCount = n

	return rec, nil
}

// Write encodes rec as magic + version + gob body to w.
func Write(w io.Writer, rec Record) error {
	if err := binary.Write(w, binary.BigEndian, magic); err != nil {
		return fmt.Errorf("coredump: Write: magic: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, formatVersion); err != nil {
		return fmt.Errorf("coredump: Write: version: %w", err)
	}
	if err := gob.NewEncoder(w).Encode(&rec); err != nil {
		return fmt.Errorf("coredump: Write: encoding record: %w", err)
	}
	return nil
}

// Read validates the header and decodes the gob body from r.
func Read(r io.Reader) (Record, error) {
	var gotMagic [4]byte
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return Record{}, fmt.Errorf("coredump: Read: magic: %w", err)
	}
	if gotMagic != magic {
		return Record{}, fmt.Errorf("coredump: Read: not a coredump file (magic %q)", gotMagic)
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return Record{}, fmt.Errorf("coredump: Read: version: %w", err)
	}
	if version != formatVersion {
		return Record{}, fmt.Errorf("coredump: Read: unsupported format version %d (expected %d)", version, formatVersion)
	}

	var rec Record
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("coredump: Read: decoding record: %w", err)
	}
	return rec, nil
}

// Marshal is a convenience wrapper around Write for callers that want the
// encoded bytes directly (e.g. to hand to an object-storage client).
func Marshal(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal is the counterpart to Marshal.
func Unmarshal(data []byte) (Record, error) {
	return Read(bytes.NewReader(data))
}
