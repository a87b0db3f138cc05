package tap

import (
	"fmt"

	"github.com/opendap-project/godap/pkg/idcode"
)

// ShiftFunc drives bits = len(tms) clocks through the adapter, returning the
// captured TDO bits. It is the single point where this package touches a
// physical or simulated transport, mirroring how the teacher's chain
// controller isolated adapter I/O behind a small transport type.
type ShiftFunc func(tms, tdi []bool, bits int) (tdo []bool, err error)

// Tap describes one TAP in a scan chain.
type Tap struct {
	IRLength int
	IDCode   uint32
}

// Decode parses IDCode into its IEEE 1149.1 fields and looks up the JEP106
// manufacturer named by its bits [11:1]. A zero IDCode (not yet read, or a
// BYPASS-only TAP) decodes to the zero IDCode with HasIDCode false.
func (t Tap) Decode() (idcode.IDCode, idcode.Manufacturer) {
	id := idcode.ParseIDCode(t.IDCode)
	m, _ := idcode.LookupManufacturer(id.ManufacturerCode)
	return id, m
}

// Chain is the ordered list of JTAG TAPs between TDI and TDO, plus the
// prescan/postscan bit counts needed to address one TAP while leaving the
// others in BYPASS.
type Chain struct {
	Taps     []Tap
	selected int
	shift    ShiftFunc
	idle     int
}

// NewChain wraps a believed-verbatim chain descriptor (IR lengths only; an
// IDCODE of zero means "unknown/not yet read").
func NewChain(shift ShiftFunc, irLengths []int) *Chain {
	taps := make([]Tap, len(irLengths))
	for i, n := range irLengths {
		taps[i] = Tap{IRLength: n}
	}
	return &Chain{Taps: taps, shift: shift}
}

// SetIdleCycles configures the number of Run-Test/Idle cycles inserted after
// each DR write; RISC-V DMI targets typically require a handful.
func (c *Chain) SetIdleCycles(n int) {
	c.idle = n
}

// SelectTAP designates which TAP subsequent IR/DR shifts address. It is
// idempotent: calling it repeatedly with the same index is a no-op beyond
// recomputing prescan/postscan, which is cheap and side-effect free.
func (c *Chain) SelectTAP(i int) error {
	if i < 0 || i >= len(c.Taps) {
		return fmt.Errorf("tap: tap index %d out of range [0,%d)", i, len(c.Taps))
	}
	c.selected = i
	return nil
}

// Selected returns the currently addressed TAP index.
func (c *Chain) Selected() int {
	return c.selected
}

// PrescanBits is the number of BYPASS bits (one per TAP) that precede the
// selected TAP's data in an IR or DR shift.
func (c *Chain) PrescanBits(domain Domain) int {
	n := 0
	for i := 0; i < c.selected; i++ {
		n += c.taplen(i, domain)
	}
	return n
}

// PostscanBits is the number of BYPASS bits that follow the selected TAP's
// data.
func (c *Chain) PostscanBits(domain Domain) int {
	n := 0
	for i := c.selected + 1; i < len(c.Taps); i++ {
		n += c.taplen(i, domain)
	}
	return n
}

func (c *Chain) taplen(i int, domain Domain) int {
	if domain == DomainIR {
		return c.Taps[i].IRLength
	}
	return 1 // every TAP contributes exactly one BYPASS bit to a DR scan
}

// Domain distinguishes instruction-register from data-register shifts.
type Domain uint8

const (
	DomainDR Domain = iota
	DomainIR
)

// ShiftSelectedIR shifts irBits of instruction data into the selected TAP,
// padding with all-ones BYPASS instructions (all-ones is always a legal
// opcode width filler; every IEEE 1149.1 device's BYPASS encoding is
// all-ones) for every other TAP in the chain.
func (c *Chain) ShiftSelectedIR(data []bool) ([]bool, error) {
	pre := c.PrescanBits(DomainIR)
	post := c.PostscanBits(DomainIR)
	tdi := make([]bool, pre+len(data)+post)
	for i := range tdi[:pre] {
		tdi[i] = true
	}
	copy(tdi[pre:pre+len(data)], data)
	for i := pre + len(data); i < len(tdi); i++ {
		tdi[i] = true
	}
	tms := make([]bool, len(tdi))
	tms[len(tms)-1] = true // exit Shift-IR after the final bit
	tdo, err := c.shift(tms, tdi, len(tdi))
	if err != nil {
		return nil, err
	}
	return tdo[pre : pre+len(data)], nil
}

// ShiftSelectedDR shifts data through the selected TAP's data register,
// padding with one BYPASS passthrough bit per other TAP. If idle cycles are
// configured (SetIdleCycles), the state machine is walked through
// Update-DR into Run-Test/Idle and held there for that many extra clocks
// before returning, as RISC-V DMI access requires.
func (c *Chain) ShiftSelectedDR(data []bool) ([]bool, error) {
	pre := c.PrescanBits(DomainDR)
	post := c.PostscanBits(DomainDR)
	shiftLen := pre + len(data) + post
	total := shiftLen
	if c.idle > 0 {
		total += 1 + c.idle // Update-DR, then N cycles in Run-Test/Idle
	}

	tdi := make([]bool, total)
	copy(tdi[pre:pre+len(data)], data)
	tms := make([]bool, total)
	tms[shiftLen-1] = true // Exit1-DR after the final shifted bit
	if c.idle > 0 {
		tms[shiftLen] = true // Exit1-DR -> Update-DR
		// remaining bits default false: Update-DR -> Run-Test/Idle, then idle
	}

	tdo, err := c.shift(tms, tdi, total)
	if err != nil {
		return nil, err
	}
	return tdo[pre : pre+len(data)], nil
}

// DiscoverChain builds a Chain when no chain descriptor was supplied. It
// shifts maxTaps*32 bits through the DR path and reads consecutive 32-bit
// IDCODEs to count TAPs. IR lengths are not measured: no IR scan is made,
// every discovered TAP gets the IEEE-minimum 2-bit IR, and Configure sets
// the real lengths. This mirrors the
// teacher's BSDL-chain discovery (read IDCODEs, look each one up) but here
// the "lookup" is a bare device count rather than a BSDL file.
func DiscoverChain(shift ShiftFunc, maxTaps int) (*Chain, error) {
	if maxTaps <= 0 {
		return nil, fmt.Errorf("tap: maxTaps must be positive")
	}

	// Count devices via IDCODE: after TAP reset, the default DR-scan path is
	// IDCODE (or BYPASS for devices without one); shift maxTaps*32 bits of
	// all-zero TDI and stop at the first all-zero or all-ones IDCODE to
	// bound the real count.
	bits := maxTaps * 32
	tdi := make([]bool, bits)
	tms := make([]bool, bits)
	tms[bits-1] = true
	tdo, err := shift(tms, tdi, bits)
	if err != nil {
		return nil, fmt.Errorf("tap: idcode scan failed: %w", err)
	}

	var ids []uint32
	for i := 0; i+32 <= len(tdo); i += 32 {
		ids = append(ids, bitsToUint32(tdo[i:i+32]))
	}

	n := 0
	for _, id := range ids {
		if id == 0 || id == 0xFFFFFFFF {
			break
		}
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("tap: no responsive TAPs found on scan chain")
	}

	taps := make([]Tap, n)
	for i := 0; i < n; i++ {
		taps[i] = Tap{IRLength: 0, IDCode: ids[i]}
	}

	// IR lengths are not measured here (no IR scan is made); prescan and
	// postscan are built from the default below until Configure replaces it.
	total := 0
	for i := range taps {
		// Default to the IEEE-minimum 2-bit IR; callers
		// with real hardware override via Configure once BSDL/vendor data
		// is available.
		taps[i].IRLength = 2
		total += taps[i].IRLength
	}
	_ = total

	return &Chain{Taps: taps, shift: shift}, nil
}

// Configure overrides IR lengths once they are known from vendor data,
// without re-running discovery.
func (c *Chain) Configure(irLengths []int) error {
	if len(irLengths) != len(c.Taps) {
		return fmt.Errorf("tap: configure: got %d IR lengths, chain has %d taps", len(irLengths), len(c.Taps))
	}
	for i, n := range irLengths {
		c.Taps[i].IRLength = n
	}
	return nil
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
