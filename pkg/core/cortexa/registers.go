// Package cortexa implements core.Interface for ARMv7-A/v8-A cores, whose
// debug registers live at a relocatable debug_base (and, for v8, a separate
// cti_base) inside the AP's memory window rather than at SCS's fixed
// addresses (spec.md §4.6.2).
package cortexa

// Variant distinguishes the v7-A register set (direct DBGDRCR halt/resume)
// from v8-A (CTI-mediated halt/resume).
type Variant int

const (
	VariantV7 Variant = iota
	VariantV8
)

// Debug register offsets from debug_base, common to v7-A and v8-A external
// debug views (spec.md §4.6.2).
const (
	offDBGDTRRX = 0x080
	offDBGDSCR  = 0x088 // EDSCR on v8
	offDBGDTRTX = 0x08C
	offDBGDRCR  = 0x090 // EDRCR on v8; unused directly on v8 (CTI-mediated)

	offDBGBVR0 = 0x400
	offDBGBCR0 = 0x408
	bpRegSpan  = 0x10 // BVR/BCR pairs are interleaved in 16-byte groups per unit

	offDBGOSLAR = 0x300 // OS Lock Access Register
	offDBGPRSR  = 0x314 // Powerdown/reset status

	offDBGAUTHSTATUS = 0xFB8
)

// DBGDSCR/EDSCR bits.
const (
	dscrHDBGEn = 1 << 14 // HDBGEN (v7) / the equivalent enable on v8 views we model the same way
	dscrHDE    = 1 << 14 // EDSCR.HDE (v8); same bit position in this simplified model
	dscrHalted = 1 << 0  // external "core halted" status bit in this model
	dscrMoeShift = 2
	dscrMoeMask  = 0xF
)

// Method-of-entry codes in DBGDSCR/EDSCR, approximating the ARM architecture
// reference's MOE field closely enough to classify the worked scenarios
// (spec.md §4.6): breakpoint, watchpoint, external request, vector catch.
const (
	moeBreakpoint = 0x1
	moeWatchpoint = 0x2
	moeBkptInstr  = 0x3
	moeExternal   = 0x4
	moeVectorCatch = 0x5
)

// DBGDRCR / EDRCR bits (v7-A direct halt/resume path).
const (
	drcrHRQ = 1 << 0 // halt request
	drcrRRQ = 1 << 1 // restart request
)

// DBGBCR bits: breakpoint enable and "match on any/linked" control.
const (
	bcrEnable  = 1 << 0
	bcrByteSel = 0xF << 5 // match full word by default (all four byte lanes)
)
