// Package cortexm implements core.Interface for ARMv6-M/v7-M/v7E-M/v8-M
// cores through the fixed-address Cortex-M System Control Space registers
// (spec.md §4.6.1).
package cortexm

// System Control Space register addresses (spec.md §4.6.1).
const (
	addrDHCSR = 0xE000EDF0
	addrDCRSR = 0xE000EDF4
	addrDCRDR = 0xE000EDF8
	addrDEMCR = 0xE000EDFC
	addrAIRCR = 0xE000ED0C
	addrDFSR  = 0xE000ED30

	addrFPCTRL = 0xE0002000
	addrFPCOMP0 = 0xE0002008
)

// DHCSR bits.
const (
	dhcsrDebugKey = 0xA05F << 16

	dhcsrCDebugEn   = 1 << 0
	dhcsrCHalt      = 1 << 1
	dhcsrCStep      = 1 << 2
	dhcsrCMaskInts  = 1 << 3
	dhcsrSRegRdy    = 1 << 16
	dhcsrSHalt      = 1 << 17
	dhcsrSSleep     = 1 << 18
	dhcsrSLockup    = 1 << 19
	dhcsrSRetireSt  = 1 << 24
	dhcsrSResetSt   = 1 << 25
)

// DCRSR bits.
const (
	dcrsrRegWnR = 1 << 16
	dcrsrRegSelMask = 0x7F
)

// DEMCR bits.
const (
	demcrVCCoreReset = 1 << 0
	demcrVCHarderr   = 1 << 10
	demcrMonEn       = 1 << 16
	demcrTrcEna      = 1 << 24
)

// AIRCR bits.
const (
	aircrVectKeyWrite = 0x05FA << 16
	aircrVectKeyStatMask = 0xFFFF << 16
	aircrSysResetReq  = 1 << 2
)

// DFSR bits (all W1C).
const (
	dfsrHalted  = 1 << 0
	dfsrBkpt    = 1 << 1
	dfsrDwttrap = 1 << 2
	dfsrVcatch  = 1 << 3
	dfsrExternal = 1 << 4
)

// FP_CTRL bits.
const (
	fpCtrlEnable = 1 << 0
	fpCtrlKey    = 1 << 1
)

func fpNumCode(ctrl uint32) int {
	low3 := int((ctrl >> 12) & 0x7)
	msb := int((ctrl >> 3) & 0x1)
	return (msb << 3) | low3
}

func fpRev(ctrl uint32) int {
	return int((ctrl >> 28) & 0xF)
}
