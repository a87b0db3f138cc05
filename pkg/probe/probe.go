// Package probe defines the wire-level contract every debug probe backend
// (CMSIS-DAP, Black Magic Probe, the built-in simulator) must satisfy: bit
// level SWD/JTAG primitives, speed and protocol selection, and reset control.
// Higher layers (pkg/dap and up) never speak USB or serial directly.
package probe

import "time"

// Protocol selects which wire protocol is active on the probe.
type Protocol int

const (
	ProtocolSWD Protocol = iota
	ProtocolJTAG
)

func (p Protocol) String() string {
	if p == ProtocolJTAG {
		return "JTAG"
	}
	return "SWD"
}

// Capability is a single negotiable probe feature.
type Capability int

const (
	CapSWD Capability = iota
	CapJTAG
	CapSWOUART
	CapSWOManchester
	CapSWOStreamingEndpoint
	CapAdaptiveClocking
	CapVendorADIv5Acceleration
)

// Capabilities is a bitset of features a backend reports supporting.
type Capabilities uint32

// Has reports whether the set includes the given capability.
func (c Capabilities) Has(cap Capability) bool {
	return c&(1<<uint(cap)) != 0
}

// With returns a copy of the set with the given capability added.
func (c Capabilities) With(cap Capability) Capabilities {
	return c | 1<<uint(cap)
}

// Info describes a probe's identity, as reported by the backend.
type Info struct {
	Name         string
	Vendor       string
	Model        string
	SerialNumber string
	Firmware     string
	MinFrequency int // Hz
	MaxFrequency int // Hz
}

// Probe is the capability-queried contract every backend implements. Backends
// additionally implement whichever of RawSWD/RawJTAG/SwoAccess their
// Capabilities() bitset advertises; a caller that needs an unavailable one
// must fail with CapabilityMissingError rather than type-asserting blindly.
type Probe interface {
	Info() (Info, error)
	Capabilities() Capabilities
	SelectProtocol(Protocol) error
	SetSpeedKHz(khz int) error
	TargetResetAssert() error
	TargetResetDeassert() error
	Close() error
}

// RawSWD provides bit-level SWDIO drive/sample. dir and swdio must be equal
// length; dir[i]==true drives bit i as output, false samples it as input.
// The returned slice holds the bits sampled during input cycles, in order.
type RawSWD interface {
	SwdIO(dir, swdio []bool) ([]bool, error)
}

// RawJTAG provides bit-level TMS/TDI shifts.
type RawJTAG interface {
	ShiftTMS(tms []bool, tdiConstant bool) error
	ShiftTDI(tmsConstant bool, tdi []bool) (tdo []bool, err error)
	ShiftBits(tms, tdi []bool, capture bool) (tdo []bool, err error)
}

// SwoAccess provides optional SWO trace capture.
type SwoAccess interface {
	SwoStart(baud uint32) error
	SwoStop() error
	SwoBufferSize() (int, error)
	SwoRead(timeout time.Duration) ([]byte, error)
}

// CapabilityMissingError is returned when a caller requests a feature the
// backend's Capabilities() bitset does not advertise.
type CapabilityMissingError struct {
	Capability Capability
}

func (e *CapabilityMissingError) Error() string {
	return "probe: capability not supported by this backend"
}
