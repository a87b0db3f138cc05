// Package core defines the architecture-neutral core control contract
// (spec.md §4.6) that pkg/core/cortexm, pkg/core/cortexa, pkg/core/riscv,
// and pkg/core/xtensa each implement.
package core

import "context"

// HaltReason classifies why a core is currently halted.
type HaltReason int

const (
	HaltReasonUnknown HaltReason = iota
	HaltReasonBreakpoint
	HaltReasonSemihosting
	HaltReasonExternal
	HaltReasonWatchpoint
	HaltReasonVectorCatch
	HaltReasonStep
)

func (r HaltReason) String() string {
	switch r {
	case HaltReasonBreakpoint:
		return "Breakpoint"
	case HaltReasonSemihosting:
		return "Semihosting"
	case HaltReasonExternal:
		return "External"
	case HaltReasonWatchpoint:
		return "Watchpoint"
	case HaltReasonVectorCatch:
		return "VectorCatch"
	case HaltReasonStep:
		return "Step"
	default:
		return "Unknown"
	}
}

// Status is a core's run state at one point in time.
type Status int

const (
	StatusRunning Status = iota
	StatusHalted
	StatusSleeping
	StatusLockedUp
)

func (s Status) String() string {
	switch s {
	case StatusHalted:
		return "Halted"
	case StatusSleeping:
		return "Sleeping"
	case StatusLockedUp:
		return "LockedUp"
	default:
		return "Running"
	}
}

// CoreInformation summarizes a halt event: the run status, and if halted,
// why and (for semihosting) the call number and parameter block pointer.
type CoreInformation struct {
	Status       Status
	HaltReason   HaltReason
	SemihostCall uint32
	SemihostArgs uint32
}

// Breakpoint is one hardware breakpoint unit's current programming.
type Breakpoint struct {
	UnitIndex int
	Address   uint64
	Enabled   bool
}

// InstructionSet names a core's current instruction encoding.
type InstructionSet int

const (
	InstructionSetUnknown InstructionSet = iota
	InstructionSetThumb
	InstructionSetARM
	InstructionSetRiscv
	InstructionSetXtensa
)

// Interface is the contract every architecture package implements, exactly
// as spec.md §4.6 names it.
type Interface interface {
	Halt(ctx context.Context) error
	Run(ctx context.Context) error
	Step(ctx context.Context) error
	Reset(ctx context.Context) error
	ResetAndHalt(ctx context.Context) error

	Status(ctx context.Context) (CoreInformation, error)

	ReadCoreReg(ctx context.Context, regID uint32) (uint64, error)
	WriteCoreReg(ctx context.Context, regID uint32, value uint64) error

	SetHardwareBreakpoint(ctx context.Context, unit int, addr uint64) error
	ClearHardwareBreakpoint(ctx context.Context, unit int) error
	HardwareBreakpoints(ctx context.Context) ([]Breakpoint, error)
	AvailableHardwareBreakpoints(ctx context.Context) (int, error)

	WaitForCoreHalted(ctx context.Context) error

	InstructionSet(ctx context.Context) (InstructionSet, error)
	FpuSupport(ctx context.Context) (bool, error)
	FloatingPointRegisterCount(ctx context.Context) (int, error)

	ResetCatchSet(ctx context.Context) error
	ResetCatchClear(ctx context.Context) error
	DebugCoreStop(ctx context.Context) error
	EnableVectorCatch(ctx context.Context, enabled bool) error
}
