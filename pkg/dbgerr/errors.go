// Package dbgerr collects the error sentinels and typed errors shared across
// the debug-access stack (spec.md §7). Every layer wraps into these with
// fmt.Errorf("...: %w", ...) rather than inventing its own hierarchy, so a
// caller can errors.Is/errors.As regardless of which layer failed.
package dbgerr

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced verbatim to callers; see spec.md §7's table.
var (
	ErrCoreNotHalted       = errors.New("dbgerr: core is not halted")
	ErrNotImplemented      = errors.New("dbgerr: not implemented for this target")
	ErrMissingPermissions  = errors.New("dbgerr: missing permission")
	ErrChipNotFound        = errors.New("dbgerr: chip not found")
	ErrTimeout             = errors.New("dbgerr: timeout")
	ErrReAttachRequired    = errors.New("dbgerr: probe must be re-attached")
)

// CoreNotFoundError reports an out-of-range core index; always a programming
// bug in the caller, never a recoverable condition.
type CoreNotFoundError struct {
	Index int
}

func (e *CoreNotFoundError) Error() string {
	return fmt.Sprintf("dbgerr: no core at index %d", e.Index)
}

// UnsupportedTransferWidthError reports a sub-word access against an AP that
// only advertises 32-bit transfers. The memory interface never falls back to
// a software read-modify-write in this case: a 32-bit-only AP's CSW.Size
// field can't express the access at all, and emulating it would trade the
// hardware's observable atomicity for one the caller didn't ask for (spec.md
// §4.5).
type UnsupportedTransferWidthError struct {
	Width int
}

func (e *UnsupportedTransferWidthError) Error() string {
	return fmt.Sprintf("dbgerr: %d-bit transfer not supported by this AP (32-bit only)", e.Width)
}
