package cortexm

import (
	"context"
	"fmt"
)

// semihostBkptEncoding is the Thumb encoding of "BKPT #0xAB", the
// conventional ARM semihosting trap instruction (spec.md §4.6.1).
const semihostBkptEncoding = 0xBE00 | 0xAB

// detectSemihosting inspects the halted instruction at PC: if it is the
// semihosting BKPT, it returns the call number (R0) and parameter block
// pointer (R1).
func (c *Core) detectSemihosting(ctx context.Context) (call uint32, args uint32, ok bool, err error) {
	pc, err := c.ReadCoreReg(ctx, RegPC)
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading PC: %w", err)
	}
	instr, err := c.mem.Read16(uint32(pc))
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading instruction at 0x%X: %w", pc, err)
	}
	if uint32(instr) != semihostBkptEncoding {
		return 0, 0, false, nil
	}
	r0, err := c.ReadCoreReg(ctx, RegR0)
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading R0: %w", err)
	}
	r1, err := c.ReadCoreReg(ctx, RegR0+1)
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading R1: %w", err)
	}
	return uint32(r0), uint32(r1), true, nil
}
