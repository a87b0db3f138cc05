package xtensa

import "context"

// detectSemihosting recognizes the espressif/OpenOCD semihosting
// convention: a "BREAK 1,14" trap with the syscall number in A2 and the
// argument block pointer in A3, the Xtensa analogue of Cortex-M's BKPT
// #0xAB semihosting trap (spec.md §4.6.1).
func (c *Core) detectSemihosting(ctx context.Context) (call, args uint32, ok bool, err error) {
	pc, err := c.ReadCoreReg(ctx, RegPC)
	if err != nil {
		return 0, 0, false, err
	}
	raw, err := c.mem.ReadRaw(uint32(pc), 3)
	if err != nil {
		return 0, 0, false, err
	}
	instr := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16
	if instr != semihostBreakEncoding {
		return 0, 0, false, nil
	}
	callVal, err := c.ReadCoreReg(ctx, 2) // A2
	if err != nil {
		return 0, 0, false, err
	}
	argsVal, err := c.ReadCoreReg(ctx, 3) // A3
	if err != nil {
		return 0, 0, false, err
	}
	return uint32(callVal), uint32(argsVal), true, nil
}
