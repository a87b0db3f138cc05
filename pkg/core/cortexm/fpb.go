package cortexm

import "fmt"

const fpbRev0AddressLimit = 0x2000_0000

// fpbComparatorAddress encodes a breakpoint address into one FP_COMPn
// register, dispatching on FP_CTRL.REV (spec.md §4.6.1/§9): rev 0 packs the
// halfword selector into a REPLACE field and is limited to addresses below
// 0x2000_0000; rev 1 takes the address directly in BPADDR[31:1].
func fpbComparatorAddress(rev int, addr uint64) (uint32, error) {
	if addr&1 != 0 {
		return 0, fmt.Errorf("cortexm: breakpoint address 0x%X is not half-word aligned", addr)
	}
	if rev == 0 {
		if addr >= fpbRev0AddressLimit {
			return 0, fmt.Errorf("cortexm: FPB revision 0 cannot address 0x%X (limit 0x%X)", addr, fpbRev0AddressLimit)
		}
		a := uint32(addr)
		replace := uint32(0b01)
		if a&0x2 != 0 {
			replace = 0b10
		}
		comp := (a &^ 0x3) | replace<<30 | fpCtrlEnable
		return comp, nil
	}
	comp := uint32(addr) | fpCtrlEnable
	return comp, nil
}

func fpbComparatorEnabled(comp uint32) bool {
	return comp&fpCtrlEnable != 0
}

func fpbComparatorDecodeAddress(rev int, comp uint32) uint64 {
	if rev == 0 {
		base := comp &^ (0x3 | 0x3<<30)
		replace := (comp >> 30) & 0x3
		if replace == 0b10 {
			base |= 0x2
		}
		return uint64(base)
	}
	return uint64(comp &^ 1)
}
