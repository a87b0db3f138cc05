package arm

import (
	"fmt"

	"github.com/opendap-project/godap/pkg/dap"
)

// CSW bit layout (spec.md §4.4).
const (
	cswSizeMask  = 0x7
	cswSizeByte  = 0x0
	cswSizeHalf  = 0x1
	cswSizeWord  = 0x2
	cswAddrInc   = 0x3 << 4
	cswAddrIncNo = 0x0 << 4
	cswAddrIncSingle = 0x1 << 4
	cswDeviceEn  = 1 << 6
)

const memAPBank = 0x0 // CSW/TAR/DRW live in AP bank 0 (spec.md §4.4)

// MemoryAP provides register-level access to one ARM MEM-AP, caching CSW
// and TAR so repeated accesses at the same size/address do not re-issue
// redundant writes (spec.md §4.4).
type MemoryAP struct {
	port *dap.Port
	addr dap.ApAddress

	thirtyTwoBitOnly bool

	haveCSW bool
	csw     uint32
	haveTAR bool
	tar     uint32
}

// NewMemoryAP selects the given v1 AP (APSEL 0-255) on the port and returns
// a cache-aware accessor for it. v2 (address-within-DP) APs are not
// supported: spec.md's named core architectures only require v1 APSEL
// addressing, so this is a deliberate scope reduction.
func NewMemoryAP(port *dap.Port, addr dap.ApAddress) (*MemoryAP, error) {
	if addr.V2 {
		return nil, fmt.Errorf("arm: v2 AP addressing is not supported")
	}
	port.SelectAP(addr.Select)
	return &MemoryAP{port: port, addr: addr}, nil
}

// SetThirtyTwoBitOnly records that this AP's CSW.Size field only ever
// accepts the word encoding, per CFG.LD or a target-specific quirk learned
// out of band (spec.md §4.5's "an AP may advertise 32-bit only"). Once set,
// Read8/Read16/Write8/Write16 on the memory.Interface built over this AP
// reject rather than emulate sub-word access.
func (m *MemoryAP) SetThirtyTwoBitOnly(v bool) {
	m.thirtyTwoBitOnly = v
}

// ThirtyTwoBitOnly reports whether this AP rejects sub-word transfers.
func (m *MemoryAP) ThirtyTwoBitOnly() bool {
	return m.thirtyTwoBitOnly
}

// setCSW writes CSW only if it differs from the cached value.
func (m *MemoryAP) setCSW(value uint32) error {
	if m.haveCSW && m.csw == value {
		return nil
	}
	if err := m.port.WriteAP(memAPBank, 0x00, value); err != nil {
		return fmt.Errorf("arm: writing CSW: %w", err)
	}
	m.csw = value
	m.haveCSW = true
	return nil
}

// setTAR writes TAR only if it differs from the cached value.
func (m *MemoryAP) setTAR(addr uint32) error {
	if m.haveTAR && m.tar == addr {
		return nil
	}
	if err := m.port.WriteAP(memAPBank, 0x04, addr); err != nil {
		return fmt.Errorf("arm: writing TAR: %w", err)
	}
	m.tar = addr
	m.haveTAR = true
	return nil
}

// invalidateTAR forgets the cached TAR value, used after an auto-increment
// chunk crosses the 1 KiB window (the device silently wraps, so the cache
// would otherwise read stale).
func (m *MemoryAP) invalidateTAR() {
	m.haveTAR = false
}

func cswForSize(size int) (uint32, error) {
	switch size {
	case 1:
		return cswSizeByte | cswDeviceEn, nil
	case 2:
		return cswSizeHalf | cswDeviceEn, nil
	case 4:
		return cswSizeWord | cswDeviceEn, nil
	default:
		return 0, fmt.Errorf("arm: unsupported transfer size %d", size)
	}
}

// ReadWord performs a single 32-bit-wide DRW transfer at addr and returns
// the raw 32-bit lane (see memlane.go for sub-word extraction).
func (m *MemoryAP) ReadWord(addr uint32) (uint32, error) {
	csw, err := cswForSize(4)
	if err != nil {
		return 0, err
	}
	if err := m.setCSW(csw); err != nil {
		return 0, err
	}
	if err := m.setTAR(addr); err != nil {
		return 0, err
	}
	if _, err := m.port.ReadAP(memAPBank, 0x0C); err != nil {
		return 0, fmt.Errorf("arm: reading DRW: %w", err)
	}
	v, err := m.port.ReadAPFinal()
	if err != nil {
		return 0, fmt.Errorf("arm: flushing DRW read: %w", err)
	}
	m.invalidateTAR()
	return v, nil
}

// WriteWord performs a single 32-bit-wide DRW transfer at addr.
func (m *MemoryAP) WriteWord(addr uint32, value uint32) error {
	csw, err := cswForSize(4)
	if err != nil {
		return err
	}
	if err := m.setCSW(csw); err != nil {
		return err
	}
	if err := m.setTAR(addr); err != nil {
		return err
	}
	if err := m.port.WriteAP(memAPBank, 0x0C, value); err != nil {
		return fmt.Errorf("arm: writing DRW: %w", err)
	}
	m.invalidateTAR()
	return nil
}

// ReadBlock32 reads consecutive 32-bit words starting at addr using TAR
// auto-increment, re-arming TAR whenever a chunk would cross the 1 KiB
// auto-increment window (spec.md §4.4).
func (m *MemoryAP) ReadBlock32(addr uint32, out []uint32) error {
	csw, err := cswForSize(4)
	if err != nil {
		return err
	}
	csw |= cswAddrIncSingle
	if err := m.setCSW(csw); err != nil {
		return err
	}

	cur := addr
	i := 0
	for i < len(out) {
		if err := m.setTAR(cur); err != nil {
			return err
		}
		chunkWords := wordsUntilWindowBoundary(cur)
		if chunkWords > len(out)-i {
			chunkWords = len(out) - i
		}
		for j := 0; j < chunkWords; j++ {
			v, err := m.port.ReadAP(memAPBank, 0x0C)
			if err != nil {
				return fmt.Errorf("arm: block read: %w", err)
			}
			// Pipelined: each DRW read returns the previous word of the chunk.
			if j > 0 {
				out[i+j-1] = v
			}
		}
		// Pipeline drain: the last ReadAP's value is still pending.
		v, err := m.port.ReadAPFinal()
		if err != nil {
			return fmt.Errorf("arm: block read flush: %w", err)
		}
		out[i+chunkWords-1] = v
		i += chunkWords
		cur += uint32(chunkWords * 4)
		m.invalidateTAR()
	}
	return nil
}

// ReadBlock32Strict reads each word individually, flushing RDBUFF after
// every transfer. Slower than ReadBlock32, which pipelines the DRW reads of
// each 1 KiB chunk and reads RDBUFF only once per chunk.
func (m *MemoryAP) ReadBlock32Strict(addr uint32, out []uint32) error {
	csw, err := cswForSize(4)
	if err != nil {
		return err
	}
	csw |= cswAddrIncSingle
	if err := m.setCSW(csw); err != nil {
		return err
	}

	cur := addr
	for i := range out {
		if err := m.setTAR(cur); err != nil {
			return err
		}
		if _, err := m.port.ReadAP(memAPBank, 0x0C); err != nil {
			return fmt.Errorf("arm: block read: %w", err)
		}
		v, err := m.port.ReadAPFinal()
		if err != nil {
			return fmt.Errorf("arm: block read flush: %w", err)
		}
		out[i] = v
		cur += 4
		m.invalidateTAR()
	}
	return nil
}

// WriteBlock32 writes consecutive 32-bit words starting at addr, re-arming
// TAR at each 1 KiB auto-increment window boundary.
func (m *MemoryAP) WriteBlock32(addr uint32, in []uint32) error {
	csw, err := cswForSize(4)
	if err != nil {
		return err
	}
	csw |= cswAddrIncSingle
	if err := m.setCSW(csw); err != nil {
		return err
	}

	cur := addr
	i := 0
	for i < len(in) {
		if err := m.setTAR(cur); err != nil {
			return err
		}
		chunkWords := wordsUntilWindowBoundary(cur)
		if chunkWords > len(in)-i {
			chunkWords = len(in) - i
		}
		for j := 0; j < chunkWords; j++ {
			if err := m.port.WriteAP(memAPBank, 0x0C, in[i+j]); err != nil {
				return fmt.Errorf("arm: block write: %w", err)
			}
		}
		i += chunkWords
		cur += uint32(chunkWords * 4)
		m.invalidateTAR()
	}
	return nil
}

// wordsUntilWindowBoundary returns how many 32-bit words can be
// auto-incremented through starting at addr before TAR wraps within its
// 1 KiB window.
func wordsUntilWindowBoundary(addr uint32) int {
	offsetInWindow := addr & 0x3FF
	remaining := (0x400 - offsetInWindow) / 4
	if remaining == 0 {
		remaining = 0x400 / 4
	}
	return int(remaining)
}
