// Package sim provides an in-memory probe.Probe implementation backed by a
// DP/AP/memory register file, so the rest of the stack can be exercised and
// tested without real hardware attached. It mirrors the role the teacher's
// jtag package gives a "loopback" test transport, generalized to speak the
// SWD wire frame from pkg/dap and to model ARM debug-port semantics (WAIT
// retry, sticky faults, AP read pipelining, multidrop TARGETSEL) closely
// enough to drive spec.md's testable properties end to end.
package sim

import (
	"fmt"

	"github.com/opendap-project/godap/pkg/probe"
)

const (
	ackOK    = 0b001
	ackWait  = 0b010
	ackFault = 0b100
)

// FaultInjection configures deliberately abnormal responses the next
// matching transaction(s) should produce, for exercising Port's retry and
// fault-classification paths from outside pkg/dap.
type FaultInjection struct {
	WaitCountAP   int // next N AP transactions return WAIT before OK
	WaitCountDP   int // next N DP transactions return WAIT before OK
	FaultOnceAP   bool
	FaultOnceDP   bool
	NoAckOnce     bool
	BadParityOnce bool
}

// MultidropTarget describes one DP reachable on a simulated multidrop bus.
type MultidropTarget struct {
	TargetSel uint32
	TargetID  uint32
	DLPIDR    uint32
}

// Config seeds a SimProbe's identity and initial register state.
type Config struct {
	DPIDR     uint32
	MemSize   int
	Multidrop []MultidropTarget // empty means single-drop only
}

// DefaultConfig returns a Cortex-M-like single-drop configuration with 1 MiB
// of simulated target memory.
func DefaultConfig() Config {
	return Config{DPIDR: 0x2BA01477, MemSize: 1 << 20}
}

type apState struct {
	csw uint32
	tar uint32
}

// SimProbe implements probe.Probe and probe.RawSWD over an in-process
// register file. It does not implement probe.RawJTAG: the simulator only
// models SWD-mode targets, matching spec.md's primary worked scenarios.
type SimProbe struct {
	cfg Config

	protocol probe.Protocol
	speedKHz int
	resetLow bool

	dpBank       uint8
	selectAPSel  uint64
	selectApBank uint8
	abortSeen    uint32
	ctrlStat     uint32
	rdbuff       uint32
	pendingAP    bool
	pendingValue uint32

	currentDP int // index into cfg.Multidrop, or -1 for single-drop/unselected

	aps map[uint64]*apState
	mem []byte

	Faults FaultInjection
}

// New creates a simulator in its post-power-up, not-yet-connected state.
func New(cfg Config) *SimProbe {
	if cfg.MemSize == 0 {
		cfg.MemSize = 1 << 20
	}
	return &SimProbe{
		cfg:       cfg,
		currentDP: -1,
		aps:       map[uint64]*apState{},
		mem:       make([]byte, cfg.MemSize),
	}
}

// Memory exposes the backing byte slice so tests can seed or inspect target
// memory directly (analogous to poking RAM on real hardware before attach).
func (s *SimProbe) Memory() []byte { return s.mem }

func (s *SimProbe) Info() (probe.Info, error) {
	return probe.Info{
		Name:         "godap simulator",
		Vendor:       "opendap-project",
		Model:        "sim",
		SerialNumber: "0",
		MinFrequency: 1,
		MaxFrequency: 50_000,
	}, nil
}

func (s *SimProbe) Capabilities() probe.Capabilities {
	var c probe.Capabilities
	return c.With(probe.CapSWD).With(probe.CapAdaptiveClocking)
}

func (s *SimProbe) SelectProtocol(p probe.Protocol) error {
	if p == probe.ProtocolJTAG {
		return &probe.CapabilityMissingError{Capability: probe.CapJTAG}
	}
	s.protocol = p
	return nil
}

func (s *SimProbe) SetSpeedKHz(khz int) error {
	s.speedKHz = khz
	return nil
}

func (s *SimProbe) TargetResetAssert() error   { s.resetLow = true; return nil }
func (s *SimProbe) TargetResetDeassert() error { s.resetLow = false; return nil }
func (s *SimProbe) Close() error               { return nil }

// SwdIO decodes the same wire frames pkg/dap/swd.go produces: line reset (52
// output bits), mode-switch magics (16 output bits), TARGETSEL (41 output
// bits), and 46-bit register transactions.
func (s *SimProbe) SwdIO(dir, swdio []bool) ([]bool, error) {
	if len(dir) != len(swdio) {
		return nil, fmt.Errorf("sim: dir/swdio length mismatch")
	}

	switch len(swdio) {
	case 52:
		// Line reset. Reset cached bank/select/pipeline state, as real
		// hardware does on JTAG-TO-SWD / line reset.
		s.dpBank, s.selectApBank = 0, 0
		s.pendingAP = false
		return make([]bool, len(swdio)), nil
	case 16:
		return make([]bool, len(swdio)), nil
	case 8 + 32 + 1:
		return s.handleTargetSel(swdio)
	case 46:
		return s.handleTransaction(swdio)
	default:
		return make([]bool, len(swdio)), nil
	}
}

func (s *SimProbe) handleTargetSel(swdio []bool) ([]bool, error) {
	target := boolsToUint32(swdio[8:40])
	s.currentDP = -1
	for i, md := range s.cfg.Multidrop {
		if md.TargetSel == target {
			s.currentDP = i
			break
		}
	}
	s.dpBank, s.selectApBank = 0, 0
	return make([]bool, len(swdio)), nil
}

func (s *SimProbe) handleTransaction(swdio []bool) ([]bool, error) {
	apndp := swdio[1]
	rnw := swdio[2]
	a2 := swdio[3]
	a3 := swdio[4]
	var addr4 uint8
	if a2 {
		addr4 |= 0x4
	}
	if a3 {
		addr4 |= 0x8
	}

	resp := make([]bool, 46)

	if s.Faults.NoAckOnce {
		s.Faults.NoAckOnce = false
		return resp[:44], nil // short response: Port treats this as NoAcknowledgeError
	}

	ack := s.nextAck(apndp)
	copy(resp[9:12], ackBits(ack))
	if ack != ackOK {
		return resp, nil
	}

	if rnw {
		value, err := s.readRegister(apndp, addr4)
		if err != nil {
			return nil, err
		}
		copy(resp[12:44], uint32ToBools(value))
		parity := wordParity(value)
		if s.Faults.BadParityOnce {
			s.Faults.BadParityOnce = false
			parity = !parity
		}
		resp[44] = parity
	} else {
		value := boolsToUint32(swdio[12:44])
		if err := s.writeRegister(apndp, addr4, value); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *SimProbe) nextAck(apndp bool) int {
	if apndp {
		if s.Faults.WaitCountAP > 0 {
			s.Faults.WaitCountAP--
			return ackWait
		}
		if s.Faults.FaultOnceAP {
			s.Faults.FaultOnceAP = false
			return ackFault
		}
	} else {
		if s.Faults.WaitCountDP > 0 {
			s.Faults.WaitCountDP--
			return ackWait
		}
		if s.Faults.FaultOnceDP {
			s.Faults.FaultOnceDP = false
			return ackFault
		}
	}
	return ackOK
}

func (s *SimProbe) currentAP() *apState {
	ap, ok := s.aps[s.selectAPSel]
	if !ok {
		ap = &apState{}
		s.aps[s.selectAPSel] = ap
	}
	return ap
}

func (s *SimProbe) readRegister(apndp bool, addr4 uint8) (uint32, error) {
	if apndp {
		ap := s.currentAP()
		var value uint32
		switch addr4 {
		case 0x0:
			value = ap.csw
		case 0x4:
			value = ap.tar
		case 0xC:
			v, err := s.readMem(ap.tar, apSize(ap.csw))
			if err != nil {
				return 0, err
			}
			value = v
			s.autoIncrement(ap)
		default:
			return 0, fmt.Errorf("sim: unhandled AP register 0x%X", addr4)
		}
		// AP reads are pipelined: caller observes the PREVIOUS AP read's
		// value; this one lands in rdbuff for the next RDBUFF read.
		ret := s.rdbuff
		s.rdbuff = value
		s.pendingAP = true
		return ret, nil
	}

	switch bankedDPReg(addr4, s.dpBank) {
	case "DPIDR":
		return s.cfg.DPIDR, nil
	case "CTRLSTAT":
		return s.ctrlStat | 1<<31 | 1<<29, nil // report power-up acked
	case "SELECT":
		return uint32(s.selectAPSel)<<24 | uint32(s.selectApBank)<<4 | uint32(s.dpBank), nil
	case "RDBUFF":
		s.pendingAP = false
		return s.rdbuff, nil
	case "TARGETID":
		if s.currentDP >= 0 {
			return s.cfg.Multidrop[s.currentDP].TargetID, nil
		}
		return 0, nil
	case "DLPIDR":
		if s.currentDP >= 0 {
			return s.cfg.Multidrop[s.currentDP].DLPIDR, nil
		}
		return 0x00000001, nil
	case "EVENTSTAT":
		return 0, nil
	default:
		return 0, fmt.Errorf("sim: unhandled DP register addr=0x%X bank=%d", addr4, s.dpBank)
	}
}

func (s *SimProbe) writeRegister(apndp bool, addr4 uint8, value uint32) error {
	if apndp {
		ap := s.currentAP()
		switch addr4 {
		case 0x0:
			ap.csw = value
		case 0x4:
			ap.tar = value
		case 0xC:
			if err := s.writeMem(ap.tar, value, apSize(ap.csw)); err != nil {
				return err
			}
			s.autoIncrement(ap)
		default:
			return fmt.Errorf("sim: unhandled AP register write 0x%X", addr4)
		}
		return nil
	}

	switch addr4 {
	case 0x0: // ABORT
		if value&(1<<2) != 0 {
			s.ctrlStat &^= 1 << 5
		}
		if value&(1<<1) != 0 {
			s.ctrlStat &^= 1 << 4
		}
		if value&(1<<4) != 0 {
			s.ctrlStat &^= 1 << 1
		}
		return nil
	case 0x4:
		switch s.dpBank {
		case 0: // CTRLSTAT
			s.ctrlStat = value
		}
		return nil
	case 0x8: // SELECT
		s.selectAPSel = uint64(value>>24) & 0xFF
		s.selectApBank = uint8((value >> 4) & 0xF)
		s.dpBank = uint8(value & 0xF)
		return nil
	default:
		return fmt.Errorf("sim: unhandled DP register write 0x%X", addr4)
	}
}

func bankedDPReg(addr4 uint8, bank uint8) string {
	switch addr4 {
	case 0x0:
		return "DPIDR"
	case 0x8:
		return "SELECT"
	case 0xC:
		return "RDBUFF"
	case 0x4:
		switch bank {
		case 0:
			return "CTRLSTAT"
		case 2:
			return "TARGETID"
		case 3:
			return "DLPIDR"
		case 4:
			return "EVENTSTAT"
		}
	}
	return ""
}

// apSize decodes CSW[2:0] (0=byte,1=half,2=word) into a byte count.
func apSize(csw uint32) int {
	switch csw & 0x7 {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

// autoIncrement advances TAR according to CSW.AddrInc (bits [5:4]: 0=off,
// 1=single), wrapping within the 1 KiB auto-increment window per spec.md.
func (s *SimProbe) autoIncrement(ap *apState) {
	mode := (ap.csw >> 4) & 0x3
	if mode == 0 {
		return
	}
	size := uint32(apSize(ap.csw))
	base := ap.tar &^ 0x3FF
	low := (ap.tar & 0x3FF) + size
	ap.tar = base | (low & 0x3FF)
}

// window maps a full 32-bit target address onto the backing byte slice.
// Real targets map SRAM/peripherals across the whole address space; the
// simulator only needs enough distinct storage to exercise the stack, so it
// folds every address into its (much smaller) backing array rather than
// allocating a full 4 GiB slice.
func (s *SimProbe) window(addr uint32) int {
	return int(addr % uint32(len(s.mem)))
}

func (s *SimProbe) readMem(addr uint32, size int) (uint32, error) {
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(s.mem[s.window(addr+uint32(i))]) << uint(8*i)
	}
	return v, nil
}

func (s *SimProbe) writeMem(addr uint32, value uint32, size int) error {
	for i := 0; i < size; i++ {
		s.mem[s.window(addr+uint32(i))] = byte(value >> uint(8*i))
	}
	return nil
}

func boolsToUint32(bits []bool) uint32 {
	var v uint32
	for i, b := range bits {
		if b {
			v |= 1 << uint(i)
		}
	}
	return v
}

func uint32ToBools(v uint32) []bool {
	out := make([]bool, 32)
	for i := range out {
		out[i] = v&(1<<uint(i)) != 0
	}
	return out
}

func wordParity(v uint32) bool {
	p := false
	for i := 0; i < 32; i++ {
		if v&(1<<uint(i)) != 0 {
			p = !p
		}
	}
	return p
}

func ackBits(ack int) []bool {
	return []bool{ack&0x1 != 0, ack&0x2 != 0, ack&0x4 != 0}
}
