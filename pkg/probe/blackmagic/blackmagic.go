// Package blackmagic implements the probe.Probe/probe.RawSWD contract over
// a Black Magic Probe's ASCII remote protocol, adapted from the read-until-
// sync-byte, checksum-framed request/response style the teacher's
// foenixmgr-derived serial protocol code uses (see other_examples), here
// applied to BMP's `!CMD args#` request / `&Kxxxx#` response framing instead
// of a binary LRC-checksummed packet.
package blackmagic

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opendap-project/godap/pkg/probe"
	"go.bug.st/serial"
)

const (
	requestStart  = '!'
	requestEnd    = '#'
	responseStart = '&'
	responseEnd   = '#'

	readTimeout = 2 * time.Second
)

// Probe implements probe.Probe and probe.RawSWD over a Black Magic Probe's
// ASCII command interface.
type Probe struct {
	port   serial.Port
	reader *bufio.Reader
	mu     sync.Mutex

	info     probe.Info
	protocol probe.Protocol
}

// Open connects to the Black Magic Probe's GDB-remote serial port (not its
// separate UART passthrough port) at the given device path.
func Open(devicePath string) (*Probe, error) {
	mode := &serial.Mode{BaudRate: 115200}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("blackmagic: open %s: %w", devicePath, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("blackmagic: set read timeout: %w", err)
	}

	p := &Probe{
		port:   port,
		reader: bufio.NewReader(port),
		info: probe.Info{
			Name:         "Black Magic Probe",
			Vendor:       "Black Sphere Technologies / 1BitSquared",
			MinFrequency: 1,
			MaxFrequency: 4_000_000,
		},
	}
	return p, nil
}

func (p *Probe) Info() (probe.Info, error) { return p.info, nil }

func (p *Probe) Capabilities() probe.Capabilities {
	var c probe.Capabilities
	return c.With(probe.CapSWD)
}

func (p *Probe) SelectProtocol(proto probe.Protocol) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := "SS" // swdp_scan
	if proto == probe.ProtocolJTAG {
		cmd = "JS" // jtag_scan
	}
	if _, err := p.command(cmd); err != nil {
		return fmt.Errorf("blackmagic: protocol scan: %w", err)
	}
	p.protocol = proto
	return nil
}

func (p *Probe) SetSpeedKHz(khz int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.command(fmt.Sprintf("F%04x", khz))
	return err
}

func (p *Probe) TargetResetAssert() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.command("sr1")
	return err
}

func (p *Probe) TargetResetDeassert() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.command("sr0")
	return err
}

func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}

// SwdIO implements probe.RawSWD by encoding the requested bit pattern as a
// raw swdp_seq_in/out remote command and decoding the ASCII hex reply, a
// generalization of the binary request/response framing pattern the
// teacher's serial protocol layer uses.
func (p *Probe) SwdIO(dir, swdio []bool) ([]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allOut := true
	for _, d := range dir {
		if !d {
			allOut = false
			break
		}
	}

	if allOut {
		hex := bitsToHex(swdio)
		cmd := fmt.Sprintf("So%04x%s", len(swdio), hex)
		if _, err := p.command(cmd); err != nil {
			return nil, fmt.Errorf("blackmagic: swdp_seq_out: %w", err)
		}
		return make([]bool, len(swdio)), nil
	}

	cmd := fmt.Sprintf("Si%04x", len(swdio))
	resp, err := p.command(cmd)
	if err != nil {
		return nil, fmt.Errorf("blackmagic: swdp_seq_in: %w", err)
	}
	bits, err := hexToBits(resp, len(swdio))
	if err != nil {
		return nil, fmt.Errorf("blackmagic: decode swdp_seq_in reply: %w", err)
	}
	return bits, nil
}

// command sends one `!CMD#` request and returns the payload of the matching
// `&Kpayload#` response (K = acknowledged; any other leading response
// letter is surfaced as an error carrying the raw reply).
func (p *Probe) command(body string) (string, error) {
	req := string(requestStart) + body + string(requestEnd)
	if _, err := p.port.Write([]byte(req)); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}

	line, err := p.reader.ReadString(responseEnd)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	line = strings.TrimSuffix(line, string(responseEnd))
	if !strings.HasPrefix(line, string(responseStart)) {
		return "", fmt.Errorf("malformed response %q: missing %q prefix", line, string(responseStart))
	}
	line = line[1:]
	if len(line) == 0 || line[0] != 'K' {
		return "", fmt.Errorf("probe reported error: %q", line)
	}
	return line[1:], nil
}

func bitsToHex(bits []bool) string {
	var sb strings.Builder
	for i := 0; i < len(bits); i += 4 {
		n := 0
		for j := 0; j < 4 && i+j < len(bits); j++ {
			if bits[i+j] {
				n |= 1 << uint(j)
			}
		}
		fmt.Fprintf(&sb, "%x", n)
	}
	return sb.String()
}

func hexToBits(hex string, count int) ([]bool, error) {
	out := make([]bool, 0, count)
	for _, c := range hex {
		n, err := strconv.ParseUint(string(c), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex digit %q", c)
		}
		for j := 0; j < 4 && len(out) < count; j++ {
			out = append(out, n&(1<<uint(j)) != 0)
		}
	}
	if len(out) < count {
		return nil, fmt.Errorf("short reply: got %d bits, want %d", len(out), count)
	}
	return out, nil
}
