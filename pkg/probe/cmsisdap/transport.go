// Package cmsisdap implements the probe.Probe/probe.RawSWD/probe.RawJTAG
// contract over a CMSIS-DAP compliant USB probe, adapted from the teacher's
// JTAG-only jtag.USBTransport/jtag.CMSISDAPAdapter into a generalized
// SWD-and-JTAG backend driven through pkg/dap and pkg/tap.
package cmsisdap

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// Endpoint discovery mirrors the teacher's USBTransport: bulk IN/OUT on
	// whichever vendor-class interface the descriptor advertises.
	DefaultPacketSize = 64
	DefaultTimeout    = 5 * time.Second
)

// usbTransport handles raw USB bulk I/O with a CMSIS-DAP device, unchanged
// in structure from the teacher's jtag.USBTransport.
type usbTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
}

func newUSBTransport(vid, pid uint16) (*usbTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("cmsisdap: USB open: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("cmsisdap: device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	_ = dev.SetAutoDetach(true) // best-effort, not fatal on all platforms

	t := &usbTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
	}

	if err := t.claimInterface(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return t, nil
}

func (t *usbTransport) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("cmsisdap: get config: %w", err)
	}

	vendorIntfNum := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			vendorIntfNum = intf.Number
			break
		}
	}
	if vendorIntfNum == -1 {
		vendorIntfNum = 0
	}

	intf, err := cfg.Interface(vendorIntfNum, 0)
	if err != nil {
		return fmt.Errorf("cmsisdap: claim interface %d: %w", vendorIntfNum, err)
	}
	t.intf = intf

	if err := t.findEndpoints(); err != nil {
		intf.Close()
		return err
	}
	return nil
}

func (t *usbTransport) findEndpoints() error {
	setting := t.intf.Setting

	outAddr := 0
	for _, ep := range setting.Endpoints {
		if ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut {
			outAddr = ep.Number
			break
		}
	}
	if outAddr == 0 {
		return fmt.Errorf("cmsisdap: bulk OUT endpoint not found")
	}

	inAddr := 0
	for _, ep := range setting.Endpoints {
		if ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn {
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
			break
		}
	}
	if inAddr == 0 {
		return fmt.Errorf("cmsisdap: bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("cmsisdap: open OUT endpoint: %w", err)
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("cmsisdap: open IN endpoint: %w", err)
	}
	t.epIn = epIn
	return nil
}

func (t *usbTransport) writeRead(cmd []byte) ([]byte, error) {
	packet := make([]byte, t.packetSize)
	copy(packet, cmd)
	if _, err := t.epOut.Write(packet); err != nil {
		return nil, fmt.Errorf("cmsisdap: USB write: %w", err)
	}

	resp := make([]byte, t.packetSize)
	n, err := t.epIn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("cmsisdap: USB read: %w", err)
	}
	return resp[:n], nil
}

func (t *usbTransport) close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
