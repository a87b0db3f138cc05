package probe

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// Kind categorizes discovered probe backends. Generalized from the teacher's
// jtag.InterfaceKind, which only distinguished CMSIS-DAP/PicoProbe/simulator;
// this adds Black Magic Probe and J-Link (CMSIS-DAP compatible, but worth
// naming distinctly since its capability set differs).
type Kind string

const (
	KindCMSISDAP    Kind = "cmsis-dap"
	KindJLink       Kind = "jlink"
	KindBlackMagic  Kind = "black-magic-probe"
	KindSimulator   Kind = "simulator"
)

// DeviceInfo describes a detected probe before it is opened.
type DeviceInfo struct {
	Kind        Kind
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
}

// Label returns a user-friendly description, as the teacher's
// jtag.InterfaceInfo.Label did.
func (i DeviceInfo) Label() string {
	if i.Description != "" {
		return i.Description
	}
	return fmt.Sprintf("%s (%04X:%04X)", string(i.Kind), i.VendorID, i.ProductID)
}

type knownUSBDevice struct {
	VendorID    uint16
	ProductID   uint16
	Kind        Kind
	Description string
}

var knownUSBDevices = []knownUSBDevice{
	{VendorID: 0x2E8A, ProductID: 0x000C, Kind: KindCMSISDAP, Description: "Raspberry Pi Debug Probe (CMSIS-DAP)"},
	{VendorID: 0x0d28, ProductID: 0x0204, Kind: KindCMSISDAP, Description: "DAPLink CMSIS-DAP"},
	{VendorID: 0x1366, ProductID: 0x0101, Kind: KindJLink, Description: "SEGGER J-Link"},
	{VendorID: 0x1366, ProductID: 0x1051, Kind: KindJLink, Description: "SEGGER J-Link OB"},
	{VendorID: 0x1d50, ProductID: 0x6018, Kind: KindBlackMagic, Description: "Black Magic Probe"},
}

// DiscoverProbes enumerates connected USB devices that match a known
// CMSIS-DAP/J-Link/BMP VID:PID pair, and always appends a simulator entry so
// callers can exercise the stack without hardware attached (teacher
// precedent: jtag.DiscoverInterfaces).
func DiscoverProbes(ctx context.Context) ([]DeviceInfo, error) {
	var results []DeviceInfo
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if info, ok := classify(desc); ok {
			results = append(results, info)
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}

	results = append(results, DeviceInfo{Kind: KindSimulator, Description: "Simulator (no hardware)"})
	return results, nil
}

func classify(desc *gousb.DeviceDesc) (DeviceInfo, bool) {
	for _, known := range knownUSBDevices {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return DeviceInfo{
				Kind:        known.Kind,
				Description: known.Description,
				VendorID:    known.VendorID,
				ProductID:   known.ProductID,
			}, true
		}
	}
	return DeviceInfo{}, false
}
