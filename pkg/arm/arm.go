// Package arm layers ARM debug-port and memory-access-port semantics on top
// of pkg/dap's raw register transactions: power-up/power-down sequencing,
// AP address resolution, and a CSW/TAR/DRW-caching MemoryAP suitable for
// driving Cortex-M/-A targets (spec.md §4.4).
package arm

import (
	"context"
	"fmt"
	"time"

	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/idcode"
)

const (
	ctrlStatCSYSPWRUPREQ = 1 << 30
	ctrlStatCSYSPWRUPACK = 1 << 31
	ctrlStatCDBGPWRUPREQ = 1 << 28
	ctrlStatCDBGPWRUPACK = 1 << 29
	ctrlStatMaskLaneAll  = 0xF << 8

	powerUpPollInterval = 1 * time.Millisecond
	powerUpTimeout      = 1 * time.Second
)

// ArmDebugInterface owns the line-level bring-up and power sequencing that
// precede any MemoryAP access, per spec.md §4.4.
type ArmDebugInterface struct {
	port *dap.Port

	dpidr    idcode.IDCode
	designer idcode.Manufacturer
}

// NewArmDebugInterface wraps an already-constructed raw DAP port.
func NewArmDebugInterface(port *dap.Port) *ArmDebugInterface {
	return &ArmDebugInterface{port: port}
}

// DPIDR returns the DPIDR value decoded during the last successful
// DebugPortSetup, using the same JEP106 field layout as an IEEE 1149.1
// IDCODE (ADIv5 packs DESIGNER into DPIDR[11:1] the same way).
func (a *ArmDebugInterface) DPIDR() idcode.IDCode {
	return a.dpidr
}

// Designer returns the JEP106 manufacturer decoded from DPIDR.DESIGNER, or
// the zero value if the code isn't in the database.
func (a *ArmDebugInterface) Designer() idcode.Manufacturer {
	return a.designer
}

// DebugPortSetup performs the connect sequence: select the target DP
// (single-drop or multidrop), validate DPIDR, and clear any stale sticky
// errors, retrying the whole sequence up to 5 times if DPIDR comes back
// unreadable (spec.md §4.4).
func (a *ArmDebugInterface) DebugPortSetup(ctx context.Context, dp dap.DpAddress) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.port.SelectTarget(dp); err != nil {
			lastErr = err
			continue
		}
		raw, err := a.port.ReadDP("DPIDR")
		if err != nil {
			lastErr = err
			continue
		}
		if err := a.port.ClearStickyErrors(); err != nil {
			lastErr = err
			continue
		}
		a.dpidr = idcode.ParseIDCode(raw)
		a.designer, _ = idcode.LookupManufacturer(a.dpidr.ManufacturerCode)
		return nil
	}
	return fmt.Errorf("arm: debug port setup failed after %d attempts: %w", maxAttempts, lastErr)
}

// DebugPortStart requests system and debug power-up via CTRL/STAT with all
// four byte lanes enabled (MASKLANE=0xF) and polls for both acknowledge bits,
// failing if they do not arrive within one second (spec.md §4.4).
func (a *ArmDebugInterface) DebugPortStart(ctx context.Context) error {
	want := uint32(ctrlStatCSYSPWRUPREQ | ctrlStatCDBGPWRUPREQ | ctrlStatMaskLaneAll)
	if err := a.port.WriteDP("CTRLSTAT", want); err != nil {
		return fmt.Errorf("arm: requesting power-up: %w", err)
	}

	deadline := time.Now().Add(powerUpTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		v, err := a.port.ReadDP("CTRLSTAT")
		if err != nil {
			return fmt.Errorf("arm: polling CTRL/STAT: %w", err)
		}
		if v&(ctrlStatCSYSPWRUPACK|ctrlStatCDBGPWRUPACK) == ctrlStatCSYSPWRUPACK|ctrlStatCDBGPWRUPACK {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("arm: timed out waiting for power-up acknowledge")
		}
		time.Sleep(powerUpPollInterval)
	}
}

// Port exposes the underlying raw accessor for callers (MemoryAP, core
// packages) that need it directly.
func (a *ArmDebugInterface) Port() *dap.Port { return a.port }
