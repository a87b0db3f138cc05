package sequence

import (
	"context"

	"github.com/opendap-project/godap/pkg/arm"
	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/probe"
	"github.com/opendap-project/godap/pkg/target"
)

// Default is the ARM-standard sequence spec.md §4.7 describes: plain pin
// reset, the generic DP bring-up pkg/arm already implements, no device
// unlock, and no mass-erase. Target YAML selects a vendor override by name
// instead of embedding Default directly, but vendor sequences are free to
// embed it and override only the hooks their chip needs.
type Default struct{}

var _ Sequence = Default{}

func (Default) ResetHardwareAssert(ctx context.Context, p probe.Probe) error {
	return p.TargetResetAssert()
}

func (Default) ResetHardwareDeassert(ctx context.Context, p probe.Probe) error {
	return p.TargetResetDeassert()
}

func (Default) DebugPortSetup(ctx context.Context, iface *arm.ArmDebugInterface, dp dap.DpAddress) error {
	return iface.DebugPortSetup(ctx, dp)
}

// DebugPortConnect has nothing to do for a plain ARM debug port; some
// vendor families use this hook to clear sticky lock bits that DebugPortSetup
// alone would not touch.
func (Default) DebugPortConnect(ctx context.Context, iface *arm.ArmDebugInterface) error {
	return nil
}

func (Default) DebugPortStart(ctx context.Context, iface *arm.ArmDebugInterface) error {
	return iface.DebugPortStart(ctx)
}

// DebugPortStop requests system and debug power-down, the mirror image of
// DebugPortStart's power-up request.
func (Default) DebugPortStop(ctx context.Context, iface *arm.ArmDebugInterface) error {
	return iface.Port().WriteDP("CTRLSTAT", 0)
}

// debugEnabler is implemented by core backends that expose bringing up
// debug logic independently of Halt (today, only pkg/core/xtensa: its OCD
// bit gates whether the Debug Module will honor a halt request at all).
// The other three architectures fold this into Halt itself, so DebugCoreStart
// is a no-op for them under Default.
type debugEnabler interface {
	EnterDebugMode() error
}

func (Default) DebugCoreStart(ctx context.Context, c core.Interface, coreType target.CoreType, debugBase, ctiBase uint64) error {
	if en, ok := c.(debugEnabler); ok {
		return en.EnterDebugMode()
	}
	return nil
}

func (Default) ResetCatchSet(ctx context.Context, c core.Interface) error {
	return c.ResetCatchSet(ctx)
}

func (Default) ResetCatchClear(ctx context.Context, c core.Interface) error {
	return c.ResetCatchClear(ctx)
}

func (Default) ResetSystem(ctx context.Context, c core.Interface) error {
	return c.Reset(ctx)
}

// DebugDeviceUnlock is a no-op: ordinary ARM chips never lock debug access
// behind a chip-erase. Vendors whose parts do (e.g. requiring a mass-erase
// before SWD will even enumerate AP registers) register their own Sequence
// and implement this hook, checking perms.Allow("erase_all") first.
func (Default) DebugDeviceUnlock(ctx context.Context, iface *arm.ArmDebugInterface, ap dap.ApAddress, perms target.Permissions) error {
	return nil
}

// TraceStart enables SWO through the probe's SwoAccess capability when the
// caller asked for it; any other sink kind, or a probe that doesn't
// advertise CapSWOUART/CapSWOManchester, is left to a vendor override that
// knows how to program that family's funnel/TPIU registers.
func (Default) TraceStart(ctx context.Context, p probe.Probe, components []TraceComponent, sink TraceSink) error {
	if sink.Kind != TraceSinkSWO {
		return nil
	}
	swo, ok := p.(probe.SwoAccess)
	if !ok {
		return &probe.CapabilityMissingError{Capability: probe.CapSWOUART}
	}
	return swo.SwoStart(sink.SwoBaud)
}

// EraseAll reports that this family has no mass-erase routine.
func (Default) EraseAll(ctx context.Context) (EraseAllFunc, bool) {
	return nil, false
}
