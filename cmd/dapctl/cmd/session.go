package cmd

import (
	"context"
	"fmt"

	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/probe"
	"github.com/opendap-project/godap/pkg/probe/blackmagic"
	"github.com/opendap-project/godap/pkg/probe/cmsisdap"
	"github.com/opendap-project/godap/pkg/probe/sim"
	"github.com/opendap-project/godap/pkg/session"
	"github.com/opendap-project/godap/pkg/target"
)

// openProbe opens the backend named by --probe. "simulator" needs no
// hardware and is the default, matching the teacher CLI's practice of
// always keeping a no-hardware path available for development.
func openProbe() (probe.Probe, error) {
	switch probeKind {
	case "simulator", "sim":
		if verbose {
			fmt.Println("using simulator probe")
		}
		return sim.New(sim.DefaultConfig()), nil
	case "cmsisdap", "cmsis", "dap":
		if verbose {
			fmt.Printf("opening CMSIS-DAP probe %04X:%04X\n", vid, pid)
		}
		return cmsisdap.Open(vid, pid)
	case "blackmagic", "bmp":
		if verbose {
			fmt.Printf("opening Black Magic Probe at %s\n", btDevice)
		}
		return blackmagic.Open(btDevice)
	default:
		return nil, fmt.Errorf("unknown probe backend %q (supported: simulator, cmsisdap, blackmagic)", probeKind)
	}
}

// buildTarget assembles the single-core ad-hoc target.Target described by
// the --core-type/--ap/--tap-index family of flags. dapctl has no target
// registry or BSDL/IDCODE auto-detect; see DESIGN.md for why that scope was
// cut.
func buildTarget() (target.Target, error) {
	ct := target.CoreType(coreTypeFlag)
	core := target.Core{ID: 0, Name: "core0", CoreType: ct, Sequence: sequenceName}

	switch ct {
	case target.ArmV6M, target.ArmV7M, target.ArmV7EM, target.ArmV8M, target.ArmV7A, target.ArmV8A:
		core.Options = target.ArmAccessOptions{
			Dp:        dap.DefaultDP,
			AP:        apSelect,
			DebugBase: debugBase,
			CtiBase:   ctiBase,
		}
	case target.Riscv, target.Xtensa:
		core.Options = target.JtagAccessOptions{TapIndex: tapIndex}
	default:
		return target.Target{}, fmt.Errorf("unknown core type %q", coreTypeFlag)
	}

	tgt := target.Target{Name: "dapctl-target", Cores: []target.Core{core}, Sequence: sequenceName}
	if err := tgt.Validate(); err != nil {
		return target.Target{}, err
	}
	return tgt, nil
}

// withSession opens a probe, attaches a Session built from the global
// target flags, runs fn against it, and detaches — the per-invocation
// lifecycle every subcommand below shares, since each dapctl invocation is
// its own process with no persistent daemon.
func withSession(ctx context.Context, fn func(*session.Session) error) error {
	p, err := openProbe()
	if err != nil {
		return fmt.Errorf("opening probe: %w", err)
	}

	tgt, err := buildTarget()
	if err != nil {
		p.Close()
		return fmt.Errorf("building target: %w", err)
	}

	sess := session.New(p, tgt, nil)
	opts := session.AttachOptions{UnderReset: underReset}
	if err := sess.Attach(ctx, opts); err != nil {
		p.Close()
		return fmt.Errorf("attach: %w", err)
	}

	fnErr := fn(sess)

	if err := sess.Detach(ctx); err != nil && fnErr == nil {
		fnErr = fmt.Errorf("detach: %w", err)
	}
	return fnErr
}
