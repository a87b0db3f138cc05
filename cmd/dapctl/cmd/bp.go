package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/session"
	"github.com/spf13/cobra"
)

var bpSetCmd = &cobra.Command{
	Use:   "set <unit> <address>",
	Short: "Program a hardware breakpoint unit",
	Args:  cobra.ExactArgs(2),
	RunE:  runBpSet,
}

var bpClearCmd = &cobra.Command{
	Use:   "clear <unit>",
	Short: "Clear a hardware breakpoint unit",
	Args:  cobra.ExactArgs(1),
	RunE:  runBpClear,
}

var bpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List programmed hardware breakpoints",
	Args:  cobra.NoArgs,
	RunE:  runBpList,
}

var bpCmd = &cobra.Command{
	Use:   "bp",
	Short: "Manage hardware breakpoints",
}

func init() {
	bpCmd.AddCommand(bpSetCmd, bpClearCmd, bpListCmd)
	rootCmd.AddCommand(bpCmd)
}

func runBpSet(cmd *cobra.Command, args []string) error {
	unit, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid unit %q: %w", args[0], err)
	}
	addr, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[1], err)
	}

	ctx := context.Background()
	return withSession(ctx, func(sess *session.Session) error {
		h, err := sess.Core(ctx, 0)
		if err != nil {
			return err
		}
		defer h.Release()
		iface, err := h.Interface()
		if err != nil {
			return err
		}
		return iface.SetHardwareBreakpoint(ctx, unit, addr)
	})
}

func runBpClear(cmd *cobra.Command, args []string) error {
	unit, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid unit %q: %w", args[0], err)
	}

	ctx := context.Background()
	return withSession(ctx, func(sess *session.Session) error {
		h, err := sess.Core(ctx, 0)
		if err != nil {
			return err
		}
		defer h.Release()
		iface, err := h.Interface()
		if err != nil {
			return err
		}
		return iface.ClearHardwareBreakpoint(ctx, unit)
	})
}

func runBpList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	var bps []core.Breakpoint
	var available int

	err := withSession(ctx, func(sess *session.Session) error {
		h, err := sess.Core(ctx, 0)
		if err != nil {
			return err
		}
		defer h.Release()
		iface, err := h.Interface()
		if err != nil {
			return err
		}
		bps, err = iface.HardwareBreakpoints(ctx)
		if err != nil {
			return err
		}
		available, err = iface.AvailableHardwareBreakpoints(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Available int               `json:"available"`
			Programmed []core.Breakpoint `json:"programmed"`
		}{Available: available, Programmed: bps})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d available unit(s)\n", available)
	for _, bp := range bps {
		state := "disabled"
		if bp.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  unit %d: 0x%X (%s)\n", bp.UnitIndex, bp.Address, state)
	}
	return nil
}
