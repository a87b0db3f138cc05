package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/session"
	"github.com/spf13/cobra"
)

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Halt the core and report its status",
	RunE: runSimpleControl(func(ctx context.Context, h *session.CoreHandle) error {
		iface, err := h.Interface()
		if err != nil {
			return err
		}
		return iface.Halt(ctx)
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a halted core",
	RunE: runSimpleControl(func(ctx context.Context, h *session.CoreHandle) error {
		iface, err := h.Interface()
		if err != nil {
			return err
		}
		return iface.Run(ctx)
	}),
}

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Single-step a halted core",
	RunE: runSimpleControl(func(ctx context.Context, h *session.CoreHandle) error {
		iface, err := h.Interface()
		if err != nil {
			return err
		}
		return iface.Step(ctx)
	}),
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the core (and halt immediately if --halt is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		halt, _ := cmd.Flags().GetBool("halt")
		return runSimpleControl(func(ctx context.Context, h *session.CoreHandle) error {
			iface, err := h.Interface()
			if err != nil {
				return err
			}
			if halt {
				return iface.ResetAndHalt(ctx)
			}
			return iface.Reset(ctx)
		})(cmd, args)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the core's run state",
	RunE: runSimpleControl(func(ctx context.Context, h *session.CoreHandle) error {
		return nil
	}),
}

func init() {
	resetCmd.Flags().Bool("halt", false, "halt immediately after reset instead of running free")
	rootCmd.AddCommand(haltCmd, resumeCmd, stepCmd, resetCmd, statusCmd)
}

// runSimpleControl wraps a core.Interface action with the shared
// attach/checkout/detach boilerplate and prints the resulting status, since
// every run-control subcommand wants "do X, then show me where the core
// ended up."
func runSimpleControl(action func(ctx context.Context, h *session.CoreHandle) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		var info core.CoreInformation
		err := withSession(ctx, func(sess *session.Session) error {
			h, err := sess.Core(ctx, 0)
			if err != nil {
				return err
			}
			defer h.Release()

			if err := action(ctx, h); err != nil {
				return err
			}

			iface, err := h.Interface()
			if err != nil {
				return err
			}
			info, err = iface.Status(ctx)
			return err
		})
		if err != nil {
			return err
		}
		return printStatus(cmd, info)
	}
}

func printStatus(cmd *cobra.Command, info core.CoreInformation) error {
	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Status     string `json:"status"`
			HaltReason string `json:"halt_reason,omitempty"`
		}{Status: info.Status.String(), HaltReason: info.HaltReason.String()})
	}
	if info.Status == core.StatusHalted {
		fmt.Fprintf(cmd.OutOrStdout(), "halted (%s)\n", info.HaltReason)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", info.Status)
	}
	return nil
}
