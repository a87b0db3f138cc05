package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opendap-project/godap/pkg/probe"
	"github.com/spf13/cobra"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List connected debug probes",
	RunE:  runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	found, err := probe.DiscoverProbes(context.Background())
	if err != nil {
		return fmt.Errorf("discovering probes: %w", err)
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}

	for _, d := range found {
		fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", d.Kind, d.Label())
	}
	return nil
}
