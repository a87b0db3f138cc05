package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opendap-project/godap/pkg/core"
	"github.com/opendap-project/godap/pkg/coredump"
	"github.com/opendap-project/godap/pkg/session"
	"github.com/spf13/cobra"
)

var (
	coredumpRegs      []string
	coredumpMemRanges []string
)

var coredumpCmd = &cobra.Command{
	Use:   "coredump <output-file>",
	Short: "Capture a core's registers and memory to a portable dump file",
	Long: `Halts the core (if not already halted), reads the named registers and
memory ranges, and writes a self-describing dump file that pkg/coredump can
later read without a probe attached.

Example:
  dapctl coredump --regs r0,r1,sp,pc --mem 0x20000000:256 out.dump`,
	Args: cobra.ExactArgs(1),
	RunE: runCoredump,
}

func init() {
	coredumpCmd.Flags().StringSliceVar(&coredumpRegs, "regs", []string{"r0", "r1", "r2", "r3", "sp", "lr", "pc", "xpsr"}, "registers to capture")
	coredumpCmd.Flags().StringSliceVar(&coredumpMemRanges, "mem", nil, "memory ranges to capture, as start:length (e.g. 0x20000000:256)")
	rootCmd.AddCommand(coredumpCmd)
}

func parseMemRange(spec string) (coredump.MemoryRange, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return coredump.MemoryRange{}, fmt.Errorf("invalid --mem range %q (want start:length)", spec)
	}
	start, err := strconv.ParseUint(parts[0], 0, 32)
	if err != nil {
		return coredump.MemoryRange{}, fmt.Errorf("invalid --mem start %q: %w", parts[0], err)
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil {
		return coredump.MemoryRange{}, fmt.Errorf("invalid --mem length %q: %w", parts[1], err)
	}
	return coredump.MemoryRange{Start: start, Data: make([]byte, length)}, nil
}

func runCoredump(cmd *cobra.Command, args []string) error {
	outPath := args[0]

	regs := make([]coredump.RegisterSet, len(coredumpRegs))
	for i, name := range coredumpRegs {
		id, err := resolveRegID(name)
		if err != nil {
			return err
		}
		regs[i] = coredump.RegisterSet{Name: name, RegID: id}
	}

	ranges := make([]coredump.MemoryRange, len(coredumpMemRanges))
	for i, spec := range coredumpMemRanges {
		rng, err := parseMemRange(spec)
		if err != nil {
			return err
		}
		ranges[i] = rng
	}

	ctx := context.Background()
	var rec coredump.Record

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
		info, err := iface.Status(ctx)
		if err != nil {
			return err
		}
		if info.Status != core.StatusHalted {
			if err := iface.Halt(ctx); err != nil {
				return fmt.Errorf("halting before capture: %w", err)
			}
		}

		staticCore, err := h.Static()
		if err != nil {
			return err
		}

		var mem coredump.MemoryReader
		if len(ranges) > 0 {
			m, ok, err := sess.Memory(0)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("--mem given but core 0 has no byte-addressed memory interface")
			}
			mem = m
		}

		rec, err = coredump.Capture(ctx, iface, staticCore.Name, staticCore.CoreType, regs, mem, ranges)
		return err
	})
	if err != nil {
		return err
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer f.Close()

	if err := coredump.Write(f, rec); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d register(s), %d memory range(s)\n", outPath, len(rec.Registers), len(rec.Memory))
	}
	return nil
}
