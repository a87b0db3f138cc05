package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags, the same way the teacher's jtag CLI keeps -v as a
	// persistent flag on rootCmd.
	verbose bool
	jsonOut bool

	// Probe selection.
	probeKind string
	vid       uint16
	pid       uint16
	btDevice  string

	// Target selection. dapctl has no target registry or IDCODE
	// auto-detect (see DESIGN.md); it builds a single-core ad-hoc
	// target.Target directly from these flags.
	coreTypeFlag string
	apSelect     uint64
	debugBase    uint64
	ctiBase      uint64
	tapIndex     int
	sequenceName string
	underReset   bool
)

var rootCmd = &cobra.Command{
	Use:   "dapctl",
	Short: "Debug probe control for ARM, RISC-V, and Xtensa cores",
	Long: `dapctl attaches to a single core through a debug probe and drives
it: halt, resume, step, register and memory access, hardware breakpoints,
and core dumps.

Examples:
  dapctl probes
  dapctl --probe simulator --core-type armv7m halt
  dapctl --probe cmsisdap --core-type armv7em --under-reset regs read pc sp
  dapctl --probe simulator --core-type armv7m coredump out.dump`,
	Version: "0.1.0",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON instead of text")

	rootCmd.PersistentFlags().StringVar(&probeKind, "probe", "simulator", "probe backend (simulator, cmsisdap, blackmagic)")
	rootCmd.PersistentFlags().Uint16Var(&vid, "vid", 0x2E8A, "CMSIS-DAP USB vendor ID")
	rootCmd.PersistentFlags().Uint16Var(&pid, "pid", 0x000C, "CMSIS-DAP USB product ID")
	rootCmd.PersistentFlags().StringVar(&btDevice, "bmp-device", "/dev/ttyACM0", "Black Magic Probe GDB serial device path")

	rootCmd.PersistentFlags().StringVar(&coreTypeFlag, "core-type", "armv7m", "core type (armv6m, armv7m, armv7em, armv8m, armv7a, armv8a, riscv, xtensa)")
	rootCmd.PersistentFlags().Uint64Var(&apSelect, "ap", 0, "MEM-AP select (ARM cores)")
	rootCmd.PersistentFlags().Uint64Var(&debugBase, "debug-base", 0, "debug component base address (ARMv7-A/v8-A)")
	rootCmd.PersistentFlags().Uint64Var(&ctiBase, "cti-base", 0, "Cross-Trigger Interface base address (ARMv8-A)")
	rootCmd.PersistentFlags().IntVar(&tapIndex, "tap-index", 0, "scan chain TAP index (RISC-V/Xtensa cores)")
	rootCmd.PersistentFlags().StringVar(&sequenceName, "sequence", "", "named vendor debug sequence to use (default: the ARM-standard sequence)")
	rootCmd.PersistentFlags().BoolVar(&underReset, "under-reset", false, "hold the target in reset until debug logic is armed")
}
