package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opendap-project/godap/pkg/session"
	"github.com/spf13/cobra"
)

var memReadCmd = &cobra.Command{
	Use:   "read <address> <length>",
	Short: "Read target memory (ARM cores only)",
	Args:  cobra.ExactArgs(2),
	RunE:  runMemRead,
}

var memWriteCmd = &cobra.Command{
	Use:   "write <address> <hex-bytes>",
	Short: "Write target memory (ARM cores only)",
	Args:  cobra.ExactArgs(2),
	RunE:  runMemWrite,
}

var memCmd = &cobra.Command{
	Use:   "mem",
	Short: "Read or write target memory",
}

func init() {
	memCmd.AddCommand(memReadCmd, memWriteCmd)
	rootCmd.AddCommand(memCmd)
}

func runMemRead(cmd *cobra.Command, args []string) error {
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	length, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid length %q: %w", args[1], err)
	}

	var data []byte
	ctx := context.Background()
	err = withSession(ctx, func(sess *session.Session) error {
		mem, ok, err := sess.Memory(0)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("core 0 has no byte-addressed memory interface (RISC-V/Xtensa cores aren't supported by mem yet)")
		}
		data, err = mem.ReadRaw(uint32(addr), length)
		return err
	})
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Address uint64 `json:"address"`
			Data    string `json:"data_hex"`
		}{Address: addr, Data: hex.EncodeToString(data)})
	}
	fmt.Fprintln(cmd.OutOrStdout(), hex.Dump(data))
	return nil
}

func runMemWrite(cmd *cobra.Command, args []string) error {
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("invalid hex data %q: %w", args[1], err)
	}

	ctx := context.Background()
	return withSession(ctx, func(sess *session.Session) error {
		mem, ok, err := sess.Memory(0)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("core 0 has no byte-addressed memory interface (RISC-V/Xtensa cores aren't supported by mem yet)")
		}
		return mem.WriteRaw(uint32(addr), data)
	})
}
