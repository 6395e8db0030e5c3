package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/myworld/mywdb/internal/replication"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage named data version checkpoints",
}

var checkpointSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Set a checkpoint at the current data version",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointSet,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List checkpoints matching a glob",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheckpointList,
}

var checkpointDropCmd = &cobra.Command{
	Use:   "drop <name>",
	Short: "Drop a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointDrop,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointSetCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointDropCmd)
}

func withEngine(cmd *cobra.Command, operation string, fn func(e *replication.Engine) error) error {
	a, err := openApp(operation)
	if err != nil {
		return err
	}
	defer a.Close()
	s, err := a.Engine(cmd.Context())
	if err != nil {
		return err
	}
	return fn(engineOf(s))
}

func runCheckpointSet(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, "checkpoint", func(e *replication.Engine) error {
		cp, err := e.SetCheckpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(cp, "Checkpoint %s set at version %d", cp.Name, cp.Version)
	})
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	spec := "*"
	if len(args) == 1 {
		spec = args[0]
	}
	return withEngine(cmd, "checkpoint", func(e *replication.Engine) error {
		cps, err := e.Checkpoints(cmd.Context(), spec)
		if err != nil {
			return err
		}
		if jsonOut {
			return printResult(cps, "")
		}
		for _, cp := range cps {
			fmt.Printf("%-40s %8d  %s\n", cp.Name, cp.Version, cp.Date.Format("2006-01-02 15:04:05"))
		}
		return nil
	})
}

func runCheckpointDrop(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, "checkpoint", func(e *replication.Engine) error {
		if err := e.DropCheckpoint(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Dropped checkpoint %s\n", args[0])
		return nil
	})
}
