package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "paramctl stop" subcommand.
func newStopCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the terminals running on this host",
		Long: "Sends SIGTERM to every terminal process with a PID file on this host\n" +
			"(only those of --role if given). Each terminal releases its claims before\n" +
			"exiting. Stale PID files are removed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runStop(cmd.OutOrStdout(), paths.RunDir, role)
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "only stop terminals of this role")

	return cmd
}

// runStop signals every live terminal with a PID file in runDir.
func runStop(w io.Writer, runDir, role string) error {
	terminals, err := localTerminals(runDir, role)
	if err != nil {
		return err
	}
	if len(terminals) == 0 {
		fmt.Fprintln(w, "no terminals running")
		return nil
	}

	for _, lt := range terminals {
		if lt.State == processStale {
			fmt.Fprintf(w, "removing stale PID file %s (process %d already dead)\n", lt.PIDFile, lt.PID)
			if err := lt.forget(); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(w, "sending SIGTERM to %s terminal (PID %d)\n", lt.Role, lt.PID)
		if err := lt.stop(); err != nil {
			return err
		}
	}
	return nil
}
