package main

import (
	"fmt"

	"paramctl/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root paramctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "paramctl",
		Short: "Multi-terminal parameter command orchestration",
		Long: "paramctl drives parameter-change commands from the shared database to the\n" +
			"controller. Every terminal process claims, writes, verifies and publishes\n" +
			"commands; a heartbeat monitor returns the claims of dead terminals.",
		Version:       fmt.Sprintf("paramctl %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $PARAMCTL_CONFIG or ~/.paramctl/paramctl.yaml)")

	cmd.AddCommand(
		newInitCmd(),
		newRunCmd(&configPath),
		newMonitorCmd(&configPath),
		newSubmitCmd(&configPath),
		newStatusCmd(&configPath),
		newLogsCmd(&configPath),
		newReconcileCmd(&configPath),
		newStopCmd(),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "paramctl version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the paramctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "paramctl %s\n", version.String())
			return nil
		},
	}
}
