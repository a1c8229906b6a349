package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"paramctl/pkg/link"
	"paramctl/pkg/logging"
	"paramctl/pkg/reconcile"

	"github.com/spf13/cobra"
)

// newReconcileCmd creates the "paramctl reconcile" subcommand.
func newReconcileCmd(configPath *string) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Read every mapped parameter from the controller into parameter state",
		Long: "Reads the live value of every register map entry and records it as\n" +
			"parameter state. A newer published value is never overwritten. With\n" +
			"--every, repeats until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()

			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			if e.cfg.Link.Address == "" {
				return fmt.Errorf("link.address is required to reconcile")
			}
			regs, err := e.registers()
			if err != nil {
				return err
			}
			if regs.Len() == 0 {
				return fmt.Errorf("no register map configured")
			}

			ctx, stop := shutdownContext(cmd.Context())
			defer stop()

			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			l, err := link.Dial(link.Config{
				Address:     e.cfg.Link.Address,
				SlaveID:     e.cfg.Link.SlaveID,
				Timeout:     e.cfg.Link.Timeout.D(),
				IdleTimeout: e.cfg.Link.IdleTimeout.D(),
			}, logging.Component("link"))
			if err != nil {
				return fmt.Errorf("connect controller: %w", err)
			}
			defer l.Close()

			rec := reconcile.New(regs, l, st, logging.Component("reconcile"))
			if every > 0 {
				return rec.Run(ctx, every)
			}
			return runReconcile(ctx, cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().DurationVar(&every, "every", 0, "repeat at this interval until interrupted")

	return cmd
}

// runReconcile performs one pass and prints a line per parameter.
func runReconcile(ctx context.Context, w io.Writer, rec *reconcile.Reconciler) error {
	results, err := rec.Once(ctx)
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%-28s error: %v\n", r.Parameter, r.Err)
		case r.Applied:
			fmt.Fprintf(w, "%-28s %s\n", r.Parameter, formatValue(r.Value))
		default:
			fmt.Fprintf(w, "%-28s %s (kept newer published value)\n", r.Parameter, formatValue(r.Value))
		}
	}
	return err
}
