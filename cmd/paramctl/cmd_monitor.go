package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"paramctl/pkg/config"
	"paramctl/pkg/logging"
	"paramctl/pkg/protocol"
	"paramctl/pkg/store"
	"paramctl/pkg/terminal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newMonitorCmd creates the "paramctl monitor" subcommand.
func newMonitorCmd(configPath *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the heartbeat monitor without processing commands",
		Long: "Runs a monitor-role terminal that only sweeps for terminals whose heartbeat\n" +
			"is older than monitor.heartbeat_timeout, marks them crashed and returns\n" +
			"their claims to pending. With --once, performs a single sweep and exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()

			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}

			if once {
				st, err := e.openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer st.Close()
				return runSweepOnce(cmd.Context(), cmd.OutOrStdout(), e.cfg, st)
			}

			release, err := claimPIDFile(e.paths.RunDir, protocol.RoleMonitor)
			if err != nil {
				return err
			}
			defer release()
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()

			st, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			return runMonitor(ctx, e.cfg, st)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "sweep once and exit")

	return cmd
}

// runMonitor registers a monitor-role terminal, so its own liveness is
// visible, and sweeps until ctx is cancelled.
func runMonitor(ctx context.Context, cfg *config.Config, st *store.Store) error {
	reg := terminal.NewRegistry(terminal.Config{
		Role:              protocol.RoleMonitor,
		HeartbeatInterval: cfg.Terminal.HeartbeatInterval.D(),
	}, st, logging.Component("registry"))
	id, err := reg.Register(ctx)
	if err != nil {
		return fmt.Errorf("register monitor: %w", err)
	}
	log := logging.Component("monitor").With().Str("terminal", id).Logger()

	mon := terminal.NewMonitor(terminal.MonitorConfig{
		Interval:         cfg.Monitor.Interval.D(),
		HeartbeatTimeout: cfg.Monitor.HeartbeatTimeout.D(),
	}, st, logging.Component("monitor"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })

	log.Info().Dur("timeout", cfg.Monitor.HeartbeatTimeout.D()).Msg("monitor running")
	runErr := g.Wait()
	return errors.Join(runErr, deregister(ctx, reg, log))
}

// runSweepOnce performs one sweep and reports what it reaped.
func runSweepOnce(ctx context.Context, w io.Writer, cfg *config.Config, st *store.Store) error {
	mon := terminal.NewMonitor(terminal.MonitorConfig{
		Interval:         cfg.Monitor.Interval.D(),
		HeartbeatTimeout: cfg.Monitor.HeartbeatTimeout.D(),
	}, st, logging.Component("monitor"))

	reaped, err := mon.Sweep(ctx)
	if err != nil {
		return err
	}
	if len(reaped) == 0 {
		fmt.Fprintln(w, "no stale terminals")
		return nil
	}
	for _, r := range reaped {
		fmt.Fprintf(w, "crashed %s (%s), last heartbeat %s, released %d claim(s)\n",
			r.TerminalID, r.Role, r.LastHeartbeat.Format(timeFormat), len(r.Released))
	}
	return nil
}
