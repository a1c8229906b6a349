package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"paramctl/pkg/config"
	"paramctl/pkg/executor"
	"paramctl/pkg/intake"
	"paramctl/pkg/link"
	"paramctl/pkg/logging"
	"paramctl/pkg/metrics"
	"paramctl/pkg/processor"
	"paramctl/pkg/protocol"
	"paramctl/pkg/reconcile"
	"paramctl/pkg/regmap"
	"paramctl/pkg/statepub"
	"paramctl/pkg/store"
	"paramctl/pkg/terminal"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// deregisterTimeout bounds the final claim release after shutdown.
const deregisterTimeout = 5 * time.Second

// newRunCmd creates the "paramctl run" subcommand.
func newRunCmd(configPath *string) *cobra.Command {
	var (
		role      string
		noMonitor bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a terminal: claim, write, verify and publish parameter commands",
		Long: "Registers a terminal instance, heartbeats, and processes pending commands\n" +
			"against the controller until SIGINT/SIGTERM. Every terminal also runs the\n" +
			"heartbeat monitor unless --no-monitor is given. On shutdown the instance is\n" +
			"marked stopped and its unfinished claims return to pending.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()

			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			if role != "" {
				e.cfg.Terminal.Role = role
			}
			if noMonitor {
				e.cfg.Monitor.Disabled = true
			}
			if e.cfg.Link.Address == "" {
				return fmt.Errorf("link.address is required to run a terminal")
			}

			release, err := claimPIDFile(e.paths.RunDir, e.cfg.Terminal.Role)
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

			regs, err := e.registers()
			if err != nil {
				return err
			}

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

			return runTerminal(ctx, terminalDeps{
				cfg:      e.cfg,
				store:    st,
				link:     l,
				regs:     regs,
				watchDir: filepath.Dir(e.dbPath),
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "terminal role (overrides terminal.role)")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not run the heartbeat monitor in this terminal")

	return cmd
}

// terminalDeps are the opened resources a terminal runs on.
type terminalDeps struct {
	cfg      *config.Config
	store    *store.Store
	link     link.Link
	regs     *regmap.Map
	watchDir string // empty disables the change watcher
}

// runTerminal registers an instance and runs it until ctx is cancelled or a
// component fails, then deregisters it.
func runTerminal(ctx context.Context, d terminalDeps) error {
	cfg := d.cfg

	reg := terminal.NewRegistry(terminal.Config{
		Role:              cfg.Terminal.Role,
		HeartbeatInterval: cfg.Terminal.HeartbeatInterval.D(),
	}, d.store, logging.Component("registry"))
	id, err := reg.Register(ctx)
	if err != nil {
		return fmt.Errorf("register terminal: %w", err)
	}
	log := logging.Component("terminal").With().Str("terminal", id).Str("role", cfg.Terminal.Role).Logger()

	ex := executor.New(executor.Config{
		Retries:        cfg.Executor.Retries,
		Settle:         cfg.Executor.Settle.D(),
		FloatTolerance: cfg.Executor.FloatTolerance,
	}, d.link, logging.Component("executor"))
	pub := statepub.New(d.store, logging.Component("statepub"))
	proc := processor.New(processor.Config{
		DefaultTimeout: cfg.Processor.DefaultTimeout.D(),
	}, d.store, ex, pub, d.link, d.regs, logging.Component("processor"))

	watchDir := d.watchDir
	if cfg.Intake.DisablePush {
		watchDir = ""
	}
	in := intake.New(intake.Config{
		WatchDir:     watchDir,
		PollInterval: cfg.Intake.PollInterval.D(),
		Workers:      cfg.Intake.Workers,
	}, d.store, proc, reg, logging.Component("intake"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return in.Run(gctx) })

	if !cfg.Monitor.Disabled {
		mon := terminal.NewMonitor(terminal.MonitorConfig{
			Interval:         cfg.Monitor.Interval.D(),
			HeartbeatTimeout: cfg.Monitor.HeartbeatTimeout.D(),
		}, d.store, logging.Component("monitor"))
		g.Go(func() error { return mon.Run(gctx) })
	}
	if cfg.Reconcile.Interval > 0 && d.regs.Len() > 0 {
		rec := reconcile.New(d.regs, d.link, d.store, logging.Component("reconcile"))
		g.Go(func() error { return rec.Run(gctx, cfg.Reconcile.Interval.D()) })
	}
	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, logging.Component("metrics"), terminalHealth(d.store, reg))
		g.Go(func() error { return srv.Run(gctx) })
	}

	log.Info().
		Int("workers", cfg.Intake.Workers).
		Bool("push", watchDir != "").
		Bool("monitor", !cfg.Monitor.Disabled).
		Int("parameters", d.regs.Len()).
		Msg("terminal running")

	runErr := g.Wait()
	return errors.Join(runErr, deregister(ctx, reg, log))
}

// deregister stops the instance with a context that outlives the cancelled
// run context.
func deregister(ctx context.Context, reg *terminal.Registry, log zerolog.Logger) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deregisterTimeout)
	defer cancel()

	released, err := reg.Deregister(dctx)
	if err != nil {
		return fmt.Errorf("deregister terminal: %w", err)
	}
	log.Info().Strs("released", released).Msg("terminal shut down")
	return nil
}

// terminalHealth answers /healthz: healthy while this instance's row is live.
func terminalHealth(st *store.Store, reg *terminal.Registry) metrics.HealthFunc {
	return func(ctx context.Context) error {
		t, err := st.GetTerminal(ctx, reg.ID())
		if err != nil {
			return err
		}
		if t.Status != protocol.TerminalStarting && t.Status != protocol.TerminalHealthy {
			return fmt.Errorf("terminal %s is %s", t.ID, t.Status)
		}
		return nil
	}
}
