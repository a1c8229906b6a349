package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"paramctl/pkg/eventlog"
	"paramctl/pkg/protocol"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail     int
	follow   bool
	terminal string
	typ      string
	since    time.Duration
	interval time.Duration
}

// newLogsCmd creates the "paramctl logs" subcommand.
func newLogsCmd(configPath *string) *cobra.Command {
	cfg := logsConfig{interval: time.Second}

	cmd := &cobra.Command{
		Use:   "logs [command-id]",
		Short: "Query and tail the lifecycle event log",
		Long: "Displays events from the shared event log: command transitions, claim\n" +
			"resets and terminal lifecycle. Optionally filter by command, terminal or\n" +
			"event type and follow new events.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := eventlog.QueryOpts{TerminalID: cfg.terminal, Type: cfg.typ}
			if len(args) == 1 {
				opts.CommandID = args[0]
			}
			if cfg.since > 0 {
				after := time.Now().Add(-cfg.since)
				opts.After = &after
			}

			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(e.dbPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer reader.Close()

			w := cmd.OutOrStdout()
			last, err := printLogs(cmd.Context(), reader, w, opts, cfg.tail)
			if err != nil || !cfg.follow {
				return err
			}
			return followLogs(cmd.Context(), reader, w, opts, last, cfg.interval)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every second")
	cmd.Flags().StringVar(&cfg.terminal, "terminal", "", "only events of this terminal instance")
	cmd.Flags().StringVar(&cfg.typ, "type", "", "only events of this type (e.g. claim_reset)")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 1h)")

	return cmd
}

// printLogs displays the last tail matching events oldest first and returns
// the id of the newest one shown.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts, tail int) (int64, error) {
	opts.Limit = tail
	opts.Oldest = false
	events, err := r.Query(ctx, opts)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return 0, nil
	}

	slices.Reverse(events)
	for _, evt := range events {
		formatEvent(w, evt)
	}
	return events[len(events)-1].ID, nil
}

// followLogs polls for events newer than lastID until ctx is cancelled.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts, lastID int64, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	opts.Oldest = true
	opts.Limit = 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			opts.AfterID = lastID
			events, err := r.Query(ctx, opts)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for _, evt := range events {
				formatEvent(w, evt)
				lastID = evt.ID
			}
		}
	}
}

// formatEvent writes one event line.
func formatEvent(w io.Writer, evt protocol.Event) {
	fmt.Fprintf(w, "%s  %-22s %-10s", evt.CreatedAt.Local().Format(timeFormat), evt.Type, evt.Source)
	if evt.CommandID != "" {
		fmt.Fprintf(w, " command=%s", shortID(evt.CommandID))
	}
	if evt.TerminalID != "" {
		fmt.Fprintf(w, " terminal=%s", shortID(evt.TerminalID))
	}
	if evt.Payload != "" {
		fmt.Fprintf(w, " %s", evt.Payload)
	}
	fmt.Fprintln(w)
}
