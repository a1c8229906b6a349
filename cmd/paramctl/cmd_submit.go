package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"paramctl/pkg/protocol"
	"paramctl/pkg/regmap"
	"paramctl/pkg/store"

	"github.com/spf13/cobra"
)

// submitOpts holds the flags of the submit command.
type submitOpts struct {
	parameter string
	value     float64
	address   int    // -1: take it from the register map
	kind      string // empty: take it from the register map
	timeout   time.Duration
	wait      bool
	waitFor   time.Duration
	poll      time.Duration
}

// newSubmitCmd creates the "paramctl submit" subcommand.
func newSubmitCmd(configPath *string) *cobra.Command {
	opts := submitOpts{poll: 100 * time.Millisecond}

	cmd := &cobra.Command{
		Use:   "submit <parameter> <value>",
		Short: "Insert a pending parameter command",
		Long: "Inserts a pending command for a running terminal to pick up. Address and\n" +
			"encoding come from the register map unless --address and --kind are given.\n" +
			"With --wait, blocks until the command reaches a final status and exits\n" +
			"non-zero unless it completed.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.parameter = args[0]
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("parse value %q: %w", args[1], err)
			}
			opts.value = v

			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			regs, err := e.registers()
			if err != nil {
				return err
			}
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			return runSubmit(cmd.Context(), cmd.OutOrStdout(), st, regs, opts)
		},
	}

	cmd.Flags().IntVar(&opts.address, "address", -1, "register or coil address (overrides the register map)")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "encoding: coil, discrete, holding or float32 (overrides the register map)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "command timeout (default processor.default_timeout)")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "wait for the command to finish")
	cmd.Flags().DurationVar(&opts.waitFor, "wait-timeout", time.Minute, "give up waiting after this long")

	return cmd
}

// runSubmit inserts the command and, with opts.wait, reports its outcome.
func runSubmit(ctx context.Context, w io.Writer, st *store.Store, regs *regmap.Map, opts submitOpts) error {
	nc, err := resolveCommand(regs, opts)
	if err != nil {
		return err
	}

	id, err := st.InsertCommand(ctx, nc)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, id)
	if !opts.wait {
		return nil
	}

	cmd, err := waitCommand(ctx, st, id, opts.waitFor, opts.poll)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s", cmd.Status, cmd.ParameterID)
	if cmd.Attempts > 0 {
		fmt.Fprintf(w, " attempts=%d", cmd.Attempts)
	}
	fmt.Fprintln(w)
	if cmd.Status != protocol.StatusCompleted {
		return fmt.Errorf("command %s %s: %s: %s", id, cmd.Status, cmd.ErrorKind, cmd.ErrorDetail)
	}
	return nil
}

// resolveCommand fills address and encoding from the register map, checking
// explicit flags against it. A command the map disagrees with would only be
// rejected by the processor.
func resolveCommand(regs *regmap.Map, opts submitOpts) (store.NewCommand, error) {
	nc := store.NewCommand{
		ParameterID: opts.parameter,
		TargetValue: opts.value,
		Timeout:     opts.timeout,
	}
	if opts.address > 0xFFFF {
		return nc, fmt.Errorf("--address %d out of range", opts.address)
	}

	entry, known := regs.Lookup(opts.parameter)
	switch {
	case known:
		nc.Address, nc.ProtocolType = entry.Address, entry.Kind
		if opts.address >= 0 && uint16(opts.address) != entry.Address {
			return nc, fmt.Errorf("--address %d disagrees with the register map (%d)", opts.address, entry.Address)
		}
		if opts.kind != "" && protocol.ProtocolType(opts.kind) != entry.Kind {
			return nc, fmt.Errorf("--kind %s disagrees with the register map (%s)", opts.kind, entry.Kind)
		}
	case opts.address < 0 || opts.kind == "":
		return nc, fmt.Errorf("parameter %q is not in the register map; give --address and --kind", opts.parameter)
	default:
		nc.Address, nc.ProtocolType = uint16(opts.address), protocol.ProtocolType(opts.kind)
	}

	if !nc.ProtocolType.Valid() {
		return nc, fmt.Errorf("unknown kind %q", nc.ProtocolType)
	}
	return nc, nil
}

// waitCommand polls until the command reaches a final status.
func waitCommand(ctx context.Context, st *store.Store, id string, limit, poll time.Duration) (protocol.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var last protocol.Command
	for {
		cmd, err := st.GetCommand(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, fmt.Errorf("command %s still %s after %s", id, last.Status, limit)
			}
			return cmd, err
		}
		if cmd.Status.Terminal() {
			return cmd, nil
		}
		last = cmd
		select {
		case <-ctx.Done():
			return cmd, fmt.Errorf("command %s still %s after %s", id, cmd.Status, limit)
		case <-ticker.C:
		}
	}
}
