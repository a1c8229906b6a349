package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"paramctl/pkg/store"

	"github.com/spf13/cobra"
)

// defaultConfigYAML is written by "paramctl init". Every value shown is the
// built-in default except link.address, which has none.
const defaultConfigYAML = `# paramctl terminal configuration
link:
  address: 127.0.0.1:502   # Modbus TCP controller
  slave_id: 1
  timeout: 1s
  idle_timeout: 60s

register_map: registers.yaml

intake:
  poll_interval: 5s
  workers: 4

processor:
  default_timeout: 10s

executor:
  retries: 3              # negative disables retries
  settle: 50ms
  float_tolerance: 0.001

terminal:
  role: parameter
  heartbeat_interval: 10s

monitor:
  interval: 30s
  heartbeat_timeout: 30s

reconcile:
  interval: 0s            # 0 disables the periodic pass inside run

metrics:
  addr: ""                # e.g. ":9464"; empty disables the server
`

// defaultRegistersYAML is an example register map for a freeze-dryer line.
const defaultRegistersYAML = `parameters:
  - id: vacuum_pump_speed
    address: 35
    words: 2
    kind: float32
  - id: shelf_temperature
    address: 40
    words: 2
    kind: float32
    tolerance: 0.01
  - id: chamber_pressure_limit
    address: 44
    words: 1
    kind: holding
  - id: condenser_mode
    address: 50
    words: 1
    kind: discrete
  - id: vacuum_pump_enable
    address: 8
    words: 1
    kind: coil
`

// newInitCmd creates the "paramctl init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the paramctl home, a starter config and the shared database",
		Long: "Creates ~/.paramctl (or $PARAMCTL_HOME) with paramctl.yaml and an example\n" +
			"registers.yaml, then applies the database schema. Existing files are kept\n" +
			"unless --force is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runInit(cmd.Context(), cmd.OutOrStdout(), paths, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config files")

	return cmd
}

// runInit lays out the home directory and initialises the database.
func runInit(ctx context.Context, w io.Writer, paths *Paths, force bool) error {
	if err := os.MkdirAll(paths.Home, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", paths.Home, err)
	}

	files := []struct {
		path    string
		content string
	}{
		{paths.ConfigPath, defaultConfigYAML},
		{filepath.Join(filepath.Dir(paths.ConfigPath), "registers.yaml"), defaultRegistersYAML},
	}
	for _, f := range files {
		wrote, err := writeIfAbsent(f.path, f.content, force)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "wrote %s\n", f.path)
		} else {
			fmt.Fprintf(w, "kept  %s\n", f.path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(paths.StateDBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.Open(ctx, paths.StateDBPath)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer st.Close()
	fmt.Fprintf(w, "database ready at %s\n", paths.StateDBPath)
	return nil
}

func writeIfAbsent(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
