package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"paramctl/pkg/config"
	"paramctl/pkg/regmap"
	"paramctl/pkg/store"
)

// env is what every database-facing subcommand starts from.
type env struct {
	paths  *Paths
	cfg    *config.Config
	dbPath string
}

// loadEnv resolves paths and loads the configuration. An explicit config
// path (flag or PARAMCTL_CONFIG) must exist; the default one may be absent,
// in which case built-in defaults apply.
func loadEnv(configFlag string) (*env, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}

	path := configFlag
	explicit := path != "" || os.Getenv("PARAMCTL_CONFIG") != ""
	if path == "" {
		path = paths.ConfigPath
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = paths.StateDBPath
	}
	return &env{paths: paths, cfg: cfg, dbPath: dbPath}, nil
}

// openStore opens the shared database, creating its directory if needed.
func (e *env) openStore(ctx context.Context) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(e.dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.Open(ctx, e.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return st, nil
}

// registers loads the configured register map. Without one, every command
// carries its own address and encoding and reconciliation has nothing to read.
func (e *env) registers() (*regmap.Map, error) {
	if e.cfg.RegisterMap == "" {
		return nil, nil
	}
	m, err := regmap.Load(e.cfg.RegisterMap)
	if err != nil {
		return nil, fmt.Errorf("load register map: %w", err)
	}
	return m, nil
}
