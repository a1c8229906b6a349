// Package terminal tracks the liveness of cooperating terminal processes.
// A Registry announces this process and keeps its heartbeat fresh; a Monitor
// declares silent terminals crashed and returns their claimed commands to
// the queue.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"paramctl/pkg/protocol"
	"paramctl/pkg/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence used by the registry and the monitor.
type Store interface {
	RegisterTerminal(ctx context.Context, t protocol.Terminal) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	StopTerminal(ctx context.Context, id string, at time.Time) ([]string, error)
	ReapStale(ctx context.Context, cutoff time.Time, reason string) ([]store.Reaped, error)
	LogEvent(ctx context.Context, e protocol.Event) error
}

// Config holds Registry configuration.
type Config struct {
	Role              string        // default "parameter"
	HeartbeatInterval time.Duration // default 10s
	Host              string        // default os.Hostname
	PID               int           // default os.Getpid
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Role == "" {
		out.Role = protocol.RoleParameter
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	if out.Host == "" {
		out.Host, _ = os.Hostname()
	}
	if out.PID == 0 {
		out.PID = os.Getpid()
	}
	return out
}

// Registry owns this process's terminal row.
type Registry struct {
	cfg   Config
	store Store
	log   zerolog.Logger

	mu sync.Mutex
	id string

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewRegistry creates a Registry. Call Register before Run.
func NewRegistry(cfg Config, st Store, logger zerolog.Logger) *Registry {
	return &Registry{cfg: cfg.withDefaults(), store: st, log: logger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// ID returns the current instance id, empty before Register.
func (r *Registry) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Register inserts a fresh instance row in the starting state.
func (r *Registry) Register(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := r.store.RegisterTerminal(ctx, protocol.Terminal{
		ID:        id,
		Role:      r.cfg.Role,
		PID:       r.cfg.PID,
		Host:      r.cfg.Host,
		StartedAt: r.nowFunc(),
	}); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	r.log.Info().Str("terminal", id).Str("role", r.cfg.Role).Msg("terminal registered")
	return id, nil
}

// Run refreshes the heartbeat every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Beat(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Msg("heartbeat failed")
	}

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Beat(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// Beat sends one heartbeat. When the monitor has already declared this
// instance crashed, its claims are gone; Beat registers a new instance id
// and carries on under it.
func (r *Registry) Beat(ctx context.Context) error {
	old := r.ID()
	err := r.store.Heartbeat(ctx, old, r.nowFunc())
	if !errors.Is(err, protocol.ErrTerminalReaped) {
		return err
	}

	r.log.Warn().Str("terminal", old).Msg("terminal was reaped; re-registering")
	id, err := r.Register(ctx)
	if err != nil {
		return fmt.Errorf("re-register after reap: %w", err)
	}
	_ = r.store.LogEvent(ctx, protocol.Event{
		Type: protocol.EventReregistered, Source: r.cfg.Role, TerminalID: id,
		Payload: fmt.Sprintf(`{"previous":%q}`, old),
	})
	return nil
}

// Deregister marks the instance stopped and releases its unfinished claims
// back to pending. It returns the released command ids.
func (r *Registry) Deregister(ctx context.Context) ([]string, error) {
	id := r.ID()
	if id == "" {
		return nil, nil
	}
	released, err := r.store.StopTerminal(ctx, id, r.nowFunc())
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("terminal", id).Int("released", len(released)).Msg("terminal stopped")
	return released, nil
}
