package terminal

import (
	"context"
	"fmt"
	"time"

	"paramctl/pkg/metrics"
	"paramctl/pkg/protocol"
	"paramctl/pkg/store"

	"github.com/rs/zerolog"
)

// MonitorConfig holds Monitor configuration.
type MonitorConfig struct {
	Interval         time.Duration // sweep interval (default 30s)
	HeartbeatTimeout time.Duration // silence after which a terminal is crashed (default 30s)
}

func (c *MonitorConfig) withDefaults() MonitorConfig {
	out := *c
	if out.Interval == 0 {
		out.Interval = protocol.DefaultSweepInterval
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = protocol.DefaultHeartbeatTimeout
	}
	return out
}

// Monitor reaps terminals whose heartbeat went silent. Any number of
// monitors may sweep concurrently; each reap is a conditional transition.
type Monitor struct {
	cfg   MonitorConfig
	store Store
	log   zerolog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig, st Store, logger zerolog.Logger) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), store: st, log: logger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (m *Monitor) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("heartbeat sweep failed")
			}
		}
	}
}

// Sweep marks every live terminal silent for longer than the heartbeat
// timeout as crashed and resets its claimed or executing commands to pending.
func (m *Monitor) Sweep(ctx context.Context) ([]store.Reaped, error) {
	cutoff := m.nowFunc().Add(-m.cfg.HeartbeatTimeout)
	reason := fmt.Sprintf("no heartbeat for %s", m.cfg.HeartbeatTimeout)

	reaped, err := m.store.ReapStale(ctx, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("reap stale terminals: %w", err)
	}
	for _, r := range reaped {
		metrics.RecordTerminalCrashed(len(r.Released))
		m.log.Warn().
			Str("terminal", r.TerminalID).
			Str("role", r.Role).
			Time("last_heartbeat", r.LastHeartbeat).
			Strs("released", r.Released).
			Msg("terminal crashed")
	}
	return reaped, nil
}
