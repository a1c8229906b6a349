// Package intake turns pending commands into claimed work. Two producers
// feed one consumer: an fsnotify watch on the shared database (push) and a
// periodic scan (poll). Both may report the same command any number of times;
// Offer claims each one with a conditional update so exactly one terminal
// ever executes it.
package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"paramctl/pkg/metrics"
	"paramctl/pkg/protocol"

	"github.com/rs/zerolog"
)

// --- Interfaces for testability ---

// Claimer is the store side of intake.
type Claimer interface {
	ClaimCommand(ctx context.Context, id, terminalID string) (bool, error)
	PendingCommandIDs(ctx context.Context, limit int) ([]string, error)
}

// Handler executes a claimed command.
type Handler interface {
	Handle(ctx context.Context, id, terminalID string) error
}

// Identity reports the current terminal instance id. It may change when the
// terminal is re-registered after being reaped.
type Identity interface {
	ID() string
}

// --- Config ---

// Config holds Intake configuration.
type Config struct {
	WatchDir     string        // directory holding the database; empty disables push
	PollInterval time.Duration // scan interval (default 5s)
	Workers      int           // concurrent handlers (default 4)
	BatchSize    int           // pending ids read per scan (default 100)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval == 0 {
		out.PollInterval = protocol.DefaultPollInterval
	}
	if out.Workers == 0 {
		out.Workers = 4
	}
	if out.BatchSize == 0 {
		out.BatchSize = 100
	}
	return out
}

// Intake claims pending commands and hands them to a Handler.
type Intake struct {
	cfg     Config
	claimer Claimer
	handler Handler
	self    Identity
	log     zerolog.Logger

	slots    chan struct{}
	mu       sync.Mutex
	inflight map[string]struct{}
	handlers sync.WaitGroup
}

// New creates an Intake.
func New(cfg Config, claimer Claimer, handler Handler, self Identity, logger zerolog.Logger) *Intake {
	resolved := cfg.withDefaults()
	return &Intake{
		cfg:      resolved,
		claimer:  claimer,
		handler:  handler,
		self:     self,
		log:      logger,
		slots:    make(chan struct{}, resolved.Workers),
		inflight: make(map[string]struct{}),
	}
}

// Run drives both producers until ctx is cancelled, then waits for running
// handlers to return.
func (in *Intake) Run(ctx context.Context) error {
	in.scan(ctx)
	in.watchLoop(ctx)
	in.handlers.Wait()
	return nil
}

// Offer is the single consumption stage. For each id not already in flight
// here it waits for a free worker, claims the command and starts the handler.
// A lost claim is a benign conflict. Offer returns once every id has been
// claimed or discarded; it does not wait for handlers.
func (in *Intake) Offer(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if !in.track(id) {
			continue
		}

		select {
		case in.slots <- struct{}{}:
		case <-ctx.Done():
			in.untrack(id)
			return
		}

		terminalID := in.self.ID()
		won, err := in.claimer.ClaimCommand(ctx, id, terminalID)
		if err != nil || !won {
			<-in.slots
			in.untrack(id)
			if err != nil {
				in.log.Warn().Err(err).Str("command", id).Msg("claim failed")
				continue
			}
			metrics.RecordClaimConflict()
			in.log.Debug().Str("command", id).Msg("claim conflict; command taken elsewhere")
			continue
		}

		in.handlers.Add(1)
		go func() {
			defer in.handlers.Done()
			defer func() {
				<-in.slots
				in.untrack(id)
			}()
			if err := in.handler.Handle(ctx, id, terminalID); err != nil {
				ev := in.log.Error()
				if errors.Is(err, protocol.ErrClaimLost) || ctx.Err() != nil {
					ev = in.log.Info()
				}
				ev.Err(err).Str("command", id).Msg("command handling ended early")
			}
		}()
	}
}

// Wait blocks until every started handler has returned.
func (in *Intake) Wait() {
	in.handlers.Wait()
}

// scan offers every pending command, oldest first.
func (in *Intake) scan(ctx context.Context) {
	ids, err := in.claimer.PendingCommandIDs(ctx, in.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			in.log.Warn().Err(err).Msg("pending scan failed")
		}
		return
	}
	if len(ids) > 0 {
		in.Offer(ctx, ids...)
	}
}

func (in *Intake) track(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, busy := in.inflight[id]; busy {
		return false
	}
	in.inflight[id] = struct{}{}
	return true
}

func (in *Intake) untrack(id string) {
	in.mu.Lock()
	delete(in.inflight, id)
	in.mu.Unlock()
}
