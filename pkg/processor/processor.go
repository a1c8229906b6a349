// Package processor drives one claimed command through its state machine:
// claimed -> executing -> completed | failed | timed_out.
//
// Every transition is a conditional update on the command's current status
// and claimant. When one of them affects no row the heartbeat monitor has
// reset the claim and another terminal may already own the command, so the
// processor abandons it without touching it again.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"paramctl/pkg/executor"
	"paramctl/pkg/metrics"
	"paramctl/pkg/protocol"
	"paramctl/pkg/regmap"
	"paramctl/pkg/statepub"
	"paramctl/pkg/store"

	"github.com/rs/zerolog"
)

// --- Interfaces for testability ---

// CommandStore is the persistence the processor drives transitions through.
type CommandStore interface {
	GetCommand(ctx context.Context, id string) (protocol.Command, error)
	MarkExecuting(ctx context.Context, id, terminalID string, at time.Time) error
	FinishCommand(ctx context.Context, id, terminalID string, r store.Result) error
	ReleaseCommand(ctx context.Context, id, terminalID, reason string) (bool, error)
	LogEvent(ctx context.Context, e protocol.Event) error
}

// Executor performs the write/verify cycle.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (executor.Outcome, error)
}

// Publisher records a verified value as the parameter's current state.
type Publisher interface {
	Publish(ctx context.Context, u statepub.Update) error
}

// Resetter discards a hardware connection left in an unknown state.
type Resetter interface {
	Reset()
}

// --- Config ---

// Config holds Processor configuration.
type Config struct {
	DefaultTimeout time.Duration // budget for commands without their own (default 10s)
	StoreRetries   int           // extra tries for a failed transition write (default 5)
	StoreBackoff   time.Duration // first pause between those tries, doubling (default 100ms)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultTimeout == 0 {
		out.DefaultTimeout = protocol.DefaultCommandTimeout
	}
	if out.StoreRetries <= 0 {
		out.StoreRetries = protocol.DefaultStoreRetries
	}
	if out.StoreBackoff <= 0 {
		out.StoreBackoff = protocol.DefaultStoreBackoff
	}
	return out
}

// Processor executes claimed commands.
type Processor struct {
	cfg   Config
	store CommandStore
	exec  Executor
	pub   Publisher
	link  Resetter
	regs  *regmap.Map // optional; supplies per-parameter tolerance
	log   zerolog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Processor. regs may be nil.
func New(cfg Config, st CommandStore, ex Executor, pub Publisher, link Resetter, regs *regmap.Map, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:     cfg.withDefaults(),
		store:   st,
		exec:    ex,
		pub:     pub,
		link:    link,
		regs:    regs,
		log:     logger,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (p *Processor) SetNowFunc(fn func() time.Time) {
	p.nowFunc = fn
}

// Handle drives command id, already claimed by terminalID, to a terminal
// status. It returns nil once an outcome is recorded (failed and timed_out
// included) and an error wrapping protocol.ErrClaimLost when the command was
// abandoned. When a transition cannot be written after retries the command
// is released back to pending and the store error is returned.
func (p *Processor) Handle(ctx context.Context, id, terminalID string) error {
	log := p.log.With().Str("command", id).Str("terminal", terminalID).Logger()

	var cmd protocol.Command
	err := p.persist(ctx, log, "load", func(ctx context.Context) error {
		var err error
		cmd, err = p.store.GetCommand(ctx, id)
		return err
	})
	if errors.Is(err, protocol.ErrNotFound) {
		return fmt.Errorf("load command %s: %w", id, err)
	}
	if err != nil {
		return p.release(ctx, log, id, terminalID, fmt.Errorf("load command %s: %w", id, err))
	}
	if cmd.Status != protocol.StatusClaimed || cmd.ClaimedBy != terminalID {
		return p.abandon(ctx, log, id, terminalID, fmt.Sprintf("found %s by %q", cmd.Status, cmd.ClaimedBy))
	}
	log = log.With().Str("parameter", cmd.ParameterID).Logger()

	executedAt := p.nowFunc()
	err = p.persist(ctx, log, "mark executing", func(ctx context.Context) error {
		return p.store.MarkExecuting(ctx, id, terminalID, executedAt)
	})
	if err != nil {
		if errors.Is(err, protocol.ErrClaimLost) {
			return p.abandon(ctx, log, id, terminalID, "reset before execution")
		}
		return p.release(ctx, log, id, terminalID, err)
	}

	req, err := p.request(cmd)
	if err != nil {
		return p.finish(ctx, log, id, terminalID, store.Result{
			Status: protocol.StatusFailed, At: p.nowFunc(), Kind: protocol.KindInvalid, Detail: err.Error(),
		})
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	out, err := p.execute(ctx, req, executedAt, timeout)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, protocol.ErrCommandTimeout) {
			// Shutdown. The claim is released on deregistration and the
			// command runs again elsewhere.
			return fmt.Errorf("command %s interrupted: %w", id, err)
		}
		return p.fail(ctx, log, cmd, terminalID, out, err)
	}

	doneAt := p.nowFunc()
	if err := p.pub.Publish(ctx, statepub.Update{
		ParameterID: cmd.ParameterID,
		Value:       out.ReadBack,
		Address:     cmd.Address,
		Encoding:    cmd.ProtocolType,
		At:          doneAt,
	}); err != nil {
		metrics.RecordPublishFailure()
		log.Warn().Err(err).Msg("state publish failed; reconciliation will correct it")
		_ = p.store.LogEvent(ctx, protocol.Event{
			Type: protocol.EventPublishFailed, Source: terminalID, CommandID: id, TerminalID: terminalID,
			Payload: fmt.Sprintf(`{"error":%q}`, err.Error()),
		})
	}

	return p.finish(ctx, log, id, terminalID, store.Result{
		Status: protocol.StatusCompleted, At: doneAt, Attempts: out.Attempts,
	})
}

// request validates cmd against the register map and builds the executor
// request.
func (p *Processor) request(cmd protocol.Command) (executor.Request, error) {
	if !cmd.ProtocolType.Valid() {
		return executor.Request{}, &protocol.InvalidCommandError{
			CommandID: cmd.ID, Reason: fmt.Sprintf("unknown protocol type %q", cmd.ProtocolType),
		}
	}
	req := executor.Request{
		CommandID: cmd.ID,
		Address:   cmd.Address,
		Kind:      cmd.ProtocolType,
		Value:     cmd.TargetValue,
	}
	if e, ok := p.regs.Lookup(cmd.ParameterID); ok {
		if e.Address != cmd.Address || e.Kind != cmd.ProtocolType {
			return executor.Request{}, &protocol.InvalidCommandError{
				CommandID: cmd.ID,
				Reason: fmt.Sprintf("register map places %s at %d/%s, command says %d/%s",
					cmd.ParameterID, e.Address, e.Kind, cmd.Address, cmd.ProtocolType),
			}
		}
		req.Tolerance = e.Tolerance
	}
	return req, nil
}

// execute runs the executor with a budget measured from the executing
// timestamp. It stops waiting when the budget is spent even if the executor
// has not returned.
func (p *Processor) execute(ctx context.Context, req executor.Request, executedAt time.Time, timeout time.Duration) (executor.Outcome, error) {
	execCtx, cancel := context.WithDeadline(ctx, executedAt.Add(timeout))
	defer cancel()

	var started atomic.Int32
	req.Started = &started

	type result struct {
		out executor.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := p.exec.Execute(execCtx, req)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-execCtx.Done():
		out := executor.Outcome{Attempts: int(started.Load())}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("%w: no result within %s", protocol.ErrCommandTimeout, timeout)
	}
}

// fail records a failed or timed-out execution.
func (p *Processor) fail(ctx context.Context, log zerolog.Logger, cmd protocol.Command, terminalID string, out executor.Outcome, err error) error {
	kind := protocol.ClassifyError(err)
	status := protocol.StatusFailed
	if kind == protocol.KindTimeout {
		status = protocol.StatusTimedOut
		// The wire may still hold a half-finished exchange.
		p.link.Reset()
	}
	log.Warn().Err(err).Str("kind", string(kind)).Int("attempts", out.Attempts).Msg("command did not complete")

	return p.finish(ctx, log, cmd.ID, terminalID, store.Result{
		Status: status, At: p.nowFunc(), Kind: kind, Detail: err.Error(), Attempts: out.Attempts,
	})
}

// finish records the terminal outcome.
func (p *Processor) finish(ctx context.Context, log zerolog.Logger, id, terminalID string, r store.Result) error {
	err := p.persist(ctx, log, "finish", func(ctx context.Context) error {
		return p.store.FinishCommand(ctx, id, terminalID, r)
	})
	if err != nil {
		if errors.Is(err, protocol.ErrClaimLost) {
			return p.abandon(ctx, log, id, terminalID, "reset before "+string(r.Status))
		}
		return p.release(ctx, log, id, terminalID, err)
	}
	metrics.RecordCommand(string(r.Status))
	log.Info().Str("status", string(r.Status)).Int("attempts", r.Attempts).Msg("command finished")
	return nil
}

// persist runs one store call, retrying store errors with a doubling
// pause. A lost claim or a missing row is final and returned at once. The write runs detached
// from ctx: once hardware I/O has happened its outcome must still be recorded
// during shutdown.
func (p *Processor) persist(ctx context.Context, log zerolog.Logger, op string, write func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	pause := p.cfg.StoreBackoff
	for try := 0; ; try++ {
		err := write(ctx)
		if err == nil || errors.Is(err, protocol.ErrClaimLost) || errors.Is(err, protocol.ErrNotFound) || try == p.cfg.StoreRetries {
			return err
		}
		log.Warn().Err(err).Str("op", op).Int("try", try+1).Dur("pause", pause).Msg("store write failed; retrying")
		time.Sleep(pause)
		pause *= 2
	}
}

// release hands a command whose transition could not be recorded back to
// pending so another delivery runs it. If even that fails the claim stays
// with this terminal until deregistration or the monitor releases it.
func (p *Processor) release(ctx context.Context, log zerolog.Logger, id, terminalID string, cause error) error {
	var released bool
	err := p.persist(ctx, log, "release", func(ctx context.Context) error {
		var err error
		released, err = p.store.ReleaseCommand(ctx, id, terminalID, "store unavailable: "+cause.Error())
		return err
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("could not release command after store failure")
		return errors.Join(cause, err)
	}
	log.Error().Err(cause).Bool("released", released).Msg("transition not recorded; command released to pending")
	return fmt.Errorf("command %s released: %w", id, cause)
}

// abandon records that this terminal no longer owns the command.
func (p *Processor) abandon(ctx context.Context, log zerolog.Logger, id, terminalID, why string) error {
	metrics.RecordClaimLost()
	log.Warn().Str("reason", why).Msg("claim lost; abandoning command")
	_ = p.store.LogEvent(ctx, protocol.Event{
		Type: protocol.EventClaimLost, Source: terminalID, CommandID: id, TerminalID: terminalID,
		Payload: fmt.Sprintf(`{"reason":%q}`, why),
	})
	return fmt.Errorf("command %s: %w", id, protocol.ErrClaimLost)
}
