// Package executor performs the write-then-verify cycle for one parameter
// value over the hardware link: encode, write, settle, read back, compare,
// retrying a bounded number of times.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"paramctl/pkg/link"
	"paramctl/pkg/metrics"
	"paramctl/pkg/protocol"
	"paramctl/pkg/regmap"

	"github.com/rs/zerolog"
)

// Config holds Executor configuration.
type Config struct {
	Retries        int           // additional attempts after the first (default 3, negative for none)
	Settle         time.Duration // wait between write and read-back (default 50ms)
	FloatTolerance float64       // float32 read-back tolerance (default 1e-3)
}

func (c *Config) withDefaults() Config {
	out := *c
	switch {
	case out.Retries == 0:
		out.Retries = protocol.DefaultRetries
	case out.Retries < 0:
		out.Retries = 0
	}
	if out.Settle <= 0 {
		out.Settle = protocol.DefaultSettleInterval
	}
	if out.FloatTolerance <= 0 {
		out.FloatTolerance = protocol.DefaultFloatTolerance
	}
	return out
}

// Request is one value to write and verify.
type Request struct {
	CommandID string
	Address   uint16
	Kind      protocol.ProtocolType
	Value     float64
	Tolerance float64 // float32 only; zero means Config.FloatTolerance

	// Started, when set, counts attempts as they begin. Callers that stop
	// waiting before Execute returns read it for the attempt count.
	Started *atomic.Int32
}

// Outcome reports how a run ended. Attempts is set on failure too.
type Outcome struct {
	Attempts int
	ReadBack float64
}

// Executor drives write/verify cycles. Safe for concurrent use; the link
// serializes the wire.
type Executor struct {
	cfg  Config
	link link.Link
	log  zerolog.Logger
}

// New creates an Executor over l.
func New(cfg Config, l link.Link, logger zerolog.Logger) *Executor {
	return &Executor{cfg: cfg.withDefaults(), link: l, log: logger}
}

// Execute writes req.Value and confirms it by reading it back.
//
// Errors: *protocol.InvalidCommandError when the value cannot be encoded (no
// I/O is attempted), *protocol.ProtocolError or *protocol.MismatchError for
// the last failed attempt once retries are exhausted, and an error wrapping
// protocol.ErrCommandTimeout when ctx ends first.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	out, err := e.execute(ctx, req)
	metrics.ObserveWriteVerify(string(req.Kind), time.Since(start), err == nil)
	return out, err
}

func (e *Executor) execute(ctx context.Context, req Request) (Outcome, error) {
	words, err := regmap.Encode(req.Kind, req.Value)
	if err != nil {
		return Outcome{}, &protocol.InvalidCommandError{CommandID: req.CommandID, Reason: err.Error()}
	}
	// Compare against what the register can actually hold, not the
	// requested float64.
	want, err := regmap.Decode(req.Kind, words)
	if err != nil {
		return Outcome{}, &protocol.InvalidCommandError{CommandID: req.CommandID, Reason: err.Error()}
	}
	floatTol := req.Tolerance
	if floatTol <= 0 {
		floatTol = e.cfg.FloatTolerance
	}
	tol := regmap.Tolerance(req.Kind, floatTol)

	log := e.log.With().Str("command", req.CommandID).Uint16("address", req.Address).
		Str("kind", string(req.Kind)).Logger()

	var lastErr error
	attempts := 1 + e.cfg.Retries
	for attempt := 1; attempt <= attempts; attempt++ {
		if req.Started != nil {
			req.Started.Add(1)
		}
		got, err := e.attempt(ctx, req, words, attempt)
		if err == nil {
			if regmap.Within(want, got, tol) {
				log.Debug().Int("attempt", attempt).Float64("read_back", got).Msg("write verified")
				return Outcome{Attempts: attempt, ReadBack: got}, nil
			}
			err = &protocol.MismatchError{Address: req.Address, Want: want, Got: got, Tolerance: tol, Attempt: attempt}
		}
		if ctx.Err() != nil {
			return Outcome{Attempts: attempt}, timeoutError(ctx)
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("of", attempts).Msg("write/verify attempt failed")
	}
	return Outcome{Attempts: attempts}, lastErr
}

// attempt performs one write, settle and read-back, returning the decoded
// read-back value.
func (e *Executor) attempt(ctx context.Context, req Request, words []uint16, n int) (float64, error) {
	if err := e.write(ctx, req, words); err != nil {
		return 0, &protocol.ProtocolError{Op: "write", Address: req.Address, Attempt: n, Err: err}
	}

	t := time.NewTimer(e.cfg.Settle)
	select {
	case <-ctx.Done():
		t.Stop()
		return 0, ctx.Err()
	case <-t.C:
	}

	got, err := e.read(ctx, req)
	if err != nil {
		return 0, &protocol.ProtocolError{Op: "read", Address: req.Address, Attempt: n, Err: err}
	}
	return got, nil
}

func (e *Executor) write(ctx context.Context, req Request, words []uint16) error {
	if req.Kind == protocol.TypeCoil {
		return e.link.WriteCoil(ctx, req.Address, words[0] != 0)
	}
	return e.link.WriteRegisters(ctx, req.Address, words)
}

func (e *Executor) read(ctx context.Context, req Request) (float64, error) {
	if req.Kind == protocol.TypeCoil {
		bits, err := e.link.ReadCoils(ctx, req.Address, 1)
		if err != nil {
			return 0, err
		}
		if len(bits) != 1 {
			return 0, fmt.Errorf("read coils: got %d values: %w", len(bits), link.ErrMalformed)
		}
		if bits[0] {
			return 1, nil
		}
		return 0, nil
	}
	regs, err := e.link.ReadRegisters(ctx, req.Address, uint16(req.Kind.Words()))
	if err != nil {
		return 0, err
	}
	v, err := regmap.Decode(req.Kind, regs)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", link.ErrMalformed, err)
	}
	return v, nil
}

func timeoutError(ctx context.Context) error {
	cause := ctx.Err()
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	return fmt.Errorf("%w: %w", protocol.ErrCommandTimeout, cause)
}
