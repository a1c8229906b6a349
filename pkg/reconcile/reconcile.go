// Package reconcile reads every mapped parameter back from the controller
// and records it as the authoritative parameter state. It corrects any
// optimistic publish that was lost or raced.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paramctl/pkg/link"
	"paramctl/pkg/protocol"
	"paramctl/pkg/regmap"

	"github.com/rs/zerolog"
)

// StateStore is the persistence the reconciler writes to.
type StateStore interface {
	PublishState(ctx context.Context, st protocol.ParameterState) (bool, error)
}

// Result is the outcome for one parameter.
type Result struct {
	Parameter string
	Value     float64
	Applied   bool // false when a newer publish already covered it
	Err       error
}

// Reconciler performs reconciliation passes.
type Reconciler struct {
	regs  *regmap.Map
	link  link.Link
	store StateStore
	log   zerolog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Reconciler.
func New(regs *regmap.Map, l link.Link, st StateStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{regs: regs, link: l, store: st, log: logger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (r *Reconciler) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// Once reads every register map entry and writes its state. Per-parameter
// failures are reported in the results and joined into the returned error;
// the pass continues past them.
func (r *Reconciler) Once(ctx context.Context) ([]Result, error) {
	entries := r.regs.Entries()
	results := make([]Result, 0, len(entries))
	var errs []error

	for _, e := range entries {
		res := r.one(ctx, e)
		if res.Err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", e.Parameter, res.Err))
			r.log.Warn().Err(res.Err).Str("parameter", e.Parameter).Msg("reconcile read failed")
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Run performs a pass every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := r.Once(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("reconcile pass incomplete")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) one(ctx context.Context, e regmap.Entry) Result {
	res := Result{Parameter: e.Parameter}

	// Stamp the observation with the time the read began so a publish that
	// lands during the read still wins.
	at := r.nowFunc()
	v, err := readValue(ctx, r.link, e)
	if err != nil {
		res.Err = err
		return res
	}
	res.Value = v

	res.Applied, res.Err = r.store.PublishState(ctx, protocol.ParameterState{
		ParameterID: e.Parameter,
		SetValue:    v,
		UpdatedAt:   at,
		Address:     e.Address,
		Encoding:    e.Kind,
		Source:      protocol.SourceReconcile,
	})
	return res
}

func readValue(ctx context.Context, l link.Link, e regmap.Entry) (float64, error) {
	if e.Kind == protocol.TypeCoil {
		bits, err := l.ReadCoils(ctx, e.Address, 1)
		if err != nil {
			return 0, err
		}
		if len(bits) != 1 {
			return 0, link.ErrMalformed
		}
		if bits[0] {
			return 1, nil
		}
		return 0, nil
	}
	regs, err := l.ReadRegisters(ctx, e.Address, uint16(e.Words))
	if err != nil {
		return 0, err
	}
	return regmap.Decode(e.Kind, regs)
}
