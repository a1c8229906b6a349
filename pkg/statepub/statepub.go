// Package statepub publishes a parameter's new set value as soon as its write
// is verified, so readers see it without waiting for a reconciliation pass.
package statepub

import (
	"context"
	"time"

	"paramctl/pkg/protocol"

	"github.com/rs/zerolog"
)

// StateStore is the persistence the publisher needs.
type StateStore interface {
	PublishState(ctx context.Context, st protocol.ParameterState) (bool, error)
}

// Update is one verified value.
type Update struct {
	ParameterID string
	Value       float64
	Address     uint16
	Encoding    protocol.ProtocolType
	At          time.Time // zero means now
}

// Publisher writes optimistic parameter state.
type Publisher struct {
	store StateStore
	log   zerolog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Publisher.
func New(store StateStore, logger zerolog.Logger) *Publisher {
	return &Publisher{store: store, log: logger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (p *Publisher) SetNowFunc(fn func() time.Time) {
	p.nowFunc = fn
}

// Publish upserts the parameter's state. A newer row already present (a
// later publish or reconciliation) wins; that is not an error. Failures are
// returned as *protocol.PublishError.
func (p *Publisher) Publish(ctx context.Context, u Update) error {
	at := u.At
	if at.IsZero() {
		at = p.nowFunc()
	}
	applied, err := p.store.PublishState(ctx, protocol.ParameterState{
		ParameterID: u.ParameterID,
		SetValue:    u.Value,
		UpdatedAt:   at,
		Address:     u.Address,
		Encoding:    u.Encoding,
		Source:      protocol.SourcePublish,
	})
	if err != nil {
		return &protocol.PublishError{ParameterID: u.ParameterID, Err: err}
	}
	if !applied {
		p.log.Debug().Str("parameter", u.ParameterID).Msg("state already newer, publish skipped")
	}
	return nil
}
