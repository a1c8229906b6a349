package store //nolint:testpackage // white-box tests share helpers with the store internals

import (
	"context"
	"errors"
	"testing"
	"time"

	"paramctl/pkg/protocol"
)

func TestPublishStateLastWriteWins(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	base := clock.Now()
	newer := protocol.ParameterState{
		ParameterID: "vacuum_pump_speed", SetValue: 85.5, UpdatedAt: base.Add(time.Second),
		Address: 35, Encoding: protocol.TypeFloat32, Source: protocol.SourcePublish,
	}
	older := newer
	older.SetValue = 70
	older.UpdatedAt = base

	if applied, err := s.PublishState(ctx, newer); err != nil || !applied {
		t.Fatalf("publish newer: applied=%v err=%v", applied, err)
	}
	if applied, err := s.PublishState(ctx, older); err != nil || applied {
		t.Fatalf("publish older should be ignored: applied=%v err=%v", applied, err)
	}

	st, err := s.GetState(ctx, "vacuum_pump_speed")
	if err != nil {
		t.Fatal(err)
	}
	if st.SetValue != 85.5 || !st.UpdatedAt.Equal(newer.UpdatedAt) || st.Address != 35 || st.Encoding != protocol.TypeFloat32 {
		t.Fatalf("unexpected state: %+v", st)
	}

	// Equal timestamps overwrite so a re-publish is idempotent.
	same := newer
	same.Source = protocol.SourceReconcile
	if applied, err := s.PublishState(ctx, same); err != nil || !applied {
		t.Fatalf("publish equal timestamp: applied=%v err=%v", applied, err)
	}
	st, _ = s.GetState(ctx, "vacuum_pump_speed")
	if st.Source != protocol.SourceReconcile {
		t.Fatalf("source = %s, want reconcile", st.Source)
	}
}

func TestListStatesOrdered(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"z_valve", "a_heater", "m_pump"} {
		if _, err := s.PublishState(ctx, protocol.ParameterState{
			ParameterID: id, SetValue: 1, UpdatedAt: clock.Now(), Encoding: protocol.TypeHolding, Source: protocol.SourcePublish,
		}); err != nil {
			t.Fatal(err)
		}
	}
	states, err := s.ListStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 || states[0].ParameterID != "a_heater" || states[2].ParameterID != "z_valve" {
		t.Fatalf("unexpected order: %+v", states)
	}
	if _, err := s.GetState(ctx, "missing"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
