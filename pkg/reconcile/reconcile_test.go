package reconcile_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"paramctl/pkg/protocol"
	"paramctl/pkg/reconcile"
	"paramctl/pkg/regmap"
	"paramctl/pkg/store"

	"github.com/rs/zerolog"
)

// controller is a read-only fake link.
type controller struct {
	regs    map[uint16]uint16
	coils   map[uint16]bool
	failing map[uint16]bool
}

var errTimeout = errors.New("i/o timeout")

func (c *controller) WriteRegisters(context.Context, uint16, []uint16) error { return nil }
func (c *controller) WriteCoil(context.Context, uint16, bool) error { return nil }
func (c *controller) Reset() {}
func (c *controller) Close() error { return nil }

func (c *controller) ReadRegisters(_ context.Context, address, count uint16) ([]uint16, error) {
	if c.failing[address] {
		return nil, errTimeout
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = c.regs[address+uint16(i)]
	}
	return out, nil
}

func (c *controller) ReadCoils(_ context.Context, address, count uint16) ([]bool, error) {
	out := make([]bool, count)
	for i := range out {
		out[i] = c.coils[address+uint16(i)]
	}
	return out, nil
}

func TestOnceRecordsLiveValues(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	regs, err := regmap.New([]regmap.Entry{
		{Parameter: "vacuum_pump_speed", Address: 35, Kind: protocol.TypeFloat32},
		{Parameter: "heater_enable", Address: 7, Kind: protocol.TypeCoil},
		{Parameter: "chamber_mode", Address: 50, Kind: protocol.TypeDiscrete},
		{Parameter: "door_interlock", Address: 60, Kind: protocol.TypeHolding},
	})
	if err != nil {
		t.Fatal(err)
	}
	words, _ := regmap.Encode(protocol.TypeFloat32, 85.5)
	ctrl := &controller{
		regs:    map[uint16]uint16{35: words[0], 36: words[1], 50: 2},
		coils:   map[uint16]bool{7: true},
		failing: map[uint16]bool{60: true},
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := reconcile.New(regs, ctrl, s, zerolog.Nop())
	rec.SetNowFunc(func() time.Time { return now })

	results, err := rec.Once(ctx)
	if !errors.Is(err, errTimeout) {
		t.Fatalf("expected the failing read to be reported, got %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}

	want := map[string]float64{"vacuum_pump_speed": 85.5, "heater_enable": 1, "chamber_mode": 2}
	for param, v := range want {
		st, err := s.GetState(ctx, param)
		if err != nil {
			t.Fatalf("%s: %v", param, err)
		}
		if st.SetValue != v || st.Source != protocol.SourceReconcile || !st.UpdatedAt.Equal(now) {
			t.Errorf("%s: unexpected state %+v", param, st)
		}
	}
	if _, err := s.GetState(ctx, "door_interlock"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("failed read must not write state, got %v", err)
	}
}

func TestOnceDoesNotOverrideNewerPublish(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := s.PublishState(ctx, protocol.ParameterState{
		ParameterID: "chamber_mode", SetValue: 3, UpdatedAt: now.Add(time.Second),
		Address: 50, Encoding: protocol.TypeDiscrete, Source: protocol.SourcePublish,
	}); err != nil {
		t.Fatal(err)
	}

	regs, _ := regmap.New([]regmap.Entry{{Parameter: "chamber_mode", Address: 50, Kind: protocol.TypeDiscrete}})
	rec := reconcile.New(regs, &controller{regs: map[uint16]uint16{50: 2}}, s, zerolog.Nop())
	rec.SetNowFunc(func() time.Time { return now })

	results, err := rec.Once(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Applied {
		t.Fatal("older reconcile reading replaced a newer publish")
	}
	if st, _ := s.GetState(ctx, "chamber_mode"); st.SetValue != 3 {
		t.Fatalf("state = %+v, want the newer publish", st)
	}
}
