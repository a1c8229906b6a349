package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"paramctl/pkg/link"
	"paramctl/pkg/protocol"
	"paramctl/pkg/regmap"
	"paramctl/pkg/store"
)

// memController is an in-memory controller behind the link.Link interface.
type memController struct {
	mu     sync.Mutex
	regs   map[uint16]uint16
	coils  map[uint16]bool
	writes int
}

var _ link.Link = (*memController)(nil)

func newMemController() *memController {
	return &memController{regs: map[uint16]uint16{}, coils: map[uint16]bool{}}
}

func (c *memController) WriteRegisters(_ context.Context, address uint16, values []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range values {
		c.regs[address+uint16(i)] = v
	}
	c.writes++
	return nil
}

func (c *memController) ReadRegisters(_ context.Context, address, count uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint16, count)
	for i := range out {
		out[i] = c.regs[address+uint16(i)]
	}
	return out, nil
}

func (c *memController) WriteCoil(_ context.Context, address uint16, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coils[address] = on
	c.writes++
	return nil
}

func (c *memController) ReadCoils(_ context.Context, address, count uint16) ([]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, count)
	for i := range out {
		out[i] = c.coils[address+uint16(i)]
	}
	return out, nil
}

func (c *memController) Reset()       {}
func (c *memController) Close() error { return nil }

func (c *memController) register(address uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[address]
}

func (c *memController) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// openTestStore opens a store in a temp dir and returns it with its path.
func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, dbPath
}

func testRegisters(t *testing.T) *regmap.Map {
	t.Helper()
	regs, err := regmap.New([]regmap.Entry{
		{Parameter: "vacuum_pump_speed", Address: 35, Words: 2, Kind: protocol.TypeFloat32},
		{Parameter: "chamber_pressure_limit", Address: 44, Words: 1, Kind: protocol.TypeHolding},
		{Parameter: "vacuum_pump_enable", Address: 8, Words: 1, Kind: protocol.TypeCoil},
	})
	if err != nil {
		t.Fatalf("register map: %v", err)
	}
	return regs
}

// finishCommand drives a pending command to status as a terminal would.
func finishCommand(st *store.Store, id string, status protocol.CommandStatus, kind protocol.ErrorKind) error {
	ctx := context.Background()
	now := time.Now()
	term := "test-terminal-" + id
	if err := st.RegisterTerminal(ctx, protocol.Terminal{ID: term, Role: protocol.RoleParameter, StartedAt: now}); err != nil {
		return err
	}
	if won, err := st.ClaimCommand(ctx, id, term); err != nil || !won {
		return fmt.Errorf("claim: won=%v err=%v", won, err)
	}
	if err := st.MarkExecuting(ctx, id, term, now); err != nil {
		return err
	}
	res := store.Result{Status: status, At: now, Attempts: 1, Kind: kind}
	if kind != "" {
		res.Detail = "read back 0"
	}
	return st.FinishCommand(ctx, id, term, res)
}
