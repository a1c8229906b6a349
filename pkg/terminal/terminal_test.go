package terminal_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"paramctl/pkg/protocol"
	"paramctl/pkg/store"
	"paramctl/pkg/terminal"

	"github.com/rs/zerolog"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRegisterAndBeat(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	reg := terminal.NewRegistry(terminal.Config{Host: "line-3", PID: 99}, s, zerolog.Nop())

	id, err := reg.Register(ctx)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id == "" || reg.ID() != id {
		t.Fatalf("ID() = %q, Register returned %q", reg.ID(), id)
	}
	row, err := s.GetTerminal(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != protocol.TerminalStarting || row.Role != protocol.RoleParameter || row.Host != "line-3" || row.PID != 99 {
		t.Fatalf("unexpected row: %+v", row)
	}

	if err := reg.Beat(ctx); err != nil {
		t.Fatalf("Beat: %v", err)
	}
	row, _ = s.GetTerminal(ctx, id)
	if row.Status != protocol.TerminalHealthy {
		t.Fatalf("status = %s, want healthy", row.Status)
	}
}

func TestSweepReapsSilentTerminalAndResetsClaims(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s.SetNowFunc(clk.Now)

	silent := terminal.NewRegistry(terminal.Config{}, s, zerolog.Nop())
	silent.SetNowFunc(clk.Now)
	alive := terminal.NewRegistry(terminal.Config{}, s, zerolog.Nop())
	alive.SetNowFunc(clk.Now)
	for _, r := range []*terminal.Registry{silent, alive} {
		if _, err := r.Register(ctx); err != nil {
			t.Fatal(err)
		}
	}

	cmd, err := s.InsertCommand(ctx, store.NewCommand{
		ParameterID: "vacuum_pump_speed", TargetValue: 85.5, Address: 35, ProtocolType: protocol.TypeFloat32,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s.ClaimCommand(ctx, cmd, silent.ID()); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if err := s.MarkExecuting(ctx, cmd, silent.ID(), clk.Now()); err != nil {
		t.Fatal(err)
	}

	mon := terminal.NewMonitor(terminal.MonitorConfig{HeartbeatTimeout: 30 * time.Second}, s, zerolog.Nop())
	mon.SetNowFunc(clk.Now)

	clk.Advance(20 * time.Second)
	if err := alive.Beat(ctx); err != nil {
		t.Fatal(err)
	}
	if reaped, err := mon.Sweep(ctx); err != nil || len(reaped) != 0 {
		t.Fatalf("early sweep reaped %+v, %v", reaped, err)
	}

	clk.Advance(15 * time.Second)
	reaped, err := mon.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(reaped) != 1 || reaped[0].TerminalID != silent.ID() {
		t.Fatalf("reaped %+v, want only the silent terminal", reaped)
	}
	if len(reaped[0].Released) != 1 || reaped[0].Released[0] != cmd {
		t.Fatalf("released %v, want [%s]", reaped[0].Released, cmd)
	}

	c, _ := s.GetCommand(ctx, cmd)
	if c.Status != protocol.StatusPending || c.ClaimedBy != "" {
		t.Fatalf("command not returned to pending: %+v", c)
	}
	row, _ := s.GetTerminal(ctx, silent.ID())
	if row.Status != protocol.TerminalCrashed || row.Reason == "" {
		t.Fatalf("silent terminal not crashed: %+v", row)
	}
}

func TestBeatAfterReapReregisters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s.SetNowFunc(clk.Now)

	reg := terminal.NewRegistry(terminal.Config{}, s, zerolog.Nop())
	reg.SetNowFunc(clk.Now)
	old, err := reg.Register(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A long GC pause: the monitor gives up on us.
	clk.Advance(time.Minute)
	mon := terminal.NewMonitor(terminal.MonitorConfig{}, s, zerolog.Nop())
	mon.SetNowFunc(clk.Now)
	if reaped, err := mon.Sweep(ctx); err != nil || len(reaped) != 1 {
		t.Fatalf("sweep: %+v, %v", reaped, err)
	}

	if err := reg.Beat(ctx); err != nil {
		t.Fatalf("Beat after reap: %v", err)
	}
	if reg.ID() == old {
		t.Fatal("instance id unchanged after reap")
	}
	row, err := s.GetTerminal(ctx, reg.ID())
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != protocol.TerminalStarting {
		t.Fatalf("new instance status = %s, want starting", row.Status)
	}
	if prev, _ := s.GetTerminal(ctx, old); prev.Status != protocol.TerminalCrashed {
		t.Fatalf("old instance revived: %+v", prev)
	}

	// Heartbeats continue under the new id.
	if err := reg.Beat(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ = s.GetTerminal(ctx, reg.ID())
	if row.Status != protocol.TerminalHealthy {
		t.Fatalf("new instance status = %s, want healthy", row.Status)
	}
}

func TestDeregisterReleasesClaims(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	reg := terminal.NewRegistry(terminal.Config{}, s, zerolog.Nop())

	if released, err := reg.Deregister(ctx); err != nil || released != nil {
		t.Fatalf("deregister before register: %v %v", released, err)
	}
	if _, err := reg.Register(ctx); err != nil {
		t.Fatal(err)
	}
	cmd, err := s.InsertCommand(ctx, store.NewCommand{
		ParameterID: "heater_enable", TargetValue: 1, Address: 7, ProtocolType: protocol.TypeCoil,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimCommand(ctx, cmd, reg.ID()); err != nil {
		t.Fatal(err)
	}

	released, err := reg.Deregister(ctx)
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if len(released) != 1 || released[0] != cmd {
		t.Fatalf("released = %v", released)
	}
	if row, _ := s.GetTerminal(ctx, reg.ID()); row.Status != protocol.TerminalStopped {
		t.Fatalf("status = %s, want stopped", row.Status)
	}
}

func TestConcurrentMonitorsReapOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s.SetNowFunc(clk.Now)

	reg := terminal.NewRegistry(terminal.Config{}, s, zerolog.Nop())
	reg.SetNowFunc(clk.Now)
	if _, err := reg.Register(ctx); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)

	const monitors = 4
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < monitors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon := terminal.NewMonitor(terminal.MonitorConfig{}, s, zerolog.Nop())
			mon.SetNowFunc(clk.Now)
			reaped, err := mon.Sweep(ctx)
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			total += len(reaped)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Fatalf("terminal reaped %d times, want 1", total)
	}
}

func TestRunLoops(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := terminal.NewRegistry(terminal.Config{HeartbeatInterval: 10 * time.Millisecond}, s, zerolog.Nop())
	if _, err := reg.Register(ctx); err != nil {
		t.Fatal(err)
	}
	go func() { _ = reg.Run(ctx) }()
	waitFor(t, func() bool {
		row, err := s.GetTerminal(ctx, reg.ID())
		return err == nil && row.Status == protocol.TerminalHealthy
	}, 2*time.Second)

	// A registered terminal that never beats is reaped by a running monitor.
	quiet := terminal.NewRegistry(terminal.Config{}, s, zerolog.Nop())
	if _, err := quiet.Register(ctx); err != nil {
		t.Fatal(err)
	}
	mon := terminal.NewMonitor(terminal.MonitorConfig{Interval: 20 * time.Millisecond, HeartbeatTimeout: 100 * time.Millisecond}, s, zerolog.Nop())
	go func() { _ = mon.Run(ctx) }()

	waitFor(t, func() bool {
		row, err := s.GetTerminal(ctx, quiet.ID())
		return err == nil && row.Status == protocol.TerminalCrashed
	}, 3*time.Second)

	if row, _ := s.GetTerminal(ctx, reg.ID()); row.Status != protocol.TerminalHealthy {
		t.Fatalf("beating terminal was reaped: %+v", row)
	}
}
