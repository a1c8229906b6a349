package processor_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"paramctl/pkg/executor"
	"paramctl/pkg/processor"
	"paramctl/pkg/protocol"
	"paramctl/pkg/statepub"
	"paramctl/pkg/store"

	"github.com/rs/zerolog"
)

// fakeLink is an in-memory controller with failure hooks.
type fakeLink struct {
	mu      sync.Mutex
	regs    map[uint16]uint16
	coils   map[uint16]bool
	writes  int
	resets  int
	hang    bool                // block until ctx ends
	onWrite func()              // runs after a write lands
	onRead  func(vals []uint16) // may corrupt read-back
}

func newFakeLink() *fakeLink {
	return &fakeLink{regs: make(map[uint16]uint16), coils: make(map[uint16]bool)}
}

func (f *fakeLink) block(ctx context.Context) error {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeLink) WriteRegisters(ctx context.Context, address uint16, values []uint16) error {
	if err := f.block(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.onWrite
	f.writes++
	for i, v := range values {
		f.regs[address+uint16(i)] = v
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeLink) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	if err := f.block(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint16, count)
	for i := range out {
		out[i] = f.regs[address+uint16(i)]
	}
	if f.onRead != nil {
		f.onRead(out)
	}
	return out, nil
}

func (f *fakeLink) WriteCoil(ctx context.Context, address uint16, on bool) error {
	if err := f.block(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.coils[address] = on
	return nil
}

func (f *fakeLink) ReadCoils(ctx context.Context, address, count uint16) ([]bool, error) {
	if err := f.block(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, count)
	for i := range out {
		out[i] = f.coils[address+uint16(i)]
	}
	return out, nil
}

func (f *fakeLink) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.hang = false
}

func (f *fakeLink) Close() error { return nil }

func (f *fakeLink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type harness struct {
	store *store.Store
	link  *fakeLink
	proc  *processor.Processor
}

func newHarness(t *testing.T, pub processor.Publisher) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	l := newFakeLink()
	h := &harness{store: s, link: l}
	h.proc = h.processorOver(s, pub)
	return h
}

// processorOver builds a processor on the harness link that persists
// through st.
func (h *harness) processorOver(st processor.CommandStore, pub processor.Publisher) *processor.Processor {
	if pub == nil {
		pub = statepub.New(h.store, zerolog.Nop())
	}
	ex := executor.New(executor.Config{Retries: 3, Settle: time.Millisecond}, h.link, zerolog.Nop())
	return processor.New(processor.Config{
		DefaultTimeout: 2 * time.Second,
		StoreRetries:   3,
		StoreBackoff:   time.Millisecond,
	}, st, ex, pub, h.link, nil, zerolog.Nop())
}

// flakyStore fails the first failMark MarkExecuting calls and the first
// failFinish FinishCommand calls with a busy error.
type flakyStore struct {
	*store.Store

	mu         sync.Mutex
	failMark   int
	failFinish int
}

var errBusy = errors.New("database is locked (SQLITE_BUSY)")

func (f *flakyStore) MarkExecuting(ctx context.Context, id, terminalID string, at time.Time) error {
	f.mu.Lock()
	fail := f.failMark > 0
	f.failMark--
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("mark command %s executing: %w", id, errBusy)
	}
	return f.Store.MarkExecuting(ctx, id, terminalID, at)
}

func (f *flakyStore) FinishCommand(ctx context.Context, id, terminalID string, r store.Result) error {
	f.mu.Lock()
	fail := f.failFinish > 0
	f.failFinish--
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("finish command %s: %w", id, errBusy)
	}
	return f.Store.FinishCommand(ctx, id, terminalID, r)
}

func (h *harness) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := h.store.RegisterTerminal(context.Background(), protocol.Terminal{
			ID: id, Role: protocol.RoleParameter, PID: 1, StartedAt: time.Now(),
		}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

func (h *harness) submit(t *testing.T, c store.NewCommand) string {
	t.Helper()
	id, err := h.store.InsertCommand(context.Background(), c)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func (h *harness) claim(t *testing.T, id, terminalID string) {
	t.Helper()
	ok, err := h.store.ClaimCommand(context.Background(), id, terminalID)
	if err != nil || !ok {
		t.Fatalf("claim %s by %s: ok=%v err=%v", id, terminalID, ok, err)
	}
}

func (h *harness) command(t *testing.T, id string) protocol.Command {
	t.Helper()
	c, err := h.store.GetCommand(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// eventTypes lists the lifecycle events of a command in write order.
func (h *harness) eventTypes(t *testing.T, commandID string) []string {
	t.Helper()
	rows, err := h.store.DB().QueryContext(context.Background(),
		`SELECT type FROM events WHERE command_id = ? ORDER BY id`, commandID)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		out = append(out, typ)
	}
	return out
}
