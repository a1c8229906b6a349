package store //nolint:testpackage // white-box tests share helpers with the store internals

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"paramctl/pkg/protocol"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestStore opens a file-backed store in a temp dir. A file (not a
// shared-cache memory DB) keeps WAL and busy-timeout semantics identical to
// production, which the concurrent claim tests rely on.
func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	clock := newFakeClock()
	s.SetNowFunc(clock.Now)
	return s, clock
}

func registerTestTerminal(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	if err := s.RegisterTerminal(context.Background(), protocol.Terminal{
		ID: id, Role: protocol.RoleParameter, PID: 4242, Host: "line-3", StartedAt: at,
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}
