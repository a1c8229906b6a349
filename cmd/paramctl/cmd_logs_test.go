package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"paramctl/pkg/eventlog"
	"paramctl/pkg/protocol"
	"paramctl/pkg/store"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func openTestReader(t *testing.T, dbPath string) *eventlog.Reader {
	t.Helper()
	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPrintLogs(t *testing.T) {
	st, dbPath := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertCommand(ctx, store.NewCommand{ParameterID: "vacuum_pump_speed", TargetValue: 85.5, Address: 35, ProtocolType: protocol.TypeFloat32})
	if err != nil {
		t.Fatal(err)
	}
	if err := finishCommand(st, id, protocol.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	reader := openTestReader(t, dbPath)

	var buf bytes.Buffer
	if _, err := printLogs(ctx, reader, &buf, eventlog.QueryOpts{CommandID: id}, 20); err != nil {
		t.Fatalf("printLogs: %v", err)
	}
	out := buf.String()

	order := []string{protocol.EventSubmitted, protocol.EventClaimed, protocol.EventExecuting, protocol.EventCompleted}
	pos := -1
	for _, typ := range order {
		i := strings.Index(out, typ)
		if i <= pos {
			t.Fatalf("%s missing or out of order in:\n%s", typ, out)
		}
		pos = i
	}
	if strings.Contains(out, protocol.EventRegistered) {
		t.Errorf("command filter leaked terminal events:\n%s", out)
	}

	buf.Reset()
	if _, err := printLogs(ctx, reader, &buf, eventlog.QueryOpts{Type: "no_such_event"}, 20); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no events found") {
		t.Errorf("expected empty message, got %q", buf.String())
	}
}

func TestFollowLogsPrintsNewEvents(t *testing.T) {
	st, dbPath := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := st.InsertCommand(ctx, store.NewCommand{ParameterID: "first", TargetValue: 1, Address: 1, ProtocolType: protocol.TypeHolding}); err != nil {
		t.Fatal(err)
	}
	reader := openTestReader(t, dbPath)

	var out syncBuffer
	last, err := printLogs(ctx, reader, &out, eventlog.QueryOpts{}, 20)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- followLogs(ctx, reader, &out, eventlog.QueryOpts{}, last, 20*time.Millisecond) }()

	second, err := st.InsertCommand(ctx, store.NewCommand{ParameterID: "second", TargetValue: 2, Address: 2, ProtocolType: protocol.TypeHolding})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return strings.Contains(out.String(), "command="+shortID(second)) }, 2*time.Second)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("followLogs: %v", err)
	}
	if n := strings.Count(out.String(), protocol.EventSubmitted); n != 2 {
		t.Errorf("expected each submission once, got %d:\n%s", n, out.String())
	}
}
