package executor_test

import (
	"context"
	"errors"
	"sync"

	"paramctl/pkg/link"
)

// fakeLink is an in-memory controller. Hooks let tests inject failures per
// operation.
type fakeLink struct {
	mu      sync.Mutex
	regs    map[uint16]uint16
	coils   map[uint16]bool
	writes  int
	reads   int
	resets  int
	onWrite func(n int) error                // n counts from 1
	onRead  func(n int, vals []uint16) error // may mutate vals
	hang    bool                             // block every call until ctx ends
}

var _ link.Link = (*fakeLink)(nil)

func newFakeLink() *fakeLink {
	return &fakeLink{regs: make(map[uint16]uint16), coils: make(map[uint16]bool)}
}

func (f *fakeLink) wait(ctx context.Context) error {
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
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.onWrite != nil {
		if err := f.onWrite(f.writes); err != nil {
			return err
		}
	}
	for i, v := range values {
		f.regs[address+uint16(i)] = v
	}
	return nil
}

func (f *fakeLink) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	out := make([]uint16, count)
	for i := range out {
		out[i] = f.regs[address+uint16(i)]
	}
	if f.onRead != nil {
		if err := f.onRead(f.reads, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *fakeLink) WriteCoil(ctx context.Context, address uint16, on bool) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.onWrite != nil {
		if err := f.onWrite(f.writes); err != nil {
			return err
		}
	}
	f.coils[address] = on
	return nil
}

func (f *fakeLink) ReadCoils(ctx context.Context, address, count uint16) ([]bool, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	out := make([]bool, count)
	for i := range out {
		out[i] = f.coils[address+uint16(i)]
	}
	return out, nil
}

func (f *fakeLink) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeLink) Close() error { return nil }

func (f *fakeLink) counts() (writes, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes, f.reads
}

var errWire = errors.New("connection reset by peer")
