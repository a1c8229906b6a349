// Package link is the single serialized connection to the physical
// controller. The underlying protocol is half-duplex request/response, so a
// Link admits exactly one in-flight request at a time; callers queue on a
// context-aware slot instead of a plain mutex so that a wedged request never
// blocks them past their own deadline.
package link

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrClosed    = errors.New("link: closed")
	ErrMalformed = errors.New("link: malformed response")
)

// Link is the hardware collaborator used by the write/verify executor.
// Addresses are zero-based protocol addresses.
type Link interface {
	// WriteRegisters writes values to consecutive holding registers.
	WriteRegisters(ctx context.Context, address uint16, values []uint16) error
	// ReadRegisters reads count consecutive holding registers.
	ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error)
	// WriteCoil sets a single coil.
	WriteCoil(ctx context.Context, address uint16, on bool) error
	// ReadCoils reads count consecutive coils.
	ReadCoils(ctx context.Context, address, count uint16) ([]bool, error)
	// Reset discards the current connection; the next request reconnects.
	// It never blocks on in-flight I/O.
	Reset()
	// Close releases the connection. Requests after Close fail with ErrClosed.
	Close() error
}
