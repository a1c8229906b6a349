package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

// Config holds Modbus TCP link configuration.
type Config struct {
	Address     string        // host:port of the controller
	SlaveID     byte          // unit identifier (default 1)
	Timeout     time.Duration // per-request I/O timeout (default 1s)
	IdleTimeout time.Duration // close the socket after this much inactivity (default 60s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SlaveID == 0 {
		out.SlaveID = 1
	}
	if out.Timeout == 0 {
		out.Timeout = time.Second
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 60 * time.Second
	}
	return out
}

// Modbus implements Link over Modbus TCP.
//
// slot is a one-element semaphore: holding it means owning the wire. A request
// abandoned by its caller (context expired) keeps the slot until its I/O
// returns, which the per-request Timeout bounds, so requests never overlap on
// the wire even across a Reset.
type Modbus struct {
	cfg  Config
	log  zerolog.Logger
	slot chan struct{}

	mu      sync.Mutex // guards the fields below
	handler *modbus.TCPClientHandler
	client  modbus.Client
	stale   bool
	closed  bool

	newHandler func(cfg Config) *modbus.TCPClientHandler
}

var _ Link = (*Modbus)(nil)

// Dial connects to the controller at cfg.Address.
func Dial(cfg Config, logger zerolog.Logger) (*Modbus, error) {
	m := newModbus(cfg, logger)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

func newModbus(cfg Config, logger zerolog.Logger) *Modbus {
	resolved := cfg.withDefaults()
	return &Modbus{
		cfg:  resolved,
		log:  logger.With().Str("component", "link").Str("addr", resolved.Address).Logger(),
		slot: make(chan struct{}, 1),
		newHandler: func(c Config) *modbus.TCPClientHandler {
			h := modbus.NewTCPClientHandler(c.Address)
			h.SlaveId = c.SlaveID
			h.Timeout = c.Timeout
			h.IdleTimeout = c.IdleTimeout
			return h
		},
	}
}

// connectLocked replaces the current handler with a fresh connection.
// Caller must hold m.mu and own the slot (or be Dial).
func (m *Modbus) connectLocked() error {
	if m.handler != nil {
		_ = m.handler.Close()
		m.handler, m.client = nil, nil
	}
	h := m.newHandler(m.cfg)
	if err := h.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", m.cfg.Address, err)
	}
	m.handler = h
	m.client = modbus.NewClient(h)
	m.stale = false
	return nil
}

// acquire takes the wire slot and returns a usable client.
func (m *Modbus) acquire(ctx context.Context) (modbus.Client, error) {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		<-m.slot
		return nil, ErrClosed
	}
	if m.client == nil || m.stale {
		m.log.Debug().Bool("stale", m.stale).Msg("reconnecting")
		if err := m.connectLocked(); err != nil {
			<-m.slot
			return nil, err
		}
	}
	return m.client, nil
}

// do runs fn with exclusive use of the wire. If ctx expires first the caller
// is released immediately and the connection is marked for replacement.
func (m *Modbus) do(ctx context.Context, fn func(modbus.Client) error) error {
	client, err := m.acquire(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-m.slot }()
		done <- fn(client)
	}()

	select {
	case err := <-done:
		if err != nil && !isException(err) {
			m.Reset()
		}
		return err
	case <-ctx.Done():
		m.Reset()
		return ctx.Err()
	}
}

// isException reports whether err is a Modbus exception response: the device
// answered, so the connection itself is fine.
func isException(err error) bool {
	var mbErr *modbus.ModbusError
	return errors.As(err, &mbErr)
}

// Reset marks the connection for replacement. The next request closes it and
// reconnects once the wire slot is free.
func (m *Modbus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stale {
		m.log.Debug().Msg("link reset")
	}
	m.stale = true
}

// Close releases the connection. Requests made after Close fail with
// ErrClosed. A request already on the wire gets up to Config.Timeout to
// finish before the socket is closed under it.
func (m *Modbus) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	wait := time.NewTimer(m.cfg.Timeout)
	defer wait.Stop()
	select {
	case m.slot <- struct{}{}:
		defer func() { <-m.slot }()
	case <-wait.C:
		m.log.Warn().Dur("waited", m.cfg.Timeout).Msg("closing under an in-flight request")
	}

	m.mu.Lock()
	h := m.handler
	m.handler, m.client = nil, nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close %s: %w", m.cfg.Address, err)
	}
	return nil
}

// WriteRegisters writes values starting at address.
func (m *Modbus) WriteRegisters(ctx context.Context, address uint16, values []uint16) error {
	if len(values) == 0 {
		return nil
	}
	return m.do(ctx, func(c modbus.Client) error {
		if len(values) == 1 {
			_, err := c.WriteSingleRegister(address, values[0])
			return err
		}
		payload := make([]byte, 2*len(values))
		for i, v := range values {
			binary.BigEndian.PutUint16(payload[2*i:], v)
		}
		_, err := c.WriteMultipleRegisters(address, uint16(len(values)), payload)
		return err
	})
}

// ReadRegisters reads count holding registers starting at address.
func (m *Modbus) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	var out []uint16
	err := m.do(ctx, func(c modbus.Client) error {
		raw, err := c.ReadHoldingRegisters(address, count)
		if err != nil {
			return err
		}
		if len(raw) != 2*int(count) {
			return fmt.Errorf("%w: %d bytes for %d registers", ErrMalformed, len(raw), count)
		}
		out = make([]uint16, count)
		for i := range out {
			out[i] = binary.BigEndian.Uint16(raw[2*i:])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteCoil sets the coil at address.
func (m *Modbus) WriteCoil(ctx context.Context, address uint16, on bool) error {
	var v uint16
	if on {
		v = 0xFF00
	}
	return m.do(ctx, func(c modbus.Client) error {
		_, err := c.WriteSingleCoil(address, v)
		return err
	})
}

// ReadCoils reads count coils starting at address.
func (m *Modbus) ReadCoils(ctx context.Context, address, count uint16) ([]bool, error) {
	var out []bool
	err := m.do(ctx, func(c modbus.Client) error {
		raw, err := c.ReadCoils(address, count)
		if err != nil {
			return err
		}
		if len(raw) != (int(count)+7)/8 {
			return fmt.Errorf("%w: %d bytes for %d coils", ErrMalformed, len(raw), count)
		}
		out = make([]bool, count)
		for i := range out {
			out[i] = raw[i/8]&(1<<(uint(i)%8)) != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
