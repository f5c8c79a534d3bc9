// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package periphmaster drives an i2chost.Host on top of any periph.io I²C
// bus.
//
// Transactions run on a goroutine owned by the Master, so StartTransaction
// returns immediately and the completion is reported from that goroutine.
//
// The timeout starts when the transaction reaches the bus. A timed out Tx
// can't be interrupted: StartTransaction returns i2creq.ErrBusy until it
// returns.
//
// A periph.io bus does a write followed by a read in one Tx call. Packets
// with one write, one read, or a write then a read are supported; other
// shapes return i2creq.ErrUnsupported.
package periphmaster // import "periph.io/x/minnow/hostextra/periphmaster"

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/minnow/host/i2chost"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
)

// DefaultTimeout is used for packets without a timeout.
const DefaultTimeout = time.Second

// Master implements i2chost.Master.
type Master struct {
	bus     i2c.Bus
	timeout time.Duration

	mu      sync.Mutex
	pending bool
	closed  bool
	work    chan func()
	wg      sync.WaitGroup
}

// New returns a Master for bus.
//
// timeout is used for packets with no timeout; zero means DefaultTimeout.
func New(bus i2c.Bus, timeout time.Duration) *Master {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	m := &Master{bus: bus, timeout: timeout, work: make(chan func(), 4)}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Master) String() string {
	return m.bus.String()
}

// Reset implements i2chost.Master.
//
// It halts the bus when the bus supports it.
func (m *Master) Reset() error {
	if h, ok := m.bus.(interface{ Halt() error }); ok {
		if err := h.Halt(); err != nil {
			return fmt.Errorf("periphmaster: %s: %w: %w", m, i2creq.ErrDeviceError, err)
		}
	}
	return nil
}

// SetBusFrequency implements i2chost.Master.
func (m *Master) SetBusFrequency(f physic.Frequency) (physic.Frequency, error) {
	if f <= 0 {
		return 0, fmt.Errorf("periphmaster: %w: frequency %s", i2creq.ErrInvalidArgument, f)
	}
	if err := m.bus.SetSpeed(f); err != nil {
		return 0, fmt.Errorf("periphmaster: %s: %w: %w", m, i2creq.ErrUnsupported, err)
	}
	return f, nil
}

// StartTransaction implements i2chost.Master.
func (m *Master) StartTransaction(addr i2creq.Addr, p *i2creq.Packet, done func(err error)) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if addr.Is10Bit() {
		return fmt.Errorf("periphmaster: %w: 10-bit address %s", i2creq.ErrUnsupported, addr)
	}
	if !addr.Valid() {
		return fmt.Errorf("periphmaster: %w: address %s", i2creq.ErrInvalidArgument, addr)
	}
	w, r, err := split(p)
	if err != nil {
		return err
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = m.timeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("periphmaster: %s: %w: closed", m, i2creq.ErrDeviceError)
	}
	if m.pending {
		m.mu.Unlock()
		return fmt.Errorf("periphmaster: %s: %w", m, i2creq.ErrBusy)
	}
	m.pending = true
	m.mu.Unlock()

	var once sync.Once
	finish := func(err error) {
		once.Do(func() { done(err) })
	}
	m.work <- func() {
		// The bus stays pending until Tx returns, even when the caller was
		// already told about the timeout.
		t := time.AfterFunc(timeout, func() {
			finish(fmt.Errorf("periphmaster: %s: %w after %s", m, i2creq.ErrTimeout, timeout))
		})
		err := m.bus.Tx(addr.Value(), w, r)
		t.Stop()
		if err != nil {
			err = fmt.Errorf("periphmaster: %s: %w: %w", m, classify(err), err)
		}
		m.mu.Lock()
		m.pending = false
		m.mu.Unlock()
		finish(err)
	}
	return nil
}

// Close stops the worker once the queued transactions are done.
//
// The bus itself is not closed.
func (m *Master) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.work)
	m.wg.Wait()
	return nil
}

//

func (m *Master) run() {
	defer m.wg.Done()
	for fn := range m.work {
		fn()
	}
}

// split maps a packet on a single Tx call.
func split(p *i2creq.Packet) ([]byte, []byte, error) {
	ops := p.Ops
	for i := range ops {
		if ops[i].Flags&^i2creq.SMBusProcessCall != 0 {
			return nil, nil, fmt.Errorf("periphmaster: %w: flags %#x", i2creq.ErrUnsupported, uint32(ops[i].Flags))
		}
	}
	switch {
	case len(ops) == 1 && !ops[0].Read:
		return ops[0].Buf, nil, nil
	case len(ops) == 1:
		return nil, ops[0].Buf, nil
	case len(ops) == 2 && !ops[0].Read && ops[1].Read:
		return ops[0].Buf, ops[1].Buf, nil
	default:
		return nil, nil, fmt.Errorf("periphmaster: %w: packet %s", i2creq.ErrUnsupported, p)
	}
}

// classify guesses the status from a bus error. Most periph.io drivers only
// return text.
func classify(err error) error {
	for _, known := range []error{i2creq.ErrNoResponse, i2creq.ErrTimeout, i2creq.ErrBadBufferSize} {
		if errors.Is(err, known) {
			return known
		}
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "nak") || strings.Contains(s, "nack") || strings.Contains(s, "no such device"):
		return i2creq.ErrNoResponse
	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out"):
		return i2creq.ErrTimeout
	default:
		return i2creq.ErrDeviceError
	}
}

var _ i2chost.Master = &Master{}
