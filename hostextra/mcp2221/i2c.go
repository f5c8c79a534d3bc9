// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mcp2221

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
)

// Commands.
const (
	cmdStatus      byte = 0x10
	cmdGetData     byte = 0x40
	cmdReset       byte = 0x70
	cmdWrite       byte = 0x90
	cmdRead        byte = 0x91
	cmdReadRS      byte = 0x93
	cmdWriteNoStop byte = 0x94
)

// I²C engine states, reported at offset 8 of the status response and at
// offset 2 of the get data response.
const (
	stateIdle          byte = 0x00
	stateStartTimeout  byte = 0x12
	stateAddrTimeout   byte = 0x23
	stateAddrNACK      byte = 0x25
	statePartialData   byte = 0x41
	stateWriteTimeout  byte = 0x44
	stateWritingNoStop byte = 0x45
	stateReadPartial   byte = 0x54
	stateReadComplete  byte = 0x55
	stateStopTimeout   byte = 0x62
)

const (
	reportLen  = 64
	chunkLen   = 60
	maxLen     = 0xFFFF
	readErr    = 0x7F
	maskNACK   = 0x40
	clock      = 12000000
	maxRetries = 50

	// Set parameters flags.
	flagCancel   byte = 0x10
	flagSetSpeed byte = 0x20
)

// MaxSpeed is the fastest supported bus speed.
const MaxSpeed = 400 * physic.KiloHertz

// DefaultSpeed is the speed set when the device is opened.
const DefaultSpeed = 100 * physic.KiloHertz

// Dev is one MCP2221A. It implements i2c.BusCloser.
type Dev struct {
	name string

	mu    sync.Mutex
	p     io.ReadWriteCloser
	speed physic.Frequency
	cmd   [reportLen]byte
	rsp   [reportLen]byte
	sleep func(time.Duration)
}

// newDev wraps a HID port and sets the default speed.
func newDev(name string, p io.ReadWriteCloser) (*Dev, error) {
	d := &Dev{name: name, p: p, sleep: time.Sleep}
	if err := d.SetSpeed(DefaultSpeed); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) String() string {
	return d.name
}

// Close implements i2c.BusCloser.
func (d *Dev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.p.Close()
}

// Speed returns the current bus speed.
func (d *Dev) Speed() physic.Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// SetSpeed implements i2c.Bus.
func (d *Dev) SetSpeed(f physic.Frequency) error {
	if f > MaxSpeed || f < clock/(255+3)*physic.Hertz {
		return fmt.Errorf("mcp2221: %s: %w: speed %s", d, i2creq.ErrInvalidArgument, f)
	}
	div := byte(clock/int64(f/physic.Hertz) - 3)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.status(0, flagSetSpeed, div); err != nil {
		return err
	}
	if d.rsp[3] != flagSetSpeed {
		return fmt.Errorf("mcp2221: %s: %w: speed not set while a transfer is in progress", d, i2creq.ErrBusy)
	}
	d.speed = f
	return nil
}

// Halt cancels the current transfer and frees the bus.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel()
}

// Tx implements i2c.Bus.
//
// When both w and r are set, a write without stop condition is followed by
// a read with repeated start.
func (d *Dev) Tx(addr uint16, w, r []byte) error {
	if addr >= 0x80 {
		return fmt.Errorf("mcp2221: %s: %w: address %#x", d, i2creq.ErrInvalidArgument, addr)
	}
	if len(w) > maxLen || len(r) > maxLen {
		return fmt.Errorf("mcp2221: %s: %w: transfer of %d/%d bytes", d, i2creq.ErrBadBufferSize, len(w), len(r))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(w) != 0 || len(r) == 0 {
		cmd := cmdWrite
		if len(r) != 0 {
			cmd = cmdWriteNoStop
		}
		if err := d.write(cmd, addr, w); err != nil {
			return err
		}
	}
	if len(r) != 0 {
		cmd := cmdRead
		if len(w) != 0 {
			cmd = cmdReadRS
		}
		if err := d.read(cmd, addr, r); err != nil {
			return err
		}
	}
	return nil
}

// Reset reboots the chip. The device disappears from the USB bus and has to
// be opened again.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmd = [reportLen]byte{cmdReset, 0xAB, 0xCD, 0xEF}
	_, err := d.p.Write(d.cmd[:])
	if err != nil {
		return fmt.Errorf("mcp2221: %s: %w: %v", d, i2creq.ErrDeviceError, err)
	}
	return nil
}

//

// xfer sends d.cmd and reads the answer in d.rsp.
//
// Must be called with mu held.
func (d *Dev) xfer() error {
	if _, err := d.p.Write(d.cmd[:]); err != nil {
		return fmt.Errorf("mcp2221: %s: %w: %v", d, i2creq.ErrDeviceError, err)
	}
	n, err := d.p.Read(d.rsp[:])
	if err != nil {
		return fmt.Errorf("mcp2221: %s: %w: %v", d, i2creq.ErrDeviceError, err)
	}
	if n < 4 || d.rsp[0] != d.cmd[0] {
		return fmt.Errorf("mcp2221: %s: %w: unexpected response %x", d, i2creq.ErrDeviceError, d.rsp[:n])
	}
	return nil
}

// status sends a status/set parameters command.
func (d *Dev) status(cancel, speed, div byte) error {
	d.cmd = [reportLen]byte{cmdStatus, 0, cancel, speed, div}
	if err := d.xfer(); err != nil {
		return err
	}
	if d.rsp[1] != 0 {
		return fmt.Errorf("mcp2221: %s: %w: status failed %#x", d, i2creq.ErrDeviceError, d.rsp[1])
	}
	return nil
}

func (d *Dev) state() (byte, error) {
	if err := d.status(0, 0, 0); err != nil {
		return 0, err
	}
	return d.rsp[8], nil
}

func (d *Dev) cancel() error {
	if err := d.status(flagCancel, 0, 0); err != nil {
		return err
	}
	// The engine needs a moment to release the lines.
	d.sleep(time.Millisecond)
	return nil
}

// ready cancels any transfer left over by a previous failure.
func (d *Dev) ready(ok ...byte) error {
	s, err := d.state()
	if err != nil {
		return err
	}
	if s == stateIdle {
		return nil
	}
	for _, o := range ok {
		if s == o {
			return nil
		}
	}
	return d.cancel()
}

func (d *Dev) write(cmd byte, addr uint16, w []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	for off, retries := 0, 0; off < len(w) || (off == 0 && len(w) == 0); {
		chunk := len(w) - off
		if chunk > chunkLen {
			chunk = chunkLen
		}
		d.cmd = [reportLen]byte{cmd, byte(len(w)), byte(len(w) >> 8), byte(addr << 1)}
		copy(d.cmd[4:], w[off:off+chunk])
		if err := d.xfer(); err != nil {
			return err
		}
		if d.rsp[1] != 0 {
			if err := stateErr(d.rsp[2]); err != nil {
				d.cancel()
				return fmt.Errorf("mcp2221: %s: write to %#x: %w", d, addr, err)
			}
			if retries++; retries >= maxRetries {
				d.cancel()
				return fmt.Errorf("mcp2221: %s: write to %#x: %w: engine busy", d, addr, i2creq.ErrTimeout)
			}
			d.sleep(time.Millisecond)
			continue
		}
		for {
			s, err := d.state()
			if err != nil {
				return err
			}
			if s != statePartialData {
				break
			}
			d.sleep(time.Millisecond)
		}
		retries = 0
		if len(w) == 0 {
			break
		}
		off += chunk
	}
	for i := 0; i < maxRetries; i++ {
		if err := d.status(0, 0, 0); err != nil {
			return err
		}
		if d.rsp[20]&maskNACK != 0 {
			d.cancel()
			return fmt.Errorf("mcp2221: %s: write to %#x: %w: address not acknowledged", d, addr, i2creq.ErrNoResponse)
		}
		s := d.rsp[8]
		if s == stateIdle || (s == stateWritingNoStop && cmd == cmdWriteNoStop) {
			return nil
		}
		if err := stateErr(s); err != nil {
			d.cancel()
			return fmt.Errorf("mcp2221: %s: write to %#x: %w", d, addr, err)
		}
		d.sleep(time.Millisecond)
	}
	d.cancel()
	return fmt.Errorf("mcp2221: %s: write to %#x: %w", d, addr, i2creq.ErrTimeout)
}

func (d *Dev) read(cmd byte, addr uint16, r []byte) error {
	if err := d.ready(stateWritingNoStop); err != nil {
		return err
	}
	d.cmd = [reportLen]byte{cmd, byte(len(r)), byte(len(r) >> 8), byte(addr<<1) | 1}
	if err := d.xfer(); err != nil {
		return err
	}
	if d.rsp[1] != 0 {
		d.cancel()
		return fmt.Errorf("mcp2221: %s: read from %#x: %w: command refused %#x", d, addr, i2creq.ErrDeviceError, d.rsp[2])
	}
	for off := 0; off < len(r); {
		n, err := d.getData(addr)
		if err != nil {
			return err
		}
		if n > len(r)-off {
			n = len(r) - off
		}
		copy(r[off:], d.rsp[4:4+n])
		off += n
	}
	return nil
}

// getData polls until the next chunk of a read is available.
func (d *Dev) getData(addr uint16) (int, error) {
	for i := 0; i < maxRetries; i++ {
		d.cmd = [reportLen]byte{cmdGetData}
		if err := d.xfer(); err != nil {
			return 0, err
		}
		if d.rsp[1] == statePartialData {
			d.sleep(time.Millisecond)
			continue
		}
		if d.rsp[1] != 0 {
			d.cancel()
			return 0, fmt.Errorf("mcp2221: %s: read from %#x: %w: get data failed %#x", d, addr, i2creq.ErrDeviceError, d.rsp[1])
		}
		if d.rsp[2] == stateAddrNACK {
			d.cancel()
			return 0, fmt.Errorf("mcp2221: %s: read from %#x: %w: address not acknowledged", d, addr, i2creq.ErrNoResponse)
		}
		if d.rsp[3] == readErr {
			d.sleep(time.Millisecond)
			continue
		}
		n := int(d.rsp[3])
		if n > chunkLen {
			return 0, fmt.Errorf("mcp2221: %s: read from %#x: %w: chunk of %d bytes", d, addr, i2creq.ErrDeviceError, n)
		}
		if n != 0 && (d.rsp[2] == stateReadComplete || d.rsp[2] == stateReadPartial) {
			return n, nil
		}
		d.sleep(time.Millisecond)
	}
	d.cancel()
	return 0, fmt.Errorf("mcp2221: %s: read from %#x: %w", d, addr, i2creq.ErrTimeout)
}

// stateErr returns the error of a failed engine state.
func stateErr(s byte) error {
	switch s {
	case stateAddrNACK:
		return fmt.Errorf("%w: address not acknowledged", i2creq.ErrNoResponse)
	case stateStartTimeout, stateAddrTimeout, stateWriteTimeout, stateStopTimeout:
		return fmt.Errorf("%w: engine state %#x", i2creq.ErrTimeout, s)
	default:
		return nil
	}
}

var errNotFound = errors.New("mcp2221: no device found")

var _ i2c.BusCloser = &Dev{}
