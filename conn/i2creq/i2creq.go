// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package i2creq defines the I²C request packet shared by the host arbiter,
// the bus router and the master drivers.
//
// A Packet is an ordered list of read and write operations addressed to a
// single slave. A repeated start is implied between consecutive operations.
package i2creq // import "periph.io/x/minnow/conn/i2creq"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Addr is a slave address on the wire.
//
// The low 10 bits hold the address. TenBit selects 10-bit addressing, a 7-bit
// address otherwise.
type Addr uint16

// TenBit is set on an Addr that uses 10-bit addressing.
const TenBit Addr = 0x8000

// Addr7 returns a 7-bit address.
func Addr7(a uint8) Addr {
	return Addr(a)
}

// Addr10 returns a 10-bit address.
func Addr10(a uint16) Addr {
	return Addr(a) | TenBit
}

// Is10Bit returns true if the address uses 10-bit addressing.
func (a Addr) Is10Bit() bool {
	return a&TenBit != 0
}

// Value returns the address without the addressing mode flag.
func (a Addr) Value() uint16 {
	return uint16(a &^ TenBit)
}

// Valid returns true if the address fits its addressing mode.
func (a Addr) Valid() bool {
	if a.Is10Bit() {
		return a.Value() < 0x400
	}
	return a.Value() < 0x80
}

func (a Addr) String() string {
	if a.Is10Bit() {
		return fmt.Sprintf("%#03x/10", a.Value())
	}
	return fmt.Sprintf("%#02x", a.Value())
}

// Flags are bus protocol flags attached to one operation.
type Flags uint32

// Protocol flags. A master that can't honor a flag fails the transaction
// with ErrUnsupported.
const (
	// SMBusPEC requests a packet error check byte.
	SMBusPEC Flags = 1 << iota
	// SMBusProcessCall marks the write/read pair of an SMBus process call.
	SMBusProcessCall
	// SMBusBlock marks an SMBus block transfer.
	SMBusBlock
)

// Op is one read or write operation of a Packet.
//
// The length of the operation is len(Buf). For a read, the master fills Buf.
type Op struct {
	Buf   []byte
	Read  bool
	Flags Flags
}

func (o *Op) String() string {
	if o.Read {
		return "R" + strconv.Itoa(len(o.Buf))
	}
	return "W" + strconv.Itoa(len(o.Buf))
}

// Packet is one I²C transaction.
type Packet struct {
	Ops []Op
	// Timeout is the maximum duration of the transaction. Zero means the
	// controller default.
	Timeout time.Duration
}

// Validate returns ErrInvalidArgument if p is nil or has no operation.
//
// Length constraints are controller specific and checked by the master.
func (p *Packet) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidArgument)
	}
	if len(p.Ops) == 0 {
		return fmt.Errorf("%w: packet has no operation", ErrInvalidArgument)
	}
	return nil
}

// Clone returns a copy of the packet.
//
// The operation list is copied, the buffers are shared so that reads land in
// the caller's memory.
func (p *Packet) Clone() *Packet {
	c := &Packet{Timeout: p.Timeout, Ops: make([]Op, len(p.Ops))}
	copy(c.Ops, p.Ops)
	return c
}

// Len returns the total number of bytes transferred.
func (p *Packet) Len() int {
	n := 0
	for i := range p.Ops {
		n += len(p.Ops[i].Buf)
	}
	return n
}

func (p *Packet) String() string {
	s := make([]string, len(p.Ops))
	for i := range p.Ops {
		s[i] = p.Ops[i].String()
	}
	return "[" + strings.Join(s, " ") + "]"
}

// WriteRead returns a packet that writes w then reads into r with a repeated
// start in between. Either may be empty but not both.
func WriteRead(w, r []byte) *Packet {
	p := &Packet{}
	if len(w) != 0 {
		p.Ops = append(p.Ops, Op{Buf: w})
	}
	if len(r) != 0 {
		p.Ops = append(p.Ops, Op{Buf: r, Read: true})
	}
	return p
}

// Status errors.
//
// Every layer returns these as-is or wrapped with fmt.Errorf("%w"), so
// callers use errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAborted         = errors.New("aborted")
	ErrAccessDenied    = errors.New("access denied")
	ErrOutOfResources  = errors.New("out of resources")
	ErrNoResponse      = errors.New("no response")
	ErrBadBufferSize   = errors.New("bad buffer size")
	ErrTimeout         = errors.New("timeout")
	ErrUnsupported     = errors.New("unsupported")
	ErrBusy            = errors.New("busy")
	ErrDeviceError     = errors.New("device error")
)
