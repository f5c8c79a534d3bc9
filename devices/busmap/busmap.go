// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package busmap draws the map of the 7 bits addresses of an I²C bus to a
// terminal using ANSI color codes.
//
// The layout is the one of i2cdetect: one row per 16 addresses.
package busmap // import "periph.io/x/minnow/devices/busmap"

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/minnow/conn/i2creq"
)

// Status is the state of one address.
type Status uint8

// Valid Status.
const (
	Unknown  Status = iota // Not probed or probing failed.
	Absent                 // Nothing answered.
	Present                // A device answered.
	Claimed                // Published in a platform table.
	Reserved               // Reserved by the I²C specification.
)

const statusName = "UnknownAbsentPresentClaimedReserved"

var statusIndex = [...]uint8{0, 7, 13, 20, 27, 35}

func (s Status) String() string {
	if s >= Status(len(statusIndex)-1) {
		return fmt.Sprintf("Status(%d)", s)
	}
	return statusName[statusIndex[s]:statusIndex[s+1]]
}

var colors = [...]color.NRGBA{
	Unknown:  {0x80, 0x80, 0x80, 0xFF},
	Absent:   {0x20, 0x20, 0x20, 0xFF},
	Present:  {0x00, 0xC0, 0x00, 0xFF},
	Claimed:  {0x00, 0x60, 0xFF, 0xFF},
	Reserved: {0xC0, 0x00, 0x00, 0xFF},
}

// Map is the status of the 128 addresses.
type Map [0x80]Status

// NewMap returns a map with the reserved addresses marked.
func NewMap() *Map {
	m := &Map{}
	for a := 0; a < 0x08; a++ {
		m[a] = Reserved
		m[0x78+a] = Reserved
	}
	return m
}

// Count returns the number of addresses with the status s.
func (m *Map) Count(s Status) int {
	n := 0
	for _, v := range m {
		if v == s {
			n++
		}
	}
	return n
}

// Scan probes every address not reserved nor claimed.
//
// An address is Present when probe succeeds and Absent when it returns an
// error wrapping i2creq.ErrNoResponse. Other errors leave it Unknown.
func (m *Map) Scan(probe func(a i2creq.Addr) error) {
	for a := range m {
		if m[a] == Reserved || m[a] == Claimed {
			continue
		}
		switch err := probe(i2creq.Addr7(uint8(a))); {
		case err == nil:
			m[a] = Present
		case errors.Is(err, i2creq.ErrNoResponse):
			m[a] = Absent
		default:
			m[a] = Unknown
		}
	}
}

// Dev draws maps to a terminal.
type Dev struct {
	w     io.Writer
	color bool
	buf   bytes.Buffer
}

// New returns a Dev that draws at the console.
func New(color bool) *Dev {
	return NewWriter(colorable.NewColorableStdout(), color)
}

// NewWriter returns a Dev that draws to w.
//
// Without color, the addresses are printed as i2cdetect does.
func NewWriter(w io.Writer, color bool) *Dev {
	return &Dev{w: w, color: color}
}

func (d *Dev) String() string {
	return "BusMap"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors.
func (d *Dev) Halt() error {
	if !d.color {
		return nil
	}
	_, err := d.w.Write([]byte("\033[0m"))
	return err
}

// Draw writes m.
func (d *Dev) Draw(m *Map) error {
	d.buf.Reset()
	_, _ = d.buf.WriteString("    ")
	for c := 0; c < 16; c++ {
		fmt.Fprintf(&d.buf, "  %x", c)
	}
	_, _ = d.buf.WriteString("\n")
	for row := 0; row < len(m); row += 16 {
		fmt.Fprintf(&d.buf, "%02x: ", row)
		for a := row; a < row+16; a++ {
			_, _ = d.buf.WriteString(" ")
			if d.color {
				_, _ = d.buf.WriteString(ansi256.Default.Block(colors[m[a]]))
				_, _ = d.buf.WriteString("\033[0m")
			}
			_, _ = d.buf.WriteString(cell(a, m[a]))
		}
		_, _ = d.buf.WriteString("\n")
	}
	_, err := d.buf.WriteTo(d.w)
	return err
}

func cell(a int, s Status) string {
	switch s {
	case Absent:
		return "--"
	case Present:
		return fmt.Sprintf("%02x", a)
	case Claimed:
		return "UU"
	case Reserved:
		return "RR"
	default:
		return "??"
	}
}
