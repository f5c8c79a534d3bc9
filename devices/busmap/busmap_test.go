// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package busmap

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"periph.io/x/minnow/conn/i2creq"
)

func TestScan(t *testing.T) {
	m := NewMap()
	m[0x1a] = Claimed
	var seen []i2creq.Addr
	m.Scan(func(a i2creq.Addr) error {
		seen = append(seen, a)
		switch a {
		case 0x50:
			return nil
		case 0x68:
			return errors.New("bus error")
		default:
			return i2creq.ErrNoResponse
		}
	})
	if len(seen) != 0x80-16-1 {
		t.Fatalf("%d addresses scanned", len(seen))
	}
	if m[0x50] != Present || m[0x68] != Unknown || m[0x1a] != Claimed || m[0x00] != Reserved || m[0x7f] != Reserved {
		t.Fatal(m)
	}
	if n := m.Count(Absent); n != 0x80-16-3 {
		t.Fatal(n)
	}
}

func TestDraw(t *testing.T) {
	m := NewMap()
	m[0x1a] = Claimed
	m[0x50] = Present
	m[0x51] = Absent
	b := bytes.Buffer{}
	d := NewWriter(&b, false)
	if err := d.Draw(m); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(b.String(), "\n")
	if len(lines) != 10 {
		t.Fatalf("%d lines", len(lines))
	}
	const header = "      0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f"
	if lines[0] != header {
		t.Fatalf("%q", lines[0])
	}
	if lines[1] != "00:  RR RR RR RR RR RR RR RR ?? ?? ?? ?? ?? ?? ?? ??" {
		t.Fatalf("%q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "10:  ?? ?? ?? ?? ?? ?? ?? ?? ?? ?? UU") {
		t.Fatalf("%q", lines[2])
	}
	if !strings.HasPrefix(lines[6], "50:  50 --") {
		t.Fatalf("%q", lines[6])
	}
	b.Reset()
	if err := d.Halt(); err != nil || b.Len() != 0 {
		t.Fatal(err)
	}
}

func TestDraw_color(t *testing.T) {
	b := bytes.Buffer{}
	d := NewWriter(&b, true)
	if err := d.Draw(NewMap()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "\033[") {
		t.Fatal("expected ANSI codes")
	}
	b.Reset()
	if err := d.Halt(); err != nil || b.String() != "\033[0m" {
		t.Fatalf("%q", b.String())
	}
}

func TestStatus_String(t *testing.T) {
	if s := Present.String(); s != "Present" {
		t.Fatal(s)
	}
	if s := Reserved.String(); s != "Reserved" {
		t.Fatal(s)
	}
	if s := Status(10).String(); s != "Status(10)" {
		t.Fatal(s)
	}
}
