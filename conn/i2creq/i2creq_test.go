// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package i2creq

import (
	"errors"
	"testing"
)

func TestAddr(t *testing.T) {
	data := []struct {
		a     Addr
		valid bool
		ten   bool
		s     string
	}{
		{Addr7(0x50), true, false, "0x50"},
		{Addr7(0x7F), true, false, "0x7f"},
		{Addr(0x80), false, false, "0x80"},
		{Addr10(0x3FF), true, true, "0x3ff/10"},
		{Addr10(0x400), false, true, "0x400/10"},
	}
	for i, line := range data {
		if v := line.a.Valid(); v != line.valid {
			t.Fatalf("#%d: Valid() = %t", i, v)
		}
		if v := line.a.Is10Bit(); v != line.ten {
			t.Fatalf("#%d: Is10Bit() = %t", i, v)
		}
		if s := line.a.String(); s != line.s {
			t.Fatalf("#%d: String() = %q", i, s)
		}
	}
}

func TestPacket_Validate(t *testing.T) {
	var p *Packet
	if err := p.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil packet: %v", err)
	}
	if err := (&Packet{}).Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty packet: %v", err)
	}
	if err := WriteRead([]byte{1}, nil).Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestPacket_Clone(t *testing.T) {
	r := make([]byte, 2)
	p := WriteRead([]byte{0x10}, r)
	c := p.Clone()
	c.Ops[1].Buf[0] = 0xAA
	if r[0] != 0xAA {
		t.Fatal("buffers must be shared")
	}
	c.Ops = c.Ops[:1]
	if len(p.Ops) != 2 {
		t.Fatal("op list must be copied")
	}
	if s := p.String(); s != "[W1 R2]" {
		t.Fatal(s)
	}
	if n := p.Len(); n != 3 {
		t.Fatal(n)
	}
}
