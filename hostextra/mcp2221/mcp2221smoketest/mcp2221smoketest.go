// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mcp2221smoketest is leveraged by extra-smoketest to verify that a
// MCP2221A and the request arbiter work as expected against a real slave.
package mcp2221smoketest

import (
	"bytes"
	"errors"
	"flag"
	"fmt"

	"github.com/google/uuid"
	"periph.io/x/minnow/conn/devpath"
	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/minnow/host/i2cbus"
	"periph.io/x/minnow/host/i2chost"
	"periph.io/x/minnow/hostextra/mcp2221"
	"periph.io/x/minnow/hostextra/periphmaster"
	"periph.io/x/periph/conn/physic"
)

// SmokeTest is imported by extra-smoketest.
type SmokeTest struct {
}

// Name implements the SmokeTest interface.
func (s *SmokeTest) Name() string {
	return "mcp2221"
}

// Description implements the SmokeTest interface.
func (s *SmokeTest) Description() string {
	return "Tests MCP2221A with an EEPROM through the request arbiter"
}

// Run implements the SmokeTest interface.
func (s *SmokeTest) Run(f *flag.FlagSet, args []string) (err error) {
	addr := f.Uint("addr", 0x50, "address of an EEPROM with 8 bits offsets")
	absent := f.Uint("absent", 0x0f, "address where no device is present")
	if err := f.Parse(args); err != nil {
		return err
	}
	if f.NArg() != 0 {
		f.Usage()
		return errors.New("unrecognized arguments")
	}
	if *addr >= 0x80 || *absent >= 0x80 {
		return errors.New("-addr and -absent are 7 bits addresses")
	}

	all := mcp2221.All()
	if len(all) != 1 {
		return fmt.Errorf("exactly one device is expected, got %d", len(all))
	}
	m := periphmaster.New(all[0], 0)
	defer m.Close()
	h, err := i2chost.New(m, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := h.Close(); err == nil {
			err = err2
		}
	}()
	if _, err := h.SetBusFrequency(400 * physic.KiloHertz); err != nil {
		return err
	}

	b := i2cbus.New(all[0].String(), devpath.Path{devpath.Controller(0)}, h)
	e := &table{desc: i2cbus.DeviceDesc{
		GUID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("periph.io/x/minnow/smoketest")),
		SlaveAddresses: []i2creq.Addr{i2creq.Addr7(uint8(*addr)), i2creq.Addr7(uint8(*absent))},
	}}
	if err := b.Enumerate(e); err != nil {
		return err
	}
	d := b.Devices()[0]
	defer b.StopAll()
	return testEEPROM(d)
}

func testEEPROM(d *i2cbus.Device) error {
	first := make([]byte, 16)
	if err := d.Tx(0, []byte{0}, first); err != nil {
		return fmt.Errorf("read: %v", err)
	}
	// Reading twice must return the same content.
	second := make([]byte, 16)
	if err := d.Tx(0, []byte{0}, second); err != nil {
		return fmt.Errorf("read: %v", err)
	}
	if !bytes.Equal(first, second) {
		return fmt.Errorf("read %x then %x", first, second)
	}
	if err := d.Tx(1, []byte{0}, first); !errors.Is(err, i2creq.ErrNoResponse) {
		return fmt.Errorf("expected no response from the absent device, got %v", err)
	}
	if err := d.Tx(2, []byte{0}, first); !errors.Is(err, i2creq.ErrAccessDenied) {
		return fmt.Errorf("expected an invalid index to be rejected, got %v", err)
	}
	return nil
}

// table is an enumerator of a single device.
type table struct {
	desc i2cbus.DeviceDesc
}

func (t *table) Enumerate(prev *i2cbus.DeviceDesc) (*i2cbus.DeviceDesc, error) {
	if prev == nil {
		return &t.desc, nil
	}
	if prev == &t.desc {
		return nil, i2cbus.ErrNoMoreDevices
	}
	return nil, i2cbus.ErrNoMapping
}
