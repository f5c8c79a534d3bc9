// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mcp2221

import (
	"fmt"
	"log"

	"github.com/google/gousb"
)

// USB identifiers of the MCP2221 and MCP2221A.
const (
	VendorID  gousb.ID = 0x04D8
	ProductID gousb.ID = 0x00DD
)

const (
	hidConfig    = 1
	hidInterface = 2
	hidEndpoint  = 3
)

// usbPort is an open HID interface.
type usbPort struct {
	ctx *gousb.Context
	d   *gousb.Device
	cfg *gousb.Config
	i   *gousb.Interface
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

func (u *usbPort) Read(b []byte) (int, error) {
	return u.in.Read(b)
}

func (u *usbPort) Write(b []byte) (int, error) {
	return u.out.Write(b)
}

func (u *usbPort) Close() error {
	u.i.Close()
	err := u.cfg.Close()
	if err1 := u.d.Close(); err == nil {
		err = err1
	}
	return err
}

// openUSB opens every attached bridge.
//
// The returned ports share ctx; the caller closes it after the ports.
func openUSB(ctx *gousb.Context) ([]*usbPort, error) {
	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Vendor == VendorID && d.Product == ProductID
	})
	// OpenDevices returns the devices it could open even on error, e.g. when
	// one of them needs root access.
	if err != nil {
		log.Printf("mcp2221: %v", err)
	}
	var out []*usbPort
	for _, d := range devs {
		p, err1 := openPort(ctx, d)
		if err1 != nil {
			log.Printf("mcp2221: bus %d addr %d: %v", d.Desc.Bus, d.Desc.Address, err1)
			d.Close()
			err = err1
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 && err == nil && len(devs) != 0 {
		err = errNotFound
	}
	return out, err
}

func openPort(ctx *gousb.Context, d *gousb.Device) (*usbPort, error) {
	// The kernel hid driver claims the interface.
	if err := d.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("auto detach: %v", err)
	}
	cfg, err := d.Config(hidConfig)
	if err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	i, err := cfg.Interface(hidInterface, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("interface: %v", err)
	}
	in, err := i.InEndpoint(hidEndpoint)
	if err != nil {
		i.Close()
		cfg.Close()
		return nil, fmt.Errorf("in endpoint: %v", err)
	}
	out, err := i.OutEndpoint(hidEndpoint)
	if err != nil {
		i.Close()
		cfg.Close()
		return nil, fmt.Errorf("out endpoint: %v", err)
	}
	return &usbPort{ctx: ctx, d: d, cfg: cfg, i: i, in: in, out: out}, nil
}
