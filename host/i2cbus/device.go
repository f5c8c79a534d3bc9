// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package i2cbus

import (
	"fmt"
	"sync"

	"periph.io/x/minnow/conn/devpath"
	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/periph/conn"
)

// Client is a driver bound to a Device.
//
// Detach is called when the bus is stopped. Returning an error keeps the
// client bound and the device published.
type Client interface {
	Detach(d *Device) error
}

// Device is one published device.
type Device struct {
	bus  *Bus
	desc DeviceDesc
	path devpath.Path

	mu      sync.Mutex
	client  Client
	stopped bool
}

func (d *Device) String() string {
	return d.bus.name + "/" + d.desc.GUID.String() + "#" + fmt.Sprint(d.desc.Index)
}

// Desc returns the device description.
func (d *Device) Desc() DeviceDesc {
	desc := d.desc
	desc.SlaveAddresses = make([]i2creq.Addr, len(d.desc.SlaveAddresses))
	copy(desc.SlaveAddresses, d.desc.SlaveAddresses)
	return desc
}

// Path returns the device identity path: the controller path followed by a
// vendor node carrying the GUID and a controller node carrying the index.
func (d *Device) Path() devpath.Path {
	return d.path
}

// QueueRequest sends p to the slave address at position index in the
// device's address table.
//
// It returns i2creq.ErrAccessDenied without queuing anything when index is
// out of range. Otherwise it behaves as i2chost.Queuer.QueueRequest.
func (d *Device) QueueRequest(index int, p *i2creq.Packet, done func(err error)) error {
	if index < 0 || index >= len(d.desc.SlaveAddresses) {
		return fmt.Errorf("i2cbus: %s: %w: slave address index %d out of %d", d, i2creq.ErrAccessDenied, index, len(d.desc.SlaveAddresses))
	}
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return fmt.Errorf("i2cbus: %s: %w: device stopped", d, i2creq.ErrAborted)
	}
	return d.bus.q.QueueRequest(d.desc.BusConfiguration, d.desc.SlaveAddresses[index], p, done)
}

// Tx writes w then reads r on the slave address at position index, with a
// repeated start in between. It blocks until the transaction completes.
func (d *Device) Tx(index int, w, r []byte) error {
	if len(w) == 0 && len(r) == 0 {
		return nil
	}
	return d.QueueRequest(index, i2creq.WriteRead(w, r), nil)
}

// Conn returns a connection to the slave address at position index.
func (d *Device) Conn(index int) *Conn {
	return &Conn{d: d, index: index}
}

// Attach binds c to the device.
//
// Only one client can be bound; i2creq.ErrBusy is returned otherwise.
func (d *Device) Attach(c Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return fmt.Errorf("i2cbus: %s: %w: device stopped", d, i2creq.ErrAborted)
	}
	if d.client != nil {
		return fmt.Errorf("i2cbus: %s: %w", d, i2creq.ErrBusy)
	}
	d.client = c
	return nil
}

// Release unbinds c if it is bound to the device.
func (d *Device) Release(c Client) {
	d.mu.Lock()
	if d.client == c {
		d.client = nil
	}
	d.mu.Unlock()
}

func (d *Device) stop() error {
	d.mu.Lock()
	c := d.client
	d.mu.Unlock()
	if c != nil {
		if err := c.Detach(d); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.client = nil
	d.stopped = true
	d.mu.Unlock()
	return nil
}

// Conn is a conn.Conn to one slave address of a Device.
type Conn struct {
	d     *Device
	index int
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s[%d]", c.d, c.index)
}

// Tx implements conn.Conn.
func (c *Conn) Tx(w, r []byte) error {
	return c.d.Tx(c.index, w, r)
}

// Duplex implements conn.Conn.
func (c *Conn) Duplex() conn.Duplex {
	return conn.Half
}

var _ conn.Conn = &Conn{}
var _ fmt.Stringer = &Device{}
