// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package i2cbus publishes the devices found behind one I²C controller.
//
// The devices are reported by an Enumerator, usually a platform table. Each
// one becomes a Device with its own QueueRequest entry point; a Device
// translates a relative slave address index into the physical address and
// bus configuration and forwards the request to the controller's arbiter.
package i2cbus // import "periph.io/x/minnow/host/i2cbus"

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"periph.io/x/minnow/conn/devpath"
	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/minnow/host/i2chost"
)

// DeviceDesc describes one device as reported by an Enumerator.
type DeviceDesc struct {
	// GUID identifies the kind of device; drivers bind on it.
	GUID uuid.UUID
	// Index distinguishes devices sharing a GUID on the same bus.
	Index uint32
	// HardwareRevision is opaque to this package.
	HardwareRevision uint32
	// BusConfiguration is the configuration that makes the device reachable.
	BusConfiguration uint
	// SlaveAddresses are the physical addresses of the device. A request
	// names one by its position in this table.
	SlaveAddresses []i2creq.Addr
}

// Enumerator walks the devices of a bus.
//
// Enumerate returns the device following prev, or the first one when prev is
// nil. It returns ErrNoMoreDevices after the last one and ErrNoMapping when
// prev is unknown to it.
type Enumerator interface {
	Enumerate(prev *DeviceDesc) (*DeviceDesc, error)
}

// Errors returned by this package.
var (
	ErrNoMoreDevices = errors.New("i2cbus: no more devices")
	ErrNoMapping     = errors.New("i2cbus: no mapping")
	ErrNotStopped    = errors.New("i2cbus: device not stopped")
)

// Bus is the set of devices published for one controller.
type Bus struct {
	name string
	path devpath.Path
	q    i2chost.Queuer

	mu   sync.Mutex
	devs []*Device
}

// New returns an empty Bus for the controller identified by name and path
// whose requests go to q.
func New(name string, path devpath.Path, q i2chost.Queuer) *Bus {
	return &Bus{name: name, path: path, q: q}
}

func (b *Bus) String() string {
	return b.name
}

// Path returns the controller's path.
func (b *Bus) Path() devpath.Path {
	return b.path
}

// Enumerate publishes every device reported by e.
//
// Devices without a GUID or without a slave address are skipped. Devices
// already published with the same path are kept as-is. An error from e
// other than ErrNoMoreDevices or ErrNoMapping stops the walk; the devices
// published so far stay published.
func (b *Bus) Enumerate(e Enumerator) error {
	var prev *DeviceDesc
	for {
		desc, err := e.Enumerate(prev)
		if errors.Is(err, ErrNoMoreDevices) || errors.Is(err, ErrNoMapping) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("i2cbus: %s: enumeration failed: %w", b.name, err)
		}
		if desc == nil {
			return nil
		}
		prev = desc
		if desc.GUID == uuid.Nil || len(desc.SlaveAddresses) == 0 {
			log.Printf("i2cbus: %s: skipping device %d without identity or address", b.name, desc.Index)
			continue
		}
		b.publish(desc)
	}
}

// Devices returns the published devices in discovery order.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, len(b.devs))
	copy(out, b.devs)
	return out
}

// Lookup returns the device with this GUID and index, or nil.
func (b *Bus) Lookup(guid uuid.UUID, index uint32) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devs {
		if d.desc.GUID == guid && d.desc.Index == index {
			return d
		}
	}
	return nil
}

// StopAll detaches the clients and unpublishes every device.
//
// A client that refuses to detach keeps its device published; the others are
// still stopped. The returned error joins one error wrapping ErrNotStopped
// per device left.
func (b *Bus) StopAll() error {
	var errs []error
	for _, d := range b.Devices() {
		if err := d.stop(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrNotStopped, d, err))
			continue
		}
		b.mu.Lock()
		for i := range b.devs {
			if b.devs[i] == d {
				copy(b.devs[i:], b.devs[i+1:])
				b.devs[len(b.devs)-1] = nil
				b.devs = b.devs[:len(b.devs)-1]
				break
			}
		}
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

//

func (b *Bus) publish(desc *DeviceDesc) *Device {
	d := &Device{
		bus:  b,
		desc: *desc,
		path: b.path.Append(devpath.VendorHardware(desc.GUID), devpath.Controller(desc.Index)),
	}
	d.desc.SlaveAddresses = make([]i2creq.Addr, len(desc.SlaveAddresses))
	copy(d.desc.SlaveAddresses, desc.SlaveAddresses)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.devs {
		if o.path.Equal(d.path) {
			return o
		}
	}
	b.devs = append(b.devs, d)
	return d
}
