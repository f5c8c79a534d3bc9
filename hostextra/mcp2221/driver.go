// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mcp2221

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/gousb"
	"periph.io/x/periph"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
)

// All returns the bridges found when the driver was initialized.
func All() []*Dev {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*Dev, len(all))
	copy(out, all)
	return out
}

//

var (
	mu  sync.Mutex
	all []*Dev
)

// registerDev registers the bus in i2creg.
func registerDev(d *Dev) error {
	return i2creg.Register(d.String(), nil, -1, func() (i2c.BusCloser, error) {
		return d, nil
	})
}

func openAll() ([]io.ReadWriteCloser, error) {
	// The context lives as long as the process; the ports are never closed by
	// the driver.
	ctx := gousb.NewContext()
	ports, err := openUSB(ctx)
	if len(ports) == 0 {
		ctx.Close()
	}
	out := make([]io.ReadWriteCloser, len(ports))
	for i := range ports {
		out[i] = ports[i]
	}
	return out, err
}

// driver implements periph.Driver.
type driver struct {
	open func() ([]io.ReadWriteCloser, error)
}

func (d *driver) String() string {
	return "mcp2221"
}

func (d *driver) Prerequisites() []string {
	return nil
}

func (d *driver) Init() (bool, error) {
	ports, err := d.open()
	if len(ports) == 0 {
		if err == nil {
			err = errNotFound
		}
		return false, err
	}
	mu.Lock()
	defer mu.Unlock()
	for i, p := range ports {
		dev, err1 := newDev(fmt.Sprintf("MCP2221A#%d", i), p)
		if err1 != nil {
			p.Close()
			err = err1
			continue
		}
		all = append(all, dev)
		if err := registerDev(dev); err != nil {
			return true, err
		}
	}
	return true, err
}

func (d *driver) reset() {
	d.open = openAll
	mu.Lock()
	all = nil
	mu.Unlock()
}

var drv driver

func init() {
	drv.reset()
	periph.MustRegister(&drv)
}

var _ periph.Driver = &drv
