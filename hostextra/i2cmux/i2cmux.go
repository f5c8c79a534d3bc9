// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package i2cmux implements bus configurations with PCA954x I²C switches.
//
// A configuration is a set of switch channels to enable plus a bus
// frequency. Enabling one writes the channel mask to every switch it names
// and a zero mask to every other known switch, then changes the bus
// frequency.
//
// Datasheet
//
// https://www.nxp.com/docs/en/data-sheet/PCA9548A.pdf
package i2cmux // import "periph.io/x/minnow/hostextra/i2cmux"

import (
	"fmt"
	"sort"
	"sync"

	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/minnow/host/i2chost"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
)

// FrequencySetter changes the bus frequency. i2chost.Master implements it.
type FrequencySetter interface {
	SetBusFrequency(f physic.Frequency) (physic.Frequency, error)
}

// Config is one bus configuration.
type Config struct {
	// Frequency is the bus frequency; zero leaves it unchanged.
	Frequency physic.Frequency
	// Channels maps a switch address to the mask of channels to enable.
	Channels map[uint16]byte
}

// Manager implements i2chost.ConfigManager.
type Manager struct {
	bus      i2c.Bus
	m        FrequencySetter
	cfgs     map[uint]Config
	switches []uint16

	mu      sync.Mutex
	pending bool
	closed  bool
	work    chan func()
	wg      sync.WaitGroup
}

// New returns a Manager for the configurations cfgs.
//
// The switches are reached on bus. The frequency is changed through m, which
// may be nil when no configuration sets one.
func New(bus i2c.Bus, m FrequencySetter, cfgs map[uint]Config) (*Manager, error) {
	seen := map[uint16]bool{}
	var switches []uint16
	c := make(map[uint]Config, len(cfgs))
	for id, cfg := range cfgs {
		if cfg.Frequency < 0 {
			return nil, fmt.Errorf("i2cmux: %w: configuration %d: frequency %s", i2creq.ErrInvalidArgument, id, cfg.Frequency)
		}
		if cfg.Frequency != 0 && m == nil {
			return nil, fmt.Errorf("i2cmux: %w: configuration %d sets a frequency without a master", i2creq.ErrInvalidArgument, id)
		}
		ch := make(map[uint16]byte, len(cfg.Channels))
		for a, mask := range cfg.Channels {
			if a >= 0x80 {
				return nil, fmt.Errorf("i2cmux: %w: configuration %d: switch address %#x", i2creq.ErrInvalidArgument, id, a)
			}
			ch[a] = mask
			if !seen[a] {
				seen[a] = true
				switches = append(switches, a)
			}
		}
		c[id] = Config{Frequency: cfg.Frequency, Channels: ch}
	}
	sort.Slice(switches, func(i, j int) bool { return switches[i] < switches[j] })
	mgr := &Manager{bus: bus, m: m, cfgs: c, switches: switches, work: make(chan func(), 1)}
	mgr.wg.Add(1)
	go mgr.run()
	return mgr, nil
}

func (mgr *Manager) String() string {
	return fmt.Sprintf("i2cmux(%s)", mgr.bus)
}

// Switches returns the addresses of the switches, sorted.
func (mgr *Manager) Switches() []uint16 {
	return append([]uint16(nil), mgr.switches...)
}

// EnableConfiguration implements i2chost.ConfigManager.
func (mgr *Manager) EnableConfiguration(id uint, done func(err error)) error {
	cfg, ok := mgr.cfgs[id]
	if !ok {
		return fmt.Errorf("i2cmux: %w: unknown configuration %d", i2creq.ErrInvalidArgument, id)
	}
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return fmt.Errorf("i2cmux: %w: closed", i2creq.ErrDeviceError)
	}
	if mgr.pending {
		mgr.mu.Unlock()
		return fmt.Errorf("i2cmux: %w", i2creq.ErrBusy)
	}
	mgr.pending = true
	mgr.mu.Unlock()
	mgr.work <- func() {
		err := mgr.enable(id, cfg)
		mgr.mu.Lock()
		mgr.pending = false
		mgr.mu.Unlock()
		done(err)
	}
	return nil
}

// Close stops the worker.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil
	}
	mgr.closed = true
	mgr.mu.Unlock()
	close(mgr.work)
	mgr.wg.Wait()
	return nil
}

//

func (mgr *Manager) run() {
	defer mgr.wg.Done()
	for fn := range mgr.work {
		fn()
	}
}

// enable disconnects the unused switches first so two downstream segments
// are never joined.
func (mgr *Manager) enable(id uint, cfg Config) error {
	for _, a := range mgr.switches {
		if _, ok := cfg.Channels[a]; !ok {
			if err := mgr.bus.Tx(a, []byte{0}, nil); err != nil {
				return fmt.Errorf("i2cmux: configuration %d: switch %#x: %w: %w", id, a, i2creq.ErrDeviceError, err)
			}
		}
	}
	for _, a := range mgr.switches {
		if mask, ok := cfg.Channels[a]; ok {
			if err := mgr.bus.Tx(a, []byte{mask}, nil); err != nil {
				return fmt.Errorf("i2cmux: configuration %d: switch %#x: %w: %w", id, a, i2creq.ErrDeviceError, err)
			}
		}
	}
	if cfg.Frequency != 0 {
		if _, err := mgr.m.SetBusFrequency(cfg.Frequency); err != nil {
			return fmt.Errorf("i2cmux: configuration %d: %w", id, err)
		}
	}
	return nil
}

var _ i2chost.ConfigManager = &Manager{}
