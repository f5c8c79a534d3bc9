// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package i2cplatform loads the description of the devices wired to one I²C
// controller.
//
// The description is a YAML document:
//
//   name: I2C1
//   path: PciRoot(0x0)/Pci(0x15,0x1)
//   configurations:
//   - id: 0
//     frequency: 400kHz
//   - id: 1
//     frequency: 100kHz
//     switches:
//     - address: 0x70
//       channels: [0, 3]
//   devices:
//   - label: eeprom
//     guid: 3b6a2a7e-59a1-4c05-9d7a-2f2c3fa8a611
//     index: 0
//     configuration: 0
//     addresses: [0x50, 0x51]
//
// A 10-bit address is written as "0x123/10". When configurations is omitted,
// a configuration 0 without switches is defined.
package i2cplatform // import "periph.io/x/minnow/hostextra/i2cplatform"

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"periph.io/x/minnow/conn/devpath"
	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/minnow/host/i2cbus"
	"periph.io/x/minnow/hostextra/i2cmux"
	"periph.io/x/periph/conn/physic"
)

// StandardMode is the frequency of a configuration that doesn't set one.
const StandardMode = 100 * physic.KiloHertz

// Platform is a loaded table. It implements i2cbus.Enumerator.
type Platform struct {
	// Name is the controller name.
	Name string
	// Path is the controller path.
	Path devpath.Path
	// Devices are in table order.
	Devices []i2cbus.DeviceDesc
	// Labels are the device labels, in the same order as Devices.
	Labels []string
	// Configurations maps a configuration id to the switches to enable.
	Configurations map[uint]i2cmux.Config
}

// Load reads a table.
func Load(r io.Reader) (*Platform, error) {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	var f file
	if err := d.Decode(&f); err != nil {
		return nil, fmt.Errorf("i2cplatform: %v", err)
	}
	return f.platform()
}

// LoadFile reads a table from a file.
func LoadFile(path string) (*Platform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return p, nil
}

// Enumerate implements i2cbus.Enumerator.
//
// The devices are returned in table order. prev is either a value previously
// returned or a description with the same GUID and index.
func (p *Platform) Enumerate(prev *i2cbus.DeviceDesc) (*i2cbus.DeviceDesc, error) {
	i := 0
	if prev != nil {
		i = p.find(prev)
		if i < 0 {
			return nil, i2cbus.ErrNoMapping
		}
		i++
	}
	if i >= len(p.Devices) {
		return nil, i2cbus.ErrNoMoreDevices
	}
	return &p.Devices[i], nil
}

// BusFrequency returns the bus frequency of the configuration cfg.
func (p *Platform) BusFrequency(cfg uint) (physic.Frequency, error) {
	c, ok := p.Configurations[cfg]
	if !ok {
		return 0, fmt.Errorf("i2cplatform: %s: %w: configuration %d", p.Name, i2cbus.ErrNoMapping, cfg)
	}
	if c.Frequency == 0 {
		return StandardMode, nil
	}
	return c.Frequency, nil
}

// Label returns the label of the device, or an empty string.
func (p *Platform) Label(d *i2cbus.DeviceDesc) string {
	if i := p.find(d); i >= 0 {
		return p.Labels[i]
	}
	return ""
}

//

func (p *Platform) find(d *i2cbus.DeviceDesc) int {
	for i := range p.Devices {
		if &p.Devices[i] == d {
			return i
		}
	}
	for i := range p.Devices {
		if p.Devices[i].GUID == d.GUID && p.Devices[i].Index == d.Index {
			return i
		}
	}
	return -1
}

type file struct {
	Name           string          `yaml:"name"`
	Path           string          `yaml:"path"`
	Configurations []configuration `yaml:"configurations"`
	Devices        []device        `yaml:"devices"`
}

type configuration struct {
	ID        uint      `yaml:"id"`
	Frequency frequency `yaml:"frequency"`
	Switches  []struct {
		Address  uint16 `yaml:"address"`
		Channels []uint `yaml:"channels"`
	} `yaml:"switches"`
}

type device struct {
	Label         string   `yaml:"label"`
	GUID          string   `yaml:"guid"`
	Index         uint32   `yaml:"index"`
	Revision      uint32   `yaml:"revision"`
	Configuration uint     `yaml:"configuration"`
	Addresses     []string `yaml:"addresses"`
}

func (f *file) platform() (*Platform, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("i2cplatform: %w: missing name", i2creq.ErrInvalidArgument)
	}
	path, err := devpath.Parse(f.Path)
	if err != nil {
		return nil, fmt.Errorf("i2cplatform: %s: %w: %v", f.Name, i2creq.ErrInvalidArgument, err)
	}
	p := &Platform{Name: f.Name, Path: path, Configurations: map[uint]i2cmux.Config{}}
	for _, c := range f.Configurations {
		if _, ok := p.Configurations[c.ID]; ok {
			return nil, fmt.Errorf("i2cplatform: %s: %w: duplicate configuration %d", f.Name, i2creq.ErrInvalidArgument, c.ID)
		}
		cfg := i2cmux.Config{Frequency: physic.Frequency(c.Frequency), Channels: map[uint16]byte{}}
		for _, s := range c.Switches {
			if s.Address >= 0x80 {
				return nil, fmt.Errorf("i2cplatform: %s: %w: configuration %d: switch address %#x", f.Name, i2creq.ErrInvalidArgument, c.ID, s.Address)
			}
			var mask byte
			for _, ch := range s.Channels {
				if ch > 7 {
					return nil, fmt.Errorf("i2cplatform: %s: %w: configuration %d: switch %#x: channel %d", f.Name, i2creq.ErrInvalidArgument, c.ID, s.Address, ch)
				}
				mask |= 1 << ch
			}
			cfg.Channels[s.Address] |= mask
		}
		p.Configurations[c.ID] = cfg
	}
	if len(p.Configurations) == 0 {
		p.Configurations[0] = i2cmux.Config{Channels: map[uint16]byte{}}
	}
	for i, d := range f.Devices {
		desc, err := d.desc()
		if err != nil {
			return nil, fmt.Errorf("i2cplatform: %s: device #%d: %w", f.Name, i, err)
		}
		if _, ok := p.Configurations[desc.BusConfiguration]; !ok {
			return nil, fmt.Errorf("i2cplatform: %s: device #%d: %w: unknown configuration %d", f.Name, i, i2creq.ErrInvalidArgument, desc.BusConfiguration)
		}
		if p.find(&desc) >= 0 {
			return nil, fmt.Errorf("i2cplatform: %s: device #%d: %w: duplicate %s#%d", f.Name, i, i2creq.ErrInvalidArgument, desc.GUID, desc.Index)
		}
		p.Devices = append(p.Devices, desc)
		p.Labels = append(p.Labels, d.Label)
	}
	return p, nil
}

func (d *device) desc() (i2cbus.DeviceDesc, error) {
	g, err := uuid.Parse(d.GUID)
	if err != nil {
		return i2cbus.DeviceDesc{}, fmt.Errorf("%w: guid: %v", i2creq.ErrInvalidArgument, err)
	}
	desc := i2cbus.DeviceDesc{
		GUID:             g,
		Index:            d.Index,
		HardwareRevision: d.Revision,
		BusConfiguration: d.Configuration,
	}
	for _, s := range d.Addresses {
		a, err := ParseAddr(s)
		if err != nil {
			return i2cbus.DeviceDesc{}, err
		}
		desc.SlaveAddresses = append(desc.SlaveAddresses, a)
	}
	return desc, nil
}

// ParseAddr parses "0x50" or "0x123/10".
func ParseAddr(s string) (i2creq.Addr, error) {
	ten := strings.HasSuffix(s, "/10")
	v, err := strconv.ParseUint(strings.TrimSuffix(s, "/10"), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q", i2creq.ErrInvalidArgument, s)
	}
	a := i2creq.Addr7(uint8(v))
	if ten {
		a = i2creq.Addr10(uint16(v))
	}
	if v >= 0x400 || (!ten && v >= 0x80) || !a.Valid() {
		return 0, fmt.Errorf("%w: address %q", i2creq.ErrInvalidArgument, s)
	}
	return a, nil
}

// frequency accepts "400kHz", "1MHz" or an integer number of Hertz.
type frequency physic.Frequency

func (f *frequency) UnmarshalYAML(n *yaml.Node) error {
	s := strings.TrimSpace(n.Value)
	if n.ShortTag() == "!!int" {
		s += "Hz"
	}
	var v physic.Frequency
	if err := v.Set(s); err != nil || v <= 0 {
		return fmt.Errorf("line %d: invalid frequency %q", n.Line, n.Value)
	}
	*f = frequency(v)
	return nil
}
