// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// i2cbus publishes the devices of a platform table and talks to them through
// the request arbiter.
//
// Usage:
//
//   i2cbus -platform board.yaml [-bus MCP2221A#0] list
//   i2cbus -platform board.yaml read <device> <slave> <count> [bytes to write...]
//   i2cbus -platform board.yaml write <device> <slave> <bytes...>
//   i2cbus -platform board.yaml [-config 1] scan
//
// A device is named by its label or as <guid>#<index>. A slave is the
// position of the address in the device's address table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/minnow/devices/busmap"
	"periph.io/x/minnow/host/i2cbus"
	"periph.io/x/minnow/host/i2chost"
	"periph.io/x/minnow/hostextra"
	"periph.io/x/minnow/hostextra/i2cmux"
	"periph.io/x/minnow/hostextra/i2cplatform"
	"periph.io/x/minnow/hostextra/periphmaster"
	"periph.io/x/periph/conn/i2c/i2creg"
)

// session is an open bus with its devices published.
type session struct {
	p   *i2cplatform.Platform
	h   *i2chost.Host
	b   *i2cbus.Bus
	out io.Writer
}

func (s *session) lookup(name string) (*i2cbus.Device, error) {
	for i, l := range s.p.Labels {
		if l != "" && l == name {
			d := s.p.Devices[i]
			if dev := s.b.Lookup(d.GUID, d.Index); dev != nil {
				return dev, nil
			}
		}
	}
	if i := strings.LastIndexByte(name, '#'); i > 0 {
		g, err := uuid.Parse(name[:i])
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseUint(name[i+1:], 0, 32)
		if err != nil {
			return nil, err
		}
		if dev := s.b.Lookup(g, uint32(n)); dev != nil {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("unknown device %q", name)
}

func (s *session) list() error {
	for _, d := range s.b.Devices() {
		desc := d.Desc()
		f, err := s.p.BusFrequency(desc.BusConfiguration)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%-10s %s\n", s.p.Label(&desc), d)
		fmt.Fprintf(s.out, "  Path:          %s\n", d.Path())
		fmt.Fprintf(s.out, "  Revision:      %d\n", desc.HardwareRevision)
		fmt.Fprintf(s.out, "  Configuration: %d (%s)\n", desc.BusConfiguration, f)
		fmt.Fprintf(s.out, "  Addresses:    ")
		for _, a := range desc.SlaveAddresses {
			fmt.Fprintf(s.out, " %s", a)
		}
		fmt.Fprintf(s.out, "\n")
	}
	return nil
}

func (s *session) read(args []string) error {
	if len(args) < 3 {
		return errors.New("read requires <device> <slave> <count>")
	}
	d, slave, err := s.target(args)
	if err != nil {
		return err
	}
	n, err := strconv.ParseUint(args[2], 0, 16)
	if err != nil {
		return err
	}
	w, err := parseBytes(args[3:])
	if err != nil {
		return err
	}
	r := make([]byte, n)
	if err := d.Tx(slave, w, r); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%#x\n", r)
	return nil
}

func (s *session) write(args []string) error {
	if len(args) < 3 {
		return errors.New("write requires <device> <slave> <bytes...>")
	}
	d, slave, err := s.target(args)
	if err != nil {
		return err
	}
	w, err := parseBytes(args[2:])
	if err != nil {
		return err
	}
	return d.Tx(slave, w, nil)
}

func (s *session) target(args []string) (*i2cbus.Device, int, error) {
	d, err := s.lookup(args[0])
	if err != nil {
		return nil, 0, err
	}
	slave, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, 0, err
	}
	return d, slave, nil
}

// scan probes every address with a one byte read in configuration cfg.
func (s *session) scan(cfg uint, dev *busmap.Dev) error {
	if _, err := s.p.BusFrequency(cfg); err != nil {
		return err
	}
	m := busmap.NewMap()
	for _, d := range s.b.Devices() {
		desc := d.Desc()
		if desc.BusConfiguration != cfg {
			continue
		}
		for _, a := range desc.SlaveAddresses {
			if !a.Is10Bit() {
				m[a.Value()] = busmap.Claimed
			}
		}
	}
	var buf [1]byte
	m.Scan(func(a i2creq.Addr) error {
		return s.h.QueueRequest(cfg, a, i2creq.WriteRead(nil, buf[:]), nil)
	})
	if err := dev.Draw(m); err != nil {
		return err
	}
	if err := dev.Halt(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d present, %d claimed\n", m.Count(busmap.Present), m.Count(busmap.Claimed))
	return nil
}

func parseBytes(args []string) ([]byte, error) {
	var out []byte
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid byte %q", a)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func mainImpl() error {
	verbose := flag.Bool("v", false, "verbose mode")
	platform := flag.String("platform", "", "platform table (YAML)")
	busName := flag.String("bus", "", "I²C bus to use, defaults to the first one registered")
	cfg := flag.Uint("config", 0, "bus configuration used by scan")
	timeout := flag.Duration("timeout", time.Second, "timeout of each transaction")
	noColor := flag.Bool("nocolor", false, "disable colors")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)
	if flag.NArg() == 0 {
		return errors.New("specify a command: list, read, write or scan; try -help")
	}
	if *platform == "" {
		return errors.New("-platform is required")
	}

	p, err := i2cplatform.LoadFile(*platform)
	if err != nil {
		return err
	}
	if _, err := hostextra.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open(*busName)
	if err != nil {
		return err
	}
	defer bus.Close()

	m := periphmaster.New(bus, *timeout)
	defer m.Close()
	mgr, err := i2cmux.New(bus, m, p.Configurations)
	if err != nil {
		return err
	}
	defer mgr.Close()
	h, err := i2chost.New(m, mgr)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*(*timeout))
		defer cancel()
		if err := h.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
		log.Printf("%+v", h.Stats())
	}()
	b := i2cbus.New(p.Name, p.Path, h)
	if err := b.Enumerate(p); err != nil {
		return err
	}
	defer b.StopAll()

	s := &session{p: p, h: h, b: b, out: os.Stdout}
	args := flag.Args()
	switch args[0] {
	case "list":
		return s.list()
	case "read":
		return s.read(args[1:])
	case "write":
		return s.write(args[1:])
	case "scan":
		dev := busmap.NewWriter(s.out, false)
		if !*noColor && isatty.IsTerminal(os.Stdout.Fd()) {
			dev = busmap.New(true)
		}
		return s.scan(*cfg, dev)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "i2cbus: %s.\n", err)
		os.Exit(1)
	}
}
