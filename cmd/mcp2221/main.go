// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// mcp2221 prints out information about the MCP2221A bridges found on the USB
// bus.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/minnow/devices/busmap"
	"periph.io/x/minnow/hostextra"
	"periph.io/x/minnow/hostextra/mcp2221"
	"periph.io/x/periph/conn/physic"
)

func process(d *mcp2221.Dev, speed physic.Frequency, scan bool) error {
	if speed != 0 {
		if err := d.SetSpeed(speed); err != nil {
			return err
		}
	}
	fmt.Printf("  Speed:          %s\n", d.Speed())
	if !scan {
		return nil
	}
	m := busmap.NewMap()
	m.Scan(func(a i2creq.Addr) error {
		return d.Tx(a.Value(), nil, nil)
	})
	return busmap.NewWriter(os.Stdout, false).Draw(m)
}

func mainImpl() error {
	verbose := flag.Bool("v", false, "verbose mode")
	var hz physic.Frequency
	flag.Var(&hz, "hz", "bus speed to set, e.g. 400kHz")
	scan := flag.Bool("scan", false, "probe every address")
	reset := flag.Bool("reset", false, "reboot the bridges")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	if _, err := hostextra.Init(); err != nil {
		return err
	}

	all := hostextra.Bridges()
	plural := ""
	if len(all) > 1 {
		plural = "s"
	}
	fmt.Printf("Found %d device%s\n", len(all), plural)
	for i, d := range all {
		fmt.Printf("- %s\n", d)
		if *reset {
			if err := d.Reset(); err != nil {
				return err
			}
			continue
		}
		if err := process(d, hz, *scan); err != nil {
			return err
		}
		if i != len(all)-1 {
			fmt.Printf("\n")
		}
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp2221: %s.\n", err)
		os.Exit(1)
	}
}
