// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package devpath builds the identity paths published for I²C devices.
//
// Paths are UEFI device paths as implemented by github.com/canonical/go-efilib.
// The text form is the UEFI one for the hardware nodes used to name a
// controller and the devices behind it.
package devpath // import "periph.io/x/minnow/conn/devpath"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	efi "github.com/canonical/go-efilib"
	"github.com/google/uuid"
)

// Node is one element of a Path.
type Node = efi.DevicePathNode

const (
	typeHardware  = 0x01
	typeACPI      = 0x02
	typeEnd       = 0x7f
	subPCI        = 0x01
	subVendor     = 0x04
	subController = 0x05
	subACPI       = 0x01
	subEndAll     = 0xff
	hdrLen        = 4
	// EISA ID PNP0A03.
	pciRootHID = 0x0a0341d0
)

// PCI returns a PCI device/function node.
func PCI(dev, fn uint8) Node {
	return &efi.PCIDevicePathNode{Function: fn, Device: dev}
}

// PCIRoot returns the ACPI node of a PCI root bridge.
func PCIRoot(uid uint32) Node {
	return &efi.ACPIDevicePathNode{HID: efi.EISAID(pciRootHID), UID: uid}
}

// VendorHardware returns a vendor defined hardware node carrying guid.
func VendorHardware(guid uuid.UUID) Node {
	return &efi.VendorDevicePathNode{Type: efi.HardwareDevicePath, GUID: efi.GUID(mixedEndian([16]byte(guid)))}
}

// Controller returns a controller node with the controller number n.
func Controller(n uint32) Node {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, n)
	return &efi.GenericDevicePathNode{Type: efi.HardwareDevicePath, SubType: subController, Data: d}
}

// NodeString returns the UEFI text representation of the node.
func NodeString(n Node) string {
	b, err := encode(n)
	if err != nil || len(b) < hdrLen {
		return n.String()
	}
	t, st, d := b[0], b[1], b[hdrLen:]
	switch {
	case t == typeHardware && st == subPCI && len(d) == 2:
		return fmt.Sprintf("Pci(0x%x,0x%x)", d[1], d[0])
	case t == typeHardware && st == subVendor && len(d) >= 16:
		var g [16]byte
		copy(g[:], d)
		s := "VenHw(" + uuid.UUID(mixedEndian(g)).String()
		if len(d) > 16 {
			s += fmt.Sprintf(",%x", d[16:])
		}
		return s + ")"
	case t == typeHardware && st == subController && len(d) == 4:
		return fmt.Sprintf("Ctrl(0x%x)", binary.LittleEndian.Uint32(d))
	case t == typeACPI && st == subACPI && len(d) == 8 && binary.LittleEndian.Uint32(d) == pciRootHID:
		return fmt.Sprintf("PciRoot(0x%x)", binary.LittleEndian.Uint32(d[4:]))
	default:
		return fmt.Sprintf("Path(%d,%d,%x)", t, st, d)
	}
}

// Path is an ordered list of nodes, without the end node.
type Path efi.DevicePath

// Append returns a new path made of p followed by nodes.
//
// p is never modified.
func (p Path) Append(nodes ...Node) Path {
	out := make(Path, 0, len(p)+len(nodes))
	out = append(out, p...)
	return append(out, nodes...)
}

// Equal returns true if both paths encode the same bytes.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	a, err := p.MarshalBinary()
	if err != nil {
		return false
	}
	b, err := o.MarshalBinary()
	return err == nil && bytes.Equal(a, b)
}

func (p Path) String() string {
	s := make([]string, len(p))
	for i := range p {
		s[i] = NodeString(p[i])
	}
	return strings.Join(s, "/")
}

// Parse parses the text form returned by Path.String.
//
// Only the PciRoot, Pci, VenHw and Ctrl nodes are recognized.
func Parse(s string) (Path, error) {
	var p Path
	if s == "" {
		return p, nil
	}
	for _, t := range strings.Split(s, "/") {
		i := strings.IndexByte(t, '(')
		if i <= 0 || !strings.HasSuffix(t, ")") {
			return nil, fmt.Errorf("devpath: invalid node %q", t)
		}
		name, args := t[:i], strings.Split(t[i+1:len(t)-1], ",")
		n, err := parseNode(name, args)
		if err != nil {
			return nil, fmt.Errorf("devpath: invalid node %q: %v", t, err)
		}
		p = append(p, n)
	}
	return p, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Path) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	if err := efi.DevicePath(p).Write(&b); err != nil {
		return nil, fmt.Errorf("devpath: %v", err)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
//
// b must hold exactly one path terminated by the end node.
func (p *Path) UnmarshalBinary(b []byte) error {
	if err := frame(b); err != nil {
		return err
	}
	d, err := efi.ReadDevicePath(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("devpath: %v", err)
	}
	*p = Path(d)
	return nil
}

func parseNode(name string, args []string) (Node, error) {
	nums := func(bits int) ([]uint64, error) {
		out := make([]uint64, len(args))
		for i, a := range args {
			v, err := strconv.ParseUint(strings.TrimSpace(a), 0, bits)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	switch name {
	case "PciRoot", "Ctrl":
		if len(args) != 1 {
			return nil, errors.New("expected one argument")
		}
		v, err := nums(32)
		if err != nil {
			return nil, err
		}
		if name == "Ctrl" {
			return Controller(uint32(v[0])), nil
		}
		return PCIRoot(uint32(v[0])), nil
	case "Pci":
		if len(args) != 2 {
			return nil, errors.New("expected two arguments")
		}
		v, err := nums(8)
		if err != nil {
			return nil, err
		}
		return PCI(uint8(v[0]), uint8(v[1])), nil
	case "VenHw":
		if len(args) != 1 {
			return nil, errors.New("expected one argument")
		}
		g, err := uuid.Parse(args[0])
		if err != nil {
			return nil, err
		}
		return VendorHardware(g), nil
	default:
		return nil, errors.New("unsupported node")
	}
}

// frame checks the node headers of an encoded path.
func frame(b []byte) error {
	for {
		if len(b) < hdrLen {
			return errors.New("devpath: truncated node header")
		}
		l := int(binary.LittleEndian.Uint16(b[2:]))
		if l < hdrLen || l > len(b) {
			return fmt.Errorf("devpath: invalid node length %d", l)
		}
		if b[0] == typeEnd && b[1] == subEndAll {
			if l != len(b) {
				return errors.New("devpath: trailing data after the end node")
			}
			return nil
		}
		b = b[l:]
	}
}

func encode(n Node) ([]byte, error) {
	var b bytes.Buffer
	if err := n.Write(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// mixedEndian swaps the first three GUID fields between the RFC 4122 order
// used by uuid and the little endian order used on the wire.
func mixedEndian(g [16]byte) [16]byte {
	g[0], g[1], g[2], g[3] = g[3], g[2], g[1], g[0]
	g[4], g[5] = g[5], g[4]
	g[6], g[7] = g[7], g[6]
	return g
}
