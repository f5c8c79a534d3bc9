// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mcp2221 implements support for the Microchip MCP2221A USB to I²C
// bridge.
//
// The chip is a USB HID device; every command is a 64 bytes report answered
// by a 64 bytes report. The reports are exchanged through libusb with
// github.com/google/gousb, so the kernel HID driver is detached while the
// device is open.
//
// Each bridge found when the driver is initialized is registered in
// periph.io/x/periph/conn/i2c/i2creg as "MCP2221A#0", "MCP2221A#1", etc.
//
// Datasheet
//
// http://ww1.microchip.com/downloads/en/DeviceDoc/MCP2221A-Data-Sheet-20005565E.pdf
//
// Configuration
//
// On linux, the user needs write access to the USB device. A udev rule like
// the following is sufficient:
//
//   SUBSYSTEM=="usb", ATTRS{idVendor}=="04d8", ATTRS{idProduct}=="00dd", MODE="0666"
package mcp2221 // import "periph.io/x/minnow/hostextra/mcp2221"
