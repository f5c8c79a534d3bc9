// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package hostextra

import (
	"periph.io/x/minnow/hostextra/mcp2221"
	"periph.io/x/periph"
	"periph.io/x/periph/host"
)

// Init calls host.Init(), which calls periph.Init() and returns it as-is.
//
// The difference with host.Init() and periph.Init() is that hostextra.Init()
// includes more drivers, the drivers that depend on third party packages
// like the MCP2221A USB bridge.
//
// Since host.Init() is used, all drivers in periph.io/x/periph/host are also
// automatically loaded, so the I²C buses of the host itself are registered
// in i2creg next to the USB bridges.
func Init() (*periph.State, error) {
	return host.Init()
}

// Bridges returns the USB bridges found by Init.
func Bridges() []*mcp2221.Dev {
	return mcp2221.All()
}
