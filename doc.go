// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package minnow is for documentation only. Explains the layout and how to
// setup cgo for the USB bridges.
//
// Layout
//
// periph.io/x/minnow/host/i2chost serializes the requests sent to one I²C
// controller and switches the bus configuration when needed.
// periph.io/x/minnow/host/i2cbus publishes the devices found behind the
// controller, each with its own request entry point.
//
// periph.io/x/minnow/hostextra contains the adapters to real buses: any
// periph.io/x/periph I²C bus, PCA954x switches, YAML platform tables and the
// MCP2221A USB bridge.
//
// Debian
//
// This includes Raspbian and Ubuntu.
//
// The MCP2221A driver uses libusb through cgo. You need to install
// pkg-config and the libusb headers, run:
//
//  sudo apt install pkg-config libusb-1.0-0-dev
//
// MacOS
//
// You can install pkg-config and libusb via Homebrew (https://brew.sh).
// First install Homebrew.
//
// Either follow the official instructions at https://brew.sh to install system
// wide, or better install without root with the following steps. No root
// needed!
//
//  mkdir -p ~/homebrew
//  curl -sL https://github.com/Homebrew/brew/tarball/1.5.13 | tar xz --strip 1 -C ~/homebrew
//  export PATH="$PATH:$HOME/homebrew/bin"
//  echo 'export PATH="$PATH:$HOME/homebrew/bin"' >> ~/.bash_profile
//  brew upgrade
//
// and follow instructions. For example it may ask to run 'xcode-select
// -install'.
//
// Then install pkgconfig and libusb:
//
//  brew install pkgconfig libusb
package minnow
