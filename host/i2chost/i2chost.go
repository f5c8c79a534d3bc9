// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package i2chost serializes all the transactions destined to one physical
// I²C controller.
//
// A Host owns a FIFO of requests. The head of the queue is the only request
// ever handed to the controller. Before a request is started, the bus
// configuration it needs (the state of the switches and multiplexers on the
// bus) is enabled through the ConfigManager when it differs from the one
// currently enabled.
//
// Callers either block until their request completes or pass a completion
// function that is called exactly once with the final status.
package i2chost // import "periph.io/x/minnow/host/i2chost"

import (
	"context"
	"fmt"
	"log"
	"sync"

	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/periph/conn/physic"
)

// Master is the controller that toggles the wire.
//
// StartTransaction must call done exactly once when it returns nil, and
// never when it returns an error. done may be called before
// StartTransaction returns, from any goroutine. Only one transaction is
// outstanding at a time.
type Master interface {
	Reset() error
	SetBusFrequency(f physic.Frequency) (physic.Frequency, error)
	StartTransaction(addr i2creq.Addr, p *i2creq.Packet, done func(err error)) error
}

// ConfigManager switches the bus between its configurations.
//
// EnableConfiguration follows the same completion contract as
// Master.StartTransaction.
type ConfigManager interface {
	EnableConfiguration(id uint, done func(err error)) error
}

// Queuer accepts requests for one controller.
//
// When done is nil, QueueRequest blocks until the request completes and
// returns its status. Otherwise it returns nil once the request is queued
// and the status is delivered to done.
type Queuer interface {
	QueueRequest(cfg uint, addr i2creq.Addr, p *i2creq.Packet, done func(err error)) error
}

// Stats are counters since the Host was created.
type Stats struct {
	Queued           uint64
	Completed        uint64
	Failed           uint64
	Aborted          uint64
	Reconfigurations uint64
}

// Host is the arbiter of one controller.
type Host struct {
	m  Master
	cm ConfigManager

	mu sync.Mutex
	q  queue
	// st is the state of the head of q.
	st      state
	result  error
	current config
	// gen is bumped each time the head leaves the queue so late collaborator
	// callbacks are recognized.
	gen           uint64
	running       bool
	configPending bool
	shutdown      bool
	drained       chan struct{}
	stats         Stats
}

// New returns a Host that dispatches on m.
//
// cm may be nil when the bus has a single configuration. The master is reset
// and the current configuration is unknown, so the first request always
// enables its configuration.
func New(m Master, cm ConfigManager) (*Host, error) {
	if m == nil {
		return nil, fmt.Errorf("i2chost: %w: nil master", i2creq.ErrInvalidArgument)
	}
	if err := m.Reset(); err != nil {
		return nil, fmt.Errorf("i2chost: reset failed: %w", err)
	}
	return &Host{m: m, cm: cm}, nil
}

func (h *Host) String() string {
	if s, ok := h.m.(fmt.Stringer); ok {
		return "i2chost(" + s.String() + ")"
	}
	return "i2chost"
}

// QueueRequest implements Queuer.
//
// It returns i2creq.ErrInvalidArgument when p is nil or empty and
// i2creq.ErrAborted once Shutdown was called; done is not called in these
// cases. Errors from the master and the configuration manager are returned
// unchanged.
//
// A synchronous QueueRequest must not be issued from within a done function
// of the same Host.
func (h *Host) QueueRequest(cfg uint, addr i2creq.Addr, p *i2creq.Packet, done func(err error)) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r := &request{cfg: cfg, addr: addr, pkt: p.Clone(), orig: p, done: done}
	return h.enqueue(r)
}

// SetBusFrequency changes the bus frequency once the requests queued before
// it completed.
//
// It returns the frequency actually set.
func (h *Host) SetBusFrequency(f physic.Frequency) (physic.Frequency, error) {
	var actual physic.Frequency
	err := h.enqueue(&request{ctl: func() error {
		var err error
		actual, err = h.m.SetBusFrequency(f)
		return err
	}})
	return actual, err
}

// Reset resets the master once the requests queued before it completed.
//
// The current configuration becomes unknown.
func (h *Host) Reset() error {
	return h.enqueue(&request{ctl: func() error {
		err := h.m.Reset()
		h.mu.Lock()
		h.current = config{}
		h.mu.Unlock()
		return err
	}})
}

// Stats returns a snapshot of the counters.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Shutdown stops accepting requests.
//
// Every queued request that was not handed to the controller completes with
// i2creq.ErrAborted. Shutdown then waits for the request in flight, if any,
// to complete normally. If ctx expires first, the request in flight
// completes with i2creq.ErrAborted, its late completion is ignored and
// ctx.Err() is returned.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	keep := 0
	if h.st != idle {
		keep = 1
	}
	aborted := h.q.truncate(keep)
	h.stats.Aborted += uint64(len(aborted))
	wait := h.drained
	if wait == nil && h.q.len() != 0 {
		wait = make(chan struct{})
		h.drained = wait
	}
	h.mu.Unlock()

	if len(aborted) != 0 {
		log.Printf("%s: aborted %d queued requests", h, len(aborted))
	}
	for _, r := range aborted {
		r.complete(i2creq.ErrAborted)
	}
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		h.abortInFlight()
		return ctx.Err()
	}
}

// Close is Shutdown without a deadline.
func (h *Host) Close() error {
	return h.Shutdown(context.Background())
}

//

func (h *Host) enqueue(r *request) error {
	var wait chan struct{}
	if r.done == nil {
		wait = make(chan struct{})
		r.done = func(error) { close(wait) }
	}
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return fmt.Errorf("i2chost: %w: shutting down", i2creq.ErrAborted)
	}
	first := h.q.len() == 0
	h.q.pushBack(r)
	h.stats.Queued++
	h.mu.Unlock()

	if first {
		h.dispatch()
	}
	if wait == nil {
		return nil
	}
	<-wait
	return r.err
}

// abortInFlight completes the head with ErrAborted when it is still
// waiting on a collaborator.
func (h *Host) abortInFlight() {
	h.mu.Lock()
	if h.st != configuring && h.st != configured && h.st != transacting {
		h.mu.Unlock()
		return
	}
	r := h.q.popFront()
	h.gen++
	h.st = idle
	h.configPending = false
	// The hardware state is unknown after an interrupted change.
	h.current = config{}
	h.stats.Aborted++
	h.mu.Unlock()
	log.Printf("%s: forced abort of the request in flight", h)
	r.complete(i2creq.ErrAborted)
	h.dispatch()
}

var _ Queuer = &Host{}
var _ fmt.Stringer = &Host{}
