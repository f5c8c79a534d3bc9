// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package i2chost

import (
	"errors"
	"log"

	"periph.io/x/minnow/conn/i2creq"
)

// state is the progress of the request at the head of the queue.
type state int

const (
	// idle: the head, if any, was not looked at yet.
	idle state = iota
	// configuring: waiting on ConfigManager.EnableConfiguration.
	configuring
	// configured: the bus is in the head's configuration.
	configured
	// transacting: waiting on Master.StartTransaction.
	transacting
	// completing: the head has its result.
	completing
)

var stateNames = [...]string{"idle", "configuring", "configured", "transacting", "completing"}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(?)"
}

// config is the bus configuration enabled on the hardware.
//
// The zero value is the unknown configuration.
type config struct {
	id    uint
	valid bool
}

func (c config) is(id uint) bool {
	return c.valid && c.id == id
}

// request is one queued transaction, or a control operation when ctl is set.
type request struct {
	cfg  uint
	addr i2creq.Addr
	pkt  *i2creq.Packet
	orig *i2creq.Packet
	ctl  func() error
	done func(err error)
	err  error
}

// complete records the result and notifies the requester.
//
// Buffer lengths negotiated by the master are copied back to the caller's
// packet.
func (r *request) complete(err error) {
	r.err = err
	if r.orig != nil {
		for i := range r.orig.Ops {
			if i < len(r.pkt.Ops) && len(r.pkt.Ops[i].Buf) != len(r.orig.Ops[i].Buf) {
				r.orig.Ops[i].Buf = r.pkt.Ops[i].Buf
			}
		}
	}
	r.done(err)
}

// dispatch drives the head of the queue until it waits on a collaborator or
// the queue is empty.
//
// Only one goroutine runs the loop at a time; a completion that arrives
// while the loop runs only updates the state and the loop picks it up. This
// keeps synchronous collaborators from recursing once per queued request.
func (h *Host) dispatch() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	for {
		act := h.step()
		if act == nil {
			break
		}
		h.mu.Unlock()
		act()
		h.mu.Lock()
	}
	h.running = false
	h.mu.Unlock()
}

// step advances the state machine and returns the action to run without the
// lock, or nil when there is nothing to do.
//
// Must be called with mu held.
func (h *Host) step() func() {
	switch h.st {
	case idle:
		r := h.q.front()
		if r == nil {
			if h.drained != nil {
				close(h.drained)
				h.drained = nil
			}
			return nil
		}
		if h.shutdown {
			h.st = completing
			h.result = i2creq.ErrAborted
			return func() {}
		}
		if r.ctl == nil && h.cm != nil && !h.current.is(r.cfg) {
			h.st = configuring
			h.configPending = true
			h.stats.Reconfigurations++
			gen := h.gen
			return func() { h.enableConfiguration(gen, r.cfg) }
		}
		h.st = configured
		return func() {}
	case configured:
		h.st = transacting
		gen := h.gen
		r := h.q.front()
		return func() { h.proceedToTransaction(gen, r) }
	case completing:
		r := h.q.popFront()
		err := h.result
		h.result = nil
		h.st = idle
		h.gen++
		switch {
		case err == nil:
			h.stats.Completed++
		case errors.Is(err, i2creq.ErrAborted):
			h.stats.Aborted++
		default:
			h.stats.Failed++
		}
		return func() { r.complete(err) }
	default:
		// configuring, transacting: a callback is pending.
		return nil
	}
}

func (h *Host) enableConfiguration(gen uint64, id uint) {
	if !h.live(gen) {
		return
	}
	if err := h.cm.EnableConfiguration(id, func(err error) { h.configurationDone(gen, id, err) }); err != nil {
		h.configurationDone(gen, id, err)
	}
}

// configurationDone is the ConfigManager completion.
func (h *Host) configurationDone(gen uint64, id uint, err error) {
	h.mu.Lock()
	if gen != h.gen || h.st != configuring {
		h.mu.Unlock()
		log.Printf("%s: ignoring stale configuration %d completion: %v", h, id, err)
		return
	}
	h.configPending = false
	if err != nil {
		// Force a new EnableConfiguration on the next request.
		h.current = config{}
		h.st = completing
		h.result = err
	} else {
		h.current = config{id: id, valid: true}
		h.st = configured
	}
	h.mu.Unlock()
	h.dispatch()
}

// proceedToTransaction starts the head on the master, or runs it when it is
// a control operation. It is used both after a configuration change and when
// the bus already was in the right configuration.
func (h *Host) proceedToTransaction(gen uint64, r *request) {
	// A forced abort may have completed r since the state was stepped.
	if !h.live(gen) {
		return
	}
	if r.ctl != nil {
		h.transactionDone(gen, r.ctl())
		return
	}
	if err := h.m.StartTransaction(r.addr, r.pkt, func(err error) { h.transactionDone(gen, err) }); err != nil {
		h.transactionDone(gen, err)
	}
}

// live returns false once gen was invalidated by an abort.
func (h *Host) live(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return gen == h.gen
}

// transactionDone is the Master completion.
func (h *Host) transactionDone(gen uint64, err error) {
	h.mu.Lock()
	if gen != h.gen || h.st != transacting {
		h.mu.Unlock()
		log.Printf("%s: ignoring stale transaction completion: %v", h, err)
		return
	}
	h.st = completing
	h.result = err
	h.mu.Unlock()
	h.dispatch()
}
