// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package i2chost

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"periph.io/x/minnow/conn/i2creq"
	"periph.io/x/periph/conn/physic"
)

func TestNew(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, i2creq.ErrInvalidArgument) {
		t.Fatal(err)
	}
	r := &recorder{}
	m := &fakeMaster{r: r}
	if _, err := New(m, nil); err != nil {
		t.Fatal(err)
	}
	if m.resets != 1 {
		t.Fatalf("resets = %d", m.resets)
	}
	m = &fakeMaster{r: r, resetErr: i2creq.ErrDeviceError}
	if _, err := New(m, nil); !errors.Is(err, i2creq.ErrDeviceError) {
		t.Fatal(err)
	}
}

func TestQueueRequest_invalid(t *testing.T) {
	r := &recorder{}
	h := newHost(t, &fakeMaster{r: r}, &fakeManager{r: r})
	called := false
	done := func(error) { called = true }
	if err := h.QueueRequest(0, 0x50, nil, done); !errors.Is(err, i2creq.ErrInvalidArgument) {
		t.Fatal(err)
	}
	if err := h.QueueRequest(0, 0x50, &i2creq.Packet{}, nil); !errors.Is(err, i2creq.ErrInvalidArgument) {
		t.Fatal(err)
	}
	if called {
		t.Fatal("done must not be called on invalid arguments")
	}
	r.expect(t)
}

// TestQueueRequest_scenarios walks through enqueue, configuration caching,
// reconfiguration on error and FIFO dispatch with collaborators completing
// under the test's control.
func TestQueueRequest_scenarios(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, async: true}
	cm := &fakeManager{r: r, async: true}
	h := newHost(t, m, cm)
	res := results{}

	// A: the configuration is unknown, it must be enabled first.
	push(t, h, 1, 0x50, res.done("A"))
	r.expect(t, "enable 1")
	cm.finish(nil)
	r.expect(t, "enable 1", "tx 0x50")

	// B shares A's configuration; it waits for A.
	push(t, h, 1, 0x51, res.done("B"))
	// C needs another configuration.
	push(t, h, 2, 0x52, res.done("C"))
	r.expect(t, "enable 1", "tx 0x50")

	m.finish(nil)
	res.expect(t, "A", nil)
	r.expect(t, "enable 1", "tx 0x50", "tx 0x51")

	m.finish(nil)
	res.expect(t, "B", nil)
	r.expect(t, "enable 1", "tx 0x50", "tx 0x51", "enable 2")

	// The switch fails; only C fails.
	errSwitch := fmt.Errorf("mux: %w", i2creq.ErrDeviceError)
	cm.finish(errSwitch)
	res.expect(t, "C", errSwitch)
	r.expect(t, "enable 1", "tx 0x50", "tx 0x51", "enable 2")

	// D has the same configuration as C; it must not trust the cache.
	push(t, h, 2, 0x53, res.done("D"))
	r.expect(t, "enable 1", "tx 0x50", "tx 0x51", "enable 2", "enable 2")
	cm.finish(nil)
	m.finish(i2creq.ErrNoResponse)
	res.expect(t, "D", i2creq.ErrNoResponse)
	r.expect(t, "enable 1", "tx 0x50", "tx 0x51", "enable 2", "enable 2", "tx 0x53")

	s := h.Stats()
	if s.Queued != 4 || s.Completed != 2 || s.Failed != 2 || s.Reconfigurations != 3 {
		t.Fatalf("%+v", s)
	}
}

func TestQueueRequest_FIFO(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, async: true}
	cm := &fakeManager{r: r}
	h := newHost(t, m, cm)
	var want []string
	var order []string
	mu := sync.Mutex{}
	for i := 0; i < 20; i++ {
		// Alternate configurations to force reconfiguration between some
		// requests; order must still be strictly FIFO.
		cfg := uint(i / 3)
		addr := i2creq.Addr7(uint8(0x10 + i))
		want = append(want, "tx "+addr.String())
		push(t, h, cfg, addr, func(err error) {
			mu.Lock()
			order = append(order, addr.String())
			mu.Unlock()
		})
	}
	for i := 0; i < 20; i++ {
		m.finish(nil)
	}
	if got := r.filter("tx "); !reflect.DeepEqual(got, want) {
		t.Fatalf("%v\n%v", got, want)
	}
	if len(order) != 20 {
		t.Fatalf("%d completions", len(order))
	}
	// Enabling is done once per run of identical configurations.
	if n := len(r.filter("enable ")); n != 7 {
		t.Fatalf("enable called %d times", n)
	}
}

func TestQueueRequest_sync(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, results: map[i2creq.Addr]error{0x51: i2creq.ErrNoResponse}}
	h := newHost(t, m, nil)
	if err := h.QueueRequest(7, 0x50, i2creq.WriteRead([]byte{1}, nil), nil); err != nil {
		t.Fatal(err)
	}
	if err := h.QueueRequest(7, 0x51, i2creq.WriteRead([]byte{1}, nil), nil); !errors.Is(err, i2creq.ErrNoResponse) {
		t.Fatal(err)
	}
	// Without a manager, there is no configuration step.
	r.expect(t, "tx 0x50", "tx 0x51")
}

func TestQueueRequest_immediateErrors(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, startErr: i2creq.ErrUnsupported}
	cm := &fakeManager{r: r, enableErr: map[uint]error{3: i2creq.ErrInvalidArgument}}
	h := newHost(t, m, cm)
	if err := h.QueueRequest(3, 0x50, i2creq.WriteRead([]byte{1}, nil), nil); !errors.Is(err, i2creq.ErrInvalidArgument) {
		t.Fatal(err)
	}
	if err := h.QueueRequest(1, 0x50, i2creq.WriteRead([]byte{1}, nil), nil); !errors.Is(err, i2creq.ErrUnsupported) {
		t.Fatal(err)
	}
	r.expect(t, "enable 3", "enable 1", "tx 0x50")
}

func TestQueueRequest_singleFlight(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, goroutine: true}
	cm := &fakeManager{r: r, goroutine: true}
	h := newHost(t, m, cm)
	var wg sync.WaitGroup
	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- h.QueueRequest(uint(i%4), i2creq.Addr7(uint8(i)), i2creq.WriteRead([]byte{byte(i)}, nil), nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(r.filter("tx ")) != n {
		t.Fatalf("%d transactions", len(r.filter("tx ")))
	}
	if n := r.maxInFlight(); n != 1 {
		t.Fatalf("max in flight = %d", n)
	}
}

func TestQueueRequest_bufferFeedback(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, shrink: 2}
	h := newHost(t, m, nil)
	p := i2creq.WriteRead([]byte{0}, make([]byte, 8))
	if err := h.QueueRequest(0, 0x50, p, nil); !errors.Is(err, i2creq.ErrBadBufferSize) {
		t.Fatal(err)
	}
	if l := len(p.Ops[1].Buf); l != 2 {
		t.Fatalf("negotiated length = %d", l)
	}
}

func TestShutdown(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, async: true}
	cm := &fakeManager{r: r}
	h := newHost(t, m, cm)
	res := results{}
	push(t, h, 1, 0x50, res.done("A"))
	push(t, h, 1, 0x51, res.done("B"))
	push(t, h, 2, 0x52, res.done("C"))
	r.expect(t, "enable 1", "tx 0x50")

	shut := make(chan error)
	go func() {
		shut <- h.Shutdown(context.Background())
	}()
	res.wait(t, "B", i2creq.ErrAborted)
	res.wait(t, "C", i2creq.ErrAborted)
	select {
	case err := <-shut:
		t.Fatalf("Shutdown returned before the request in flight: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	if err := h.QueueRequest(1, 0x53, i2creq.WriteRead([]byte{1}, nil), nil); !errors.Is(err, i2creq.ErrAborted) {
		t.Fatal(err)
	}

	m.finish(i2creq.ErrTimeout)
	if err := <-shut; err != nil {
		t.Fatal(err)
	}
	// A gets the master's status, not ErrAborted.
	res.expect(t, "A", i2creq.ErrTimeout)
	r.expect(t, "enable 1", "tx 0x50")
	if s := h.Stats(); s.Aborted != 2 {
		t.Fatalf("%+v", s)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestShutdown_duringConfiguration(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r}
	cm := &fakeManager{r: r, async: true}
	h := newHost(t, m, cm)
	res := results{}
	push(t, h, 1, 0x50, res.done("A"))
	push(t, h, 1, 0x51, res.done("B"))
	shut := make(chan error)
	go func() {
		shut <- h.Close()
	}()
	res.wait(t, "B", i2creq.ErrAborted)
	cm.finish(nil)
	if err := <-shut; err != nil {
		t.Fatal(err)
	}
	res.expect(t, "A", nil)
	r.expect(t, "enable 1", "tx 0x50")
}

func TestShutdown_deadline(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, async: true}
	h := newHost(t, m, nil)
	res := results{}
	push(t, h, 0, 0x50, res.done("A"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Shutdown(ctx); err != context.Canceled {
		t.Fatal(err)
	}
	res.expect(t, "A", i2creq.ErrAborted)
	// The late completion is dropped.
	m.finish(nil)
	res.expect(t, "A", i2creq.ErrAborted)
	if n := res.count("A"); n != 1 {
		t.Fatalf("done called %d times", n)
	}
}

func TestProceedToTransaction_aborted(t *testing.T) {
	r := &recorder{}
	h := newHost(t, &fakeMaster{r: r}, &fakeManager{r: r})
	h.mu.Lock()
	gen := h.gen
	h.gen++
	h.mu.Unlock()
	req := &request{addr: 0x50, pkt: i2creq.WriteRead([]byte{0}, nil), done: func(error) { t.Error("done called") }}
	h.proceedToTransaction(gen, req)
	h.enableConfiguration(gen, 1)
	r.expect(t)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestShutdown_idle(t *testing.T) {
	h := newHost(t, &fakeMaster{r: &recorder{}}, nil)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestControl(t *testing.T) {
	r := &recorder{}
	m := &fakeMaster{r: r, async: true}
	cm := &fakeManager{r: r}
	h := newHost(t, m, cm)
	res := results{}
	push(t, h, 1, 0x50, res.done("A"))
	got := make(chan physic.Frequency)
	go func() {
		f, err := h.SetBusFrequency(400 * physic.KiloHertz)
		if err != nil {
			t.Error(err)
		}
		got <- f
	}()
	// The frequency change waits for A.
	select {
	case <-got:
		t.Fatal("SetBusFrequency ran while a transaction was in flight")
	case <-time.After(10 * time.Millisecond):
	}
	m.finish(nil)
	if f := <-got; f != 400*physic.KiloHertz {
		t.Fatal(f)
	}
	if err := h.Reset(); err != nil {
		t.Fatal(err)
	}
	// Reset loses the configuration.
	push(t, h, 1, 0x51, res.done("B"))
	r.expect(t, "enable 1", "tx 0x50", "freq 400kHz", "reset", "enable 1", "tx 0x51")
	m.finish(nil)
}

func TestHost_String(t *testing.T) {
	h := newHost(t, &fakeMaster{r: &recorder{}}, nil)
	if s := h.String(); s != "i2chost(fake)" {
		t.Fatal(s)
	}
}

//

func newHost(t *testing.T, m *fakeMaster, cm *fakeManager) *Host {
	var h *Host
	var err error
	if cm == nil {
		h, err = New(m, nil)
	} else {
		h, err = New(m, cm)
	}
	if err != nil {
		t.Fatal(err)
	}
	m.r.reset()
	return h
}

func push(t *testing.T, h *Host, cfg uint, addr i2creq.Addr, done func(error)) {
	if err := h.QueueRequest(cfg, addr, i2creq.WriteRead([]byte{0}, make([]byte, 1)), done); err != nil {
		t.Fatal(err)
	}
}

// recorder logs the collaborator calls in order.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	inFlight int
	max      int
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) enter() {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.max {
		r.max = r.inFlight
	}
	r.mu.Unlock()
}

func (r *recorder) leave() {
	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
}

func (r *recorder) maxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func (r *recorder) filter(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) expect(t *testing.T, calls ...string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(calls) == 0 && len(r.calls) == 0 {
		return
	}
	if !reflect.DeepEqual(r.calls, calls) {
		t.Fatalf("calls = %q\nwant    %q", r.calls, calls)
	}
}

type fakeMaster struct {
	r         *recorder
	async     bool
	goroutine bool
	shrink    int
	startErr  error
	resetErr  error
	results   map[i2creq.Addr]error

	mu      sync.Mutex
	pending []func(error)
	resets  int
}

func (f *fakeMaster) String() string {
	return "fake"
}

func (f *fakeMaster) Reset() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	f.r.add("reset")
	return f.resetErr
}

func (f *fakeMaster) SetBusFrequency(freq physic.Frequency) (physic.Frequency, error) {
	f.r.add("freq " + freq.String())
	return freq, nil
}

func (f *fakeMaster) StartTransaction(addr i2creq.Addr, p *i2creq.Packet, done func(error)) error {
	f.r.add("tx " + addr.String())
	if f.startErr != nil {
		return f.startErr
	}
	f.r.enter()
	err := f.results[addr]
	if f.shrink != 0 {
		last := &p.Ops[len(p.Ops)-1]
		last.Buf = last.Buf[:f.shrink]
		err = i2creq.ErrBadBufferSize
	}
	switch {
	case f.async:
		f.mu.Lock()
		f.pending = append(f.pending, done)
		f.mu.Unlock()
	case f.goroutine:
		go func() {
			time.Sleep(time.Microsecond)
			f.r.leave()
			done(err)
		}()
	default:
		f.r.leave()
		done(err)
	}
	return nil
}

// finish completes the oldest pending transaction.
func (f *fakeMaster) finish(err error) {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return
	}
	done := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	f.r.leave()
	done(err)
}

type fakeManager struct {
	r         *recorder
	async     bool
	goroutine bool
	enableErr map[uint]error

	mu      sync.Mutex
	pending []func(error)
}

func (f *fakeManager) EnableConfiguration(id uint, done func(error)) error {
	f.r.add(fmt.Sprintf("enable %d", id))
	if err := f.enableErr[id]; err != nil {
		return err
	}
	f.r.enter()
	switch {
	case f.async:
		f.mu.Lock()
		f.pending = append(f.pending, done)
		f.mu.Unlock()
	case f.goroutine:
		go func() {
			f.r.leave()
			done(nil)
		}()
	default:
		f.r.leave()
		done(nil)
	}
	return nil
}

func (f *fakeManager) finish(err error) {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return
	}
	done := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	f.r.leave()
	done(err)
}

// results collects asynchronous completions by name.
type results struct {
	mu sync.Mutex
	m  map[string][]error
	c  chan struct{}
}

func (r *results) done(name string) func(error) {
	r.mu.Lock()
	if r.m == nil {
		r.m = map[string][]error{}
		r.c = make(chan struct{}, 100)
	}
	r.mu.Unlock()
	return func(err error) {
		r.mu.Lock()
		r.m[name] = append(r.m[name], err)
		r.mu.Unlock()
		r.c <- struct{}{}
	}
}

func (r *results) get(name string) ([]error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[name]
	return e, ok
}

func (r *results) count(name string) int {
	e, _ := r.get(name)
	return len(e)
}

func (r *results) expect(t *testing.T, name string, want error) {
	t.Helper()
	e, ok := r.get(name)
	if !ok {
		t.Fatalf("%s: not completed", name)
	}
	if got := e[len(e)-1]; got != want && !errors.Is(got, want) {
		t.Fatalf("%s: %v, want %v", name, got, want)
	}
}

func (r *results) wait(t *testing.T, name string, want error) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if _, ok := r.get(name); ok {
			r.expect(t, name, want)
			return
		}
		select {
		case <-r.c:
		case <-deadline:
			t.Fatalf("%s: timed out", name)
		}
	}
}
