// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package i2chost

// queue is a FIFO of requests backed by a ring buffer.
//
// pushBack and popFront are O(1) amortized. It is not safe for concurrent
// use; Host guards it with its mutex.
type queue struct {
	buf  []*request
	head int
	n    int
}

func (q *queue) len() int {
	return q.n
}

// front returns the head of the queue or nil.
func (q *queue) front() *request {
	if q.n == 0 {
		return nil
	}
	return q.buf[q.head]
}

func (q *queue) pushBack(r *request) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = r
	q.n++
}

// popFront removes and returns the head of the queue or nil.
func (q *queue) popFront() *request {
	if q.n == 0 {
		return nil
	}
	r := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return r
}

// truncate removes every request at position i and after, in FIFO order.
func (q *queue) truncate(i int) []*request {
	if i >= q.n {
		return nil
	}
	out := make([]*request, 0, q.n-i)
	for j := i; j < q.n; j++ {
		k := (q.head + j) % len(q.buf)
		out = append(out, q.buf[k])
		q.buf[k] = nil
	}
	q.n = i
	return out
}

func (q *queue) grow() {
	l := 2 * len(q.buf)
	if l == 0 {
		l = 8
	}
	buf := make([]*request, l)
	for j := 0; j < q.n; j++ {
		buf[j] = q.buf[(q.head+j)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
