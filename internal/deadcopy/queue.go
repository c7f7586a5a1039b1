// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package deadcopy

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// queue is an unbounded FIFO of dead file copies with O(1) removal from the
// middle. Every state change of a record owned by a queue happens with the
// queue's lock held, then the record's.
type queue struct {
	name   string
	lock   sync.Mutex
	cond   sync.Cond
	items  *list.List // of *Handle
	closed bool
	drain  bool // pop keeps returning records after close until empty
	depth  prometheus.Gauge
}

func newQueue(name string) *queue {
	q := &queue{
		name:  name,
		items: list.New(),
		depth: queueDepth.WithLabelValues(name),
	}
	q.cond.L = &q.lock
	return q
}

// push moves 'h' from state 'from' to 'to' and appends it. It does nothing
// and returns false if 'h' is no longer in state 'from'. If from == to, 'h'
// is only linked, and must not be owned by a queue already.
func (q *queue) push(h *Handle, from, to State) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.state != from {
		return false
	}
	if from == to {
		if h.queue != nil {
			return false
		}
	} else if !h.setStateLocked(to) {
		return false
	}
	h.queue = q
	h.elem = q.items.PushBack(h)
	q.depth.Set(float64(q.items.Len()))
	q.cond.Signal()
	return true
}

// pop blocks until a record is queued, unlinks it and moves it to state 'to'.
// The record stays owned by the queue. It returns nil once the queue is
// closed, and drained if close was asked to drain.
func (q *queue) pop(to State) *Handle {
	q.lock.Lock()
	defer q.lock.Unlock()
	for {
		for q.items.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && (!q.drain || q.items.Len() == 0) {
			return nil
		}
		h := q.items.Remove(q.items.Front()).(*Handle)
		q.depth.Set(float64(q.items.Len()))
		h.lock.Lock()
		h.elem = nil
		ok := h.setStateLocked(to)
		if !ok {
			// Not ours to process; leave it to whoever owns it now.
			h.queue = nil
		}
		h.lock.Unlock()
		if ok {
			return h
		}
	}
}

// take unlinks 'h' if it's queued here in state 'from', moving it to 'to'.
// The record leaves the queue unless 'to' is still a queued state, in which
// case the caller must link it to its next queue.
func (q *queue) take(h *Handle, from, to State) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.takeLocked(h, from, to)
}

func (q *queue) takeLocked(h *Handle, from, to State) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.queue != q || h.elem == nil || h.state != from {
		return false
	}
	if !h.setStateLocked(to) {
		return false
	}
	q.items.Remove(h.elem)
	q.depth.Set(float64(q.items.Len()))
	h.elem, h.queue = nil, nil
	return true
}

// takeIf unlinks every record in state 'from' whose key matches 'match',
// moving them to 'to'.
func (q *queue) takeIf(match Filter, from, to State) []*Handle {
	q.lock.Lock()
	defer q.lock.Unlock()
	var out []*Handle
	for e := q.items.Front(); e != nil; {
		next := e.Next()
		h := e.Value.(*Handle)
		if match(h.key) && q.takeLocked(h, from, to) {
			out = append(out, h)
		}
		e = next
	}
	return out
}

// snapshot returns the queued records in order.
func (q *queue) snapshot() []*Handle {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := make([]*Handle, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Handle))
	}
	return out
}

func (q *queue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.items.Len()
}

// close wakes up and stops every pop. If 'drain' is set, queued records are
// still handed out first.
func (q *queue) close(drain bool) {
	q.lock.Lock()
	q.closed, q.drain = true, drain
	q.cond.Broadcast()
	q.lock.Unlock()
}
