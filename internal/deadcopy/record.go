// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package deadcopy

import (
	"container/list"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
)

// State is the state of a dead file copy.
type State int

const (
	// Deferred records wait for their removal to become possible.
	Deferred State = iota

	// Kept records must not be removed for now.
	Kept

	// Lost records are known to be gone from their host already.
	Lost

	// Pending records wait in the pending queue for the remover.
	Pending

	// InFlight records have a removal request outstanding.
	InFlight

	// Finished records wait in the finished queue for the finalizer.
	Finished

	// Finalizing records are being looked at by the finalizer.
	Finalizing

	// Busy records wait in the busy queue for their host to become available.
	Busy

	// Freed records are gone from memory and from the database.
	Freed
)

var stateNames = [...]string{
	Deferred:   "deferred",
	Kept:       "kept",
	Lost:       "lost",
	Pending:    "pending",
	InFlight:   "in_flight",
	Finished:   "finished",
	Finalizing: "finalizing",
	Busy:       "busy",
	Freed:      "freed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// transitions lists, for each state, the states it may move to.
var transitions = map[State][]State{
	Deferred:   {Kept, Lost, Pending, Freed},
	Kept:       {Deferred, Lost, Freed},
	Lost:       {Finished, Freed},
	Pending:    {InFlight, Deferred},
	InFlight:   {Finished},
	Finished:   {Finalizing},
	Finalizing: {Freed, Busy},
	Busy:       {Pending, Deferred},
}

// ValidTransition tells whether a dead file copy may move from 'from' to 'to'.
func ValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// queued is true for the states in which a record belongs to a queue.
func (s State) queued() bool {
	switch s {
	case Pending, InFlight, Finished, Finalizing, Busy:
		return true
	}
	return false
}

// Handle is a dead file copy. Its key never changes.
type Handle struct {
	key core.DeadCopyKey

	// Protects everything below. Acquired after the lock of any queue.
	lock  sync.Mutex
	state State

	// Result of the removal request, valid once Finished.
	result core.Error

	// The record went through Lost rather than a removal request.
	lost bool

	// The queue owning the record, and its place in the queue's list. A
	// record taken off the list by a worker is still owned by the queue, with
	// a nil elem.
	queue *queue
	elem  *list.Element

	hook func(core.DeadCopyKey, State, State)
}

// Key returns the identity of the record.
func (h *Handle) Key() core.DeadCopyKey {
	return h.key
}

// State returns the current state.
func (h *Handle) State() State {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.state
}

// setStateLocked moves to 'to'. An invalid transition is a bug: it's logged
// and nothing changes. h.lock must be held.
func (h *Handle) setStateLocked(to State) bool {
	from := h.state
	if !ValidTransition(from, to) {
		log.Errorf("BUG: dead file copy %s: invalid transition %s -> %s", h.key, from, to)
		return false
	}
	h.state = to
	if h.hook != nil {
		h.hook(h.key, from, to)
	}
	return true
}

// ownerOK checks that queue membership agrees with the state. h.lock must be
// held.
func (h *Handle) ownerOK() bool {
	return h.state.queued() == (h.queue != nil)
}
