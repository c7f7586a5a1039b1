// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import "time"

// Semaphore is a counting semaphore built on a buffered channel.
type Semaphore chan struct{}

// NewSemaphore returns a semaphore with 'max' permits.
func NewSemaphore(max int) Semaphore {
	return make(Semaphore, max)
}

// Acquire blocks until a permit is available.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// TryAcquire takes a permit only if one is free right now.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// AcquireTimeout waits at most 'd' for a permit.
func (s Semaphore) AcquireTimeout(d time.Duration) bool {
	if s.TryAcquire() {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case s <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

// Release returns a permit.
func (s Semaphore) Release() {
	<-s
}
