// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package namespace

import (
	"sync/atomic"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
)

// GiantLock serializes all access to namespace and replica catalog state. It
// is not reentrant and must never be held across RPCs or database writes.
type GiantLock struct {
	sem  server.Semaphore
	wait int64 // Total nanoseconds spent waiting, atomic.
}

// NewGiantLock returns an unlocked GiantLock.
func NewGiantLock() *GiantLock {
	return &GiantLock{sem: server.NewSemaphore(1)}
}

// Lock blocks until the lock is held.
func (g *GiantLock) Lock() {
	start := time.Now()
	g.sem.Acquire()
	atomic.AddInt64(&g.wait, int64(time.Since(start)))
}

// TryLockFor waits at most 'd' for the lock. It returns how long it waited,
// and ErrAgain if the lock wasn't acquired.
func (g *GiantLock) TryLockFor(d time.Duration) (time.Duration, core.Error) {
	start := time.Now()
	ok := g.sem.AcquireTimeout(d)
	waited := time.Since(start)
	atomic.AddInt64(&g.wait, int64(waited))
	if !ok {
		return waited, core.ErrAgain
	}
	return waited, core.NoError
}

// Unlock releases the lock.
func (g *GiantLock) Unlock() {
	g.sem.Release()
}

// WaitTime is the total time callers spent waiting for the lock.
func (g *GiantLock) WaitTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&g.wait))
}
