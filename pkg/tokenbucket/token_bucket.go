// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket is a token bucket rate limiter. It can either make
// callers wait for tokens (Take) or let them drop work when the bucket is empty
// (TryTake).
package tokenbucket

import (
	"sync"
	"time"
)

// TokenBucket is safe for use by multiple goroutines.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float32 // Tokens added per second.
	capacity float32 // Most tokens the bucket can hold.
	current  float32 // Can be negative after Take.
	last     time.Time
}

// New returns a full token bucket that fills at 'rate' tokens per second up to
// 'capacity' tokens.
func New(rate float32, capacity float32) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// refill adds the tokens accumulated since the last update. Lock must be held.
func (tb *TokenBucket) refill(now time.Time) {
	if now.After(tb.last) {
		tb.current += tb.rate * float32(now.Sub(tb.last).Seconds())
		tb.last = now
	}
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
}

// Take consumes n tokens and sleeps until the balance is non-negative again.
func (tb *TokenBucket) Take(n float32) {
	if d := tb.TakeAndUpdate(n, time.Now()); d > 0 {
		time.Sleep(d)
	}
}

// TakeAndUpdate consumes n tokens as of 'now', possibly leaving a negative
// balance, and returns how long the caller should wait for the balance to
// recover. A non-positive result means no wait is needed.
func (tb *TokenBucket) TakeAndUpdate(n float32, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	tb.refill(now)
	tb.current -= n
	if tb.rate <= 0 {
		if tb.current < 0 {
			return time.Duration(1<<63 - 1)
		}
		return 0
	}
	return time.Duration(-tb.current / tb.rate * float32(time.Second))
}

// TryTake consumes n tokens as of 'now' only if that many are available, and
// reports whether it did.
func (tb *TokenBucket) TryTake(n float32, now time.Time) bool {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	tb.refill(now)
	if tb.current < n {
		return false
	}
	tb.current -= n
	return true
}

// SetRate changes the rate and capacity.
func (tb *TokenBucket) SetRate(rate, capacity float32) {
	tb.lock.Lock()
	tb.rate = rate
	tb.capacity = capacity
	if tb.current > capacity {
		tb.current = capacity
	}
	tb.lock.Unlock()
}
