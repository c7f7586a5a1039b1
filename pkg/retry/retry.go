// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry runs a task repeatedly with exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task is one attempt. It receives the attempt number, starting at zero, and
// returns true when no further attempts are needed.
type Task func(attempt int) (done bool)

// Retrier describes a backoff schedule. The zero value retries forever with
// no sleep, so at least MinSleep should be set.
type Retrier struct {
	// MinSleep is the first sleep.
	MinSleep time.Duration

	// MaxSleep caps every sleep.
	MaxSleep time.Duration

	// Factor multiplies the sleep after every attempt. Zero means a random
	// factor in [1.75, 2.25), which spreads out retries from many callers.
	Factor float64

	// MaxRetry, if positive, bounds the total time spent.
	MaxRetry time.Duration

	// MaxNumRetries, if positive, bounds the number of attempts.
	MaxNumRetries int

	// OnSleep, if set, is called before each sleep with the sleep about to be
	// taken and the total slept so far.
	OnSleep func(next, total time.Duration)
}

// Do runs 'task' until it reports done (returns true, false), a bound is hit
// (false, false) or ctx is cancelled (false, true).
func (r Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	max := r.MaxSleep
	if max < r.MinSleep {
		max = r.MinSleep
	}
	sleep := r.MinSleep
	var total time.Duration
	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries ||
			r.MaxRetry > 0 && total+sleep > r.MaxRetry {
			return false, false
		}
		if task(i) {
			return true, false
		}
		if r.OnSleep != nil {
			r.OnSleep(sleep, total)
		}
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, true
		}
		total += sleep

		f := r.Factor
		if f <= 0 {
			f = 1.75 + 0.5*rand.Float64()
		}
		if sleep = time.Duration(float64(sleep) * f); sleep > max {
			sleep = max
		}
	}
}
