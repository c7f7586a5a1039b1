// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replcheck

import (
	"sync"
	"sync/atomic"
	"time"
)

// Settings are the knobs an operator can turn while gfmd runs. A Settings
// value is never modified once published; UpdateSettings publishes a new one.
type Settings struct {
	// Enabled allows scans to run.
	Enabled bool

	// RemoveEnabled allows surplus replicas to be removed.
	RemoveEnabled bool

	// ReducedLog rate-limits repeated messages.
	ReducedLog bool

	// A surplus replica isn't removed until its host's disk used ratio is
	// above GraceUsedRatio, and its file hasn't been accessed for GraceTime.
	// Zero turns a condition off; both zero removes surplus replicas at once.
	GraceUsedRatio float64
	GraceTime      time.Duration

	// A replica on a host down for less than this still counts.
	HostDownThresh time.Duration

	// Runs are at least this far apart. Triggers in between are coalesced.
	MinInterval time.Duration
}

// graceOver tells whether a surplus replica on a host with 'usedRatio' of a
// file last accessed at 'atime' may be removed at 'now'.
func (s Settings) graceOver(usedRatio float64, atime, now time.Time) bool {
	if s.GraceUsedRatio > 0 && usedRatio <= s.GraceUsedRatio {
		return false
	}
	if s.GraceTime > 0 && now.Sub(atime) < s.GraceTime {
		return false
	}
	return true
}

// settingsHolder publishes Settings. Readers never block.
type settingsHolder struct {
	lock sync.Mutex // serializes writers
	v    atomic.Value
}

func (h *settingsHolder) get() Settings {
	return h.v.Load().(Settings)
}

func (h *settingsHolder) set(s Settings) {
	h.lock.Lock()
	h.v.Store(s)
	h.lock.Unlock()
}

func (h *settingsHolder) update(f func(*Settings)) Settings {
	h.lock.Lock()
	defer h.lock.Unlock()
	s := h.v.Load().(Settings)
	f(&s)
	h.v.Store(s)
	return s
}
