// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/gfmd/pkg/tokenbucket"
)

// ReducedLog rate-limits messages that tend to repeat, like "host is down".
// While enabled, each message key is logged at most once per interval, and
// all keys together share a token bucket. When a key is logged again, the
// number of messages suppressed in between is appended. While disabled,
// everything is logged.
type ReducedLog struct {
	enabled int32 // atomic

	lock     sync.Mutex
	interval time.Duration
	keys     *lru.Cache // key -> *reducedKey
	bucket   *tokenbucket.TokenBucket
	getTime  func() time.Time
}

type reducedKey struct {
	last       time.Time
	suppressed int
}

// NewReducedLog creates a ReducedLog remembering up to 'maxKeys' keys and
// logging at most 'perSecond' reduced messages per second on average.
func NewReducedLog(interval time.Duration, maxKeys int, perSecond float32) *ReducedLog {
	return &ReducedLog{
		interval: interval,
		keys:     lru.New(maxKeys),
		bucket:   tokenbucket.New(perSecond, 10*perSecond),
		getTime:  time.Now,
	}
}

// SetEnabled turns reduction on or off.
func (r *ReducedLog) SetEnabled(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&r.enabled, v)
}

// Enabled tells whether messages are being reduced.
func (r *ReducedLog) Enabled() bool {
	return atomic.LoadInt32(&r.enabled) != 0
}

// allow decides whether a message with 'key' is logged now, and returns how
// many were suppressed since the last one.
func (r *ReducedLog) allow(key string) (bool, int) {
	if !r.Enabled() {
		return true, 0
	}
	now := r.getTime()

	r.lock.Lock()
	defer r.lock.Unlock()
	var k *reducedKey
	if v, ok := r.keys.Get(key); ok {
		k = v.(*reducedKey)
		if now.Sub(k.last) < r.interval {
			k.suppressed++
			return false, 0
		}
	} else {
		k = &reducedKey{}
		r.keys.Add(key, k)
	}
	if !r.bucket.TryTake(1, now) {
		k.suppressed++
		return false, 0
	}
	n := k.suppressed
	k.last, k.suppressed = now, 0
	return true, n
}

func (r *ReducedLog) format(suppressed int, format string, args []interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if suppressed > 0 {
		msg += fmt.Sprintf(" (%d similar messages suppressed)", suppressed)
	}
	return msg
}

// Warningf logs at warning level unless reduced.
func (r *ReducedLog) Warningf(key, format string, args ...interface{}) {
	if ok, n := r.allow(key); ok {
		log.WarningDepth(1, r.format(n, format, args))
	}
}

// Errorf logs at error level unless reduced.
func (r *ReducedLog) Errorf(key, format string, args ...interface{}) {
	if ok, n := r.allow(key); ok {
		log.ErrorDepth(1, r.format(n, format, args))
	}
}
