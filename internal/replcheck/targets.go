// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replcheck

import (
	"container/heap"
	"sync"
	"time"

	log "github.com/golang/glog"
)

// target is a time at which a scan should run.
type target struct {
	at     time.Time
	seq    uint64
	reason string
}

// targetHeap orders targets by time, then by insertion.
type targetHeap []target

func (h targetHeap) Len() int { return len(h) }
func (h targetHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h targetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *targetHeap) Push(x interface{}) { *h = append(*h, x.(target)) }
func (h *targetHeap) Pop() interface{} {
	old := *h
	t := old[len(old)-1]
	*h = old[:len(old)-1]
	return t
}

// targetList is a bounded set of pending scan times. When it's full, a new
// target takes the place of the earliest one.
type targetList struct {
	lock sync.Mutex
	h    targetHeap
	max  int
	seq  uint64
}

func newTargetList(max int) *targetList {
	return &targetList{max: max}
}

// add schedules a scan at 'at'.
func (l *targetList) add(at time.Time, reason string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.seq++
	t := target{at: at, seq: l.seq, reason: reason}
	if len(l.h) >= l.max {
		log.V(1).Infof("replica check: target list full, replacing %s target at %s", l.h[0].reason, l.h[0].at)
		l.h[0] = t
		heap.Fix(&l.h, 0)
		return
	}
	heap.Push(&l.h, t)
}

// next returns the earliest target.
func (l *targetList) next() (time.Time, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.h) == 0 {
		return time.Time{}, false
	}
	return l.h[0].at, true
}

// due removes every target at or before 'now' and returns their reasons in
// order.
func (l *targetList) due(now time.Time) []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	var reasons []string
	for len(l.h) > 0 && !l.h[0].at.After(now) {
		reasons = append(reasons, heap.Pop(&l.h).(target).reason)
	}
	return reasons
}

func (l *targetList) len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.h)
}
