// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package deadcopy

import (
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
)

// Start runs the remover, the finalizer and the busy queue scanner.
func (t *Tracker) Start() {
	t.workers.Add(2)
	go t.removeLoop()
	go t.busyLoop()
	go t.finalizeLoop()
	log.Infof("dead file copy tracker started, %d records", t.Len())
}

// Stop stops sending removal requests. Requests already sent complete and
// are finalized before Stop returns.
func (t *Tracker) Stop() {
	close(t.stop)
	t.pendingQ.close(false)
	t.workers.Wait()
	t.rpcs.Wait()
	t.finishedQ.close(true)
	<-t.finalized
}

// removeLoop sends a removal request for each pending record. Requests run
// concurrently, up to MaxInFlight. Results go to the finished queue; the
// database is only touched by the finalizer.
func (t *Tracker) removeLoop() {
	defer t.workers.Done()
	for {
		h := t.pendingQ.pop(InFlight)
		if h == nil {
			return
		}
		t.inFlight.Acquire()
		t.rpcs.Add(1)
		go t.remove(h)
	}
}

func (t *Tracker) remove(h *Handle) {
	defer t.rpcs.Done()
	defer t.inFlight.Release()

	k := h.key
	op := removeOps.Start()
	err := t.hosts.RemoveReplica(k.Host, k.Inode, k.Gen)
	op.EndWithError(err)
	log.V(2).Infof("remove %s: %s", k, err)

	h.lock.Lock()
	h.result = err
	h.lock.Unlock()
	t.finishedQ.push(h, InFlight, Finished)
}

// finalizeLoop decides the fate of every finished record.
func (t *Tracker) finalizeLoop() {
	defer close(t.finalized)
	for {
		h := t.finishedQ.pop(Finalizing)
		if h == nil {
			return
		}
		t.finalize(h)
	}
}

// finalize frees 'h' if the copy is known to be gone and its host confirms
// it, or if its host is gone for good. Anything else is retried from the busy
// queue, no sooner than the next busy scan.
func (t *Tracker) finalize(h *Handle) {
	k := h.key
	h.lock.Lock()
	err, lost := h.result, h.lost
	h.lock.Unlock()

	gone := err == core.NoError || err == core.ErrNoSuchObject
	switch {
	case lost:
		t.free(h, "lost")
	case !t.hosts.IsValid(k.Host):
		t.free(h, "host_invalid")
	case gone && t.hosts.IsUp(k.Host):
		t.free(h, "removed")
	default:
		if !gone && err != core.ErrHostDown && err != core.ErrTooBusy && t.hosts.IsUp(k.Host) {
			t.rlog.Warningf("remove:"+k.Host, "removing dead file copy %s: %s, will retry", k, err)
		}
		t.busyQ.push(h, Finalizing, Busy)
	}
}

// busyLoop runs scanBusy every BusyScanInterval.
func (t *Tracker) busyLoop() {
	defer t.workers.Done()
	ticker := time.NewTicker(t.cfg.BusyScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.scanBusy()
		}
	}
}

// scanBusy frees busy records whose host is gone, and queues again those
// that can be removed now.
func (t *Tracker) scanBusy() {
	for _, h := range t.busyQ.snapshot() {
		k := h.key
		switch {
		case !t.hosts.IsValid(k.Host):
			if t.busyQ.take(h, Busy, Deferred) {
				t.freeIdle(h, "host_invalid")
			}
		case t.removableNow(k):
			if t.busyQ.take(h, Busy, Pending) {
				t.pendingQ.push(h, Pending, Pending)
			}
		}
	}
}
