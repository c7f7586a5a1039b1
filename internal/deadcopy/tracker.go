// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package deadcopy tracks replicas of obsolete file generations ("dead file
// copies") from the moment they become obsolete until their host confirms
// they're gone.
//
// Every dead file copy is in the index. Those that can't be removed right now
// (deferred, kept, lost) are in no queue. The others move through three
// queues:
//
//	pending --remover--> finished --finalizer--> freed
//	                                 |
//	                                 +--> busy --busy scanner--> pending
//
// Lock order: namespace giant lock, then the index lock, then a queue lock,
// then a record lock. Policy callbacks and host requests are made without
// holding any of our locks.
package deadcopy

import (
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "deadcopy",
		Name:      "queue_depth",
	}, []string{"queue"})

	numRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "deadcopy",
		Name:      "records",
	})

	numFreed = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "deadcopy",
		Name:      "freed",
	}, []string{"why"})

	dbErrors = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "deadcopy",
		Name:      "db_errors",
	})

	removeOps = server.NewOpMetric("deadcopy_remove_rpc")
)

// Config controls the tracker's workers.
type Config struct {
	// How often the busy queue is looked at. This is the heartbeat interval.
	BusyScanInterval time.Duration

	// How many removal requests may be outstanding at once.
	MaxInFlight int
}

// DB persists dead file copies.
type DB interface {
	DeadFileCopyAdd(core.DeadCopyKey) error
	DeadFileCopyRemove(core.DeadCopyKey) error
	DeadFileCopyLoad(func(core.DeadCopyKey)) error
}

// Hosts is what the tracker needs to know about hosts, and how it asks them
// to remove a replica.
type Hosts interface {
	IsValid(host string) bool
	IsUp(host string) bool
	IsBusy(host string, now time.Time) bool
	RemoveReplica(host string, inum core.InodeID, gen core.Gen) core.Error
}

// Policy decides whether a dead file copy may be removed now. The default
// policy is Namespace.IsRemovable. It may take the namespace lock.
type Policy interface {
	IsRemovable(core.DeadCopyKey) bool
}

// Bookkeeper is the part of the namespace that counts dead file copies. The
// *Locked methods are called with Lock held.
type Bookkeeper interface {
	Lock()
	Unlock()
	NoteDeadCopyLocked(core.DeadCopyKey)
	ForgetDeadCopyLocked(core.DeadCopyKey)
}

// Filter selects dead file copies for ScanDeferred.
type Filter func(core.DeadCopyKey) bool

// FilterAll selects every dead file copy.
func FilterAll() Filter {
	return func(core.DeadCopyKey) bool { return true }
}

// FilterInode selects the dead file copies of one inode.
func FilterInode(inum core.InodeID) Filter {
	return func(k core.DeadCopyKey) bool { return k.Inode == inum }
}

// FilterHost selects the dead file copies on one host.
func FilterHost(host string) Filter {
	return func(k core.DeadCopyKey) bool { return k.Host == host }
}

// Tracker owns every dead file copy.
type Tracker struct {
	cfg    Config
	db     DB
	hosts  Hosts
	policy Policy
	ns     Bookkeeper

	// Protects 'all'.
	lock sync.Mutex
	all  map[core.DeadCopyKey]*Handle

	pendingQ  *queue
	finishedQ *queue
	busyQ     *queue

	inFlight server.Semaphore
	rlog     *server.ReducedLog

	// Called on every state change, with the record's lock held.
	hook func(core.DeadCopyKey, State, State)

	stop      chan struct{}
	workers   sync.WaitGroup // remover and busy scanner
	rpcs      sync.WaitGroup
	finalized chan struct{}

	getTime func() time.Time
}

// NewTracker creates a Tracker. Workers don't run until Start.
func NewTracker(cfg Config, db DB, hosts Hosts, policy Policy, ns Bookkeeper, rlog *server.ReducedLog) *Tracker {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Tracker{
		cfg:       cfg,
		db:        db,
		hosts:     hosts,
		policy:    policy,
		ns:        ns,
		all:       make(map[core.DeadCopyKey]*Handle),
		pendingQ:  newQueue("pending"),
		finishedQ: newQueue("finished"),
		busyQ:     newQueue("busy"),
		inFlight:  server.NewSemaphore(cfg.MaxInFlight),
		rlog:      rlog,
		stop:      make(chan struct{}),
		finalized: make(chan struct{}),
		getTime:   time.Now,
	}
}

// SetTransitionHook installs a function called on every state change. It's
// called with a record lock held and must not call back into the tracker.
// Must be called before anything is registered.
func (t *Tracker) SetTransitionHook(f func(k core.DeadCopyKey, from, to State)) {
	t.hook = f
}

// add puts a new deferred record in the index, or returns the existing one.
func (t *Tracker) add(k core.DeadCopyKey) (*Handle, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if h, ok := t.all[k]; ok {
		return h, false
	}
	h := &Handle{key: k, state: Deferred, hook: t.hook}
	t.all[k] = h
	numRecords.Set(float64(len(t.all)))
	return h, true
}

// get returns the record for 'k', or nil.
func (t *Tracker) get(k core.DeadCopyKey) *Handle {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.all[k]
}

// Register starts tracking the replica of generation 'gen' of 'inum' on
// 'host'. Registering the same replica again returns the existing record. The
// record is persisted, and queued for removal right away if that's possible.
func (t *Tracker) Register(inum core.InodeID, gen core.Gen, host string) *Handle {
	k := core.DeadCopyKey{Inode: inum, Gen: gen, Host: host}
	h, added := t.add(k)
	if !added {
		log.V(2).Infof("dead file copy %s registered again", k)
		return h
	}
	if err := t.db.DeadFileCopyAdd(k); err != nil {
		// Tracking goes on. After a restart this copy would be leaked.
		dbErrors.Inc()
		log.Errorf("failed to persist dead file copy %s: %s", k, err)
	}
	log.V(1).Infof("dead file copy %s registered", k)
	t.trySchedule(h)
	return h
}

// Load replays persisted dead file copies at startup. They're all deferred
// until the first scan.
func (t *Tracker) Load() error {
	var keys []core.DeadCopyKey
	err := t.db.DeadFileCopyLoad(func(k core.DeadCopyKey) {
		if _, added := t.add(k); added {
			keys = append(keys, k)
		}
	})
	t.ns.Lock()
	for _, k := range keys {
		t.ns.NoteDeadCopyLocked(k)
	}
	t.ns.Unlock()
	log.Infof("loaded %d dead file copies", len(keys))
	return err
}

// removableNow tells whether a removal request for 'k' could be sent now.
func (t *Tracker) removableNow(k core.DeadCopyKey) bool {
	return t.hosts.IsUp(k.Host) && !t.hosts.IsBusy(k.Host, t.getTime()) && t.policy.IsRemovable(k)
}

// trySchedule queues 'h' for removal if it's deferred and removable.
func (t *Tracker) trySchedule(h *Handle) {
	if h.State() != Deferred || !t.removableNow(h.key) {
		return
	}
	if t.pendingQ.push(h, Deferred, Pending) {
		log.V(2).Infof("dead file copy %s pending", h.key)
	}
}

// MarkKept keeps a deferred record from being removed. Calling it on a
// record in any other state is a bug.
func (t *Tracker) MarkKept(h *Handle) {
	t.toggle(h, Deferred, Kept)
}

// MarkDeferred undoes MarkKept. Calling it on a record that isn't kept is a
// bug.
func (t *Tracker) MarkDeferred(h *Handle) {
	t.toggle(h, Kept, Deferred)
}

func (t *Tracker) toggle(h *Handle, from, to State) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state != from {
		log.Errorf("BUG: dead file copy %s: can't mark %s in state %s", h.key, to, h.state)
		return
	}
	h.setStateLocked(to)
}

// MarkLost records that the replica is already gone from its host. Returns
// ErrNoSuchObject if there is no such dead file copy, and ErrFileBusy if its
// removal is already under way.
func (t *Tracker) MarkLost(inum core.InodeID, gen core.Gen, host string) core.Error {
	k := core.DeadCopyKey{Inode: inum, Gen: gen, Host: host}
	h := t.get(k)
	if h == nil {
		return core.ErrNoSuchObject
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	switch h.state {
	case Lost:
		return core.NoError
	case Deferred, Kept:
		h.setStateLocked(Lost)
		return core.NoError
	case Freed:
		return core.ErrNoSuchObject
	}
	return core.ErrFileBusy
}

// ScanDeferred looks at every deferred or lost record selected by 'filter'.
// Lost records are finished right away. Deferred ones are queued for removal
// if their host is up and not busy and the policy says they're removable.
// The policy is asked without holding any lock of ours.
func (t *Tracker) ScanDeferred(filter Filter) {
	var hs []*Handle
	t.lock.Lock()
	for k, h := range t.all {
		if filter(k) {
			hs = append(hs, h)
		}
	}
	t.lock.Unlock()

	sort.Slice(hs, func(i, j int) bool { return less(hs[i].key, hs[j].key) })

	var queued, lost int
	for _, h := range hs {
		switch h.State() {
		case Lost:
			if t.finishLost(h) {
				lost++
			}
		case Deferred:
			if t.removableNow(h.key) && t.pendingQ.push(h, Deferred, Pending) {
				queued++
			}
		}
	}
	if queued+lost > 0 {
		log.V(1).Infof("dead file copy scan: %d queued for removal, %d lost", queued, lost)
	}
}

// finishLost hands a lost record to the finalizer as removed.
func (t *Tracker) finishLost(h *Handle) bool {
	// The result is set before the record is visible in the finished queue.
	h.lock.Lock()
	if h.state != Lost {
		h.lock.Unlock()
		return false
	}
	h.lost, h.result = true, core.NoError
	h.lock.Unlock()
	return t.finishedQ.push(h, Lost, Finished)
}

// HostDown returns the host's records that are waiting for a removal request
// to deferred. A later HostUp scan picks them up again.
func (t *Tracker) HostDown(host string) {
	n := len(t.pendingQ.takeIf(FilterHost(host), Pending, Deferred))
	n += len(t.busyQ.takeIf(FilterHost(host), Busy, Deferred))
	if n > 0 {
		log.Infof("host %s is down, %d dead file copies deferred", host, n)
	}
}

// HostUp scans every deferred record, not only those of 'host': copies on
// other hosts may have been waiting for a replica on 'host'.
func (t *Tracker) HostUp(host string) {
	log.V(1).Infof("host %s is up, scanning dead file copies", host)
	t.ScanDeferred(FilterAll())
}

// HostRemoved forgets every record of a host that's gone for good. Records
// in flight are freed by the finalizer when their request completes.
func (t *Tracker) HostRemoved(host string) {
	match := FilterHost(host)
	t.pendingQ.takeIf(match, Pending, Deferred)
	t.busyQ.takeIf(match, Busy, Deferred)

	var n int
	for _, h := range t.finishedQ.takeIf(match, Finished, Finalizing) {
		t.free(h, "host_removed")
		n++
	}

	var hs []*Handle
	t.lock.Lock()
	for k, h := range t.all {
		if match(k) {
			hs = append(hs, h)
		}
	}
	t.lock.Unlock()
	for _, h := range hs {
		switch h.State() {
		case Deferred, Kept, Lost:
			if t.freeIdle(h, "host_removed") {
				n++
			}
		}
	}
	log.Infof("host %s removed, freed %d dead file copies", host, n)
}

// freeIdle frees a record that's in no queue.
func (t *Tracker) freeIdle(h *Handle, why string) bool {
	h.lock.Lock()
	ok := h.state != Freed && !h.state.queued() && h.setStateLocked(Freed)
	h.lock.Unlock()
	if ok {
		t.forget(h, why)
	}
	return ok
}

// free frees a record taken off the finished queue.
func (t *Tracker) free(h *Handle, why string) {
	h.lock.Lock()
	ok := h.state == Finalizing && h.setStateLocked(Freed)
	if ok {
		h.queue, h.elem = nil, nil
	}
	h.lock.Unlock()
	if ok {
		t.forget(h, why)
	}
}

// forget drops a freed record from the namespace's books, the index and the
// database, in that order.
func (t *Tracker) forget(h *Handle, why string) {
	t.ns.Lock()
	t.ns.ForgetDeadCopyLocked(h.key)
	t.ns.Unlock()

	t.lock.Lock()
	if t.all[h.key] == h {
		delete(t.all, h.key)
	}
	numRecords.Set(float64(len(t.all)))
	t.lock.Unlock()

	if err := t.db.DeadFileCopyRemove(h.key); err != nil {
		dbErrors.Inc()
		log.Errorf("failed to remove dead file copy %s from the database: %s", h.key, err)
	}
	numFreed.WithLabelValues(why).Inc()
	log.V(1).Infof("dead file copy %s freed (%s)", h.key, why)
}

// Counts returns the number of records in each state.
func (t *Tracker) Counts() map[string]int {
	t.lock.Lock()
	hs := make([]*Handle, 0, len(t.all))
	for _, h := range t.all {
		hs = append(hs, h)
	}
	t.lock.Unlock()

	out := make(map[string]int)
	for _, h := range hs {
		out[h.State().String()]++
	}
	return out
}

// List returns up to 'max' records, those of 'host' only if it's not empty,
// sorted by key, and the total number of records that matched.
func (t *Tracker) List(host string, max int) ([]core.DeadCopyInfo, int) {
	var hs []*Handle
	t.lock.Lock()
	for k, h := range t.all {
		if host == "" || k.Host == host {
			hs = append(hs, h)
		}
	}
	t.lock.Unlock()

	sort.Slice(hs, func(i, j int) bool { return less(hs[i].key, hs[j].key) })
	total := len(hs)
	if max > 0 && len(hs) > max {
		hs = hs[:max]
	}
	out := make([]core.DeadCopyInfo, len(hs))
	for i, h := range hs {
		out[i] = core.DeadCopyInfo{Key: h.key, State: h.State().String()}
	}
	return out, total
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.all)
}

func less(a, b core.DeadCopyKey) bool {
	if a.Inode != b.Inode {
		return a.Inode < b.Inode
	}
	if a.Gen != b.Gen {
		return a.Gen < b.Gen
	}
	return a.Host < b.Host
}
