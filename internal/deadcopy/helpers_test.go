// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package deadcopy

import (
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
	"github.com/westerndigitalcorporation/gfmd/pkg/testutil"
)

// testHosts has settable liveness, and answers removal requests from a
// GenericMock.
type testHosts struct {
	*testutil.GenericMock
	lock sync.Mutex
	up   map[string]bool // registered hosts
	busy map[string]bool
}

func newTestHosts(t *testing.T, names ...string) *testHosts {
	h := &testHosts{
		GenericMock: testutil.NewGenericMock(t),
		up:          make(map[string]bool),
		busy:        make(map[string]bool),
	}
	for _, n := range names {
		h.up[n] = true
	}
	h.SetDefault("RemoveReplica", core.NoError)
	return h
}

func (h *testHosts) setUp(name string, up bool) {
	h.lock.Lock()
	h.up[name] = up
	h.lock.Unlock()
}

func (h *testHosts) remove(name string) {
	h.lock.Lock()
	delete(h.up, name)
	h.lock.Unlock()
}

func (h *testHosts) IsValid(n string) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	_, ok := h.up[n]
	return ok
}

func (h *testHosts) IsUp(n string) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.up[n]
}

func (h *testHosts) IsBusy(n string, now time.Time) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.busy[n]
}

func (h *testHosts) RemoveReplica(host string, inum core.InodeID, gen core.Gen) core.Error {
	return h.GetResult("RemoveReplica", host, inum, gen).(core.Error)
}

// testPolicy says every copy is removable unless told otherwise.
type testPolicy struct {
	lock sync.Mutex
	keep map[core.DeadCopyKey]bool
	all  bool // keep everything
}

func (p *testPolicy) IsRemovable(k core.DeadCopyKey) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return !p.all && !p.keep[k]
}

func (p *testPolicy) keepAll(on bool) {
	p.lock.Lock()
	p.all = on
	p.lock.Unlock()
}

// testBooks counts notes and forgets.
type testBooks struct {
	sync.Mutex
	noted     int
	forgotten map[core.DeadCopyKey]int
}

func (b *testBooks) NoteDeadCopyLocked(core.DeadCopyKey) { b.noted++ }

func (b *testBooks) ForgetDeadCopyLocked(k core.DeadCopyKey) { b.forgotten[k]++ }

func (b *testBooks) numForgotten() int {
	b.Lock()
	defer b.Unlock()
	n := 0
	for _, c := range b.forgotten {
		n += c
	}
	return n
}

// memDB is an in-memory DB.
type memDB struct {
	lock sync.Mutex
	keys map[core.DeadCopyKey]bool
	adds int
}

func (d *memDB) DeadFileCopyAdd(k core.DeadCopyKey) error {
	d.lock.Lock()
	d.keys[k] = true
	d.adds++
	d.lock.Unlock()
	return nil
}

func (d *memDB) DeadFileCopyRemove(k core.DeadCopyKey) error {
	d.lock.Lock()
	delete(d.keys, k)
	d.lock.Unlock()
	return nil
}

func (d *memDB) DeadFileCopyLoad(cb func(core.DeadCopyKey)) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	for k := range d.keys {
		cb(k)
	}
	return nil
}

func (d *memDB) len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.keys)
}

// transition is one observed state change.
type transition struct {
	from, to State
}

type testTracker struct {
	*Tracker
	hosts  *testHosts
	policy *testPolicy
	books  *testBooks
	db     *memDB

	lock    sync.Mutex
	history map[core.DeadCopyKey][]transition
}

func newTestTracker(t *testing.T, interval time.Duration, hosts ...string) *testTracker {
	tt := &testTracker{
		hosts:   newTestHosts(t, hosts...),
		policy:  &testPolicy{keep: make(map[core.DeadCopyKey]bool)},
		books:   &testBooks{forgotten: make(map[core.DeadCopyKey]int)},
		db:      &memDB{keys: make(map[core.DeadCopyKey]bool)},
		history: make(map[core.DeadCopyKey][]transition),
	}
	cfg := Config{BusyScanInterval: interval, MaxInFlight: 4}
	rlog := server.NewReducedLog(time.Minute, 100, 10)
	tt.Tracker = NewTracker(cfg, tt.db, tt.hosts, tt.policy, tt.books, rlog)
	tt.SetTransitionHook(func(k core.DeadCopyKey, from, to State) {
		tt.lock.Lock()
		tt.history[k] = append(tt.history[k], transition{from, to})
		tt.lock.Unlock()
	})
	return tt
}

func (tt *testTracker) transitions(k core.DeadCopyKey) []transition {
	tt.lock.Lock()
	defer tt.lock.Unlock()
	return append([]transition(nil), tt.history[k]...)
}

func key(inum core.InodeID, gen core.Gen, host string) core.DeadCopyKey {
	return core.DeadCopyKey{Inode: inum, Gen: gen, Host: host}
}

// waitFor polls 'cond' until it's true, failing the test after a while.
func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// checkOwners fails if a record's queue doesn't agree with its state.
func checkOwners(t *testing.T, hs ...*Handle) {
	for _, h := range hs {
		h.lock.Lock()
		if !h.ownerOK() {
			t.Errorf("%s: state %s, queued %v", h.key, h.state, h.queue != nil)
		}
		h.lock.Unlock()
	}
}
