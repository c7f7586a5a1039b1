// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package namespace

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
	"github.com/westerndigitalcorporation/gfmd/pkg/testutil"
)

// testHosts is a hostmon.View with settable state.
type testHosts struct {
	lock      sync.Mutex
	up        map[string]bool
	avail     map[string]uint64
	group     map[string]string
	downSince map[string]time.Time
}

func newTestHosts(names ...string) *testHosts {
	h := &testHosts{
		up:        make(map[string]bool),
		avail:     make(map[string]uint64),
		group:     make(map[string]string),
		downSince: make(map[string]time.Time),
	}
	for _, n := range names {
		h.up[n] = true
	}
	return h
}

func (h *testHosts) set(name string, up bool, avail uint64, group string) {
	h.lock.Lock()
	h.up[name], h.avail[name], h.group[name] = up, avail, group
	h.lock.Unlock()
}

func (h *testHosts) down(name string, since time.Time) {
	h.lock.Lock()
	h.up[name] = false
	h.downSince[name] = since
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

func (h *testHosts) IsBusy(string, time.Time) bool { return false }

func (h *testHosts) DiskUsedRatio(string) float64 { return 0 }

func (h *testHosts) DiskAvail(n string) uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.avail[n]
}

func (h *testHosts) DownSince(n string) time.Time {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.up[n] {
		return time.Time{}
	}
	return h.downSince[n]
}

func (h *testHosts) Fsngroup(n string) string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.group[n]
}

func (h *testHosts) UpHosts() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	var out []string
	for n, up := range h.up {
		if up {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// nullStore drops everything.
type nullStore struct{}

func (nullStore) InodePut(store.InodeRecord) error                 { return nil }
func (nullStore) InodeRemove(core.InodeID) error                   { return nil }
func (nullStore) FileCopyAdd(core.InodeID, string, core.Gen) error { return nil }
func (nullStore) FileCopyRemove(core.InodeID, string) error        { return nil }

type testBackchannel struct {
	*testutil.GenericMock
}

func (b testBackchannel) Replicate(host string, inum core.InodeID, gen core.Gen, srcs []string) core.Error {
	return b.GetResult("Replicate", host, inum, gen, srcs).(core.Error)
}

type testNS struct {
	*Namespace
	hosts *testHosts
	bc    testBackchannel
	now   time.Time

	deadLock sync.Mutex
	dead     []core.DeadCopyKey
}

func newTestNS(t *testing.T, hosts ...string) *testNS {
	tn := &testNS{
		hosts: newTestHosts(hosts...),
		bc:    testBackchannel{testutil.NewGenericMock(t)},
		now:   time.Unix(1500000000, 0),
	}
	tn.bc.SetDefault("Replicate", core.NoError)
	tn.Namespace = New(Config{LockTimeout: time.Second}, nullStore{}, tn.hosts, tn.bc, func() time.Time { return tn.now })
	tn.SetDeadCopyHook(func(k core.DeadCopyKey) {
		tn.deadLock.Lock()
		tn.dead = append(tn.dead, k)
		tn.deadLock.Unlock()
	})
	return tn
}

func (tn *testNS) deadKeys() []core.DeadCopyKey {
	tn.deadLock.Lock()
	defer tn.deadLock.Unlock()
	return append([]core.DeadCopyKey(nil), tn.dead...)
}

// file creates a file of 'size' bytes in the root, written on hosts[0] and
// with valid replicas on the rest of 'hosts'.
func (tn *testNS) file(t *testing.T, name string, size int64, hosts ...string) core.InodeID {
	inum, err := tn.Create(core.RootInode, name)
	if err != core.NoError {
		t.Fatalf("create %s: %s", name, err)
	}
	if len(hosts) == 0 {
		return inum
	}
	tn.OpenWrite(inum)
	if err := tn.CloseWrite(inum, hosts[0], size); err != core.NoError {
		t.Fatalf("close %s: %s", name, err)
	}
	for _, h := range hosts[1:] {
		if err := tn.AddReplica(inum, h); err != core.NoError {
			t.Fatalf("add replica %s@%s: %s", name, h, err)
		}
	}
	return inum
}
