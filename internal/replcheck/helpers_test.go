// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replcheck

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/namespace"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
	"github.com/westerndigitalcorporation/gfmd/pkg/testutil"
)

type testHost struct {
	up        bool
	avail     uint64
	ratio     float64
	group     string
	downSince time.Time
}

// testHosts is a hostmon.View with settable state.
type testHosts struct {
	lock  sync.Mutex
	hosts map[string]*testHost
}

func newTestHosts(names ...string) *testHosts {
	h := &testHosts{hosts: make(map[string]*testHost)}
	for _, n := range names {
		h.hosts[n] = &testHost{up: true}
	}
	return h
}

func (h *testHosts) set(name string, f func(*testHost)) {
	h.lock.Lock()
	f(h.hosts[name])
	h.lock.Unlock()
}

func (h *testHosts) get(n string) testHost {
	h.lock.Lock()
	defer h.lock.Unlock()
	if th, ok := h.hosts[n]; ok {
		return *th
	}
	return testHost{}
}

func (h *testHosts) IsValid(n string) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	_, ok := h.hosts[n]
	return ok
}

func (h *testHosts) IsUp(n string) bool             { return h.get(n).up }
func (h *testHosts) IsBusy(string, time.Time) bool  { return false }
func (h *testHosts) DiskUsedRatio(n string) float64 { return h.get(n).ratio }
func (h *testHosts) DiskAvail(n string) uint64      { return h.get(n).avail }
func (h *testHosts) Fsngroup(n string) string       { return h.get(n).group }

func (h *testHosts) DownSince(n string) time.Time {
	if th := h.get(n); !th.up {
		return th.downSince
	}
	return time.Time{}
}

func (h *testHosts) UpHosts() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	var out []string
	for n, th := range h.hosts {
		if th.up {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

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

// countingNS counts ScheduleReplication calls per inode.
type countingNS struct {
	*namespace.Namespace
	lock      sync.Mutex
	schedules map[core.InodeID]int
}

func (c *countingNS) ScheduleReplication(inum core.InodeID, gen core.Gen, spec core.ReplicaSpec,
	srcs, existing, beingRemoved []string, downThresh time.Duration) (int, core.Error) {
	c.lock.Lock()
	c.schedules[inum]++
	c.lock.Unlock()
	return c.Namespace.ScheduleReplication(inum, gen, spec, srcs, existing, beingRemoved, downThresh)
}

func (c *countingNS) numSchedules(inum core.InodeID) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.schedules[inum]
}

type testScanner struct {
	*Scanner
	hosts *testHosts
	bc    testBackchannel
	ns    *countingNS
	now   time.Time
}

func newTestScanner(t *testing.T, lockTimeout time.Duration, hosts ...string) *testScanner {
	ts := &testScanner{
		hosts: newTestHosts(hosts...),
		bc:    testBackchannel{testutil.NewGenericMock(t)},
		now:   time.Unix(1500000000, 0),
	}
	clock := func() time.Time { return ts.now }
	ts.bc.SetDefault("Replicate", core.NoError)
	ts.ns = &countingNS{
		Namespace: namespace.New(namespace.Config{LockTimeout: lockTimeout}, nullStore{}, ts.hosts, ts.bc, clock),
		schedules: make(map[core.InodeID]int),
	}
	cfg := Config{
		BatchSize:        2,
		PollEvery:        1,
		ReadOnlyPoll:     5 * time.Millisecond,
		MaxTargets:       16,
		RetryMinSleep:    time.Millisecond,
		RetryMaxSleep:    10 * time.Millisecond,
		RetryWarnAfter:   time.Minute,
		FsngroupDebounce: time.Minute,
		Settings: Settings{
			Enabled:        true,
			RemoveEnabled:  true,
			HostDownThresh: time.Minute,
		},
	}
	ts.Scanner = NewScanner(cfg, ts.ns, ts.hosts, server.NewReducedLog(time.Minute, 100, 10))
	ts.Scanner.getTime = clock
	return ts
}

// file creates a file of 'size' bytes written on hosts[0], with replicas on
// the rest of 'hosts', and the policy 'spec'.
func (ts *testScanner) file(t *testing.T, name string, size int64, spec core.ReplicaSpec, hosts ...string) core.InodeID {
	inum, err := ts.ns.Create(core.RootInode, name)
	if err != core.NoError {
		t.Fatalf("create %s: %s", name, err)
	}
	ts.ns.OpenWrite(inum)
	if err := ts.ns.CloseWrite(inum, hosts[0], size); err != core.NoError {
		t.Fatalf("close %s: %s", name, err)
	}
	for _, h := range hosts[1:] {
		if err := ts.ns.AddReplica(inum, h); err != core.NoError {
			t.Fatalf("add replica %s@%s: %s", name, h, err)
		}
	}
	if err := ts.ns.SetReplicaSpec(inum, spec); err != core.NoError {
		t.Fatalf("set spec of %s: %s", name, err)
	}
	return inum
}

func (ts *testScanner) valid(t *testing.T, inum core.InodeID) []string {
	fi, err := ts.ns.FileInfo(inum)
	if err != core.NoError {
		t.Fatalf("FileInfo(%s): %s", inum, err)
	}
	return fi.Valid
}

// scanOnce runs one scan and waits for the replications it started.
func (ts *testScanner) scanOnce() core.ScanStats {
	st := ts.scan(context.Background())
	ts.ns.WaitReplications()
	return st
}

func desired(n int) core.ReplicaSpec {
	return core.ReplicaSpec{Desired: n}
}
