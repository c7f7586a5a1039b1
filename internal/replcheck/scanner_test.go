// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replcheck

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/namespace"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
)

// Three replicas of a file that wants two: the one on the host with the least
// free space goes.
func TestRemoveSurplus(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b", "c")
	ts.hosts.set("a", func(h *testHost) { h.avail = 300 })
	ts.hosts.set("b", func(h *testHost) { h.avail = 100 })
	ts.hosts.set("c", func(h *testHost) { h.avail = 200 })

	ts.ns.Restore(store.InodeRecord{Inum: 100, Parent: core.RootInode, Name: "f", Gen: 5, Size: 1024, Atime: ts.now, Spec: desired(2)})
	for _, h := range []string{"a", "b", "c"} {
		ts.ns.RestoreReplica(100, h, 5)
	}

	st := ts.scanOnce()
	if st.Removed != 1 || st.Created != 0 || !st.Complete {
		t.Fatalf("scan: %+v", st)
	}
	if v := ts.valid(t, 100); fmt.Sprint(v) != "[a c]" {
		t.Fatalf("valid replicas %v", v)
	}

	// Nothing left to do.
	st = ts.scanOnce()
	if st.Removed != 0 || st.Created != 0 {
		t.Fatalf("second scan: %+v", st)
	}
}

func TestRemoveDisabled(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b", "c")
	f := ts.file(t, "f", 10, desired(1), "a", "b", "c")
	ts.Control(core.ReplicaCheckRemoveDisable)
	if st := ts.scanOnce(); st.Removed != 0 {
		t.Fatalf("scan: %+v", st)
	}
	if v := ts.valid(t, f); len(v) != 3 {
		t.Fatalf("valid replicas %v", v)
	}
}

func TestGraceOver(t *testing.T) {
	now := time.Unix(1500000000, 0)
	grace := Settings{GraceUsedRatio: 0.8, GraceTime: time.Hour}
	for _, tc := range []struct {
		set   Settings
		ratio float64
		atime time.Time
		over  bool
	}{
		{grace, 0.5, now, false},
		{grace, 0.9, now.Add(-2 * time.Hour), true},
		{grace, 0.5, now.Add(-2 * time.Hour), false},
		{grace, 0.9, now, false},
		{Settings{}, 0, now, true},
		{Settings{GraceUsedRatio: 0.8}, 0.9, now, true},
		{Settings{GraceTime: time.Hour}, 0, now.Add(-time.Minute), false},
	} {
		if got := tc.set.graceOver(tc.ratio, tc.atime, now); got != tc.over {
			t.Errorf("%+v ratio %v atime %s: got %v", tc.set, tc.ratio, now.Sub(tc.atime), got)
		}
	}
}

// Surplus replicas are kept until both the host is full enough and the file
// has been idle long enough.
func TestRemovalGrace(t *testing.T) {
	for _, tc := range []struct {
		ratio   float64
		idle    time.Duration
		removed int
	}{
		{0.5, 0, 0},
		{0.9, 2 * time.Hour, 1},
		{0.5, 2 * time.Hour, 0},
	} {
		ts := newTestScanner(t, time.Second, "a", "b", "c")
		ts.UpdateSettings(func(s *Settings) {
			s.GraceUsedRatio = 0.8
			s.GraceTime = time.Hour
		})
		for _, h := range []string{"a", "b", "c"} {
			ts.hosts.set(h, func(th *testHost) { th.ratio = tc.ratio })
		}
		f := ts.file(t, "f", 10, desired(2), "a", "b", "c")
		ts.ns.Touch(f, ts.now.Add(-tc.idle))

		if st := ts.scanOnce(); st.Removed != tc.removed {
			t.Errorf("ratio %v idle %s: removed %d, expected %d", tc.ratio, tc.idle, st.Removed, tc.removed)
		}
	}
}

// Repeated scans converge to the desired number of replicas, and then do
// nothing.
func TestConvergence(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b", "c", "d")
	for i, h := range []string{"a", "b", "c", "d"} {
		avail := uint64(100 * (i + 1))
		ts.hosts.set(h, func(th *testHost) { th.avail = avail })
	}
	f1 := ts.file(t, "f1", 10, desired(3), "a")
	f2 := ts.file(t, "f2", 10, desired(2), "a", "b", "c", "d")
	f3 := ts.file(t, "f3", 10, desired(1), "c")
	f4 := ts.file(t, "f4", 10, core.ReplicaSpec{Desired: core.InheritDesired, Placement: "x:1,y:1"}, "a")
	ts.hosts.set("a", func(th *testHost) { th.group = "x" })
	ts.hosts.set("b", func(th *testHost) { th.group = "x" })
	ts.hosts.set("c", func(th *testHost) { th.group = "y" })
	ts.hosts.set("d", func(th *testHost) { th.group = "y" })

	for i := 0; i < 3; i++ {
		ts.scanOnce()
	}
	calls := ts.bc.NumCalls("Replicate")

	for _, tc := range []struct {
		inum core.InodeID
		n    int
	}{{f1, 3}, {f2, 2}, {f3, 1}, {f4, 2}} {
		if v := ts.valid(t, tc.inum); len(v) != tc.n {
			t.Errorf("%s: valid replicas %v, expected %d", tc.inum, v, tc.n)
		}
	}
	if v := ts.valid(t, f2); fmt.Sprint(v) != "[c d]" {
		t.Errorf("f2 kept %v, expected the hosts with the most space", v)
	}
	if v := ts.valid(t, f4); fmt.Sprint(v) != "[a d]" {
		t.Errorf("f4 placed on %v", v)
	}

	st := ts.scanOnce()
	if st.Created != 0 || st.Removed != 0 || ts.bc.NumCalls("Replicate") != calls {
		t.Errorf("scan after convergence: %+v", st)
	}
	if st.Files != 4 {
		t.Errorf("scanned %d files", st.Files)
	}
}

// A host holding the only replica flaps within the down threshold: nothing is
// replicated.
func TestHostDownRecovery(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	ts.ns.Restore(store.InodeRecord{Inum: 200, Parent: core.RootInode, Name: "f", Gen: 1, Size: 10, Spec: desired(1)})
	ts.ns.RestoreReplica(200, "a", 1)

	ts.hosts.set("a", func(h *testHost) {
		h.up = false
		h.downSince = ts.now
	})
	ts.HostDown("a")
	if at, ok := ts.targets.next(); !ok || !at.Equal(ts.now.Add(time.Minute)) {
		t.Fatalf("target %s %v", at, ok)
	}
	ts.scanOnce()

	ts.now = ts.now.Add(30 * time.Second)
	ts.hosts.set("a", func(h *testHost) { h.up = true })
	ts.HostUp("a")
	ts.scanOnce()

	if n := ts.ns.numSchedules(200); n != 0 {
		t.Errorf("%d replications scheduled", n)
	}
	if n := ts.bc.NumCalls("Replicate"); n != 0 {
		t.Errorf("%d replications", n)
	}
}

// A replica on a host that has been down longer than the threshold no longer
// counts, so the file is copied elsewhere.
func TestHostDownPastThreshold(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b", "c")
	f := ts.file(t, "f", 10, desired(2), "a", "b")
	ts.hosts.set("a", func(h *testHost) {
		h.up = false
		h.downSince = ts.now.Add(-time.Hour)
	})

	if st := ts.scanOnce(); st.Created != 1 {
		t.Fatalf("scan: %+v", st)
	}
	if v := ts.valid(t, f); fmt.Sprint(v) != "[a b c]" {
		t.Errorf("valid replicas %v", v)
	}

	// Two reachable replicas now: nothing more to do.
	if st := ts.scanOnce(); st.Created != 0 || st.Removed != 0 {
		t.Errorf("second scan: %+v", st)
	}
	if n := ts.ns.numSchedules(f); n != 1 {
		t.Errorf("%d replications scheduled", n)
	}
	if n := ts.bc.NumCalls("Replicate"); n != 1 {
		t.Errorf("%d replications", n)
	}
}

// A file with no valid replica is left alone.
func TestNoValidReplica(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	ts.ns.Restore(store.InodeRecord{Inum: 300, Parent: core.RootInode, Name: "f", Gen: 2, Size: 10, Spec: desired(2)})
	if st := ts.scanOnce(); st.Skipped != 1 || st.Created != 0 {
		t.Fatalf("scan: %+v", st)
	}
}

// A fix for an old generation, or of a file open for writing, does nothing.
func TestFixStale(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	f := ts.file(t, "f", 10, desired(2), "a")

	res, err := ts.fix(Item{Inum: f, Gen: 1, Spec: desired(2)})
	if err != core.NoError || !res.skipped {
		t.Fatalf("stale fix: %+v %s", res, err)
	}
	ts.ns.OpenWrite(f)
	res, err = ts.fix(Item{Inum: f, Gen: 2, Spec: desired(2)})
	if err != core.NoError || !res.skipped {
		t.Fatalf("fix while open: %+v %s", res, err)
	}
	if n := ts.bc.NumCalls("Replicate"); n != 0 {
		t.Errorf("%d replications", n)
	}
}

// Policy changes are reconciled ahead of the scan, and the dirset reference
// taken for them is dropped when done.
func TestExpedited(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	d, _ := ts.ns.SetDirset(core.RootInode, "q")
	f := ts.file(t, "f", 10, desired(1), "a")
	ts.ns.SetChangeListener(ts.Scanner)

	ts.ns.SetReplicaSpec(f, desired(2))
	ts.ns.SetReplicaSpec(f, desired(2))
	if n := ts.expedited.len(); n != 1 {
		t.Fatalf("%d expedited", n)
	}
	if n := d.Refs(); n != 1 {
		t.Fatalf("%d dirset refs", n)
	}

	ts.drainExpedited(context.Background())
	ts.ns.WaitReplications()
	if n := d.Refs(); n != 0 {
		t.Errorf("%d dirset refs", n)
	}
	if v := ts.valid(t, f); fmt.Sprint(v) != "[a b]" {
		t.Errorf("valid replicas %v", v)
	}
}

// While the giant lock is held, fixes back off and retry.
func TestLockContention(t *testing.T) {
	ts := newTestScanner(t, time.Millisecond, "a", "b")
	f := ts.file(t, "f", 10, desired(2), "a")

	ts.ns.Lock()
	go func() {
		time.Sleep(50 * time.Millisecond)
		ts.ns.Unlock()
	}()
	res, ok := ts.fixRetry(context.Background(), Item{Inum: f, Gen: 2, Spec: desired(2)})
	if !ok || res.created != 1 {
		t.Fatalf("fixRetry: %+v %v", res, ok)
	}
	ts.ns.WaitReplications()

	// Stopping gives up.
	ts.ns.Lock()
	defer ts.ns.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := ts.fixRetry(ctx, Item{Inum: f, Gen: 2, Spec: desired(3)}); ok {
		t.Errorf("fixRetry succeeded without the lock")
	}
}

// Read-only mode suspends the walk where it is.
func TestReadOnly(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	for i := 0; i < 5; i++ {
		ts.file(t, fmt.Sprintf("f%d", i), 10, desired(2), "a")
	}
	ts.ns.SetReadOnly(true)

	done := make(chan core.ScanStats)
	go func() { done <- ts.scan(context.Background()) }()
	time.Sleep(30 * time.Millisecond)
	if s := ts.Status(); s != core.EnabledRunning {
		t.Fatalf("status %s", s)
	}
	if n := ts.bc.NumCalls("Replicate"); n != 0 {
		t.Fatalf("%d replications in read-only mode", n)
	}

	ts.ns.SetReadOnly(false)
	st := <-done
	ts.ns.WaitReplications()
	if st.Created != 5 || !st.Complete {
		t.Errorf("scan: %+v", st)
	}
	if s := ts.Status(); s != core.EnabledStopped {
		t.Errorf("status %s", s)
	}
}

// Disabling the checker stops a scan in progress.
func TestDisableStopsScan(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	ts.file(t, "f", 10, desired(2), "a")
	ts.ns.SetReadOnly(true)

	done := make(chan core.ScanStats)
	go func() { done <- ts.scan(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	if s, _ := ts.Control(core.ReplicaCheckDisable); s != core.DisabledRunning && s != core.DisabledStopped {
		t.Fatalf("status %s", s)
	}
	st := <-done
	if st.Complete || st.Created != 0 {
		t.Errorf("scan: %+v", st)
	}
	if s := ts.Status(); s != core.DisabledStopped {
		t.Errorf("status %s", s)
	}
}

func TestControl(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a")
	for _, tc := range []struct {
		op    core.ReplicaCheckOp
		state core.ReplicaCheckState
	}{
		{core.ReplicaCheckStatus, core.EnabledStopped},
		{core.ReplicaCheckDisable, core.DisabledStopped},
		{core.ReplicaCheckRemoveDisable, core.DisabledStopped},
		{core.ReplicaCheckEnable, core.EnabledStopped},
	} {
		if s, err := ts.Control(tc.op); s != tc.state || err != core.NoError {
			t.Errorf("op %d: %s %s", tc.op, s, err)
		}
	}
	if ts.Settings().RemoveEnabled {
		t.Errorf("removal still enabled")
	}
	ts.Control(core.ReplicaCheckReducedLogEnable)
	if !ts.rlog.Enabled() || !ts.Settings().ReducedLog {
		t.Errorf("reduced log not enabled")
	}
	if _, err := ts.Control(core.ReplicaCheckOp(99)); err != core.ErrInvalidArgument {
		t.Errorf("bad op: %s", err)
	}
}

// The main loop runs a scan for a trigger, and coalesces the triggers that
// come within the minimum interval.
func TestRunLoop(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	ts.UpdateSettings(func(s *Settings) { s.MinInterval = time.Hour })
	f := ts.file(t, "f", 10, desired(2), "a")

	ts.Start()
	deadline := time.Now().Add(5 * time.Second)
	for ts.Stats().Scans < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("no scan")
		}
		time.Sleep(time.Millisecond)
	}
	ts.HostUp("b")
	ts.TreeSpecChanged(core.RootInode)
	time.Sleep(50 * time.Millisecond)
	ts.Stop()
	ts.ns.WaitReplications()

	if n := ts.Stats().Scans; n != 1 {
		t.Errorf("%d scans", n)
	}
	if n := ts.targets.len(); n != 2 {
		t.Errorf("%d targets pending", n)
	}
	if v := ts.valid(t, f); len(v) != 2 {
		t.Errorf("valid replicas %v", v)
	}
}

// Scans started by events don't add periodic scans of their own: there is
// always one, due ScanInterval after the last complete scan.
func TestPeriodicScan(t *testing.T) {
	ts := newTestScanner(t, time.Second, "a", "b")
	ts.cfg.ScanInterval = time.Hour
	ts.file(t, "f", 10, desired(1), "a")

	waitScans := func(n int) {
		deadline := time.Now().Add(5 * time.Second)
		for ts.Stats().Scans < n {
			if time.Now().After(deadline) {
				t.Fatalf("%d scans, waiting for %d", ts.Stats().Scans, n)
			}
			time.Sleep(time.Millisecond)
		}
	}
	ts.Start()
	waitScans(1)
	for i := 0; i < 5; i++ {
		ts.HostUp("b")
		waitScans(i + 2)
	}
	ts.Stop()

	if n := ts.targets.len(); n != 0 {
		t.Errorf("%d targets pending", n)
	}
	if !ts.periodic.Equal(ts.now.Add(time.Hour)) {
		t.Errorf("periodic scan at %s", ts.periodic)
	}
	if at, ok := ts.nextRun(); !ok || !at.Equal(ts.now.Add(time.Hour)) {
		t.Errorf("next run %s %v", at, ok)
	}

	// Once due, the periodic scan is the next one.
	ts.now = ts.now.Add(2 * time.Hour)
	if at, ok := ts.nextRun(); !ok || at.After(ts.now) {
		t.Errorf("next run %s %v", at, ok)
	}
}

func TestTargetList(t *testing.T) {
	base := time.Unix(1000, 0)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	l := newTargetList(3)
	l.add(at(3), "t3")
	l.add(at(1), "t1")
	l.add(at(2), "t2")
	l.add(at(2), "t2b")
	// Full: t1 was replaced.
	if next, _ := l.next(); !next.Equal(at(2)) {
		t.Fatalf("next %s", next)
	}
	if r := l.due(at(0)); len(r) != 0 {
		t.Fatalf("due %v", r)
	}
	if r := l.due(at(2)); fmt.Sprint(r) != "[t2 t2b]" {
		t.Fatalf("due %v", r)
	}
	if r := l.due(at(10)); fmt.Sprint(r) != "[t3]" {
		t.Fatalf("due %v", r)
	}
	if _, ok := l.next(); ok {
		t.Fatalf("not empty")
	}
}

func TestDispatchQueue(t *testing.T) {
	d := &namespace.Dirset{Name: "q"}
	q := newDispatchQueue()

	d.Ref()
	q.push(Item{Inum: 5, Gen: 1, Dirset: d})
	d.Ref()
	q.push(Item{Inum: 6, Gen: 1, Dirset: d})
	d.Ref()
	q.push(Item{Inum: 5, Gen: 2, Dirset: d})
	if q.len() != 2 || d.Refs() != 2 {
		t.Fatalf("len %d, refs %d", q.len(), d.Refs())
	}

	it, _ := q.pop()
	if it.Inum != 5 || it.Gen != 2 {
		t.Fatalf("popped %+v", it)
	}
	// Queued again while being worked on: the newer item wins.
	d.Ref()
	q.push(Item{Inum: 5, Gen: 3, Dirset: d})
	q.requeue(it)
	if q.len() != 2 || d.Refs() != 2 {
		t.Fatalf("len %d, refs %d", q.len(), d.Refs())
	}

	q.clear()
	if q.len() != 0 || d.Refs() != 0 {
		t.Fatalf("len %d, refs %d", q.len(), d.Refs())
	}
}
