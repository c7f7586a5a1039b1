// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package hostmon

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
	"github.com/westerndigitalcorporation/gfmd/pkg/testutil"
)

type memStore struct {
	lock  sync.Mutex
	hosts map[string]store.HostRecord
}

func (s *memStore) HostPut(r store.HostRecord) error {
	s.lock.Lock()
	s.hosts[r.Name] = r
	s.lock.Unlock()
	return nil
}

func (s *memStore) HostRemove(name string) error {
	s.lock.Lock()
	delete(s.hosts, name)
	s.lock.Unlock()
	return nil
}

type mockTalker struct {
	*testutil.GenericMock
}

func (t mockTalker) RemoveReplica(ctx context.Context, addr string, req core.RemoveReplicaReq) core.Error {
	return t.GetResult("RemoveReplica", addr, req).(core.Error)
}

func (t mockTalker) Replicate(ctx context.Context, addr string, req core.ReplicateReq) core.Error {
	return t.GetResult("Replicate", addr, req).(core.Error)
}

type recorder struct {
	events []string
}

func (r *recorder) HostUp(h string)          { r.events = append(r.events, "up "+h) }
func (r *recorder) HostDown(h string)        { r.events = append(r.events, "down "+h) }
func (r *recorder) HostRemoved(h string)     { r.events = append(r.events, "removed "+h) }
func (r *recorder) FsngroupChanged(h string) { r.events = append(r.events, "group "+h) }

var testConfig = Config{
	HostUnhealthy:   10 * time.Second,
	HostDown:        60 * time.Second,
	RefreshInterval: time.Second,
	BusyLoadAvg:     8,
	BusyBackoff:     30 * time.Second,
	RPCTimeout:      time.Second,
}

type testMonitor struct {
	*Monitor
	now    time.Time
	rec    *recorder
	talker mockTalker
	st     *memStore
}

func newTestMonitor(t *testing.T) *testMonitor {
	tm := &testMonitor{
		now:    time.Unix(1000000, 0),
		rec:    &recorder{},
		talker: mockTalker{testutil.NewGenericMock(t)},
		st:     &memStore{hosts: make(map[string]store.HostRecord)},
	}
	tm.Monitor = NewMonitor(testConfig, tm.st, tm.talker, func() time.Time { return tm.now })
	tm.AddListener(tm.rec)
	return tm
}

func (tm *testMonitor) beat(host string, used, avail uint64, load float64) {
	tm.Heartbeat(core.HostHeartbeatReq{Host: host, Addr: host + ":600", Load: core.HostLoad{DiskUsed: used, DiskAvail: avail, LoadAvg: load}})
}

func TestLiveness(t *testing.T) {
	tm := newTestMonitor(t)
	if err := tm.AddHost("a", "a:600", "g1"); err != core.NoError {
		t.Fatal(err)
	}
	if tm.AddHost("a", "a:600", "g1") != core.ErrHostExist {
		t.Errorf("duplicate add should fail")
	}
	if tm.Heartbeat(core.HostHeartbeatReq{Host: "zz"}) != core.ErrNoSuchHost {
		t.Errorf("unregistered host beat should fail")
	}
	if !tm.IsValid("a") || tm.IsUp("a") {
		t.Fatalf("registered host that never beat should be valid but not up")
	}

	tm.beat("a", 30, 70, 0)
	if !tm.IsUp("a") {
		t.Fatalf("host should be up after beating")
	}
	if r := tm.DiskUsedRatio("a"); r != 0.3 {
		t.Errorf("used ratio %v", r)
	}
	if !tm.DownSince("a").IsZero() {
		t.Errorf("up host has no DownSince")
	}

	// Missed heartbeats: unhealthy, which isn't up, but no event yet.
	tm.now = tm.now.Add(20 * time.Second)
	tm.Refresh()
	if tm.IsUp("a") {
		t.Errorf("silent host shouldn't be up")
	}

	tm.now = tm.now.Add(time.Minute)
	tm.Refresh()
	tm.Refresh()
	if got := tm.DownSince("a"); !got.Equal(tm.now.Add(-80 * time.Second)) {
		t.Errorf("DownSince %s", got)
	}

	tm.beat("a", 30, 70, 0)
	want := []string{"up a", "down a", "up a"}
	if !reflect.DeepEqual(tm.rec.events, want) {
		t.Errorf("events %v, want %v", tm.rec.events, want)
	}
}

func TestGracePeriod(t *testing.T) {
	tm := newTestMonitor(t)
	tm.AddHost("a", "a:600", "")
	tm.now = tm.now.Add(30 * time.Second)
	tm.Refresh()
	if len(tm.rec.events) != 0 {
		t.Fatalf("no events during grace, got %v", tm.rec.events)
	}
	tm.now = tm.now.Add(31 * time.Second)
	tm.Refresh()
	if !reflect.DeepEqual(tm.rec.events, []string{"down a"}) {
		t.Fatalf("events %v", tm.rec.events)
	}
}

func TestBusy(t *testing.T) {
	tm := newTestMonitor(t)
	tm.AddHost("a", "a:600", "")
	tm.beat("a", 1, 1, 9)
	if !tm.IsBusy("a", tm.now) {
		t.Errorf("high load should be busy")
	}
	tm.beat("a", 1, 1, 1)
	if tm.IsBusy("a", tm.now) {
		t.Errorf("low load shouldn't be busy")
	}

	req := core.RemoveReplicaReq{Host: "a", Inode: 100, Gen: 4}
	tm.talker.AddCall("RemoveReplica", core.ErrTooBusy, "a:600", req)
	if err := tm.RemoveReplica("a", 100, 4); err != core.ErrTooBusy {
		t.Fatalf("got %s", err)
	}
	if !tm.IsBusy("a", tm.now.Add(29*time.Second)) || tm.IsBusy("a", tm.now.Add(31*time.Second)) {
		t.Errorf("ErrTooBusy should make the host busy for BusyBackoff")
	}
	tm.talker.NoMoreCalls()
}

func TestSendToDownHost(t *testing.T) {
	tm := newTestMonitor(t)
	if tm.RemoveReplica("nope", 1, 1) != core.ErrNoSuchHost {
		t.Errorf("expected ErrNoSuchHost")
	}
	tm.AddHost("a", "a:600", "")
	// Never beat, so no RPC is attempted.
	if tm.RemoveReplica("a", 1, 1) != core.ErrHostDown {
		t.Errorf("expected ErrHostDown")
	}
	if tm.talker.NumCalls("RemoveReplica") != 0 {
		t.Errorf("no RPC should be sent to a down host")
	}
}

func TestRemoveAndRegroup(t *testing.T) {
	tm := newTestMonitor(t)
	tm.AddHost("a", "a:600", "g1")
	tm.AddHost("b", "b:600", "g1")
	tm.beat("b", 0, 0, 0)

	tm.SetFsngroup("a", "g1") // no change, no event
	tm.SetFsngroup("a", "g2")
	if tm.Fsngroup("a") != "g2" || tm.st.hosts["a"].Fsngroup != "g2" {
		t.Errorf("fsngroup not updated")
	}
	if tm.RemoveHost("a") != core.NoError || tm.IsValid("a") {
		t.Fatalf("remove failed")
	}
	if _, ok := tm.st.hosts["a"]; ok {
		t.Errorf("host not removed from store")
	}
	if !reflect.DeepEqual(tm.UpHosts(), []string{"b"}) {
		t.Errorf("up hosts %v", tm.UpHosts())
	}
	want := []string{"up b", "group a", "removed a"}
	if !reflect.DeepEqual(tm.rec.events, want) {
		t.Errorf("events %v, want %v", tm.rec.events, want)
	}
}

// gatedListener holds up HostUp until 'gate' is closed.
type gatedListener struct {
	lock    sync.Mutex
	events  []string
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedListener) record(e string) {
	g.lock.Lock()
	g.events = append(g.events, e)
	g.lock.Unlock()
}

func (g *gatedListener) HostUp(h string) {
	close(g.entered)
	<-g.gate
	g.record("up " + h)
}
func (g *gatedListener) HostDown(h string)        { g.record("down " + h) }
func (g *gatedListener) HostRemoved(h string)     { g.record("removed " + h) }
func (g *gatedListener) FsngroupChanged(h string) { g.record("group " + h) }

// A status change racing with the delivery of an earlier one is delivered
// after it.
func TestEventOrder(t *testing.T) {
	now := time.Unix(1000000, 0)
	var nowLock sync.Mutex
	getTime := func() time.Time {
		nowLock.Lock()
		defer nowLock.Unlock()
		return now
	}
	m := NewMonitor(testConfig, &memStore{hosts: make(map[string]store.HostRecord)}, mockTalker{testutil.NewGenericMock(t)}, getTime)
	l := &gatedListener{entered: make(chan struct{}), gate: make(chan struct{})}
	m.AddListener(l)
	if err := m.AddHost("a", "a:600", ""); err != core.NoError {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Heartbeat(core.HostHeartbeatReq{Host: "a"})
	}()
	<-l.entered

	// "a" goes down while its HostUp is still being delivered.
	nowLock.Lock()
	now = now.Add(2 * time.Minute)
	nowLock.Unlock()
	m.Refresh()
	if m.IsUp("a") {
		t.Fatalf("a should be down")
	}

	close(l.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("heartbeat never returned")
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if want := []string{"up a", "down a"}; !reflect.DeepEqual(l.events, want) {
		t.Errorf("events %v, want %v", l.events, want)
	}
}
