// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package gfmd puts the metadata server together: the database, the host
// monitor, the namespace, the dead file copy tracker and the replica checker.
//
// Host events from the monitor go through a single goroutine, so that every
// component sees them in the order they happened and none of them is called
// with the monitor's lock held.
package gfmd

import (
	"fmt"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/deadcopy"
	"github.com/westerndigitalcorporation/gfmd/internal/hostmon"
	"github.com/westerndigitalcorporation/gfmd/internal/namespace"
	"github.com/westerndigitalcorporation/gfmd/internal/replcheck"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
	"github.com/westerndigitalcorporation/gfmd/pkg/rpc"
)

type eventKind int

const (
	evHostUp eventKind = iota
	evHostDown
	evHostRemoved
	evFsngroupChanged
)

var eventNames = []string{"up", "down", "removed", "fsngroup changed"}

type hostEvent struct {
	kind eventKind
	host string
}

// Gfmd is the metadata server minus its RPC surface.
type Gfmd struct {
	cfg Config

	st       *store.Store
	cc       *rpc.ConnCache // nil if the talker was given to New
	failures *server.OpFailure
	rlog     *server.ReducedLog

	Hosts   *hostmon.Monitor
	NS      *namespace.Namespace
	Tracker *deadcopy.Tracker
	Scanner *replcheck.Scanner

	events chan hostEvent
	stop   chan struct{}
	done   chan struct{}

	getTime func() time.Time
}

// Open opens the database at cfg.DBPath and builds a Gfmd talking to storage
// hosts over RPC.
func Open(cfg Config) (*Gfmd, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %s", cfg.DBPath, err)
	}
	failures := server.NewOpFailure()
	cc := rpc.NewConnCache(cfg.HostDialTimeout, cfg.HostRPCTimeout, cfg.MaxHostConns)
	g, err := New(cfg, st, hostmon.NewRPCTalker(cc, failures), failures, time.Now)
	if err != nil {
		cc.Close()
		st.Close()
		return nil, err
	}
	g.cc = cc
	return g, nil
}

// New builds a Gfmd over an open database and loads everything from it.
// 'failures' is the registry 'talker' consults for injected errors; it is
// exposed through the failure service.
func New(cfg Config, st *store.Store, talker hostmon.Talker, failures *server.OpFailure, getTime func() time.Time) (*Gfmd, error) {
	g := &Gfmd{
		cfg:      cfg,
		st:       st,
		failures: failures,
		rlog:     server.NewReducedLog(cfg.ReducedLogInterval, cfg.ReducedLogKeys, cfg.ReducedLogRate),
		events:   make(chan hostEvent, cfg.EventQueue),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		getTime:  getTime,
	}

	g.Hosts = hostmon.NewMonitor(cfg.hostmonConfig(), st, talker, getTime)
	if err := st.HostLoad(g.Hosts.Restore); err != nil {
		return nil, fmt.Errorf("failed to load hosts: %s", err)
	}

	g.NS = namespace.New(cfg.namespaceConfig(), replicaStore{st, g}, g.Hosts, g.Hosts, getTime)
	if err := st.InodeLoad(g.NS.Restore); err != nil {
		return nil, fmt.Errorf("failed to load inodes: %s", err)
	}

	// Replicas of stale generations found while loading file copies become
	// dead file copies, so the tracker has to be ready first.
	g.Tracker = deadcopy.NewTracker(cfg.deadcopyConfig(), st, g.Hosts, g.NS, g.NS, g.rlog)
	if err := g.Tracker.Load(); err != nil {
		return nil, fmt.Errorf("failed to load dead file copies: %s", err)
	}
	g.NS.SetDeadCopyHook(func(k core.DeadCopyKey) {
		g.Tracker.Register(k.Inode, k.Gen, k.Host)
	})
	if err := st.FileCopyLoad(g.NS.RestoreReplica); err != nil {
		return nil, fmt.Errorf("failed to load replicas: %s", err)
	}

	g.Scanner = replcheck.NewScanner(cfg.replcheckConfig(), g.NS, g.Hosts, g.rlog)
	g.NS.SetChangeListener(g.Scanner)

	g.Hosts.AddListener(g)

	log.Infof("loaded %d inodes, %d hosts, %d dead file copies",
		g.NS.NumInodes(), len(g.Hosts.Hosts()), g.Tracker.Len())
	return g, nil
}

// replicaStore persists the replica catalog. A file gaining a valid replica
// may make the obsolete copies of its older generations removable, so those
// are looked at again.
type replicaStore struct {
	*store.Store
	g *Gfmd
}

func (r replicaStore) FileCopyAdd(inum core.InodeID, host string, gen core.Gen) error {
	err := r.Store.FileCopyAdd(inum, host, gen)
	if t := r.g.Tracker; t != nil {
		t.ScanDeferred(deadcopy.FilterInode(inum))
	}
	return err
}

// Start starts every background task.
func (g *Gfmd) Start() {
	// Hosts loaded from the database get a fresh chance to beat.
	g.Hosts.RestartGrace()
	go g.eventLoop()
	g.Tracker.Start()
	g.Scanner.Start()
	go g.Hosts.Run(g.stop)
}

// Stop stops background work. Outstanding requests to storage hosts are
// waited for.
func (g *Gfmd) Stop() {
	close(g.stop)
	<-g.done
	g.Scanner.Stop()
	g.Tracker.Stop()
	g.NS.WaitReplications()
}

// Close stops everything and closes the database.
func (g *Gfmd) Close() error {
	g.Stop()
	if g.cc != nil {
		g.cc.Close()
	}
	return g.st.Close()
}

// HostUp implements hostmon.Listener.
func (g *Gfmd) HostUp(host string) { g.post(evHostUp, host) }

// HostDown implements hostmon.Listener.
func (g *Gfmd) HostDown(host string) { g.post(evHostDown, host) }

// HostRemoved implements hostmon.Listener.
func (g *Gfmd) HostRemoved(host string) { g.post(evHostRemoved, host) }

// FsngroupChanged implements hostmon.Listener.
func (g *Gfmd) FsngroupChanged(host string) { g.post(evFsngroupChanged, host) }

func (g *Gfmd) post(kind eventKind, host string) {
	select {
	case g.events <- hostEvent{kind, host}:
	case <-g.stop:
		log.Infof("shutting down, dropped host event %s %s", host, eventNames[kind])
	}
}

func (g *Gfmd) eventLoop() {
	defer close(g.done)
	for {
		select {
		case e := <-g.events:
			g.handle(e)
		case <-g.stop:
			return
		}
	}
}

func (g *Gfmd) handle(e hostEvent) {
	log.Infof("host event: %s %s", e.host, eventNames[e.kind])
	switch e.kind {
	case evHostUp:
		g.Tracker.HostUp(e.host)
		g.Scanner.HostUp(e.host)
	case evHostDown:
		g.Tracker.HostDown(e.host)
		g.Scanner.HostDown(e.host)
	case evHostRemoved:
		g.NS.HostRemoved(e.host)
		g.Tracker.HostRemoved(e.host)
		g.Scanner.HostRemoved(e.host)
	case evFsngroupChanged:
		g.Scanner.FsngroupChanged(e.host)
	}
}

//-----------------
// Operator actions
//-----------------

// ReplicaCheckCtl applies an operator request to the replica checker.
func (g *Gfmd) ReplicaCheckCtl(op core.ReplicaCheckOp) (core.ReplicaCheckState, core.Error) {
	return g.Scanner.Control(op)
}

// ListDeadCopies lists dead file copies, of one host if 'host' is set.
func (g *Gfmd) ListDeadCopies(host string, max int) ([]core.DeadCopyInfo, int) {
	return g.Tracker.List(host, max)
}

// Stats collects the replica lifecycle statistics.
func (g *Gfmd) Stats() core.StatsReply {
	r := g.Scanner.StatsReply()
	r.DeadCopy = g.Tracker.Counts()
	return r
}

// ReadOnlyMode implements server.ROHandler.
func (g *Gfmd) ReadOnlyMode() bool {
	return g.NS.ReadOnly()
}

// SetReadOnlyMode implements server.ROHandler. Leaving read-only mode lets a
// suspended scan continue at its next poll.
func (g *Gfmd) SetReadOnlyMode(on bool) {
	g.NS.SetReadOnly(on)
}
