// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package replcheck is the replica checker. It walks the namespace and makes
// the replicas of every file match the file's replica policy, creating the
// missing ones and removing surplus ones.
//
// Scans run when a target time comes up: at startup, periodically, and when
// hosts come up, go down or change group. Files whose policy changed are
// queued for expedited reconciliation, which goes ahead of the scan.
package replcheck

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/hostmon"
	"github.com/westerndigitalcorporation/gfmd/internal/namespace"
	"github.com/westerndigitalcorporation/gfmd/internal/server"
	"github.com/westerndigitalcorporation/gfmd/pkg/retry"
)

// Namespace is what the checker needs from the namespace. Everything except
// ReadOnly may fail with ErrAgain if the giant lock isn't available promptly.
type Namespace interface {
	ReadOnly() bool
	FileInfo(inum core.InodeID) (namespace.FileInfo, core.Error)
	ScanFiles(from core.InodeID, max int) (namespace.ScanBatch, core.Error)
	ScheduleReplication(inum core.InodeID, gen core.Gen, spec core.ReplicaSpec,
		srcs, existing, beingRemoved []string, downThresh time.Duration) (int, core.Error)
	RemoveReplicaProtected(inum core.InodeID, gen core.Gen, host string, spec core.ReplicaSpec) core.Error
}

// Config holds the checker parameters that don't change at runtime.
type Config struct {
	// Inodes looked at per acquisition of the giant lock.
	BatchSize int

	// Files fixed between checks of the stop flag.
	PollEvery int

	// Time between periodic scans. Zero disables them.
	ScanInterval time.Duration

	// How often read-only mode is polled while the walk is suspended.
	ReadOnlyPoll time.Duration

	// Capacity of the target list.
	MaxTargets int

	// Backoff when the giant lock isn't available.
	RetryMinSleep  time.Duration
	RetryMaxSleep  time.Duration
	RetryWarnAfter time.Duration

	// Delay of the scan after a host changes group.
	FsngroupDebounce time.Duration

	// Scan in smaller batches while free memory is below this. Zero disables
	// the check.
	MinFreeMemory uint64

	// Initial settings.
	Settings Settings
}

// Scanner is the replica checker.
type Scanner struct {
	cfg   Config
	ns    Namespace
	hosts hostmon.View
	rlog  *server.ReducedLog

	settings  settingsHolder
	targets   *targetList
	expedited *dispatchQueue

	// Wakes up the main loop.
	kick chan struct{}

	running int32 // atomic, 1 while a scan is in progress

	// When the next periodic scan is due; zero if none is. Only the main
	// loop touches it.
	periodic time.Time

	statsLock sync.Mutex
	stats     Stats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	getTime func() time.Time
}

// NewScanner creates a Scanner. It doesn't run until Start.
func NewScanner(cfg Config, ns Namespace, hosts hostmon.View, rlog *server.ReducedLog) *Scanner {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scanner{
		cfg:       cfg,
		ns:        ns,
		hosts:     hosts,
		rlog:      rlog,
		targets:   newTargetList(cfg.MaxTargets),
		expedited: newDispatchQueue(),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		getTime:   time.Now,
	}
	s.settings.set(cfg.Settings)
	rlog.SetEnabled(cfg.Settings.ReducedLog)
	return s
}

// Start runs the main loop and schedules the first scan.
func (s *Scanner) Start() {
	go s.run()
	s.Trigger(s.getTime(), "startup")
}

// Stop stops the main loop. A scan in progress stops at the next file.
// Replications already started aren't cancelled.
func (s *Scanner) Stop() {
	s.cancel()
	<-s.done
	s.expedited.clear()
}

// Settings returns the current settings.
func (s *Scanner) Settings() Settings {
	return s.settings.get()
}

// UpdateSettings changes the settings with 'f' and returns the new ones.
func (s *Scanner) UpdateSettings(f func(*Settings)) Settings {
	set := s.settings.update(f)
	s.rlog.SetEnabled(set.ReducedLog)
	s.wake()
	return set
}

// Trigger schedules a scan at 'at'.
func (s *Scanner) Trigger(at time.Time, reason string) {
	log.V(1).Infof("replica check: %s, scan at %s", reason, at.Format(time.RFC3339))
	s.targets.add(at, reason)
	s.wake()
}

// Enqueue queues a file for expedited reconciliation. The scanner takes over
// the item's dirset reference.
func (s *Scanner) Enqueue(it Item) {
	s.expedited.push(it)
	s.wake()
}

func (s *Scanner) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Control applies an operator request and returns the resulting state.
func (s *Scanner) Control(op core.ReplicaCheckOp) (core.ReplicaCheckState, core.Error) {
	switch op {
	case core.ReplicaCheckStatus:
	case core.ReplicaCheckEnable:
		s.UpdateSettings(func(set *Settings) { set.Enabled = true })
		log.Infof("replica check enabled")
	case core.ReplicaCheckDisable:
		s.UpdateSettings(func(set *Settings) { set.Enabled = false })
		log.Infof("replica check disabled")
	case core.ReplicaCheckRemoveEnable:
		s.UpdateSettings(func(set *Settings) { set.RemoveEnabled = true })
	case core.ReplicaCheckRemoveDisable:
		s.UpdateSettings(func(set *Settings) { set.RemoveEnabled = false })
	case core.ReplicaCheckReducedLogEnable:
		s.UpdateSettings(func(set *Settings) { set.ReducedLog = true })
	case core.ReplicaCheckReducedLogDisable:
		s.UpdateSettings(func(set *Settings) { set.ReducedLog = false })
	default:
		return s.Status(), core.ErrInvalidArgument
	}
	return s.Status(), core.NoError
}

// Status tells whether the checker is enabled and whether a scan is running.
func (s *Scanner) Status() core.ReplicaCheckState {
	running := atomic.LoadInt32(&s.running) != 0
	switch enabled := s.Settings().Enabled; {
	case enabled && running:
		return core.EnabledRunning
	case enabled:
		return core.EnabledStopped
	case running:
		return core.DisabledRunning
	}
	return core.DisabledStopped
}

// HostUp schedules a scan now.
func (s *Scanner) HostUp(host string) {
	s.Trigger(s.getTime(), "host "+host+" up")
}

// HostDown schedules a scan once the host has been down for long enough that
// its replicas no longer count.
func (s *Scanner) HostDown(host string) {
	s.Trigger(s.getTime().Add(s.Settings().HostDownThresh), "host "+host+" down")
}

// HostRemoved schedules a scan now, since the host's replicas are gone.
func (s *Scanner) HostRemoved(host string) {
	s.Trigger(s.getTime(), "host "+host+" removed")
}

// FsngroupChanged schedules a scan after a delay, in case more hosts are
// regrouped.
func (s *Scanner) FsngroupChanged(host string) {
	s.Trigger(s.getTime().Add(s.cfg.FsngroupDebounce), "host "+host+" regrouped")
}

// run is the main loop.
func (s *Scanner) run() {
	defer close(s.done)
	for {
		var timeout <-chan time.Time
		var timer *time.Timer
		if s.Settings().Enabled {
			s.drainExpedited(s.ctx)
			now := s.getTime()
			if at, ok := s.nextRun(); ok {
				if wait := at.Sub(now); wait > 0 {
					timer = time.NewTimer(wait)
					timeout = timer.C
				} else {
					reasons := s.targets.due(now)
					if !s.periodic.IsZero() && !s.periodic.After(now) {
						reasons = append(reasons, "periodic")
					}
					log.Infof("replica check: scan started (%s)", strings.Join(reasons, ", "))
					st := s.scan(s.ctx)
					log.Infof("replica check: scan done, %d files, %d replicas created, %d removed in %s",
						st.Files, st.Created, st.Removed, st.Elapsed)
					if s.cfg.ScanInterval > 0 && st.Complete {
						// Any complete scan restarts the period.
						s.periodic = st.Start.Add(s.cfg.ScanInterval)
					}
					continue
				}
			}
			if timer == nil && s.expedited.len() > 0 {
				// Lock contention left work behind.
				timer = time.NewTimer(s.cfg.RetryMaxSleep)
				timeout = timer.C
			}
		}
		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.kick:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextRun returns when the next scan should start: at the earliest target or
// periodic scan, but no sooner than MinInterval after the last scan started.
func (s *Scanner) nextRun() (time.Time, bool) {
	at, ok := s.targets.next()
	if !s.periodic.IsZero() && (!ok || s.periodic.Before(at)) {
		at, ok = s.periodic, true
	}
	if !ok {
		return at, false
	}
	s.statsLock.Lock()
	last := s.stats.Last.Start
	s.statsLock.Unlock()
	if earliest := last.Add(s.Settings().MinInterval); !last.IsZero() && at.Before(earliest) {
		at = earliest
	}
	return at, true
}

// proceed tells whether the walk should go on. It waits as long as the
// namespace is read-only.
func (s *Scanner) proceed(ctx context.Context) bool {
	for {
		if ctx.Err() != nil || !s.Settings().Enabled {
			return false
		}
		if !s.ns.ReadOnly() {
			return true
		}
		t := time.NewTimer(s.cfg.ReadOnlyPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// drainExpedited fixes queued files until the queue is empty, the giant
// lock is contended or the checker stops.
func (s *Scanner) drainExpedited(ctx context.Context) {
	for ctx.Err() == nil && s.Settings().Enabled && !s.ns.ReadOnly() {
		it, ok := s.expedited.pop()
		if !ok {
			return
		}
		res, err := s.fix(it)
		if err == core.ErrAgain {
			s.expedited.requeue(it)
			return
		}
		it.done()
		s.record(res)
		expeditedFixed.Inc()
	}
}

// retrier is the backoff used while the giant lock is contended.
func (s *Scanner) retrier(what string) retry.Retrier {
	warned := false
	return retry.Retrier{
		MinSleep: s.cfg.RetryMinSleep,
		MaxSleep: s.cfg.RetryMaxSleep,
		Factor:   2,
		OnSleep: func(next, total time.Duration) {
			if total > s.cfg.RetryWarnAfter && !warned {
				warned = true
				log.Warningf("replica check: %s waited %s for the namespace lock", what, total)
			}
		},
	}
}

// batchSize is BatchSize, or less if memory is short.
func (s *Scanner) batchSize() int {
	n := s.cfg.BatchSize
	if s.cfg.MinFreeMemory == 0 {
		return n
	}
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("replica check: failed to get memory info: %s", err)
		return n
	}
	if mem.ActualFree < s.cfg.MinFreeMemory {
		s.rlog.Warningf("lowmem", "replica check: only %d bytes of memory free, scanning in smaller batches", mem.ActualFree)
		if n /= 8; n < 1 {
			n = 1
		}
	}
	return n
}

// scan walks the namespace by ascending inode number and fixes every file
// with a replica policy. Files created or renamed during the walk may be
// missed or seen twice; the next scan catches up.
func (s *Scanner) scan(ctx context.Context) core.ScanStats {
	atomic.StoreInt32(&s.running, 1)
	defer atomic.StoreInt32(&s.running, 0)

	st := core.ScanStats{Start: s.getTime()}
	s.statsLock.Lock()
	s.stats.Last.Start = st.Start
	s.statsLock.Unlock()

	next := core.RootInode
walk:
	for s.proceed(ctx) {
		var b namespace.ScanBatch
		ok, _ := s.retrier("scan").Do(ctx, func(attempt int) bool {
			if attempt > 0 {
				s.drainExpedited(ctx)
			}
			var err core.Error
			b, err = s.ns.ScanFiles(next, s.batchSize())
			st.LockWait += b.LockWait
			if err == core.ErrAgain {
				lockRetries.Inc()
				return false
			}
			return true
		})
		if !ok {
			break
		}

		for i, f := range b.Files {
			if i > 0 && i%s.cfg.PollEvery == 0 && !s.proceed(ctx) {
				break walk
			}
			res, ok := s.fixRetry(ctx, Item{Inum: f.Inum, Gen: f.Gen, Spec: f.Spec})
			if !ok {
				break walk
			}
			s.record(res)
			st.Files++
			st.Created += res.created
			st.Removed += res.removed
			if res.skipped {
				st.Skipped++
			}
		}
		if b.Done {
			st.Complete = true
			break
		}
		next = b.Next
	}

	st.Elapsed = s.getTime().Sub(st.Start)
	s.finish(st)
	return st
}
