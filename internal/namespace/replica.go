// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package namespace

import (
	"sort"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/hostmon"
)

// FileInfo is a snapshot of a file's replica state.
type FileInfo struct {
	Inum         core.InodeID
	Gen          core.Gen
	IsFile       bool
	Size         int64
	Atime        time.Time
	OpenForWrite bool

	// Hosts with a complete replica of Gen.
	Valid []string

	// Hosts with a complete replica of Gen or one being created.
	Existing []string

	// Hosts whose replica of Gen is a dead file copy awaiting removal.
	BeingRemoved []string
}

// FileInfo returns the replica state of 'inum'. It gives up with ErrAgain if
// the giant lock isn't available within the lock timeout.
func (ns *Namespace) FileInfo(inum core.InodeID) (FileInfo, core.Error) {
	if _, err := ns.giant.TryLockFor(ns.cfg.LockTimeout); err != core.NoError {
		return FileInfo{}, err
	}
	defer ns.Unlock()
	ino, ok := ns.inodes[inum]
	if !ok {
		return FileInfo{}, core.ErrNoSuchObject
	}
	fi := FileInfo{
		Inum:         inum,
		Gen:          ino.Gen,
		IsFile:       ino.IsFile(),
		Size:         ino.Size,
		Atime:        ino.Atime,
		OpenForWrite: ino.OpenForWrite(),
		Valid:        ino.ReplicaHostsValid(),
	}
	fi.Existing, fi.BeingRemoved = ino.ReplicaHostset()
	return fi, core.NoError
}

// FileEntry is a file found by ScanFiles, with its effective policy.
type FileEntry struct {
	Inum core.InodeID
	Gen  core.Gen
	Spec core.ReplicaSpec
}

// ScanBatch is one page of a namespace walk.
type ScanBatch struct {
	// Files with a replica policy.
	Files []FileEntry

	// Inodes looked at, including directories and files without a policy.
	Visited int

	// Where the next batch starts.
	Next core.InodeID

	// True if the walk reached the end of the namespace.
	Done bool

	// Time spent waiting for the giant lock.
	LockWait time.Duration
}

// ScanFiles looks at up to 'max' inodes with numbers from 'from' up, under
// one acquisition of the giant lock.
func (ns *Namespace) ScanFiles(from core.InodeID, max int) (ScanBatch, core.Error) {
	var b ScanBatch
	wait, err := ns.giant.TryLockFor(ns.cfg.LockTimeout)
	b.LockWait = wait
	if err != core.NoError {
		return b, err
	}
	defer ns.Unlock()

	i := sort.Search(len(ns.order), func(i int) bool { return ns.order[i] >= from })
	for ; i < len(ns.order) && b.Visited < max; i++ {
		b.Visited++
		ino := ns.inodes[ns.order[i]]
		if ino.IsDir {
			continue
		}
		if spec := ns.ResolveSpecLocked(ino); spec.IsSet() {
			b.Files = append(b.Files, FileEntry{Inum: ino.Inum, Gen: ino.Gen, Spec: spec})
		}
	}
	if i < len(ns.order) {
		b.Next = ns.order[i]
	} else {
		b.Done = true
	}
	return b, core.NoError
}

// candidate is a possible replication target.
type candidate struct {
	host  string
	avail uint64
}

// CountedReplicas returns the hosts whose replica counts toward a file's
// policy: those in 'existing' that are up or have been down for less than
// 'downThresh', and all of 'beingRemoved'.
func CountedReplicas(hosts hostmon.View, existing, beingRemoved []string, now time.Time, downThresh time.Duration) map[string]bool {
	counted := make(map[string]bool)
	for _, h := range existing {
		if hosts.IsUp(h) {
			counted[h] = true
		} else if hosts.IsValid(h) && now.Sub(hosts.DownSince(h)) < downThresh {
			counted[h] = true
		}
	}
	for _, h := range beingRemoved {
		counted[h] = true
	}
	return counted
}

// ScheduleReplication starts creating the replicas 'inum' is short of,
// copying generation 'gen' from 'srcs'. 'existing' and 'beingRemoved' are the
// hosts already holding or receiving a copy and those whose copy is being
// removed; none of them is chosen as a target. A replica on a host that has
// been down for less than 'downThresh' still counts as existing.
//
// It returns how many replications were started. It returns ErrAllocHost if
// fewer targets than needed could be found.
func (ns *Namespace) ScheduleReplication(inum core.InodeID, gen core.Gen, spec core.ReplicaSpec,
	srcs, existing, beingRemoved []string, downThresh time.Duration) (int, core.Error) {
	if ns.ReadOnly() {
		return 0, core.ErrReadOnlyMode
	}
	now := ns.getTime()
	counted := CountedReplicas(ns.hosts, existing, beingRemoved, now, downThresh)
	exclude := make(map[string]bool)
	for _, h := range existing {
		exclude[h] = true
	}
	for _, h := range beingRemoved {
		exclude[h] = true
	}

	var cands []candidate
	for _, h := range ns.hosts.UpHosts() {
		if !exclude[h] && !ns.hosts.IsBusy(h, now) {
			cands = append(cands, candidate{h, ns.hosts.DiskAvail(h)})
		}
	}
	// Most free space first.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].avail != cands[j].avail {
			return cands[i].avail > cands[j].avail
		}
		return cands[i].host < cands[j].host
	})

	var targets []string
	short := 0
	pick := func(need int, group string, anyGroup bool) {
		for i := 0; i < len(cands) && need > 0; i++ {
			c := &cands[i]
			if c.host == "" || !anyGroup && ns.hosts.Fsngroup(c.host) != group {
				continue
			}
			targets = append(targets, c.host)
			c.host = ""
			need--
		}
		short += need
	}
	if groups := spec.Groups(); groups != nil {
		for _, g := range groups {
			have := 0
			for h := range counted {
				if ns.hosts.Fsngroup(h) == g.Group {
					have++
				}
			}
			if g.Count > have {
				pick(g.Count-have, g.Group, false)
			}
		}
	} else if need := spec.Total() - len(counted); need > 0 {
		pick(need, "", true)
	}
	if len(targets) == 0 {
		if short > 0 {
			return 0, core.ErrAllocHost
		}
		return 0, core.NoError
	}

	if _, err := ns.giant.TryLockFor(ns.cfg.LockTimeout); err != core.NoError {
		return 0, err
	}
	ino, ok := ns.inodes[inum]
	switch {
	case !ok || ino.IsDir:
		ns.Unlock()
		return 0, core.ErrNoSuchObject
	case ino.Gen != gen:
		ns.Unlock()
		return 0, core.ErrStaleGeneration
	case ino.OpenForWrite():
		ns.Unlock()
		return 0, core.ErrFileBusy
	}
	started := targets[:0]
	for _, h := range targets {
		if _, ok := ino.replicas[h]; ok || ino.removing[h] {
			continue
		}
		ino.replicas[h] = &replica{gen: gen, state: replicaCreating}
		started = append(started, h)
	}
	ns.Unlock()

	for _, h := range started {
		log.V(1).Infof("replicating %s:%s to %s", inum, gen, h)
		ns.replicating.Add(1)
		go ns.replicate(inum, gen, h, srcs)
	}
	if short > 0 {
		return len(started), core.ErrAllocHost
	}
	return len(started), core.NoError
}

func (ns *Namespace) replicate(inum core.InodeID, gen core.Gen, host string, srcs []string) {
	defer ns.replicating.Done()
	err := ns.bc.Replicate(host, inum, gen, srcs)
	ns.replicationDone(inum, gen, host, err)
}

// replicationDone is called when a replication started by
// ScheduleReplication completed or failed.
func (ns *Namespace) replicationDone(inum core.InodeID, gen core.Gen, host string, err core.Error) {
	p := &pending{}
	ns.Lock()
	ino, ok := ns.inodes[inum]
	var r *replica
	if ok {
		r = ino.replicas[host]
	}
	switch {
	case r != nil && ino.Gen == gen && r.gen == gen && r.state == replicaCreating:
		if err == core.NoError {
			r.state = replicaValid
			p.copyAdds = append(p.copyAdds, fileCopy{inum, host, gen})
		} else {
			delete(ino.replicas, host)
			log.Warningf("replication of %s:%s to %s failed: %s", inum, gen, host, err)
		}
	case err == core.NoError:
		// The file changed while copying, so the new copy is already dead.
		p.dead = append(p.dead, core.DeadCopyKey{Inode: inum, Gen: gen, Host: host})
	}
	ns.Unlock()
	ns.apply(p)
}

// WaitReplications waits for every replication started so far to complete.
func (ns *Namespace) WaitReplications() {
	ns.replicating.Wait()
}

// RemoveReplicaProtected turns the replica of 'inum' on 'host' into a dead
// file copy, unless that would leave fewer valid replicas than 'spec' asks
// for, or none at all (ErrInsufficientReplicas), or the file is being written
// or replicated (ErrFileBusy).
func (ns *Namespace) RemoveReplicaProtected(inum core.InodeID, gen core.Gen, host string, spec core.ReplicaSpec) core.Error {
	if ns.ReadOnly() {
		return core.ErrReadOnlyMode
	}
	if _, err := ns.giant.TryLockFor(ns.cfg.LockTimeout); err != core.NoError {
		return err
	}
	p := &pending{}
	err := ns.removeReplicaLocked(inum, gen, host, spec, p)
	ns.Unlock()
	if err == core.NoError {
		ns.apply(p)
		log.Infof("removing surplus replica %s:%s@%s", inum, gen, host)
	}
	return err
}

func (ns *Namespace) removeReplicaLocked(inum core.InodeID, gen core.Gen, host string, spec core.ReplicaSpec, p *pending) core.Error {
	ino, ok := ns.inodes[inum]
	if !ok || ino.IsDir {
		return core.ErrNoSuchObject
	}
	if ino.Gen != gen {
		return core.ErrStaleGeneration
	}
	r := ino.replicas[host]
	if r == nil || r.state != replicaValid {
		return core.ErrNoSuchObject
	}
	if ino.OpenForWrite() || ino.creating() {
		return core.ErrFileBusy
	}

	need := spec.Total()
	if need < 1 {
		need = 1
	}
	var others, othersUp int
	for _, h := range ino.ReplicaHostsValid() {
		if h == host {
			continue
		}
		others++
		if ns.hosts.IsUp(h) {
			othersUp++
		}
	}
	if others < need || othersUp == 0 {
		return core.ErrInsufficientReplicas
	}
	group := ns.hosts.Fsngroup(host)
	for _, g := range spec.Groups() {
		if g.Group != group {
			continue
		}
		inGroup := 0
		for _, h := range ino.ReplicaHostsValid() {
			if h != host && ns.hosts.Fsngroup(h) == group {
				inGroup++
			}
		}
		if inGroup < g.Count {
			return core.ErrInsufficientReplicas
		}
	}

	delete(ino.replicas, host)
	ino.removing[host] = true
	p.copyRemoves = append(p.copyRemoves, fileCopy{inum, host, gen})
	p.dead = append(p.dead, core.DeadCopyKey{Inode: inum, Gen: gen, Host: host})
	return core.NoError
}

// IsRemovable is the default dead file copy removal policy: a dead copy may
// be removed if its file is gone or empty, or if some other host that is up
// holds a valid replica of the current generation. It never allows removing
// the only copy of a file's data.
func (ns *Namespace) IsRemovable(k core.DeadCopyKey) bool {
	ns.Lock()
	defer ns.Unlock()
	ino, ok := ns.inodes[k.Inode]
	if !ok || ino.IsDir || ino.Size == 0 {
		return true
	}
	for _, h := range ino.ReplicaHostsValid() {
		if h != k.Host && ns.hosts.IsUp(h) {
			return true
		}
	}
	return false
}

// NoteDeadCopyLocked records a dead file copy loaded at startup.
func (ns *Namespace) NoteDeadCopyLocked(k core.DeadCopyKey) {
	if ino, ok := ns.inodes[k.Inode]; ok && ino.Gen == k.Gen && ino.replicas[k.Host] == nil {
		ino.removing[k.Host] = true
	}
}

// ForgetDeadCopyLocked is called when a dead file copy is freed.
func (ns *Namespace) ForgetDeadCopyLocked(k core.DeadCopyKey) {
	if ino, ok := ns.inodes[k.Inode]; ok && ino.Gen == k.Gen {
		delete(ino.removing, k.Host)
	}
}
