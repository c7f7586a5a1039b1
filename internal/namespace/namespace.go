// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package namespace holds the inode tree and the replica catalog of gfmd.
// Everything in it is protected by the GiantLock. Exported methods take the
// lock themselves; methods with a Locked suffix expect the caller to hold it.
// Database writes and host RPCs always happen after the lock is released.
package namespace

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/hostmon"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
)

// Config holds the namespace parameters.
type Config struct {
	// How long background work waits for the giant lock before giving up
	// with ErrAgain.
	LockTimeout time.Duration
}

// InodeStore persists inodes and valid replicas.
type InodeStore interface {
	InodePut(store.InodeRecord) error
	InodeRemove(core.InodeID) error
	FileCopyAdd(inum core.InodeID, host string, gen core.Gen) error
	FileCopyRemove(inum core.InodeID, host string) error
}

// Backchannel asks storage hosts to copy replicas. Replicate returns when the
// copy is complete or has failed.
type Backchannel interface {
	Replicate(host string, inum core.InodeID, gen core.Gen, srcs []string) core.Error
}

// FileChange describes a file whose replica policy changed.
type FileChange struct {
	Inum   core.InodeID
	Gen    core.Gen
	Spec   core.ReplicaSpec
	Dirset *Dirset
}

// ChangeListener is told about replica policy changes, after the giant lock
// is released.
type ChangeListener interface {
	// FileSpecChanged is called when the effective policy of one file may
	// have changed.
	FileSpecChanged(FileChange)

	// TreeSpecChanged is called when the policy of everything under a
	// directory may have changed.
	TreeSpecChanged(dir core.InodeID)
}

// Namespace is the inode table and replica catalog.
type Namespace struct {
	giant *GiantLock
	cfg   Config

	inodes   map[core.InodeID]*Inode
	order    []core.InodeID // Sorted inode numbers.
	nextInum core.InodeID

	readOnly int32 // atomic

	hosts    hostmon.View
	bc       Backchannel
	st       InodeStore
	onDead   func(core.DeadCopyKey)
	listener ChangeListener

	// Outstanding replications.
	replicating sync.WaitGroup

	getTime func() time.Time
}

// New creates a namespace holding only the root directory.
func New(cfg Config, st InodeStore, hosts hostmon.View, bc Backchannel, getTime func() time.Time) *Namespace {
	ns := &Namespace{
		giant:    NewGiantLock(),
		cfg:      cfg,
		inodes:   make(map[core.InodeID]*Inode),
		nextInum: core.RootInode + 1,
		hosts:    hosts,
		bc:       bc,
		st:       st,
		onDead:   func(core.DeadCopyKey) {},
		getTime:  getTime,
	}
	ns.insertLocked(newInode(core.RootInode, core.RootInode, "", true))
	return ns
}

// SetDeadCopyHook sets the function called for every replica that becomes
// obsolete. It's called without the giant lock.
func (ns *Namespace) SetDeadCopyHook(f func(core.DeadCopyKey)) {
	ns.onDead = f
}

// SetChangeListener sets the listener for policy changes.
func (ns *Namespace) SetChangeListener(l ChangeListener) {
	ns.listener = l
}

// Giant returns the giant lock.
func (ns *Namespace) Giant() *GiantLock {
	return ns.giant
}

// Lock takes the giant lock.
func (ns *Namespace) Lock() {
	ns.giant.Lock()
}

// Unlock releases the giant lock.
func (ns *Namespace) Unlock() {
	ns.giant.Unlock()
}

// ReadOnly tells whether mutation is paused.
func (ns *Namespace) ReadOnly() bool {
	return atomic.LoadInt32(&ns.readOnly) != 0
}

// SetReadOnly pauses or resumes mutation.
func (ns *Namespace) SetReadOnly(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&ns.readOnly, v)
}

// fileCopy is a replica record to persist.
type fileCopy struct {
	inum core.InodeID
	host string
	gen  core.Gen
}

// pending collects database writes and dead copies produced under the giant
// lock, to be applied once it's released.
type pending struct {
	puts        []store.InodeRecord
	removes     []core.InodeID
	copyAdds    []fileCopy
	copyRemoves []fileCopy
	dead        []core.DeadCopyKey
}

// apply runs the deferred work. The giant lock must not be held.
func (ns *Namespace) apply(p *pending) {
	for _, r := range p.puts {
		if err := ns.st.InodePut(r); err != nil {
			log.Errorf("failed to persist inode %s: %s", r.Inum, err)
		}
	}
	for _, inum := range p.removes {
		if err := ns.st.InodeRemove(inum); err != nil {
			log.Errorf("failed to remove inode %s from db: %s", inum, err)
		}
	}
	// Dead copies are recorded before their file copies are forgotten, so a
	// crash in between can't leak a replica.
	for _, k := range p.dead {
		ns.onDead(k)
	}
	for _, c := range p.copyRemoves {
		if err := ns.st.FileCopyRemove(c.inum, c.host); err != nil {
			log.Errorf("failed to remove file copy %s@%s from db: %s", c.inum, c.host, err)
		}
	}
	for _, c := range p.copyAdds {
		if err := ns.st.FileCopyAdd(c.inum, c.host, c.gen); err != nil {
			log.Errorf("failed to persist file copy %s:%s@%s: %s", c.inum, c.gen, c.host, err)
		}
	}
}

func (ns *Namespace) insertLocked(ino *Inode) {
	if _, ok := ns.inodes[ino.Inum]; !ok {
		i := sort.Search(len(ns.order), func(i int) bool { return ns.order[i] >= ino.Inum })
		ns.order = append(ns.order, 0)
		copy(ns.order[i+1:], ns.order[i:])
		ns.order[i] = ino.Inum
	}
	ns.inodes[ino.Inum] = ino
	if ino.Inum >= ns.nextInum {
		ns.nextInum = ino.Inum + 1
	}
}

func (ns *Namespace) deleteLocked(inum core.InodeID) {
	delete(ns.inodes, inum)
	i := sort.Search(len(ns.order), func(i int) bool { return ns.order[i] >= inum })
	if i < len(ns.order) && ns.order[i] == inum {
		ns.order = append(ns.order[:i], ns.order[i+1:]...)
	}
}

// Restore adds an inode loaded from the database. Parents must be restored
// before their children, which ascending inode order guarantees.
func (ns *Namespace) Restore(rec store.InodeRecord) {
	ns.Lock()
	defer ns.Unlock()
	ino := newInode(rec.Inum, rec.Parent, rec.Name, rec.IsDir)
	ino.Gen, ino.Size, ino.Atime, ino.Spec = rec.Gen, rec.Size, rec.Atime, rec.Spec
	if old, ok := ns.inodes[rec.Inum]; ok && old.IsDir {
		ino.children, ino.dirset = old.children, old.dirset
	}
	ns.insertLocked(ino)
	if rec.Inum != core.RootInode {
		if p, ok := ns.inodes[rec.Parent]; ok && p.IsDir {
			p.children[rec.Name] = rec.Inum
		} else {
			log.Errorf("inode %s has no parent directory %s", rec.Inum, rec.Parent)
		}
	}
}

// RestoreReplica adds a replica loaded from the database. A replica of an
// older generation, or of a file that's gone, becomes a dead file copy. A
// replica already loaded as a dead file copy stays one. Dead file copies
// must be loaded first, and the dead copy hook set.
func (ns *Namespace) RestoreReplica(inum core.InodeID, host string, gen core.Gen) {
	p := &pending{}
	ns.Lock()
	ino, ok := ns.inodes[inum]
	switch {
	case !ok || ino.IsDir || gen != ino.Gen:
		p.copyRemoves = append(p.copyRemoves, fileCopy{inum, host, gen})
		p.dead = append(p.dead, core.DeadCopyKey{Inode: inum, Gen: gen, Host: host})
	case ino.removing[host]:
		// Removal was under way when gfmd stopped.
		p.copyRemoves = append(p.copyRemoves, fileCopy{inum, host, gen})
	default:
		ino.replicas[host] = &replica{gen: gen, state: replicaValid}
	}
	ns.Unlock()
	ns.apply(p)
}

func (ns *Namespace) dirLocked(inum core.InodeID) (*Inode, core.Error) {
	d, ok := ns.inodes[inum]
	if !ok {
		return nil, core.ErrNoSuchObject
	}
	if !d.IsDir {
		return nil, core.ErrNotDirectory
	}
	return d, core.NoError
}

func (ns *Namespace) create(parent core.InodeID, name string, isDir bool) (core.InodeID, core.Error) {
	if name == "" {
		return 0, core.ErrInvalidArgument
	}
	if ns.ReadOnly() {
		return 0, core.ErrReadOnlyMode
	}
	ns.Lock()
	d, err := ns.dirLocked(parent)
	if err != core.NoError {
		ns.Unlock()
		return 0, err
	}
	if _, ok := d.children[name]; ok {
		ns.Unlock()
		return 0, core.ErrInvalidArgument
	}
	ino := newInode(ns.nextInum, parent, name, isDir)
	if !isDir {
		ino.Gen = 1
		ino.Atime = ns.getTime()
	}
	ns.insertLocked(ino)
	d.children[name] = ino.Inum
	p := &pending{puts: []store.InodeRecord{ino.record()}}
	ns.Unlock()

	ns.apply(p)
	return ino.Inum, core.NoError
}

// Mkdir creates a directory.
func (ns *Namespace) Mkdir(parent core.InodeID, name string) (core.InodeID, core.Error) {
	return ns.create(parent, name, true)
}

// Create creates an empty file.
func (ns *Namespace) Create(parent core.InodeID, name string) (core.InodeID, core.Error) {
	return ns.create(parent, name, false)
}

// Lookup finds 'name' in directory 'parent'.
func (ns *Namespace) Lookup(parent core.InodeID, name string) (core.InodeID, core.Error) {
	ns.Lock()
	defer ns.Unlock()
	d, err := ns.dirLocked(parent)
	if err != core.NoError {
		return 0, err
	}
	inum, ok := d.children[name]
	if !ok {
		return 0, core.ErrNoSuchObject
	}
	return inum, core.NoError
}

// obsoleteLocked turns every replica of 'ino' into a dead file copy.
func (ns *Namespace) obsoleteLocked(ino *Inode, p *pending) {
	for h, r := range ino.replicas {
		if r.state == replicaValid {
			p.copyRemoves = append(p.copyRemoves, fileCopy{ino.Inum, h, r.gen})
		}
		// A replica still being created may exist on the host in part.
		p.dead = append(p.dead, core.DeadCopyKey{Inode: ino.Inum, Gen: r.gen, Host: h})
	}
	ino.replicas = make(map[string]*replica)
	ino.removing = make(map[string]bool)
}

// Unlink removes a file or an empty directory. Replicas of a removed file
// become dead file copies.
func (ns *Namespace) Unlink(parent core.InodeID, name string) core.Error {
	if ns.ReadOnly() {
		return core.ErrReadOnlyMode
	}
	p := &pending{}
	ns.Lock()
	d, err := ns.dirLocked(parent)
	if err != core.NoError {
		ns.Unlock()
		return err
	}
	inum, ok := d.children[name]
	if !ok {
		ns.Unlock()
		return core.ErrNoSuchObject
	}
	ino := ns.inodes[inum]
	if ino.IsDir && len(ino.children) > 0 {
		ns.Unlock()
		return core.ErrInvalidArgument
	}
	if ino.OpenForWrite() {
		ns.Unlock()
		return core.ErrFileBusy
	}
	ns.obsoleteLocked(ino, p)
	delete(d.children, name)
	ns.deleteLocked(inum)
	p.removes = append(p.removes, inum)
	ns.Unlock()

	ns.apply(p)
	return core.NoError
}

// Rename moves an inode to another name or directory.
func (ns *Namespace) Rename(parent core.InodeID, name string, newParent core.InodeID, newName string) core.Error {
	if newName == "" {
		return core.ErrInvalidArgument
	}
	if ns.ReadOnly() {
		return core.ErrReadOnlyMode
	}
	ns.Lock()
	d, err := ns.dirLocked(parent)
	if err != core.NoError {
		ns.Unlock()
		return err
	}
	nd, err := ns.dirLocked(newParent)
	if err != core.NoError {
		ns.Unlock()
		return err
	}
	inum, ok := d.children[name]
	if !ok {
		ns.Unlock()
		return core.ErrNoSuchObject
	}
	if _, ok := nd.children[newName]; ok {
		ns.Unlock()
		return core.ErrInvalidArgument
	}
	ino := ns.inodes[inum]
	for a := nd; ino.IsDir; a = ns.inodes[a.Parent] {
		if a.Inum == inum {
			// Moving a directory under itself.
			ns.Unlock()
			return core.ErrInvalidArgument
		}
		if a.Inum == core.RootInode {
			break
		}
	}
	delete(d.children, name)
	nd.children[newName] = inum
	ino.Parent, ino.Name = newParent, newName
	p := &pending{puts: []store.InodeRecord{ino.record()}}
	notify := ns.changeLocked(ino)
	ns.Unlock()

	ns.apply(p)
	notify()
	return core.NoError
}

// changeLocked prepares the policy change notification for 'ino'.
func (ns *Namespace) changeLocked(ino *Inode) func() {
	l := ns.listener
	if l == nil {
		return func() {}
	}
	if ino.IsDir {
		inum := ino.Inum
		return func() { l.TreeSpecChanged(inum) }
	}
	c := FileChange{Inum: ino.Inum, Gen: ino.Gen, Spec: ns.ResolveSpecLocked(ino), Dirset: ns.dirsetLocked(ino)}
	c.Dirset.Ref()
	return func() { l.FileSpecChanged(c) }
}

// SetReplicaSpec sets the replica policy of a file or the default policy of a
// directory. core.NoSpec clears it.
func (ns *Namespace) SetReplicaSpec(inum core.InodeID, spec core.ReplicaSpec) core.Error {
	if err := spec.Validate(); err != core.NoError {
		return err
	}
	if ns.ReadOnly() {
		return core.ErrReadOnlyMode
	}
	ns.Lock()
	ino, ok := ns.inodes[inum]
	if !ok {
		ns.Unlock()
		return core.ErrNoSuchObject
	}
	ino.Spec = spec
	p := &pending{puts: []store.InodeRecord{ino.record()}}
	notify := ns.changeLocked(ino)
	ns.Unlock()

	ns.apply(p)
	notify()
	log.Infof("replica spec of %s set to %s", inum, spec)
	return core.NoError
}

// SetDirset attaches a dirset named 'name' to directory 'inum'.
func (ns *Namespace) SetDirset(inum core.InodeID, name string) (*Dirset, core.Error) {
	ns.Lock()
	defer ns.Unlock()
	d, err := ns.dirLocked(inum)
	if err != core.NoError {
		return nil, err
	}
	if d.dirset == nil || d.dirset.Name != name {
		d.dirset = &Dirset{Name: name}
	}
	return d.dirset, core.NoError
}

// dirsetLocked finds the dirset governing 'ino'.
func (ns *Namespace) dirsetLocked(ino *Inode) *Dirset {
	for {
		if ino.IsDir && ino.dirset != nil {
			return ino.dirset
		}
		if ino.Inum == core.RootInode {
			return nil
		}
		p, ok := ns.inodes[ino.Parent]
		if !ok {
			return nil
		}
		ino = p
	}
}

// OpenWrite opens a file for writing.
func (ns *Namespace) OpenWrite(inum core.InodeID) core.Error {
	if ns.ReadOnly() {
		return core.ErrReadOnlyMode
	}
	ns.Lock()
	defer ns.Unlock()
	ino, ok := ns.inodes[inum]
	if !ok {
		return core.ErrNoSuchObject
	}
	if ino.IsDir {
		return core.ErrInvalidArgument
	}
	ino.writers++
	return core.NoError
}

// CloseWrite closes a write handle. If 'host' is set, the file was written
// there: a new generation of 'size' bytes starts with its only replica on
// 'host', and the replicas of the old generation become dead file copies.
func (ns *Namespace) CloseWrite(inum core.InodeID, host string, size int64) core.Error {
	p := &pending{}
	ns.Lock()
	ino, ok := ns.inodes[inum]
	if !ok {
		ns.Unlock()
		return core.ErrNoSuchObject
	}
	if ino.writers == 0 {
		ns.Unlock()
		return core.ErrInvalidArgument
	}
	ino.writers--
	if host != "" {
		ns.obsoleteLocked(ino, p)
		ino.Gen++
		ino.Size = size
		ino.Atime = ns.getTime()
		ino.replicas[host] = &replica{gen: ino.Gen, state: replicaValid}
		p.copyAdds = append(p.copyAdds, fileCopy{inum, host, ino.Gen})
		p.puts = append(p.puts, ino.record())
	}
	ns.Unlock()

	ns.apply(p)
	return core.NoError
}

// Touch sets the access time of a file.
func (ns *Namespace) Touch(inum core.InodeID, atime time.Time) core.Error {
	ns.Lock()
	ino, ok := ns.inodes[inum]
	if !ok {
		ns.Unlock()
		return core.ErrNoSuchObject
	}
	ino.Atime = atime
	p := &pending{puts: []store.InodeRecord{ino.record()}}
	ns.Unlock()
	ns.apply(p)
	return core.NoError
}

// AddReplica records a complete replica of the current generation of 'inum'
// on 'host', for example one found by a host after a crash.
func (ns *Namespace) AddReplica(inum core.InodeID, host string) core.Error {
	if !ns.hosts.IsValid(host) {
		return core.ErrNoSuchHost
	}
	ns.Lock()
	ino, ok := ns.inodes[inum]
	if !ok || ino.IsDir {
		ns.Unlock()
		return core.ErrNoSuchObject
	}
	if ino.removing[host] {
		ns.Unlock()
		return core.ErrFileBusy
	}
	ino.replicas[host] = &replica{gen: ino.Gen, state: replicaValid}
	p := &pending{copyAdds: []fileCopy{{inum, host, ino.Gen}}}
	ns.Unlock()
	ns.apply(p)
	return core.NoError
}

// HostRemoved forgets every replica on a host that was unregistered.
func (ns *Namespace) HostRemoved(host string) {
	p := &pending{}
	ns.Lock()
	for _, ino := range ns.inodes {
		if r, ok := ino.replicas[host]; ok {
			p.copyRemoves = append(p.copyRemoves, fileCopy{ino.Inum, host, r.gen})
			delete(ino.replicas, host)
		}
		delete(ino.removing, host)
	}
	ns.Unlock()
	ns.apply(p)
	if len(p.copyRemoves) > 0 {
		log.Warningf("host %s removed, %d replicas lost", host, len(p.copyRemoves))
	}
}

// NumInodes returns the number of inodes.
func (ns *Namespace) NumInodes() int {
	ns.Lock()
	defer ns.Unlock()
	return len(ns.inodes)
}
