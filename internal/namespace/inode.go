// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package namespace

import (
	"sort"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/store"
)

type replicaState int

const (
	replicaValid replicaState = iota
	replicaCreating
)

type replica struct {
	gen   core.Gen
	state replicaState
}

// Inode is a file or a directory. All fields are protected by the giant lock.
type Inode struct {
	Inum   core.InodeID
	Parent core.InodeID
	Name   string
	IsDir  bool
	Gen    core.Gen
	Size   int64
	Atime  time.Time
	Spec   core.ReplicaSpec

	// Number of open write handles.
	writers int

	// Replicas of the current generation by host.
	replicas map[string]*replica

	// Hosts with a dead copy of the current generation that isn't removed yet.
	removing map[string]bool

	// Directories only.
	children map[string]core.InodeID
	dirset   *Dirset
}

func newInode(inum, parent core.InodeID, name string, isDir bool) *Inode {
	ino := &Inode{
		Inum:     inum,
		Parent:   parent,
		Name:     name,
		IsDir:    isDir,
		Spec:     core.NoSpec,
		replicas: make(map[string]*replica),
		removing: make(map[string]bool),
	}
	if isDir {
		ino.children = make(map[string]core.InodeID)
	}
	return ino
}

func (ino *Inode) record() store.InodeRecord {
	return store.InodeRecord{
		Inum:   ino.Inum,
		Parent: ino.Parent,
		Name:   ino.Name,
		IsDir:  ino.IsDir,
		Gen:    ino.Gen,
		Size:   ino.Size,
		Atime:  ino.Atime,
		Spec:   ino.Spec,
	}
}

// IsFile is true for regular files.
func (ino *Inode) IsFile() bool {
	return !ino.IsDir
}

// OpenForWrite is true while somebody has the file open for writing.
func (ino *Inode) OpenForWrite() bool {
	return ino.writers > 0
}

// ReplicaHostsValid lists the hosts holding a complete replica of the current
// generation, sorted.
func (ino *Inode) ReplicaHostsValid() []string {
	var out []string
	for h, r := range ino.replicas {
		if r.state == replicaValid && r.gen == ino.Gen {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// ReplicaHostset returns the hosts holding or receiving a replica of the
// current generation, and the hosts whose replica of it is being removed.
func (ino *Inode) ReplicaHostset() (existing, beingRemoved []string) {
	for h, r := range ino.replicas {
		if r.gen == ino.Gen {
			existing = append(existing, h)
		}
	}
	for h := range ino.removing {
		beingRemoved = append(beingRemoved, h)
	}
	sort.Strings(existing)
	sort.Strings(beingRemoved)
	return
}

func (ino *Inode) creating() bool {
	for _, r := range ino.replicas {
		if r.state == replicaCreating {
			return true
		}
	}
	return false
}
