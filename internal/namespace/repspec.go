// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package namespace

import (
	"github.com/westerndigitalcorporation/gfmd/internal/core"
)

// SearchInheritedReplicaSpecLocked returns the policy 'ino' inherits from its
// nearest ancestor directory that sets one, or core.NoSpec.
func (ns *Namespace) SearchInheritedReplicaSpecLocked(ino *Inode) core.ReplicaSpec {
	for ino.Inum != core.RootInode {
		p, ok := ns.inodes[ino.Parent]
		if !ok {
			break
		}
		if p.Spec.IsSet() {
			return p.Spec
		}
		ino = p
	}
	return core.NoSpec
}

// ResolveSpecLocked returns the policy in effect for 'ino': its own if set,
// otherwise the inherited one.
func (ns *Namespace) ResolveSpecLocked(ino *Inode) core.ReplicaSpec {
	if ino.Spec.IsSet() {
		return ino.Spec
	}
	return ns.SearchInheritedReplicaSpecLocked(ino)
}

// ResolveSpec is ResolveSpecLocked for an inode number.
func (ns *Namespace) ResolveSpec(inum core.InodeID) (core.ReplicaSpec, core.Error) {
	ns.Lock()
	defer ns.Unlock()
	ino, ok := ns.inodes[inum]
	if !ok {
		return core.NoSpec, core.ErrNoSuchObject
	}
	return ns.ResolveSpecLocked(ino), core.NoError
}
