// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
)

// InodeID identifies an inode in the namespace. Inode numbers are allocated in
// increasing order and never reused, so a walk by ascending InodeID visits
// older inodes before newer ones. Valid InodeIDs start from RootInode.
type InodeID uint64

// RootInode is the inode number of the root directory.
const RootInode = InodeID(2)

// IsValid returns true if 'i' could name an inode.
func (i InodeID) IsValid() bool {
	return i >= RootInode
}

func (i InodeID) String() string {
	return fmt.Sprintf("%d", uint64(i))
}

// Gen is a file's content generation. Writing a new generation obsoletes every
// replica of the older generations.
type Gen uint64

func (g Gen) String() string {
	return fmt.Sprintf("%d", uint64(g))
}

// FileVersion names a particular generation of a file.
type FileVersion struct {
	Inode InodeID
	Gen   Gen
}

func (v FileVersion) String() string {
	return fmt.Sprintf("%d:%d", v.Inode, v.Gen)
}

// DeadCopyKey identifies one obsolete replica: the generation 'Gen' of inode
// 'Inode' as stored on 'Host'. It never changes for the lifetime of a dead
// file copy.
type DeadCopyKey struct {
	Inode InodeID
	Gen   Gen
	Host  string
}

func (k DeadCopyKey) String() string {
	return fmt.Sprintf("%d:%d@%s", k.Inode, k.Gen, k.Host)
}
