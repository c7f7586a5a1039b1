// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// RPC method names. Storage nodes serve the Gfsd* methods, gfmd serves the
// rest.
const (
	GfsdRemoveReplicaMethod = "GfsdSrvHandler.RemoveReplica"
	GfsdReplicateMethod     = "GfsdSrvHandler.Replicate"

	HostHeartbeatMethod = "GfmdHostHandler.HostHeartbeat"

	ReplicaCheckCtlMethod = "GfmdCtlHandler.ReplicaCheckCtl"
	AddHostMethod         = "GfmdCtlHandler.AddHost"
	RemoveHostMethod      = "GfmdCtlHandler.RemoveHost"
	ListHostsMethod       = "GfmdCtlHandler.ListHosts"
	ListDeadCopiesMethod  = "GfmdCtlHandler.ListDeadCopies"
	StatsMethod           = "GfmdCtlHandler.Stats"
)

// HostLoad is what a storage node reports about itself in a heartbeat.
type HostLoad struct {
	DiskUsed  uint64  // Bytes used on the spool.
	DiskAvail uint64  // Bytes still available on the spool.
	LoadAvg   float64 // One minute load average.
}

// HostHeartbeatReq is sent periodically by every storage node.
type HostHeartbeatReq struct {
	Host string
	Addr string
	Load HostLoad
}

// HostHeartbeatReply is the reply to a HostHeartbeatReq.
type HostHeartbeatReply struct {
	Err Error
}

// RemoveReplicaReq asks a storage node to remove its copy of a file generation.
type RemoveReplicaReq struct {
	Host  string
	Inode InodeID
	Gen   Gen
}

// ReplicateReq asks a storage node to fetch a file generation from one of
// 'From' (addresses of hosts holding valid copies).
type ReplicateReq struct {
	Host  string
	Inode InodeID
	Gen   Gen
	From  []string
}

// ReplicaCheckOp is an administrative operation on the replica checker.
type ReplicaCheckOp int

// Operations accepted by ReplicaCheckCtl.
const (
	ReplicaCheckStatus ReplicaCheckOp = iota
	ReplicaCheckEnable
	ReplicaCheckDisable
	ReplicaCheckRemoveEnable
	ReplicaCheckRemoveDisable
	ReplicaCheckReducedLogEnable
	ReplicaCheckReducedLogDisable
)

// ReplicaCheckState is what ReplicaCheckCtl reports.
type ReplicaCheckState int

// Replica checker states: whether it's enabled, and whether a scan is in
// progress right now.
const (
	EnabledRunning ReplicaCheckState = iota
	EnabledStopped
	DisabledRunning
	DisabledStopped
)

var stateNames = map[ReplicaCheckState]string{
	EnabledRunning:  "enabled-running",
	EnabledStopped:  "enabled-stopped",
	DisabledRunning: "disabled-running",
	DisabledStopped: "disabled-stopped",
}

func (s ReplicaCheckState) String() string {
	return stateNames[s]
}

// ReplicaCheckCtlReq is an operator request to the replica checker.
type ReplicaCheckCtlReq struct {
	Op ReplicaCheckOp
}

// ReplicaCheckCtlReply carries the checker state after the request applied.
type ReplicaCheckCtlReply struct {
	State ReplicaCheckState
	Err   Error
}

// AddHostReq registers a storage node.
type AddHostReq struct {
	Name     string
	Addr     string
	Fsngroup string
}

// HostInfo describes a registered host for operators.
type HostInfo struct {
	Name      string
	Addr      string
	Fsngroup  string
	Status    string
	LastBeat  time.Time
	Load      HostLoad
	UsedRatio float64
}

// ListHostsReply is the reply to ListHosts.
type ListHostsReply struct {
	Hosts []HostInfo
	Err   Error
}

// DeadCopyInfo describes one dead file copy for operators.
type DeadCopyInfo struct {
	Key   DeadCopyKey
	State string
}

// ListDeadCopiesReq limits the listing to one host if Host is set.
type ListDeadCopiesReq struct {
	Host string
	Max  int
}

// ListDeadCopiesReply is the reply to ListDeadCopies.
type ListDeadCopiesReply struct {
	Copies []DeadCopyInfo
	Total  int
	Err    Error
}

// ScanStats summarizes one full replica check pass.
type ScanStats struct {
	Start    time.Time
	Elapsed  time.Duration
	LockWait time.Duration
	Files    int
	Created  int
	Removed  int
	Skipped  int
	Complete bool // False if the pass was stopped before the end.
}

// StatsReply is the reply to Stats.
type StatsReply struct {
	LastScan  ScanStats
	Scans     int
	Targets   int
	Expedited int
	DeadCopy  map[string]int // Dead file copy count by state.
	Err       Error
}
