// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gfmd

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/gfmd/internal/deadcopy"
	"github.com/westerndigitalcorporation/gfmd/internal/hostmon"
	"github.com/westerndigitalcorporation/gfmd/internal/namespace"
	"github.com/westerndigitalcorporation/gfmd/internal/replcheck"
)

// Config encapsulates parameters for gfmd.
type Config struct {
	Addr       string // Address for RPCs and the status page.
	DBPath     string // Path of the metadata database.
	UseFailure bool   // Whether to enable the failure service.

	// --- Host Monitor ---
	// A host that hasn't beaten for HostUnhealthy gets no new replicas. After
	// HostDown it's down, and its pending dead copy removals are deferred.
	HostUnhealthy       time.Duration
	HostDown            time.Duration
	HostRefreshInterval time.Duration

	BusyLoadAvg float64       // Hosts above this load average get no removal requests.
	BusyBackoff time.Duration // How long a host answering "too busy" is left alone.

	HostDialTimeout time.Duration
	HostRPCTimeout  time.Duration
	MaxHostConns    int // Connections to storage hosts kept open.

	// --- Namespace ---
	// Background work gives up on the giant lock after this long.
	LockTimeout time.Duration

	// --- Dead File Copies ---
	BusyScanInterval   time.Duration // How often deferred-for-busy removals are retried.
	MaxRemovesInFlight int           // Concurrent removal requests.

	// --- Replica Check ---
	ReplicaCheck       bool // Run the replica checker at all.
	ReplicaCheckRemove bool // Remove surplus replicas.

	ScanBatchSize    int
	ScanPollEvery    int
	ScanInterval     time.Duration // Periodic full scan, zero for none.
	ReadOnlyPoll     time.Duration
	MaxScanTargets   int
	LockRetryMin     time.Duration
	LockRetryMax     time.Duration
	LockRetryWarn    time.Duration
	FsngroupDebounce time.Duration
	MinFreeMemory    uint64 // Scan in smaller batches below this much free memory.

	GraceUsedRatio float64
	GraceTime      time.Duration
	HostDownThresh time.Duration
	MinInterval    time.Duration

	// --- Logging ---
	ReducedLog         bool
	ReducedLogInterval time.Duration
	ReducedLogKeys     int
	ReducedLogRate     float32 // Messages per second while reduced logging is on.

	// Host events waiting to be handled.
	EventQueue int
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("address of gfmd can not be empty")
	case c.DBPath == "":
		return fmt.Errorf("database path can not be empty")
	case c.HostUnhealthy <= 0 || c.HostDown < c.HostUnhealthy:
		return fmt.Errorf("host down time %s must be at least unhealthy time %s", c.HostDown, c.HostUnhealthy)
	case c.GraceUsedRatio < 0 || c.GraceUsedRatio > 1:
		return fmt.Errorf("grace used ratio %v not in [0, 1]", c.GraceUsedRatio)
	case c.ScanBatchSize <= 0 || c.MaxScanTargets <= 0 || c.MaxRemovesInFlight <= 0:
		return fmt.Errorf("batch size, target count and removals in flight must be positive")
	case c.LockTimeout <= 0:
		return fmt.Errorf("lock timeout must be positive")
	case c.HostRefreshInterval <= 0 || c.BusyScanInterval <= 0 || c.ReadOnlyPoll <= 0:
		return fmt.Errorf("host refresh, busy scan and read-only poll intervals must be positive")
	case c.LockRetryMin <= 0 || c.LockRetryMax < c.LockRetryMin:
		return fmt.Errorf("lock retry sleep %s..%s must be positive and ordered", c.LockRetryMin, c.LockRetryMax)
	case c.ScanInterval < 0:
		return fmt.Errorf("scan interval can not be negative")
	case c.MaxHostConns <= 0:
		return fmt.Errorf("host connection count must be positive")
	}
	return nil
}

func (c *Config) hostmonConfig() hostmon.Config {
	return hostmon.Config{
		HostUnhealthy:   c.HostUnhealthy,
		HostDown:        c.HostDown,
		RefreshInterval: c.HostRefreshInterval,
		BusyLoadAvg:     c.BusyLoadAvg,
		BusyBackoff:     c.BusyBackoff,
		RPCTimeout:      c.HostRPCTimeout,
	}
}

func (c *Config) namespaceConfig() namespace.Config {
	return namespace.Config{LockTimeout: c.LockTimeout}
}

func (c *Config) deadcopyConfig() deadcopy.Config {
	return deadcopy.Config{
		BusyScanInterval: c.BusyScanInterval,
		MaxInFlight:      c.MaxRemovesInFlight,
	}
}

func (c *Config) replcheckConfig() replcheck.Config {
	return replcheck.Config{
		BatchSize:        c.ScanBatchSize,
		PollEvery:        c.ScanPollEvery,
		ScanInterval:     c.ScanInterval,
		ReadOnlyPoll:     c.ReadOnlyPoll,
		MaxTargets:       c.MaxScanTargets,
		RetryMinSleep:    c.LockRetryMin,
		RetryMaxSleep:    c.LockRetryMax,
		RetryWarnAfter:   c.LockRetryWarn,
		FsngroupDebounce: c.FsngroupDebounce,
		MinFreeMemory:    c.MinFreeMemory,
		Settings: replcheck.Settings{
			Enabled:        c.ReplicaCheck,
			RemoveEnabled:  c.ReplicaCheckRemove,
			ReducedLog:     c.ReducedLog,
			GraceUsedRatio: c.GraceUsedRatio,
			GraceTime:      c.GraceTime,
			HostDownThresh: c.HostDownThresh,
			MinInterval:    c.MinInterval,
		},
	}
}

// DefaultProdConfig specifies the default values for Config that is used for
// production environment.
var DefaultProdConfig = Config{
	Addr:       ":601",
	DBPath:     "/var/gfarm-metadata/gfmd.db",
	UseFailure: false,

	// --- Host Monitor ---
	HostUnhealthy:       1 * time.Minute,
	HostDown:            5 * time.Minute,
	HostRefreshInterval: 10 * time.Second,
	BusyLoadAvg:         20,
	BusyBackoff:         30 * time.Second,
	HostDialTimeout:     5 * time.Second,
	HostRPCTimeout:      time.Minute,
	MaxHostConns:        1000,

	// --- Namespace ---
	LockTimeout: 100 * time.Millisecond,

	// --- Dead File Copies ---
	BusyScanInterval:   30 * time.Second,
	MaxRemovesInFlight: 64,

	// --- Replica Check ---
	ReplicaCheck:       true,
	ReplicaCheckRemove: false,

	// The giant lock is released after this many inodes, so that clients
	// aren't starved during a scan of a big namespace.
	ScanBatchSize: 10000,
	ScanPollEvery: 100,
	ScanInterval:  24 * time.Hour,
	ReadOnlyPoll:  5 * time.Second,

	MaxScanTargets: 1024,

	LockRetryMin:  time.Millisecond,
	LockRetryMax:  time.Second,
	LockRetryWarn: time.Minute,

	// Moving hosts between groups usually comes in bursts.
	FsngroupDebounce: time.Minute,

	MinFreeMemory: 512 * 1024 * 1024,

	// Surplus replicas stay until their host is 95% full and the file
	// hasn't been read for three days.
	GraceUsedRatio: 0.95,
	GraceTime:      72 * time.Hour,

	// A host down for a short while still counts, to avoid copying
	// everything during a reboot.
	HostDownThresh: 3 * time.Hour,
	MinInterval:    10 * time.Second,

	// --- Logging ---
	ReducedLog:         true,
	ReducedLogInterval: time.Minute,
	ReducedLogKeys:     4096,
	ReducedLogRate:     10,

	EventQueue: 1024,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing environment.
var DefaultTestConfig = Config{
	Addr:       "localhost:0",
	DBPath:     "gfmd.db",
	UseFailure: true,

	// --- Host Monitor ---
	HostUnhealthy:       5 * time.Second,
	HostDown:            10 * time.Second,
	HostRefreshInterval: time.Second,
	BusyLoadAvg:         20,
	BusyBackoff:         time.Second,
	HostDialTimeout:     time.Second,
	HostRPCTimeout:      5 * time.Second,
	MaxHostConns:        10,

	// --- Namespace ---
	LockTimeout: 100 * time.Millisecond,

	// --- Dead File Copies ---
	BusyScanInterval:   50 * time.Millisecond,
	MaxRemovesInFlight: 4,

	// --- Replica Check ---
	ReplicaCheck:       true,
	ReplicaCheckRemove: true,

	ScanBatchSize: 4,
	ScanPollEvery: 1,
	ScanInterval:  0,
	ReadOnlyPoll:  10 * time.Millisecond,

	MaxScanTargets: 16,

	LockRetryMin:  time.Millisecond,
	LockRetryMax:  10 * time.Millisecond,
	LockRetryWarn: time.Second,

	FsngroupDebounce: 50 * time.Millisecond,

	MinFreeMemory: 0,

	GraceUsedRatio: 0,
	GraceTime:      0,
	HostDownThresh: time.Minute,
	MinInterval:    0,

	// --- Logging ---
	ReducedLog:         false,
	ReducedLogInterval: time.Second,
	ReducedLogKeys:     64,
	ReducedLogRate:     100,

	EventQueue: 16,
}
