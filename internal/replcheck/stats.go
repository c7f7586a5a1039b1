// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replcheck

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
)

var (
	filesFixed = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "replcheck",
		Name:      "files",
	}, []string{"result"})

	replicasCreated = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "replcheck",
		Name:      "replicas_created",
	})

	replicasRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "replcheck",
		Name:      "replicas_removed",
	})

	expeditedFixed = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "replcheck",
		Name:      "expedited",
	})

	lockRetries = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "replcheck",
		Name:      "lock_retries",
	})

	scanSeconds = promauto.NewSummary(prometheus.SummaryOpts{
		Subsystem: "replcheck",
		Name:      "scan_seconds",
	})
)

// Stats summarizes what the checker did.
type Stats struct {
	// The last scan, or the one in progress (only Start is set then).
	Last core.ScanStats

	// Scans completed or stopped.
	Scans int
}

// record counts what one fix did.
func (s *Scanner) record(res fixResult) {
	switch {
	case res.skipped:
		filesFixed.WithLabelValues("skipped").Inc()
	case res.created+res.removed > 0:
		filesFixed.WithLabelValues("changed").Inc()
	default:
		filesFixed.WithLabelValues("ok").Inc()
	}
	replicasCreated.Add(float64(res.created))
	replicasRemoved.Add(float64(res.removed))
}

// finish records a scan.
func (s *Scanner) finish(st core.ScanStats) {
	scanSeconds.Observe(st.Elapsed.Seconds())
	s.statsLock.Lock()
	s.stats.Last = st
	s.stats.Scans++
	s.statsLock.Unlock()
}

// Stats returns the scan statistics.
func (s *Scanner) Stats() Stats {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.stats
}

// StatsReply fills in the replica checker part of a Stats reply.
func (s *Scanner) StatsReply() core.StatsReply {
	st := s.Stats()
	return core.StatsReply{
		LastScan:  st.Last,
		Scans:     st.Scans,
		Targets:   s.targets.len(),
		Expedited: s.expedited.len(),
	}
}
