// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replcheck

import (
	"context"
	"fmt"
	"sort"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/namespace"
)

// fixResult is what one fix did.
type fixResult struct {
	created int
	removed int
	skipped bool
}

// Fix reconciles one file: it creates the replicas the file is short of, and
// removes surplus ones if that's enabled. It returns ErrAgain if the giant
// lock wasn't available; the caller should retry. Every other problem is
// logged and the file is left for a later pass.
func (s *Scanner) Fix(it Item) core.Error {
	res, err := s.fix(it)
	s.record(res)
	return err
}

func (s *Scanner) fix(it Item) (fixResult, core.Error) {
	var res fixResult

	fi, err := s.ns.FileInfo(it.Inum)
	if err == core.ErrAgain {
		return res, err
	}
	if err != core.NoError || !fi.IsFile || fi.Gen != it.Gen || fi.OpenForWrite {
		// Gone, changed or being written since it was queued.
		log.V(2).Infof("replica check: skipping %s:%s", it.Inum, it.Gen)
		res.skipped = true
		return res, core.NoError
	}
	if len(fi.Valid) == 0 {
		if fi.Size > 0 {
			s.rlog.Errorf(fmt.Sprintf("lost:%d", it.Inum),
				"replica check: %s:%s has no valid replica, data lost", it.Inum, it.Gen)
		}
		res.skipped = true
		return res, core.NoError
	}

	var srcs []string
	for _, h := range fi.Valid {
		if s.hosts.IsUp(h) {
			srcs = append(srcs, h)
		}
	}
	if len(srcs) == 0 {
		s.rlog.Warningf(fmt.Sprintf("unreachable:%d", it.Inum),
			"replica check: no replica of %s:%s is reachable", it.Inum, it.Gen)
		res.skipped = true
		return res, core.NoError
	}

	set := s.Settings()
	counted := namespace.CountedReplicas(s.hosts, fi.Existing, fi.BeingRemoved, s.getTime(), set.HostDownThresh)
	if s.short(it.Spec, counted) {
		n, err := s.ns.ScheduleReplication(it.Inum, it.Gen, it.Spec, srcs, fi.Existing, fi.BeingRemoved, set.HostDownThresh)
		res.created = n
		switch err {
		case core.NoError:
		case core.ErrAgain:
			return res, err
		case core.ErrAllocHost:
			s.rlog.Warningf("alloc", "replica check: %s:%s: only %d of the missing replicas could be placed",
				it.Inum, it.Gen, n)
		default:
			log.V(1).Infof("replica check: replicating %s:%s: %s", it.Inum, it.Gen, err)
		}
		if res.created > 0 {
			// Surplus can't be removed while replicas are being created.
			return res, core.NoError
		}
	}

	if !set.RemoveEnabled {
		return res, core.NoError
	}
	want := it.Spec.Total()
	if want < 1 {
		want = 1
	}
	excess := len(srcs) - want
	if excess <= 0 {
		return res, core.NoError
	}

	// Free space where it's scarcest first.
	sort.Slice(srcs, func(i, j int) bool {
		ai, aj := s.hosts.DiskAvail(srcs[i]), s.hosts.DiskAvail(srcs[j])
		if ai != aj {
			return ai < aj
		}
		return srcs[i] < srcs[j]
	})
	now := s.getTime()
	for _, h := range srcs {
		if res.removed >= excess {
			break
		}
		if !set.graceOver(s.hosts.DiskUsedRatio(h), fi.Atime, now) {
			continue
		}
		switch err := s.ns.RemoveReplicaProtected(it.Inum, it.Gen, h, it.Spec); err {
		case core.NoError:
			res.removed++
		case core.ErrAgain:
			return res, err
		default:
			// Refused for now; the next pass tries again.
			log.V(1).Infof("replica check: removing %s:%s@%s: %s", it.Inum, it.Gen, h, err)
		}
	}
	return res, core.NoError
}

// short tells whether 'spec' asks for more replicas than 'counted' holds.
// Replicas being removed are counted so that they aren't replaced before
// they're gone, and so are those on hosts that went down only recently.
func (s *Scanner) short(spec core.ReplicaSpec, counted map[string]bool) bool {
	groups := spec.Groups()
	if groups == nil {
		return spec.Total() > len(counted)
	}
	have := make(map[string]int)
	for h := range counted {
		have[s.hosts.Fsngroup(h)]++
	}
	for _, g := range groups {
		if have[g.Group] < g.Count {
			return true
		}
	}
	return false
}
