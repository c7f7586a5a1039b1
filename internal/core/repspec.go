// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"strconv"
	"strings"
)

// InheritDesired is the Desired value of a ReplicaSpec that doesn't specify a
// count and inherits one from an ancestor directory.
const InheritDesired = -1

// ReplicaSpec is the desired replication policy of a file or the default
// policy of a directory.
//
// ReplicaSpec only holds values so it can be copied freely. Work items capture
// their own copy, so a later policy change doesn't affect queued work.
type ReplicaSpec struct {
	// Desired number of replicas. Negative means "inherit".
	Desired int

	// Placement is an optional fsngroup placement expression such as
	// "groupA:2,groupB:1". If present it takes precedence over Desired.
	Placement string
}

// NoSpec is a ReplicaSpec that sets nothing and inherits everything.
var NoSpec = ReplicaSpec{Desired: InheritDesired}

// GroupCount is one term of a placement expression.
type GroupCount struct {
	Group string
	Count int
}

// IsSet returns true if the spec sets a policy rather than inheriting one.
func (s ReplicaSpec) IsSet() bool {
	return s.Desired >= 0 || s.Placement != ""
}

// Groups returns the parsed placement expression, or nil if there is none. An
// unparsable expression also yields nil; Validate reports those.
func (s ReplicaSpec) Groups() []GroupCount {
	if s.Placement == "" {
		return nil
	}
	groups, err := ParsePlacement(s.Placement)
	if err != nil {
		return nil
	}
	return groups
}

// Total returns how many replicas the spec asks for in all.
func (s ReplicaSpec) Total() int {
	if groups := s.Groups(); groups != nil {
		n := 0
		for _, g := range groups {
			n += g.Count
		}
		return n
	}
	if s.Desired < 0 {
		return 0
	}
	return s.Desired
}

// Validate checks that the spec is well formed.
func (s ReplicaSpec) Validate() Error {
	if s.Placement != "" {
		if _, err := ParsePlacement(s.Placement); err != nil {
			return ErrInvalidArgument
		}
	}
	return NoError
}

func (s ReplicaSpec) String() string {
	if s.Placement != "" {
		return fmt.Sprintf("{%d %q}", s.Desired, s.Placement)
	}
	return fmt.Sprintf("{%d}", s.Desired)
}

// ParsePlacement parses a placement expression of the form
// "group1:count1,group2:count2". Whitespace around terms is ignored. A group
// may appear only once.
func ParsePlacement(expr string) ([]GroupCount, error) {
	var out []GroupCount
	seen := make(map[string]bool)
	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, fmt.Errorf("empty term in placement %q", expr)
		}
		i := strings.LastIndexByte(term, ':')
		if i <= 0 || i == len(term)-1 {
			return nil, fmt.Errorf("term %q is not group:count", term)
		}
		group := strings.TrimSpace(term[:i])
		count, err := strconv.Atoi(strings.TrimSpace(term[i+1:]))
		if err != nil || count < 0 {
			return nil, fmt.Errorf("bad count in term %q", term)
		}
		if seen[group] {
			return nil, fmt.Errorf("group %q appears twice", group)
		}
		seen[group] = true
		out = append(out, GroupCount{Group: group, Count: count})
	}
	return out, nil
}
