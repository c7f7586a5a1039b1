// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package namespace

import "sync/atomic"

// Dirset is a directory quota set. Queued replica work holds a reference to
// the dirset of its file so that the set isn't torn down under it.
type Dirset struct {
	Name string
	refs int32
}

// Ref takes a reference. It's a no-op on a nil Dirset.
func (d *Dirset) Ref() {
	if d != nil {
		atomic.AddInt32(&d.refs, 1)
	}
}

// Unref drops a reference.
func (d *Dirset) Unref() {
	if d != nil {
		atomic.AddInt32(&d.refs, -1)
	}
}

// Refs returns the number of outstanding references.
func (d *Dirset) Refs() int {
	if d == nil {
		return 0
	}
	return int(atomic.LoadInt32(&d.refs))
}
