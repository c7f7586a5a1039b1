// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"testing"
	"time"
)

func TestTakeAndUpdate(t *testing.T) {
	tb := New(100, 500)
	start := tb.last

	// Full bucket, no waiting.
	if tb.TakeAndUpdate(500, start) > 0 {
		t.Errorf("should not wait on a full bucket")
	}
	// 0.1s later there are 10 tokens, taking 100 means waiting about 0.9s.
	if d := tb.TakeAndUpdate(100, start.Add(100*time.Millisecond)); d < 800*time.Millisecond || d > time.Second {
		t.Errorf("unexpected wait %s", d)
	}
	// A long time later the bucket is full again but capped at capacity.
	if tb.TakeAndUpdate(500, start.Add(time.Hour)) > 0 {
		t.Errorf("should not wait after refilling")
	}
	if tb.TakeAndUpdate(1, start.Add(time.Hour)) <= 0 {
		t.Errorf("bucket should be empty")
	}
}

func TestTryTake(t *testing.T) {
	tb := New(1, 2)
	now := tb.last

	if !tb.TryTake(1, now) || !tb.TryTake(1, now) {
		t.Fatalf("should be able to take capacity")
	}
	if tb.TryTake(1, now) {
		t.Fatalf("bucket should be empty")
	}
	// Failing TryTake doesn't go into debt.
	if !tb.TryTake(1, now.Add(time.Second)) {
		t.Fatalf("one token should have been added")
	}
	if tb.TryTake(1, now.Add(time.Second)) {
		t.Fatalf("only one token should have been added")
	}
}
