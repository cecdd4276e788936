// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safeguard

import (
	"sync"
	"time"
)

// Default merge rate limit: at most 5 autonomous merges in any trailing hour.
const (
	DefaultMaxMergesPerWindow = 5
	DefaultMergeWindow        = time.Hour
)

// MergeLimiter caps autonomous merge executions over a sliding window.
//
// # Description
//
// The limiter tracks the timestamps of recent reservations and admits a new
// one only while fewer than max sit inside the trailing window. This is a
// true sliding window, not a fixed bucket: five merges at 13:59 still block
// a sixth at 14:01.
//
// The check and the record are a single atomic step under one mutex so two
// concurrent runs can never both observe "one slot left" and both merge.
//
// # Thread Safety
//
// Safe for concurrent use.
type MergeLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

// NewMergeLimiter returns a limiter admitting max reservations per window.
// Non-positive arguments select the defaults.
func NewMergeLimiter(max int, window time.Duration) *MergeLimiter {
	if max <= 0 {
		max = DefaultMaxMergesPerWindow
	}
	if window <= 0 {
		window = DefaultMergeWindow
	}
	return &MergeLimiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// TryReserve claims a merge slot if one is free inside the trailing window.
//
// Outputs:
//
//	bool - true if the slot was claimed; the caller owns it until the merge
//	       completes or it calls Release.
func (l *MergeLimiter) TryReserve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, l.now())
	return true
}

// Release returns the most recent reservation, for callers whose merge never
// happened (provider failure before the merge landed). A merge that executed
// keeps its slot; the window exists to bound landed merges.
func (l *MergeLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	if n := len(l.stamps); n > 0 {
		l.stamps = l.stamps[:n-1]
	}
}

// Used reports how many reservations sit inside the current window.
func (l *MergeLimiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return len(l.stamps)
}

// prune drops timestamps that have aged out. Caller holds the mutex.
func (l *MergeLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep
}
