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
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock drives the limiter's time source in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMergeLimiter_CapWithinWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewMergeLimiter(5, time.Hour)
	l.now = clock.Now

	for i := 0; i < 5; i++ {
		if !l.TryReserve() {
			t.Fatalf("reservation %d should succeed", i+1)
		}
		clock.Advance(time.Minute)
	}

	if l.TryReserve() {
		t.Error("sixth reservation inside the window must be denied")
	}
	if got := l.Used(); got != 5 {
		t.Errorf("Used() = %d, want 5", got)
	}
}

func TestMergeLimiter_SlidesNotBuckets(t *testing.T) {
	clock := newFakeClock()
	l := NewMergeLimiter(5, time.Hour)
	l.now = clock.Now

	// Five merges near the end of an hour.
	for i := 0; i < 5; i++ {
		if !l.TryReserve() {
			t.Fatalf("reservation %d should succeed", i+1)
		}
	}

	// Two minutes later is a new wall-clock hour but the same window.
	clock.Advance(2 * time.Minute)
	if l.TryReserve() {
		t.Error("window must slide; wall-clock hour boundary must not reset it")
	}

	// Once the first stamp ages out, a slot frees up.
	clock.Advance(59 * time.Minute)
	if !l.TryReserve() {
		t.Error("expected a free slot after the oldest stamp aged out")
	}
}

func TestMergeLimiter_ReleaseReturnsSlot(t *testing.T) {
	clock := newFakeClock()
	l := NewMergeLimiter(1, time.Hour)
	l.now = clock.Now

	if !l.TryReserve() {
		t.Fatal("first reservation should succeed")
	}
	if l.TryReserve() {
		t.Fatal("second reservation should be denied")
	}

	l.Release()
	if !l.TryReserve() {
		t.Error("expected reservation to succeed after release")
	}
}

func TestMergeLimiter_ConcurrentReservations(t *testing.T) {
	l := NewMergeLimiter(5, time.Hour)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryReserve() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 5 {
		t.Errorf("expected exactly 5 grants under contention, got %d", got)
	}
}

func TestSafeguards_RunSlotCap(t *testing.T) {
	s := New(Config{MaxConcurrentRuns: 2, EvaluationTimeout: time.Second})

	ctx := context.Background()
	if err := s.AcquireRunSlot(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := s.AcquireRunSlot(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.AcquireRunSlot(blocked); err == nil {
		t.Error("third acquire should block until a slot frees")
		s.ReleaseRunSlot()
	}

	s.ReleaseRunSlot()
	if err := s.AcquireRunSlot(ctx); err != nil {
		t.Errorf("acquire after release: %v", err)
	}

	s.ReleaseRunSlot()
	s.ReleaseRunSlot()
}

func TestSafeguards_EvaluationDeadline(t *testing.T) {
	s := New(Config{EvaluationTimeout: 20 * time.Millisecond})

	ctx, cancel := s.WithEvaluationDeadline(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		if ctx.Err() != context.DeadlineExceeded {
			t.Errorf("expected DeadlineExceeded, got %v", ctx.Err())
		}
	case <-time.After(time.Second):
		t.Error("deadline never fired")
	}
}
