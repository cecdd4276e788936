// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safeguard wraps the evaluation pipeline with the process-wide
// protections: a concurrency cap on simultaneous runs, a sliding-window
// rate limit on autonomous merges, and the global evaluation deadline.
//
// These are the only pieces of state shared across concurrent runs; each is
// isolated behind a narrow synchronized API so the synchronization boundary
// stays auditable.
package safeguard

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Defaults for the pipeline protections.
const (
	DefaultMaxConcurrentRuns = 4
	DefaultEvaluationTimeout = 5 * time.Minute
)

// Config holds the safeguard tunables.
type Config struct {
	// MaxConcurrentRuns caps simultaneous evaluations per process.
	// Additional requests queue FIFO rather than spawn analyzer pools.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// MaxMergesPerWindow caps autonomous merges inside Window.
	MaxMergesPerWindow int `yaml:"max_merges_per_window"`

	// Window is the sliding rate-limit window.
	Window time.Duration `yaml:"window"`

	// EvaluationTimeout is the hard deadline for one full pipeline pass
	// (analysis through decision).
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// Safeguards is the shared protection layer for one engine process.
type Safeguards struct {
	limiter     *MergeLimiter
	runSlots    *semaphore.Weighted
	evalTimeout time.Duration
}

// New builds the safeguard layer, applying defaults for zero values.
func New(cfg Config) *Safeguards {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = DefaultEvaluationTimeout
	}
	return &Safeguards{
		limiter:     NewMergeLimiter(cfg.MaxMergesPerWindow, cfg.Window),
		runSlots:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		evalTimeout: cfg.EvaluationTimeout,
	}
}

// AcquireRunSlot blocks until a run slot is free or ctx is done. Waiters are
// served in FIFO order.
func (s *Safeguards) AcquireRunSlot(ctx context.Context) error {
	return s.runSlots.Acquire(ctx, 1)
}

// ReleaseRunSlot returns a slot acquired with AcquireRunSlot.
func (s *Safeguards) ReleaseRunSlot() {
	s.runSlots.Release(1)
}

// TryReserveMergeSlot claims a merge slot under the sliding-window limit.
func (s *Safeguards) TryReserveMergeSlot() bool {
	return s.limiter.TryReserve()
}

// ReleaseMergeSlot returns a merge slot whose merge never landed.
func (s *Safeguards) ReleaseMergeSlot() {
	s.limiter.Release()
}

// MergeSlotsUsed reports reservations inside the current window.
func (s *Safeguards) MergeSlotsUsed() int {
	return s.limiter.Used()
}

// WithEvaluationDeadline bounds one pipeline pass with the global timeout.
func (s *Safeguards) WithEvaluationDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.evalTimeout)
}
