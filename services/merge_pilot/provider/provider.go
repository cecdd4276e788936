// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider defines the boundary to the code hosting system and the
// production health signal. The engine, executor, and monitor talk only to
// these interfaces; which host sits behind them is a deployment detail.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

var (
	// ErrMergeConflict means the host refused the merge because the change
	// no longer applies cleanly.
	ErrMergeConflict = errors.New("provider: merge conflict")

	// ErrNotFound means the change is unknown to the host.
	ErrNotFound = errors.New("provider: change not found")

	// ErrNoHealthData means the health signal has no observations for the
	// requested window. Callers must not treat this as a breach.
	ErrNoHealthData = errors.New("provider: no health data for window")
)

// Host performs the merge-side operations against the code hosting system.
//
// Implementations must be safe for concurrent use. Merge and Revert are
// expected to be externally idempotent per ref pair; the engine additionally
// guards against duplicate submissions before calling them.
type Host interface {
	// Merge lands the change using the given strategy and returns the
	// resulting ref (commit SHA or equivalent).
	Merge(ctx context.Context, change *datatypes.ChangeContext, strategy datatypes.MergeStrategy) (string, error)

	// Revert undoes a previously merged ref and returns the revert ref.
	Revert(ctx context.Context, change *datatypes.ChangeContext, mergedRef string) (string, error)

	// PostSummary attaches the evaluation summary to the change for its
	// author and reviewers.
	PostSummary(ctx context.Context, change *datatypes.ChangeContext, summary string) error
}

// HealthSample is one observation of post-merge production health.
type HealthSample struct {
	// ErrorRate is the fraction of failing requests in the window, 0 to 1.
	ErrorRate float64

	// LatencyDelta is the fractional latency change against the pre-merge
	// baseline. 0.20 means 20 percent slower.
	LatencyDelta float64

	SampledAt time.Time
}

// HealthSignal reports production health for a repository's deployment.
type HealthSignal interface {
	// Sample returns the freshest observation at or after since.
	// Returns ErrNoHealthData when the window holds no observations.
	Sample(ctx context.Context, repo string, since time.Time) (HealthSample, error)
}
