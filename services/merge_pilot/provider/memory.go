// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// MergeCall records one Merge invocation on the static host.
type MergeCall struct {
	ChangeID string
	Strategy datatypes.MergeStrategy
	Ref      string
}

// RevertCall records one Revert invocation on the static host.
type RevertCall struct {
	ChangeID  string
	MergedRef string
	Ref       string
}

// StaticHost is an in-process Host used by local mode and tests. Merges
// produce synthetic refs; behavior is scriptable through the error fields.
type StaticHost struct {
	mu sync.Mutex

	// MergeErr and RevertErr, when set, fail the corresponding call.
	MergeErr  error
	RevertErr error

	// Latency is added to every call, for timeout tests.
	Latency time.Duration

	merges    []MergeCall
	reverts   []RevertCall
	summaries map[string][]string
}

func NewStaticHost() *StaticHost {
	return &StaticHost{summaries: make(map[string][]string)}
}

func (h *StaticHost) Merge(ctx context.Context, change *datatypes.ChangeContext, strategy datatypes.MergeStrategy) (string, error) {
	if err := h.wait(ctx); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MergeErr != nil {
		return "", h.MergeErr
	}
	ref := "merge-" + uuid.NewString()[:8]
	h.merges = append(h.merges, MergeCall{ChangeID: change.ID, Strategy: strategy, Ref: ref})
	return ref, nil
}

func (h *StaticHost) Revert(ctx context.Context, change *datatypes.ChangeContext, mergedRef string) (string, error) {
	if err := h.wait(ctx); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.RevertErr != nil {
		return "", h.RevertErr
	}
	ref := "revert-" + uuid.NewString()[:8]
	h.reverts = append(h.reverts, RevertCall{ChangeID: change.ID, MergedRef: mergedRef, Ref: ref})
	return ref, nil
}

func (h *StaticHost) PostSummary(ctx context.Context, change *datatypes.ChangeContext, summary string) error {
	if err := h.wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries[change.ID] = append(h.summaries[change.ID], summary)
	return nil
}

func (h *StaticHost) wait(ctx context.Context) error {
	if h.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(h.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Merges returns a copy of the recorded merge calls.
func (h *StaticHost) Merges() []MergeCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MergeCall, len(h.merges))
	copy(out, h.merges)
	return out
}

// Reverts returns a copy of the recorded revert calls.
func (h *StaticHost) Reverts() []RevertCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RevertCall, len(h.reverts))
	copy(out, h.reverts)
	return out
}

// Summaries returns the summaries posted for one change.
func (h *StaticHost) Summaries(changeID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.summaries[changeID]))
	copy(out, h.summaries[changeID])
	return out
}

// ============================================================================
// Static health signal
// ============================================================================

// StaticHealth replays a scripted sequence of samples, then repeats the
// final one. With no script it reports a permanently healthy system.
type StaticHealth struct {
	mu      sync.Mutex
	Samples []HealthSample
	Err     error
	idx     int
	calls   int
}

func (s *StaticHealth) Sample(ctx context.Context, repo string, since time.Time) (HealthSample, error) {
	if err := ctx.Err(); err != nil {
		return HealthSample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return HealthSample{}, s.Err
	}
	if len(s.Samples) == 0 {
		return HealthSample{SampledAt: time.Now().UTC()}, nil
	}
	sample := s.Samples[s.idx]
	if s.idx < len(s.Samples)-1 {
		s.idx++
	}
	if sample.SampledAt.IsZero() {
		sample.SampledAt = time.Now().UTC()
	}
	return sample, nil
}

// Calls reports how many samples were requested.
func (s *StaticHealth) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ Host = (*StaticHost)(nil)
var _ HealthSignal = (*StaticHealth)(nil)

// String implements fmt.Stringer for log readability.
func (s HealthSample) String() string {
	return fmt.Sprintf("error_rate=%.4f latency_delta=%.4f at=%s",
		s.ErrorRate, s.LatencyDelta, s.SampledAt.Format(time.RFC3339))
}
