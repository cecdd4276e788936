// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execution lands AUTO_MERGE decisions on the hosting provider.
//
// # Description
//
// Execution is the only irreversible stage of the pipeline, so it is wrapped
// in two guards that are checked in order before the external merge call:
// the process-wide merge rate limiter, and an atomic per-change claim in the
// audit store. A run that loses either guard is sealed with a queryable
// outcome (review_requested or duplicate_suppressed) instead of failing.
// Only a run that holds both the limiter slot and the claim calls Merge.
//
// A failed merge releases its limiter slot so a later retry re-contends
// under the current window rather than inheriting a spent reservation.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/safeguard"
)

// ErrNotExecutable is returned when Execute is handed a run whose decision
// does not authorize a merge.
var ErrNotExecutable = errors.New("execution: decision does not authorize a merge")

var (
	tracer = otel.Tracer("mergepilot.execution")
	meter  = otel.Meter("mergepilot.execution")
)

// ============================================================================
// Metrics
// ============================================================================

var (
	metricsOnce sync.Once
	mergesTotal metric.Int64Counter
)

// initMetrics creates the execution instruments once. Failures degrade to
// missing metrics rather than blocking a merge.
func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		mergesTotal, err = meter.Int64Counter(
			"mergepilot.merges.total",
			metric.WithDescription("Merge executions by terminal disposition"),
		)
		if err != nil {
			slog.Warn("execution metric unavailable", "error", err)
		}
	})
}

func countMerge(ctx context.Context, disposition string) {
	if mergesTotal != nil {
		mergesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("disposition", disposition),
		))
	}
}

// ============================================================================
// Strategy selection
// ============================================================================

// StrategyFor picks the merge strategy from the source branch prefix.
// Feature branches squash for linear history, fix branches rebase to
// preserve the individual commits, everything else squashes.
func StrategyFor(sourceRef string) datatypes.MergeStrategy {
	ref := strings.ToLower(sourceRef)
	switch {
	case strings.HasPrefix(ref, "feature/"), strings.HasPrefix(ref, "feat/"):
		return datatypes.StrategySquash
	case strings.HasPrefix(ref, "bugfix/"), strings.HasPrefix(ref, "fix/"), strings.HasPrefix(ref, "hotfix/"):
		return datatypes.StrategyRebase
	default:
		return datatypes.StrategySquash
	}
}

// ============================================================================
// Executor
// ============================================================================

// Executor carries out AUTO_MERGE decisions against the hosting provider.
//
// Thread Safety: safe for concurrent use. Per-change exclusivity comes from
// the audit store claim, not from the executor itself.
type Executor struct {
	host   provider.Host
	store  audit.Store
	guards *safeguard.Safeguards
}

// New returns an Executor wired to the given host, audit store, and shared
// safeguard layer.
func New(host provider.Host, store audit.Store, guards *safeguard.Safeguards) *Executor {
	return &Executor{host: host, store: store, guards: guards}
}

// Execute lands the run's change if the rate limiter and the per-change
// claim both allow it.
//
// Description: every non-merge disposition seals the record in place:
// a rate-limited run is downgraded to APPROVE_REQUEST_REVIEW, a lost claim
// seals as duplicate_suppressed, and a provider failure seals as
// execution_failed. On success the record carries the merged ref and stays
// open for the post-merge monitor.
//
// Inputs:
//   - ctx: cancellation for the provider calls and audit writes.
//   - record: a run whose decision is AUTO_MERGE. Mutated in place.
//
// Outputs:
//   - bool: true when the merge landed and the record awaits monitoring.
//   - error: infrastructure failures only (audit store writes). Provider
//     failures are recorded on the run, not returned.
func (e *Executor) Execute(ctx context.Context, record *datatypes.RunRecord) (bool, error) {
	initMetrics()

	ctx, span := tracer.Start(ctx, "execution.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", record.ID),
		attribute.String("change.id", record.Context.ID),
	)

	if record.Decision != datatypes.DecisionAutoMerge {
		span.SetStatus(codes.Error, "not executable")
		return false, fmt.Errorf("%w: %s", ErrNotExecutable, record.Decision)
	}

	if !e.guards.TryReserveMergeSlot() {
		return false, e.downgradeRateLimited(ctx, record)
	}

	won, winner, err := e.store.ClaimExecution(ctx, record.Context.ID, record.ID)
	if err != nil {
		e.guards.ReleaseMergeSlot()
		span.SetStatus(codes.Error, "claim failed")
		return false, fmt.Errorf("execution: claim %s: %w", record.Context.ID, err)
	}
	if !won {
		e.guards.ReleaseMergeSlot()
		return false, e.sealSuppressed(ctx, record, winner)
	}

	record.Status = datatypes.StatusExecuting
	record.Strategy = StrategyFor(record.Context.SourceRef)
	if err := e.persist(ctx, record, "merge_started",
		fmt.Sprintf("strategy %s", record.Strategy)); err != nil {
		e.guards.ReleaseMergeSlot()
		return false, err
	}

	mergedRef, err := e.host.Merge(ctx, record.Context, record.Strategy)
	if err != nil {
		e.guards.ReleaseMergeSlot()
		span.SetStatus(codes.Error, "merge failed")
		return false, e.sealFailed(ctx, record, err)
	}

	now := time.Now().UTC()
	record.MergedRef = mergedRef
	record.MergedAt = &now
	if err := e.persist(ctx, record, "merged", mergedRef); err != nil {
		return false, err
	}
	countMerge(ctx, "merged")
	slog.Info("change merged",
		"run_id", record.ID,
		"change_id", record.Context.ID,
		"strategy", record.Strategy,
		"merged_ref", mergedRef)

	// The summary comment is advisory. The merge already landed, so a
	// posting failure must not fail the run.
	if err := e.host.PostSummary(ctx, record.Context, BuildSummary(record)); err != nil {
		slog.Warn("summary comment not posted",
			"run_id", record.ID,
			"change_id", record.Context.ID,
			"error", err)
	}

	return true, nil
}

// downgradeRateLimited converts an over-cap AUTO_MERGE into a human review
// request. The downgrade is recorded, never silent.
func (e *Executor) downgradeRateLimited(ctx context.Context, record *datatypes.RunRecord) error {
	record.Decision = datatypes.DecisionApproveRequestReview
	record.Reasons = append(record.Reasons, datatypes.ReasonRateLimited)
	record.Seal(datatypes.OutcomeReviewRequested)
	countMerge(ctx, datatypes.ReasonRateLimited)
	slog.Info("merge rate limited, downgraded to review",
		"run_id", record.ID,
		"change_id", record.Context.ID)
	return e.persist(ctx, record, datatypes.ReasonRateLimited,
		"merge window exhausted; decision downgraded to APPROVE_REQUEST_REVIEW")
}

// sealSuppressed records that another run already owns this change's merge.
func (e *Executor) sealSuppressed(ctx context.Context, record *datatypes.RunRecord, winner string) error {
	record.Reasons = append(record.Reasons,
		fmt.Sprintf("duplicate_suppressed: execution already claimed by run %s", winner))
	record.Seal(datatypes.OutcomeDuplicateSuppressed)
	countMerge(ctx, string(datatypes.OutcomeDuplicateSuppressed))
	slog.Info("merge suppressed, change already claimed",
		"run_id", record.ID,
		"change_id", record.Context.ID,
		"winner", winner)
	return e.persist(ctx, record, string(datatypes.OutcomeDuplicateSuppressed),
		"claim held by run "+winner)
}

// sealFailed records a provider-side merge failure as the run's terminal
// outcome. Retries are a new evaluation and re-contend the rate limiter.
func (e *Executor) sealFailed(ctx context.Context, record *datatypes.RunRecord, mergeErr error) error {
	detail := fmt.Sprintf("execution_failed: %v", mergeErr)
	if errors.Is(mergeErr, provider.ErrMergeConflict) {
		detail = "execution_failed: change no longer merges cleanly"
	}
	record.Reasons = append(record.Reasons, detail)
	record.Seal(datatypes.OutcomeExecutionFailed)
	countMerge(ctx, string(datatypes.OutcomeExecutionFailed))
	slog.Error("merge failed",
		"run_id", record.ID,
		"change_id", record.Context.ID,
		"error", mergeErr)
	return e.persist(ctx, record, string(datatypes.OutcomeExecutionFailed), detail)
}

// persist writes the record and appends one stage event.
func (e *Executor) persist(ctx context.Context, record *datatypes.RunRecord, stage, detail string) error {
	if err := e.store.UpdateRun(ctx, record); err != nil {
		return fmt.Errorf("execution: update run %s: %w", record.ID, err)
	}
	if err := e.store.AppendEvent(ctx, record.ID, audit.Event{Stage: stage, Detail: detail}); err != nil {
		return fmt.Errorf("execution: append event for run %s: %w", record.ID, err)
	}
	return nil
}
