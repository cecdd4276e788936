// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the terminal verdict of one evaluation run.
type Decision string

const (
	DecisionAutoMerge            Decision = "AUTO_MERGE"
	DecisionApproveRequestReview Decision = "APPROVE_REQUEST_REVIEW"
	DecisionRequestChanges       Decision = "REQUEST_CHANGES"
	DecisionReject               Decision = "REJECT"
)

// GateOutcome is the result of the ordered risk gate evaluation. The first
// tripped gate wins; a run with no tripped gates is clear.
type GateOutcome string

const (
	GateClear                 GateOutcome = "clear"
	GateCriticalSecurity      GateOutcome = "blocked_critical_security"
	GateConflict              GateOutcome = "blocked_conflict"
	GateBreakingChangeLowConf GateOutcome = "blocked_breaking_change_low_confidence"
	GateInsufficientCoverage  GateOutcome = "blocked_insufficient_coverage"
)

// Blocked reports whether the outcome forces a decision regardless of
// confidence.
func (g GateOutcome) Blocked() bool {
	return g != GateClear && g != ""
}

// RunStatus is the lifecycle state of a RunRecord. A record is written by
// exactly one run goroutine and accepts no further writes once sealed.
type RunStatus string

const (
	StatusRunning    RunStatus = "running"
	StatusExecuting  RunStatus = "executing"
	StatusMonitoring RunStatus = "monitoring"
	StatusSealed     RunStatus = "sealed"
)

// RunOutcome is the terminal disposition recorded when a run is sealed.
// Every path through the pipeline, including timeouts, duplicates, and
// cancellations, ends in exactly one of these.
type RunOutcome string

const (
	// OutcomeMerged is terminal only when no monitoring window follows the
	// merge; otherwise the record stays open until the monitor seals it.
	OutcomeMerged RunOutcome = "merged"

	// OutcomeStable means the monitoring window closed without regression.
	OutcomeStable RunOutcome = "stable"

	// OutcomeRolledBack means the monitor detected a regression and the
	// revert succeeded.
	OutcomeRolledBack RunOutcome = "rolled_back"

	// OutcomeRollbackFailed means the revert itself failed. Never retried
	// automatically; this is a page, not a loop.
	OutcomeRollbackFailed RunOutcome = "rollback_failed"

	OutcomeRejected         RunOutcome = "rejected"
	OutcomeChangesRequested RunOutcome = "changes_requested"
	OutcomeReviewRequested  RunOutcome = "review_requested"

	// OutcomeEvaluationTimeout means the global pipeline deadline fired
	// before a decision was reached.
	OutcomeEvaluationTimeout RunOutcome = "evaluation_timeout"

	// OutcomeExecutionFailed means the external merge call failed after an
	// AUTO_MERGE decision.
	OutcomeExecutionFailed RunOutcome = "execution_failed"

	// OutcomeDuplicateSuppressed means another run already claimed the
	// merge for this change context. Not an error.
	OutcomeDuplicateSuppressed RunOutcome = "duplicate_suppressed"

	// OutcomeCancelled means the run was abandoned: the caller cancelled
	// before a decision was reached, or the process shut down before the
	// post-merge monitoring window closed.
	OutcomeCancelled RunOutcome = "cancelled"
)

// OutcomeForDecision maps a non-executing decision to its sealed outcome.
func OutcomeForDecision(d Decision) RunOutcome {
	switch d {
	case DecisionReject:
		return OutcomeRejected
	case DecisionRequestChanges:
		return OutcomeChangesRequested
	case DecisionApproveRequestReview:
		return OutcomeReviewRequested
	default:
		return OutcomeReviewRequested
	}
}

// Reason strings recorded when a safeguard or failure path, rather than the
// analyzer consensus, shaped the final decision.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonEvaluationTimeout = "evaluation_timeout"
	ReasonExecutionDisabled = "execution_disabled"
)

// Contribution is one analyzer's share of the aggregate confidence.
type Contribution struct {
	Analyzer string  `json:"analyzer"`
	Weight   float64 `json:"weight"`
	Score    float64 `json:"score"`
	Weighted float64 `json:"weighted"`
}

// ConfidenceScore is the single weighted-and-penalized scalar summarizing
// all analyzer scores, plus the breakdown it was computed from. Derived and
// recomputed each run; persisted only inside the run's audit record.
type ConfidenceScore struct {
	Value         float64        `json:"value"`
	Raw           float64        `json:"raw"`
	Penalty       float64        `json:"penalty"`
	Contributions []Contribution `json:"contributions"`
}

// MergeStrategy selects how the hosting provider combines the change.
type MergeStrategy string

const (
	StrategySquash MergeStrategy = "squash"
	StrategyRebase MergeStrategy = "rebase"
	StrategyMerge  MergeStrategy = "merge"
)

// RunRecord is the append-only audit aggregate for one evaluation run.
//
// # Description
//
// A RunRecord is created when a run starts, appended to at each pipeline
// stage, and sealed exactly once with a terminal outcome. Every decision the
// engine emits is traceable to exactly one RunRecord holding the complete
// analyzer result set it was computed from; decisions are never made or
// replayed against partial data.
//
// # Thread Safety
//
// A RunRecord is single-writer for its lifetime. The audit store serializes
// creation and sealing; intermediate appends happen only from the owning
// run's goroutine.
type RunRecord struct {
	ID          string           `json:"id"`
	Context     *ChangeContext   `json:"context"`
	Results     []AnalyzerResult `json:"results,omitempty"`
	Confidence  *ConfidenceScore `json:"confidence,omitempty"`
	GateOutcome GateOutcome      `json:"gate_outcome,omitempty"`
	Decision    Decision         `json:"decision,omitempty"`
	Reasons     []string         `json:"reasons,omitempty"`
	Status      RunStatus        `json:"status"`
	Outcome     RunOutcome       `json:"outcome,omitempty"`
	Strategy    MergeStrategy    `json:"strategy,omitempty"`
	MergedRef   string           `json:"merged_ref,omitempty"`
	RevertRef   string           `json:"revert_ref,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
	MergedAt    *time.Time       `json:"merged_at,omitempty"`
	SealedAt    *time.Time       `json:"sealed_at,omitempty"`
}

// NewRunRecord opens the audit aggregate for one evaluation of change.
func NewRunRecord(change *ChangeContext) *RunRecord {
	return &RunRecord{
		ID:        uuid.NewString(),
		Context:   change,
		Status:    StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
}

// Sealed reports whether the record has reached its terminal state.
func (r *RunRecord) Sealed() bool {
	return r.Status == StatusSealed
}

// Seal marks the record terminal with the given outcome. The audit store
// rejects every write that follows.
func (r *RunRecord) Seal(outcome RunOutcome) {
	now := time.Now().UTC()
	r.Status = StatusSealed
	r.Outcome = outcome
	r.SealedAt = &now
}
