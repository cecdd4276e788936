// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execution

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/safeguard"
)

type fixture struct {
	host   *provider.StaticHost
	store  audit.Store
	guards *safeguard.Safeguards
	exec   *Executor
}

func newFixture(t *testing.T, maxMerges int) *fixture {
	t.Helper()
	host := provider.NewStaticHost()
	store := audit.NewMemoryStore()
	guards := safeguard.New(safeguard.Config{
		MaxMergesPerWindow: maxMerges,
		Window:             time.Hour,
	})
	return &fixture{
		host:   host,
		store:  store,
		guards: guards,
		exec:   New(host, store, guards),
	}
}

func autoMergeRecord(t *testing.T, store audit.Store, changeID, sourceRef string) *datatypes.RunRecord {
	t.Helper()
	record := datatypes.NewRunRecord(&datatypes.ChangeContext{
		ID:        changeID,
		Repo:      "acme/api",
		Title:     "Add retry to fetcher",
		SourceRef: sourceRef,
		TargetRef: "main",
		Additions: 40,
		Deletions: 5,
	})
	record.Decision = datatypes.DecisionAutoMerge
	record.Confidence = &datatypes.ConfidenceScore{Value: 0.94, Raw: 0.94}
	record.Results = []datatypes.AnalyzerResult{
		{Analyzer: "security", Score: 0.98, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "testing", Score: 0.91, Status: datatypes.AnalyzerCompleted},
	}
	require.NoError(t, store.CreateRun(context.Background(), record))
	return record
}

func TestExecutor_Execute_Merges(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	record := autoMergeRecord(t, f.store, "change-1", "feature/retry")

	merged, err := f.exec.Execute(ctx, record)
	require.NoError(t, err)
	assert.True(t, merged)

	assert.Equal(t, datatypes.StrategySquash, record.Strategy)
	assert.NotEmpty(t, record.MergedRef)
	require.NotNil(t, record.MergedAt)
	assert.False(t, record.Sealed(), "merged runs stay open for the monitor")

	calls := f.host.Merges()
	require.Len(t, calls, 1)
	assert.Equal(t, "change-1", calls[0].ChangeID)
	assert.Equal(t, datatypes.StrategySquash, calls[0].Strategy)
	assert.Equal(t, calls[0].Ref, record.MergedRef)

	summaries := f.host.Summaries("change-1")
	require.Len(t, summaries, 1)
	assert.Contains(t, summaries[0], "AUTO_MERGE")

	assert.Equal(t, 1, f.guards.MergeSlotsUsed())

	events, err := f.store.ListEvents(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "merge_started", events[0].Stage)
	assert.Equal(t, "merged", events[1].Stage)
}

func TestExecutor_Execute_RejectsNonMergeDecision(t *testing.T) {
	f := newFixture(t, 5)
	record := autoMergeRecord(t, f.store, "change-1", "feature/retry")
	record.Decision = datatypes.DecisionRequestChanges

	merged, err := f.exec.Execute(context.Background(), record)
	assert.ErrorIs(t, err, ErrNotExecutable)
	assert.False(t, merged)
	assert.Empty(t, f.host.Merges())
}

func TestExecutor_Execute_RateLimitDowngrades(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	first := autoMergeRecord(t, f.store, "change-1", "feature/a")
	merged, err := f.exec.Execute(ctx, first)
	require.NoError(t, err)
	require.True(t, merged)

	second := autoMergeRecord(t, f.store, "change-2", "feature/b")
	merged, err = f.exec.Execute(ctx, second)
	require.NoError(t, err)
	assert.False(t, merged)

	assert.Equal(t, datatypes.DecisionApproveRequestReview, second.Decision)
	assert.True(t, second.Sealed())
	assert.Equal(t, datatypes.OutcomeReviewRequested, second.Outcome)
	assert.Contains(t, second.Reasons, datatypes.ReasonRateLimited)

	// Only the first change reached the host.
	assert.Len(t, f.host.Merges(), 1)
}

func TestExecutor_Execute_DuplicateSuppressed(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	winner := autoMergeRecord(t, f.store, "change-1", "feature/a")
	merged, err := f.exec.Execute(ctx, winner)
	require.NoError(t, err)
	require.True(t, merged)

	loser := autoMergeRecord(t, f.store, "change-1", "feature/a")
	merged, err = f.exec.Execute(ctx, loser)
	require.NoError(t, err)
	assert.False(t, merged)

	assert.True(t, loser.Sealed())
	assert.Equal(t, datatypes.OutcomeDuplicateSuppressed, loser.Outcome)
	require.Len(t, loser.Reasons, 1)
	assert.Contains(t, loser.Reasons[0], winner.ID)

	assert.Len(t, f.host.Merges(), 1)
	// The loser's reservation was returned to the window.
	assert.Equal(t, 1, f.guards.MergeSlotsUsed())
}

func TestExecutor_Execute_MergeFailureSealsRun(t *testing.T) {
	f := newFixture(t, 5)
	f.host.MergeErr = provider.ErrMergeConflict
	ctx := context.Background()

	record := autoMergeRecord(t, f.store, "change-1", "fix/crash")
	merged, err := f.exec.Execute(ctx, record)
	require.NoError(t, err)
	assert.False(t, merged)

	assert.True(t, record.Sealed())
	assert.Equal(t, datatypes.OutcomeExecutionFailed, record.Outcome)
	require.Len(t, record.Reasons, 1)
	assert.Contains(t, record.Reasons[0], "no longer merges cleanly")

	// The failed attempt does not consume the merge window.
	assert.Equal(t, 0, f.guards.MergeSlotsUsed())

	events, err := f.store.ListEvents(ctx, record.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, string(datatypes.OutcomeExecutionFailed), events[len(events)-1].Stage)
}

func TestStrategyFor(t *testing.T) {
	cases := []struct {
		ref  string
		want datatypes.MergeStrategy
	}{
		{"feature/retry-loop", datatypes.StrategySquash},
		{"feat/compact-ui", datatypes.StrategySquash},
		{"FEATURE/CAPS", datatypes.StrategySquash},
		{"bugfix/null-deref", datatypes.StrategyRebase},
		{"fix/crash-on-boot", datatypes.StrategyRebase},
		{"hotfix/rollback", datatypes.StrategyRebase},
		{"main", datatypes.StrategySquash},
		{"chore/deps", datatypes.StrategySquash},
		// A branch naming both picks the feature path.
		{"feature/fix-panic", datatypes.StrategySquash},
	}
	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			assert.Equal(t, tc.want, StrategyFor(tc.ref))
		})
	}
}

func TestBuildSummary(t *testing.T) {
	record := datatypes.NewRunRecord(&datatypes.ChangeContext{
		ID:           "change-1",
		Repo:         "acme/api",
		Title:        "Add retry to fetcher",
		SourceRef:    "feature/retry",
		TargetRef:    "main",
		FilesChanged: []string{"a.go", "b.go", "c.go"},
		Additions:    120,
		Deletions:    30,
	})
	record.Decision = datatypes.DecisionAutoMerge
	record.Confidence = &datatypes.ConfidenceScore{Value: 0.94}
	record.Results = []datatypes.AnalyzerResult{
		{Analyzer: "security", Score: 0.98, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "code_quality", Score: 0.80, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "testing", Score: 0.60, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "performance", Score: 0, Status: datatypes.AnalyzerTimedOut},
	}
	record.Reasons = []string{"confidence 0.94 at or above auto-merge threshold 0.92"}

	summary := BuildSummary(record)

	assert.Contains(t, summary, "**Decision**: AUTO_MERGE")
	assert.Contains(t, summary, "**Confidence**: 94.0%")
	assert.Contains(t, summary, "**Files Changed**: 3 | **+120/-30**")
	assert.Contains(t, summary, "| security | 98% | pass |")
	assert.Contains(t, summary, "| code_quality | 80% | warn |")
	assert.Contains(t, summary, "| testing | 60% | fail |")
	assert.Contains(t, summary, "| performance | 0% | incomplete |")
	assert.Contains(t, summary, "- confidence 0.94 at or above auto-merge threshold 0.92")

	// Table header precedes the rows.
	header := strings.Index(summary, "| Perspective | Score | Status |")
	firstRow := strings.Index(summary, "| security |")
	require.Greater(t, firstRow, header)
}

func TestBuildSummary_MinimalRecord(t *testing.T) {
	record := &datatypes.RunRecord{Decision: datatypes.DecisionReject}
	summary := BuildSummary(record)
	assert.Contains(t, summary, "**Decision**: REJECT")
	assert.NotContains(t, summary, "Review Breakdown")
}
