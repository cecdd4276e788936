// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/storage/badger"
)

// storeFactories runs every Store contract test against both backends.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore()
	},
	"badger": func(t *testing.T) Store {
		s, err := NewBadgerStore(badger.InMemoryConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

func sampleRecord(id, repo string, createdAt time.Time) *datatypes.RunRecord {
	return &datatypes.RunRecord{
		ID: id,
		Context: &datatypes.ChangeContext{
			ID:        "ctx-" + id,
			Repo:      repo,
			Number:    7,
			Title:     "Add retry to fetcher",
			Author:    "dev",
			SourceRef: "feature/retry",
			TargetRef: "main",
		},
		Results: []datatypes.AnalyzerResult{
			{Analyzer: "security", Score: 0.98, Status: datatypes.AnalyzerCompleted},
		},
		Confidence: &datatypes.ConfidenceScore{Value: 0.93, Raw: 0.93},
		Status:     datatypes.StatusRunning,
		CreatedAt:  createdAt,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			record := sampleRecord("run-1", "acme/api", time.Now().UTC())

			require.NoError(t, store.CreateRun(ctx, record))

			got, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, record.ID, got.ID)
			assert.Equal(t, "acme/api", got.Context.Repo)
			require.Len(t, got.Results, 1)
			assert.Equal(t, "security", got.Results[0].Analyzer)
			assert.InDelta(t, 0.93, got.Confidence.Value, 1e-12)
		})
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			record := sampleRecord("run-1", "acme/api", time.Now().UTC())

			require.NoError(t, store.CreateRun(ctx, record))
			err := store.CreateRun(ctx, record)
			assert.ErrorIs(t, err, ErrRunExists)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			_, err := store.GetRun(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrRunNotFound)
		})
	}
}

func TestStore_UpdateLifecycle(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			err := store.UpdateRun(ctx, sampleRecord("ghost", "acme/api", time.Now().UTC()))
			assert.ErrorIs(t, err, ErrRunNotFound)

			record := sampleRecord("run-1", "acme/api", time.Now().UTC())
			require.NoError(t, store.CreateRun(ctx, record))

			record.Status = datatypes.StatusExecuting
			record.Decision = datatypes.DecisionAutoMerge
			require.NoError(t, store.UpdateRun(ctx, record))

			got, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, datatypes.StatusExecuting, got.Status)
			assert.Equal(t, datatypes.DecisionAutoMerge, got.Decision)
		})
	}
}

func TestStore_SealedRunRejectsUpdates(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			record := sampleRecord("run-1", "acme/api", time.Now().UTC())
			require.NoError(t, store.CreateRun(ctx, record))

			sealedAt := time.Now().UTC()
			record.Status = datatypes.StatusSealed
			record.Outcome = datatypes.OutcomeStable
			record.SealedAt = &sealedAt
			require.NoError(t, store.UpdateRun(ctx, record))

			record.Outcome = datatypes.OutcomeRolledBack
			err := store.UpdateRun(ctx, record)
			assert.ErrorIs(t, err, ErrRunSealed)

			// The sealed form is what persists.
			got, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, datatypes.OutcomeStable, got.Outcome)
		})
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				record := sampleRecord(fmt.Sprintf("run-%d", i), "acme/api", base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, store.CreateRun(ctx, record))
			}

			records, err := store.ListRuns(ctx, Filter{Limit: 3})
			require.NoError(t, err)
			require.Len(t, records, 3)
			assert.Equal(t, "run-4", records[0].ID)
			assert.Equal(t, "run-3", records[1].ID)
			assert.Equal(t, "run-2", records[2].ID)
		})
	}
}

func TestStore_ListRunsFilters(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

			a := sampleRecord("run-a", "acme/api", base)
			require.NoError(t, store.CreateRun(ctx, a))

			b := sampleRecord("run-b", "acme/web", base.Add(time.Minute))
			b.Status = datatypes.StatusSealed
			b.Outcome = datatypes.OutcomeStable
			require.NoError(t, store.CreateRun(ctx, b))

			byRepo, err := store.ListRuns(ctx, Filter{Repo: "acme/web"})
			require.NoError(t, err)
			require.Len(t, byRepo, 1)
			assert.Equal(t, "run-b", byRepo[0].ID)

			byOutcome, err := store.ListRuns(ctx, Filter{Outcome: datatypes.OutcomeStable})
			require.NoError(t, err)
			require.Len(t, byOutcome, 1)
			assert.Equal(t, "run-b", byOutcome[0].ID)

			c := sampleRecord("run-c", "acme/api", base.Add(2*time.Minute))
			c.Decision = datatypes.DecisionReject
			require.NoError(t, store.CreateRun(ctx, c))

			byDecision, err := store.ListRuns(ctx, Filter{Decision: datatypes.DecisionReject})
			require.NoError(t, err)
			require.Len(t, byDecision, 1)
			assert.Equal(t, "run-c", byDecision[0].ID)

			none, err := store.ListRuns(ctx, Filter{Repo: "acme/none"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_Events(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

			stages := []string{"created", "decided", "executing", "sealed"}
			for i, stage := range stages {
				event := Event{At: base.Add(time.Duration(i) * time.Second), Stage: stage}
				require.NoError(t, store.AppendEvent(ctx, "run-1", event))
			}

			events, err := store.ListEvents(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, events, len(stages))
			for i, stage := range stages {
				assert.Equal(t, stage, events[i].Stage)
			}

			empty, err := store.ListEvents(ctx, "other-run")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_ClaimExecution(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			won, winner, err := store.ClaimExecution(ctx, "change-1", "run-1")
			require.NoError(t, err)
			assert.True(t, won)
			assert.Equal(t, "run-1", winner)

			// A different run loses and learns the winner.
			won, winner, err = store.ClaimExecution(ctx, "change-1", "run-2")
			require.NoError(t, err)
			assert.False(t, won)
			assert.Equal(t, "run-1", winner)

			// The winner's own retry stays won.
			won, winner, err = store.ClaimExecution(ctx, "change-1", "run-1")
			require.NoError(t, err)
			assert.True(t, won)
			assert.Equal(t, "run-1", winner)

			// Another change is independent.
			won, _, err = store.ClaimExecution(ctx, "change-2", "run-3")
			require.NoError(t, err)
			assert.True(t, won)
		})
	}
}

func TestStore_ClaimExecutionConcurrent(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			const runners = 20
			var wg sync.WaitGroup
			wins := make(chan string, runners)
			for i := 0; i < runners; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					runID := fmt.Sprintf("run-%d", n)
					won, _, err := store.ClaimExecution(ctx, "change-1", runID)
					if err != nil {
						t.Errorf("ClaimExecution: %v", err)
						return
					}
					if won {
						wins <- runID
					}
				}(i)
			}
			wg.Wait()
			close(wins)

			var winners []string
			for w := range wins {
				winners = append(winners, w)
			}
			require.Len(t, winners, 1, "exactly one run may win the claim")

			// Every loser sees the same winner.
			_, winner, err := store.ClaimExecution(ctx, "change-1", "latecomer")
			require.NoError(t, err)
			assert.Equal(t, winners[0], winner)
		})
	}
}
