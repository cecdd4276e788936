// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
)

func mergedRecord(t *testing.T, store audit.Store) *datatypes.RunRecord {
	t.Helper()
	record := datatypes.NewRunRecord(&datatypes.ChangeContext{
		ID:        "change-1",
		Repo:      "acme/api",
		Title:     "Add retry to fetcher",
		SourceRef: "feature/retry",
		TargetRef: "main",
	})
	record.Decision = datatypes.DecisionAutoMerge
	record.Status = datatypes.StatusExecuting
	record.MergedRef = "merge-abc123"
	now := time.Now().UTC()
	record.MergedAt = &now
	require.NoError(t, store.CreateRun(context.Background(), record))
	return record
}

func eventStages(t *testing.T, store audit.Store, runID string) []string {
	t.Helper()
	events, err := store.ListEvents(context.Background(), runID)
	require.NoError(t, err)
	stages := make([]string, len(events))
	for i, e := range events {
		stages[i] = e.Stage
	}
	return stages
}

func TestMonitor_Watch_StableWindow(t *testing.T) {
	store := audit.NewMemoryStore()
	host := provider.NewStaticHost()
	health := &provider.StaticHealth{} // no script: permanently healthy
	m := New(Config{Window: 150 * time.Millisecond, PollInterval: 20 * time.Millisecond},
		health, host, store)

	record := mergedRecord(t, store)
	require.NoError(t, m.Watch(context.Background(), record))

	assert.True(t, record.Sealed())
	assert.Equal(t, datatypes.OutcomeStable, record.Outcome)
	assert.Empty(t, host.Reverts())
	assert.Greater(t, health.Calls(), 0)

	stages := eventStages(t, store, record.ID)
	assert.Equal(t, "monitor_started", stages[0])
	assert.Equal(t, "window_closed", stages[len(stages)-1])
}

func TestMonitor_Watch_ErrorRateBreachRollsBack(t *testing.T) {
	store := audit.NewMemoryStore()
	host := provider.NewStaticHost()
	health := &provider.StaticHealth{Samples: []provider.HealthSample{
		{ErrorRate: 0.001, LatencyDelta: 0.01},
		{ErrorRate: 0.05, LatencyDelta: 0.01},
	}}
	m := New(Config{Window: 10 * time.Second, PollInterval: 20 * time.Millisecond},
		health, host, store)

	record := mergedRecord(t, store)
	start := time.Now()
	require.NoError(t, m.Watch(context.Background(), record))
	assert.Less(t, time.Since(start), 2*time.Second,
		"breach resolves the watch well before the window closes")

	assert.Equal(t, datatypes.OutcomeRolledBack, record.Outcome)
	assert.NotEmpty(t, record.RevertRef)
	require.Len(t, record.Reasons, 1)
	assert.Contains(t, record.Reasons[0], "error rate")

	reverts := host.Reverts()
	require.Len(t, reverts, 1, "revert runs exactly once")
	assert.Equal(t, "merge-abc123", reverts[0].MergedRef)
	assert.Equal(t, reverts[0].Ref, record.RevertRef)

	stages := eventStages(t, store, record.ID)
	assert.Contains(t, stages, "regression_detected")
	assert.Contains(t, stages, "rolled_back")
}

func TestMonitor_Watch_LatencyBreachRollsBack(t *testing.T) {
	store := audit.NewMemoryStore()
	host := provider.NewStaticHost()
	health := &provider.StaticHealth{Samples: []provider.HealthSample{
		{ErrorRate: 0.001, LatencyDelta: 0.30},
	}}
	m := New(Config{Window: 10 * time.Second, PollInterval: 20 * time.Millisecond},
		health, host, store)

	record := mergedRecord(t, store)
	require.NoError(t, m.Watch(context.Background(), record))

	assert.Equal(t, datatypes.OutcomeRolledBack, record.Outcome)
	require.Len(t, record.Reasons, 1)
	assert.Contains(t, record.Reasons[0], "latency regression")
}

func TestMonitor_Watch_RevertFailureSealsRollbackFailed(t *testing.T) {
	store := audit.NewMemoryStore()
	host := provider.NewStaticHost()
	host.RevertErr = errors.New("permission denied")
	health := &provider.StaticHealth{Samples: []provider.HealthSample{
		{ErrorRate: 0.09},
	}}
	m := New(Config{Window: 10 * time.Second, PollInterval: 20 * time.Millisecond},
		health, host, store)

	record := mergedRecord(t, store)
	require.NoError(t, m.Watch(context.Background(), record))

	assert.Equal(t, datatypes.OutcomeRollbackFailed, record.Outcome)
	assert.Empty(t, record.RevertRef)
	require.Len(t, record.Reasons, 1)
	assert.Contains(t, record.Reasons[0], "rollback_failed: permission denied")
}

func TestMonitor_Watch_NoHealthDataIsNotABreach(t *testing.T) {
	store := audit.NewMemoryStore()
	host := provider.NewStaticHost()
	health := &provider.StaticHealth{Err: provider.ErrNoHealthData}
	m := New(Config{Window: 120 * time.Millisecond, PollInterval: 20 * time.Millisecond},
		health, host, store)

	record := mergedRecord(t, store)
	require.NoError(t, m.Watch(context.Background(), record))

	assert.Equal(t, datatypes.OutcomeStable, record.Outcome)
	assert.Empty(t, host.Reverts())
	assert.Greater(t, health.Calls(), 0)
}

func TestMonitor_Watch_AbandonedOnCancel(t *testing.T) {
	store := audit.NewMemoryStore()
	host := provider.NewStaticHost()
	health := &provider.StaticHealth{}
	m := New(Config{Window: 10 * time.Second, PollInterval: 20 * time.Millisecond},
		health, host, store)

	ctx, cancel := context.WithCancel(context.Background())
	record := mergedRecord(t, store)

	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, record) }()
	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancellation")
	}

	assert.Equal(t, datatypes.OutcomeCancelled, record.Outcome)
	assert.True(t, record.Sealed())
	require.Len(t, record.Reasons, 1)
	assert.Contains(t, record.Reasons[0], "abandoned")
	assert.Empty(t, host.Reverts())

	stages := eventStages(t, store, record.ID)
	assert.Equal(t, "monitor_abandoned", stages[len(stages)-1])
}

func TestMonitor_Watch_RequiresMergedRef(t *testing.T) {
	store := audit.NewMemoryStore()
	m := New(Config{}, &provider.StaticHealth{}, provider.NewStaticHost(), store)

	record := datatypes.NewRunRecord(&datatypes.ChangeContext{ID: "change-1", Repo: "acme/api"})
	err := m.Watch(context.Background(), record)
	assert.ErrorIs(t, err, ErrNotMerged)
}

func TestConfig_EnsureDefaults(t *testing.T) {
	var cfg Config
	cfg.EnsureDefaults()
	assert.Equal(t, DefaultWindow, cfg.Window)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.InDelta(t, DefaultMaxErrorRate, cfg.MaxErrorRate, 1e-12)
	assert.InDelta(t, DefaultMaxLatencyDelta, cfg.MaxLatencyDelta, 1e-12)

	custom := Config{Window: time.Minute, MaxErrorRate: 0.5}
	custom.EnsureDefaults()
	assert.Equal(t, time.Minute, custom.Window)
	assert.InDelta(t, 0.5, custom.MaxErrorRate, 1e-12)
	assert.Equal(t, DefaultPollInterval, custom.PollInterval)
}
