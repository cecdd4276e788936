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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

func TestCredentials_WithToken(t *testing.T) {
	creds := NewCredentials([]byte("tok-abc123"))
	require.True(t, creds.Configured())

	// The token string is only valid inside the callback; the backing
	// buffer is wiped on return.
	err := creds.WithToken(func(token string) error {
		assert.Equal(t, "tok-abc123", token)
		return nil
	})
	require.NoError(t, err)

	// Reusable: the enclave survives an open/destroy cycle.
	err = creds.WithToken(func(token string) error {
		assert.Equal(t, "tok-abc123", token)
		return nil
	})
	require.NoError(t, err)
}

func TestCredentials_Empty(t *testing.T) {
	creds := NewCredentials(nil)
	assert.False(t, creds.Configured())
	err := creds.WithToken(func(string) error { return nil })
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestCredentials_PropagatesCallbackError(t *testing.T) {
	creds := NewCredentials([]byte("tok"))
	boom := errors.New("boom")
	err := creds.WithToken(func(string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestStaticHost_MergeRecordsCall(t *testing.T) {
	host := NewStaticHost()
	change := &datatypes.ChangeContext{ID: "change-1"}

	ref, err := host.Merge(context.Background(), change, datatypes.StrategySquash)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	merges := host.Merges()
	require.Len(t, merges, 1)
	assert.Equal(t, "change-1", merges[0].ChangeID)
	assert.Equal(t, datatypes.StrategySquash, merges[0].Strategy)
	assert.Equal(t, ref, merges[0].Ref)
}

func TestStaticHost_ScriptedFailure(t *testing.T) {
	host := NewStaticHost()
	host.MergeErr = ErrMergeConflict

	_, err := host.Merge(context.Background(), &datatypes.ChangeContext{ID: "c"}, datatypes.StrategySquash)
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.Empty(t, host.Merges())
}

func TestStaticHost_RevertAndSummary(t *testing.T) {
	host := NewStaticHost()
	change := &datatypes.ChangeContext{ID: "change-2"}

	mergedRef, err := host.Merge(context.Background(), change, datatypes.StrategyRebase)
	require.NoError(t, err)

	revertRef, err := host.Revert(context.Background(), change, mergedRef)
	require.NoError(t, err)
	require.Len(t, host.Reverts(), 1)
	assert.Equal(t, mergedRef, host.Reverts()[0].MergedRef)
	assert.NotEqual(t, mergedRef, revertRef)

	require.NoError(t, host.PostSummary(context.Background(), change, "looks good"))
	assert.Equal(t, []string{"looks good"}, host.Summaries("change-2"))
}

func TestStaticHost_LatencyHonorsContext(t *testing.T) {
	host := NewStaticHost()
	host.Latency = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := host.Merge(ctx, &datatypes.ChangeContext{ID: "c"}, datatypes.StrategySquash)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaticHealth_ReplaysThenRepeatsLast(t *testing.T) {
	signal := &StaticHealth{Samples: []HealthSample{
		{ErrorRate: 0.001},
		{ErrorRate: 0.002},
		{ErrorRate: 0.05},
	}}

	ctx := context.Background()
	var rates []float64
	for i := 0; i < 5; i++ {
		sample, err := signal.Sample(ctx, "repo", time.Now())
		require.NoError(t, err)
		rates = append(rates, sample.ErrorRate)
	}
	assert.Equal(t, []float64{0.001, 0.002, 0.05, 0.05, 0.05}, rates)
	assert.Equal(t, 5, signal.Calls())
}

func TestStaticHealth_EmptyScriptIsHealthy(t *testing.T) {
	signal := &StaticHealth{}
	sample, err := signal.Sample(context.Background(), "repo", time.Now())
	require.NoError(t, err)
	assert.Zero(t, sample.ErrorRate)
	assert.Zero(t, sample.LatencyDelta)
	assert.False(t, sample.SampledAt.IsZero())
}
