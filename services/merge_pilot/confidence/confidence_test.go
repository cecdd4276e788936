// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package confidence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// referenceWeights is the production default weight table.
func referenceWeights() map[string]float64 {
	return map[string]float64{
		"security":       0.30,
		"code_quality":   0.20,
		"testing":        0.25,
		"performance":    0.15,
		"ux_integration": 0.10,
	}
}

func referenceResults() []datatypes.AnalyzerResult {
	return []datatypes.AnalyzerResult{
		{Analyzer: "security", Score: 0.98, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "code_quality", Score: 0.88, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "testing", Score: 0.95, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "performance", Score: 0.92, Status: datatypes.AnalyzerCompleted},
		{Analyzer: "ux_integration", Score: 0.90, Status: datatypes.AnalyzerCompleted},
	}
}

func TestScore_SeverityDeductions(t *testing.T) {
	tests := []struct {
		name                        string
		critical, high, medium, low int
		want                        float64
	}{
		{"clean", 0, 0, 0, 0, 1.0},
		{"one low", 0, 0, 0, 1, 0.98},
		{"one medium", 0, 0, 1, 0, 0.95},
		{"one high one low", 0, 1, 0, 1, 0.88},
		{"one critical", 1, 0, 0, 0, 0.70},
		{"floor at zero", 4, 0, 0, 0, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.critical, tt.high, tt.medium, tt.low)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestScoreFromFindings_IgnoresInfo(t *testing.T) {
	findings := []datatypes.Finding{
		{Severity: datatypes.SeverityInfo},
		{Severity: datatypes.SeverityInfo},
		{Severity: datatypes.SeverityLow},
	}
	assert.InDelta(t, 0.98, ScoreFromFindings(findings), 1e-9)
}

func TestNew_RejectsBadWeightSums(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]float64
	}{
		{"empty", map[string]float64{}},
		{"under", map[string]float64{"a": 0.5, "b": 0.4}},
		{"over", map[string]float64{"a": 0.6, "b": 0.6}},
		{"negative", map[string]float64{"a": 1.5, "b": -0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Weights: tt.weights})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrWeightSum)
		})
	}
}

func TestNew_AcceptsFloatNoise(t *testing.T) {
	// 0.3+0.25+0.2+0.15+0.1 accumulates rounding error in binary floats.
	_, err := New(Config{Weights: referenceWeights()})
	require.NoError(t, err)
}

func TestAggregate_ReferenceScenario(t *testing.T) {
	agg, err := New(Config{Weights: referenceWeights()})
	require.NoError(t, err)

	score, err := agg.Aggregate(referenceResults())
	require.NoError(t, err)

	// 0.98*0.30 + 0.88*0.20 + 0.95*0.25 + 0.92*0.15 + 0.90*0.10
	assert.InDelta(t, 0.9355, score.Value, 1e-9)
	assert.InDelta(t, 0.9355, score.Raw, 1e-9)
	assert.Zero(t, score.Penalty)
	assert.Len(t, score.Contributions, 5)
	assert.Equal(t, "security", score.Contributions[0].Analyzer)
	assert.InDelta(t, 0.294, score.Contributions[0].Weighted, 1e-9)
}

func TestAggregate_CriticalFindingPenalty(t *testing.T) {
	agg, err := New(Config{Weights: referenceWeights()})
	require.NoError(t, err)

	results := referenceResults()
	results[1].Findings = []datatypes.Finding{
		{Severity: datatypes.SeverityCritical, Category: "code_quality", Message: "unreachable error path"},
	}

	score, err := agg.Aggregate(results)
	require.NoError(t, err)

	assert.InDelta(t, 0.05, score.Penalty, 1e-9)
	assert.InDelta(t, 0.8855, score.Value, 1e-9)
}

func TestAggregate_HighFindingPenalty(t *testing.T) {
	agg, err := New(Config{Weights: referenceWeights()})
	require.NoError(t, err)

	results := referenceResults()
	results[0].Findings = []datatypes.Finding{
		{Severity: datatypes.SeverityHigh, Category: "security", Message: "weak hash for token"},
	}

	score, err := agg.Aggregate(results)
	require.NoError(t, err)
	assert.InDelta(t, 0.9155, score.Value, 1e-9)
}

func TestAggregate_PenaltyDrivesToZero(t *testing.T) {
	agg, err := New(Config{Weights: map[string]float64{"security": 1.0}})
	require.NoError(t, err)

	findings := make([]datatypes.Finding, 25)
	for i := range findings {
		findings[i] = datatypes.Finding{Severity: datatypes.SeverityCritical, Category: "security"}
	}
	results := []datatypes.AnalyzerResult{{Analyzer: "security", Score: 1.0, Findings: findings}}

	score, err := agg.Aggregate(results)
	require.NoError(t, err)
	assert.Zero(t, score.Value, "25 criticals must floor a perfect raw score")
	assert.InDelta(t, 1.25, score.Penalty, 1e-9)
}

func TestAggregate_WeightedPenaltyMode(t *testing.T) {
	agg, err := New(Config{Weights: referenceWeights(), WeightedPenalty: true})
	require.NoError(t, err)

	results := referenceResults()
	results[4].Findings = []datatypes.Finding{
		{Severity: datatypes.SeverityCritical, Category: "ux_integration"},
	}

	score, err := agg.Aggregate(results)
	require.NoError(t, err)

	// Penalty scaled by the ux analyzer's 0.10 weight.
	assert.InDelta(t, 0.005, score.Penalty, 1e-9)
	assert.InDelta(t, 0.9305, score.Value, 1e-9)
}

func TestAggregate_UnknownAnalyzer(t *testing.T) {
	agg, err := New(Config{Weights: map[string]float64{"security": 1.0}})
	require.NoError(t, err)

	_, err = agg.Aggregate([]datatypes.AnalyzerResult{{Analyzer: "mystery", Score: 1.0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownAnalyzer))
}

func TestAggregate_EmptyResults(t *testing.T) {
	agg, err := New(Config{Weights: map[string]float64{"security": 1.0}})
	require.NoError(t, err)

	_, err = agg.Aggregate(nil)
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestAggregate_BoundsProperty(t *testing.T) {
	weights := referenceWeights()
	agg, err := New(Config{Weights: weights})
	require.NoError(t, err)

	// Sweep extreme score vectors; confidence must stay in [0,1].
	vectors := [][]float64{
		{0, 0, 0, 0, 0},
		{1, 1, 1, 1, 1},
		{1, 0, 1, 0, 1},
		{0.001, 0.999, 0.5, 0.25, 0.75},
	}
	for _, v := range vectors {
		results := referenceResults()
		for i := range results {
			results[i].Score = v[i]
		}
		score, err := agg.Aggregate(results)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score.Value, 0.0)
		assert.LessOrEqual(t, score.Value, 1.0)
	}
}
