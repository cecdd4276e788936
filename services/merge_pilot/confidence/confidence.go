// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package confidence aggregates per-analyzer scores into the single scalar
// the decision engine consumes.
//
// # Description
//
// The aggregate is a weighted sum of analyzer scores minus an additive
// finding penalty:
//
//	raw        = Σ weight[i] * score[i]
//	penalty    = 0.05 * count(critical) + 0.02 * count(high)
//	confidence = clamp(raw - penalty, 0.0, 1.0)
//
// The penalty is unbounded before clamping: enough critical findings drive
// confidence to zero even when every raw score is perfect. Findings are a
// correctness signal that must be able to override score-based optimism.
//
// # Thread Safety
//
// An Aggregator is immutable after construction and safe for concurrent use.
package confidence

import (
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// Per-severity score deductions used by the built-in analyzers when they
// derive their own score from their findings.
const (
	DeductCritical = 0.30
	DeductHigh     = 0.10
	DeductMedium   = 0.05
	DeductLow      = 0.02
)

// Aggregate-level penalties applied across all findings from all analyzers.
const (
	PenaltyCritical = 0.05
	PenaltyHigh     = 0.02
)

// WeightSumEpsilon is the tolerance when checking that weights sum to 1.0.
const WeightSumEpsilon = 1e-9

// Common errors for the confidence package.
var (
	// ErrWeightSum indicates the configured weights do not sum to 1.0.
	ErrWeightSum = errors.New("analyzer weights must sum to 1.0")

	// ErrUnknownAnalyzer indicates a result arrived from an analyzer with
	// no configured weight.
	ErrUnknownAnalyzer = errors.New("no weight configured for analyzer")

	// ErrNoResults indicates aggregation was attempted on an empty set.
	ErrNoResults = errors.New("no analyzer results to aggregate")
)

// Score computes a bounded analyzer score from severity counts.
//
// Inputs:
//
//	critical, high, medium, low - Finding counts at each severity.
//
// Outputs:
//
//	float64 - 1.0 minus the per-severity deductions, clamped to [0,1].
func Score(critical, high, medium, low int) float64 {
	s := 1.0 -
		DeductCritical*float64(critical) -
		DeductHigh*float64(high) -
		DeductMedium*float64(medium) -
		DeductLow*float64(low)
	return clamp(s)
}

// ScoreFromFindings computes the bounded score for one analyzer's findings.
// Info findings carry no deduction.
func ScoreFromFindings(findings []datatypes.Finding) float64 {
	var critical, high, medium, low int
	for _, f := range findings {
		switch f.Severity {
		case datatypes.SeverityCritical:
			critical++
		case datatypes.SeverityHigh:
			high++
		case datatypes.SeverityMedium:
			medium++
		case datatypes.SeverityLow:
			low++
		}
	}
	return Score(critical, high, medium, low)
}

// Config holds the aggregation parameters.
type Config struct {
	// Weights maps analyzer name to its share of the aggregate. Must sum
	// to 1.0 within WeightSumEpsilon.
	Weights map[string]float64

	// WeightedPenalty scales each finding's penalty by its source
	// analyzer's weight instead of applying it uniformly. Off by default;
	// the uniform policy treats a critical finding as a critical finding
	// no matter which analyzer raised it.
	WeightedPenalty bool
}

// Aggregator combines analyzer results into one ConfidenceScore.
type Aggregator struct {
	weights         map[string]float64
	weightedPenalty bool
}

// New validates the weight configuration and returns an Aggregator.
//
// A weight set that does not sum to 1.0 is a startup error, not a runtime
// degradation; callers must refuse to accept runs on error.
func New(cfg Config) (*Aggregator, error) {
	if len(cfg.Weights) == 0 {
		return nil, fmt.Errorf("%w: empty weight map", ErrWeightSum)
	}
	sum := 0.0
	for name, w := range cfg.Weights {
		if w < 0 || w > 1 {
			return nil, fmt.Errorf("%w: weight %q = %v out of [0,1]", ErrWeightSum, name, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > WeightSumEpsilon {
		return nil, fmt.Errorf("%w: got %v", ErrWeightSum, sum)
	}

	weights := make(map[string]float64, len(cfg.Weights))
	for name, w := range cfg.Weights {
		weights[name] = w
	}
	return &Aggregator{weights: weights, weightedPenalty: cfg.WeightedPenalty}, nil
}

// Aggregate computes the confidence score for a complete result set.
//
// Inputs:
//
//	results - All analyzer results for one run, in pool order. Every
//	          result must have a configured weight.
//
// Outputs:
//
//	*ConfidenceScore - Value plus the per-analyzer breakdown, in input
//	                   order, for the audit record.
//	error - Non-nil if a result has no weight or the set is empty.
func (a *Aggregator) Aggregate(results []datatypes.AnalyzerResult) (*datatypes.ConfidenceScore, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	score := &datatypes.ConfidenceScore{
		Contributions: make([]datatypes.Contribution, 0, len(results)),
	}

	for _, r := range results {
		w, ok := a.weights[r.Analyzer]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAnalyzer, r.Analyzer)
		}

		weighted := w * r.Score
		score.Raw += weighted
		score.Contributions = append(score.Contributions, datatypes.Contribution{
			Analyzer: r.Analyzer,
			Weight:   w,
			Score:    r.Score,
			Weighted: weighted,
		})

		penaltyScale := 1.0
		if a.weightedPenalty {
			penaltyScale = w
		}
		for _, f := range r.Findings {
			switch f.Severity {
			case datatypes.SeverityCritical:
				score.Penalty += PenaltyCritical * penaltyScale
			case datatypes.SeverityHigh:
				score.Penalty += PenaltyHigh * penaltyScale
			}
		}
	}

	score.Value = clamp(score.Raw - score.Penalty)
	return score, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
