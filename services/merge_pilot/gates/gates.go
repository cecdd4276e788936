// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gates implements the absolute safety rules that can force a
// decision regardless of confidence.
//
// # Description
//
// Gates are evaluated in a fixed order and the first tripped gate wins:
//
//  1. any critical finding with category "security"
//  2. the change context carries a merge conflict
//  3. any "breaking_change" finding while confidence sits below the
//     configured floor
//  4. reported test coverage below the configured minimum
//
// Gates are pure functions of already-computed inputs. They never invoke
// analyzers and never perform I/O, which keeps the safety logic reviewable
// and testable in isolation from timing and concurrency concerns.
//
// # Thread Safety
//
// An Evaluator is immutable after construction and safe for concurrent use.
package gates

import (
	"fmt"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// DefaultBreakingChangeMinConfidence is the confidence floor under which a
// breaking-change finding blocks the run.
const DefaultBreakingChangeMinConfidence = 0.85

// DefaultTestingAnalyzer is the analyzer whose structured coverage field
// feeds the coverage gate.
const DefaultTestingAnalyzer = "testing"

// Config holds the gate tunables.
type Config struct {
	// MinCoveragePct is the minimum acceptable test coverage. Zero
	// disables the coverage gate.
	MinCoveragePct float64

	// BreakingChangeMinConfidence is the confidence floor for gate 3.
	// Zero selects DefaultBreakingChangeMinConfidence.
	BreakingChangeMinConfidence float64

	// TestingAnalyzer names the analyzer that reports coverage. Empty
	// selects DefaultTestingAnalyzer.
	TestingAnalyzer string
}

// Evaluator applies the ordered risk gates.
type Evaluator struct {
	cfg Config
}

// New returns an Evaluator with defaults applied.
func New(cfg Config) *Evaluator {
	if cfg.BreakingChangeMinConfidence == 0 {
		cfg.BreakingChangeMinConfidence = DefaultBreakingChangeMinConfidence
	}
	if cfg.TestingAnalyzer == "" {
		cfg.TestingAnalyzer = DefaultTestingAnalyzer
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate runs the gates against one run's complete inputs.
//
// Inputs:
//
//	ctx - The change context under evaluation.
//	results - The full analyzer result set; never partial.
//	conf - The aggregated confidence value for gate 3.
//
// Outputs:
//
//	GateOutcome - The first tripped gate, or GateClear.
//	string - Human-readable reason when a gate tripped, else empty.
func (e *Evaluator) Evaluate(ctx *datatypes.ChangeContext, results []datatypes.AnalyzerResult, conf float64) (datatypes.GateOutcome, string) {
	// Gate 1: critical security finding.
	for _, r := range results {
		for _, f := range r.Findings {
			if f.Severity == datatypes.SeverityCritical && f.Category == datatypes.CategorySecurity {
				return datatypes.GateCriticalSecurity,
					fmt.Sprintf("critical security finding from %s: %s", r.Analyzer, f.Message)
			}
		}
	}

	// Gate 2: merge conflict.
	if ctx.Conflict {
		return datatypes.GateConflict,
			fmt.Sprintf("change %s has merge conflicts against %s", ctx.ID, ctx.TargetRef)
	}

	// Gate 3: breaking change at low confidence.
	if conf < e.cfg.BreakingChangeMinConfidence {
		for _, r := range results {
			for _, f := range r.Findings {
				if f.Category == datatypes.CategoryBreakingChange {
					return datatypes.GateBreakingChangeLowConf,
						fmt.Sprintf("breaking change indicated (%s) with confidence %.4f below %.2f",
							f.Message, conf, e.cfg.BreakingChangeMinConfidence)
				}
			}
		}
	}

	// Gate 4: insufficient coverage. Unreported coverage is treated as
	// insufficient when a minimum is configured: unprovable coverage is
	// not coverage.
	if e.cfg.MinCoveragePct > 0 {
		cov := e.reportedCoverage(results)
		if cov == nil {
			return datatypes.GateInsufficientCoverage,
				fmt.Sprintf("no coverage reported; minimum is %.1f%%", e.cfg.MinCoveragePct)
		}
		if *cov < e.cfg.MinCoveragePct {
			return datatypes.GateInsufficientCoverage,
				fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", *cov, e.cfg.MinCoveragePct)
		}
	}

	return datatypes.GateClear, ""
}

func (e *Evaluator) reportedCoverage(results []datatypes.AnalyzerResult) *float64 {
	for _, r := range results {
		if r.Analyzer == e.cfg.TestingAnalyzer {
			return r.Coverage
		}
	}
	return nil
}
