// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzers implements the pluggable review perspectives the pool
// runner fans out over.
//
// # Description
//
// Each analyzer inspects one immutable change context from a single
// perspective (security, code quality, testing, performance, integration)
// and produces a bounded score plus severity-tagged findings. Analyzers are
// heuristics over the unified diff and the change metadata: swappable,
// side-effect free, and independent of each other. The engine consumes only
// the AnalyzerResult contract; nothing downstream knows what patterns an
// analyzer looked for.
//
// # Thread Safety
//
// All analyzers are immutable after construction and safe for concurrent
// use across runs.
package analyzers

import (
	"context"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// Analyzer names. The weight map and the coverage gate key on these.
const (
	NameSecurity      = "security"
	NameCodeQuality   = "code_quality"
	NameTesting       = "testing"
	NamePerformance   = "performance"
	NameUXIntegration = "ux_integration"
)

// Analyzer is one review perspective.
//
// Analyze must honor ctx cancellation and return within the pool's
// per-analyzer timeout; a result it fails to deliver is replaced by a
// conservative zero-score result upstream.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.AnalyzerResult, error)
}

// DefaultWeights is the production weight table for the built-in set.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		NameSecurity:      0.30,
		NameTesting:       0.25,
		NameCodeQuality:   0.20,
		NamePerformance:   0.15,
		NameUXIntegration: 0.10,
	}
}

// DefaultSet returns the five built-in analyzers.
//
// Inputs:
//
//	llm - Optional completion client for the code quality analyzer's
//	      review assist. Nil disables the assist; heuristics still run.
func DefaultSet(llm ChatCompleter) []Analyzer {
	return []Analyzer{
		NewSecurity(),
		NewCodeQuality(llm),
		NewTesting(),
		NewPerformance(),
		NewUXIntegration(),
	}
}
