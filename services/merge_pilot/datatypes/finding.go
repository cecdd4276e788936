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

import "time"

// Severity indicates the severity of an analyzer finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for sorting, highest first. Unknown severities rank
// below info so malformed input can never outrank a real finding.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Finding categories the decision pipeline keys on. Category is otherwise a
// free-form string chosen by the analyzer.
const (
	// CategorySecurity marks findings that can trip the critical-security
	// gate when paired with SeverityCritical.
	CategorySecurity = "security"

	// CategoryBreakingChange marks findings consumed by the
	// breaking-change gate.
	CategoryBreakingChange = "breaking_change"

	// CategoryAnalysisIncomplete marks the synthetic finding recorded when
	// an analyzer times out or errors. Deliberately distinct from
	// CategorySecurity: a hung performance probe must lower confidence,
	// not masquerade as a security block.
	CategoryAnalysisIncomplete = "analysis_incomplete"

	// CategoryCoverage marks informational coverage findings. The coverage
	// gate reads the structured field on AnalyzerResult, not these.
	CategoryCoverage = "coverage"
)

// Finding is a severity-tagged observation from one analyzer.
//
// Findings never carry a score; severity is consumed by the risk gates and
// by the aggregator's penalty step, nothing else.
type Finding struct {
	Severity   Severity `json:"severity"`
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// AnalyzerStatus is the terminal state of one analyzer invocation.
type AnalyzerStatus string

const (
	AnalyzerCompleted AnalyzerStatus = "completed"
	AnalyzerTimedOut  AnalyzerStatus = "timed_out"
	AnalyzerErrored   AnalyzerStatus = "errored"
)

// AnalyzerResult is the output of one analyzer for one run.
//
// # Description
//
// One AnalyzerResult exists per (run, analyzer) pair, produced by the pool
// runner and immutable afterward. A timed-out or errored analyzer still
// yields a result: score 0.0, status reflecting the failure, and a synthetic
// critical finding so that missing information always lowers confidence and
// can never silently raise it.
//
// # Fields
//
//   - Coverage: structured coverage percentage reported by the testing
//     analyzer. Nil when the analyzer produced no coverage signal; the
//     coverage gate treats nil conservatively when a minimum is configured.
type AnalyzerResult struct {
	Analyzer string         `json:"analyzer"`
	Score    float64        `json:"score"`
	Findings []Finding      `json:"findings,omitempty"`
	Coverage *float64       `json:"coverage,omitempty"`
	Status   AnalyzerStatus `json:"status"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// CountBySeverity tallies findings at the given severity.
func (r *AnalyzerResult) CountBySeverity(s Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// TopFindings returns up to n findings ordered by severity rank, highest
// first. Ties keep analyzer emission order so output is deterministic.
func TopFindings(results []AnalyzerResult, n int) []Finding {
	all := make([]Finding, 0, 16)
	for _, r := range results {
		all = append(all, r.Findings...)
	}
	// Insertion sort by rank; finding lists are short.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Severity.Rank() > all[j-1].Severity.Rank(); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
