// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzers

import (
	"context"
	"fmt"
	"regexp"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// advisoryCoveragePct is the analyzer's own opinion of low coverage. The
// blocking threshold lives in the gate configuration, not here.
const advisoryCoveragePct = 50.0

// Testing judges whether the change is adequately tested: accompanying
// test edits, CI state, and the reported coverage figure. It is the only
// analyzer that populates the structured Coverage field the coverage gate
// reads.
type Testing struct {
	assertion *regexp.Regexp
}

func NewTesting() *Testing {
	return &Testing{
		assertion: regexp.MustCompile(`\bassert\w*[.(]|\brequire\.|\bexpect\s*\(|\bt\.(?:Error|Fatal)|\bself\.assert|\bmock\.|\.toBe|\.toEqual`),
	}
}

func (t *Testing) Name() string { return NameTesting }

func (t *Testing) Analyze(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.AnalyzerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []datatypes.Finding
	findings = append(findings, ciFindings(change.CIStatus)...)

	summary, err := ScanDiff(change.Diff)
	if err != nil {
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityLow,
			Category: NameTesting,
			Message:  "unified diff could not be parsed; test coverage of the change is unknown",
		})
	} else {
		findings = append(findings, t.diffFindings(summary)...)
	}

	findings = append(findings, coverageFindings(change.CoveragePct)...)

	return &datatypes.AnalyzerResult{
		Analyzer: NameTesting,
		Score:    confidence.ScoreFromFindings(findings),
		Findings: findings,
		Coverage: change.CoveragePct,
		Status:   datatypes.AnalyzerCompleted,
	}, nil
}

func ciFindings(status datatypes.CIStatus) []datatypes.Finding {
	switch status {
	case datatypes.CIFailing:
		return []datatypes.Finding{{
			Severity:   datatypes.SeverityCritical,
			Category:   NameTesting,
			Message:    "CI pipeline is failing",
			Suggestion: "fix the pipeline before requesting evaluation",
		}}
	case datatypes.CIPending:
		return []datatypes.Finding{{
			Severity: datatypes.SeverityMedium,
			Category: NameTesting,
			Message:  "CI pipeline has not finished",
		}}
	case datatypes.CIUnknown:
		return []datatypes.Finding{{
			Severity: datatypes.SeverityLow,
			Category: NameTesting,
			Message:  "no CI signal available for this change",
		}}
	default:
		return nil
	}
}

func (t *Testing) diffFindings(summary *DiffSummary) []datatypes.Finding {
	var findings []datatypes.Finding
	var sourceChanged, testChanged int
	var testAdded, assertions int

	for _, file := range summary.Files {
		switch {
		case isTestPath(file.Path):
			testChanged++
			testAdded += len(file.Added)
			for _, line := range file.Added {
				if t.assertion.MatchString(line.Text) {
					assertions++
				}
			}
			if file.IsDeleted {
				findings = append(findings, datatypes.Finding{
					Severity: datatypes.SeverityHigh,
					Category: NameTesting,
					Message:  "test file deleted",
					File:     file.Path,
				})
			}
		case isSourcePath(file.Path):
			sourceChanged++
		}
	}

	if sourceChanged > 0 && testChanged == 0 {
		findings = append(findings, datatypes.Finding{
			Severity:   datatypes.SeverityHigh,
			Category:   NameTesting,
			Message:    fmt.Sprintf("%d source file(s) changed with no test changes", sourceChanged),
			Suggestion: "add or update tests covering the changed behavior",
		})
	}
	if testAdded > 0 && assertions == 0 {
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityMedium,
			Category: NameTesting,
			Message:  "added test code contains no recognizable assertions",
		})
	}
	return findings
}

func coverageFindings(pct *float64) []datatypes.Finding {
	if pct == nil {
		return []datatypes.Finding{{
			Severity: datatypes.SeverityLow,
			Category: datatypes.CategoryCoverage,
			Message:  "no coverage figure reported",
		}}
	}
	if *pct < advisoryCoveragePct {
		return []datatypes.Finding{{
			Severity: datatypes.SeverityMedium,
			Category: datatypes.CategoryCoverage,
			Message:  fmt.Sprintf("reported coverage %.1f%% is below %.0f%%", *pct, advisoryCoveragePct),
		}}
	}
	return nil
}
