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
	"regexp"
	"strings"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// loopProximityLines bounds how far below a loop header a line can sit and
// still be treated as loop-body for the in-loop heuristics. Added lines in
// a hunk carry no brace structure, so proximity plus deeper indentation is
// the best available signal.
const loopProximityLines = 15

// Performance flags additions that tend to regress latency or resource
// use: nested loops, remote calls and queries inside loops, per-iteration
// pattern compilation, sleeps on production paths, and unbounded reads.
type Performance struct {
	loop      *regexp.Regexp
	query     *regexp.Regexp
	compile   *regexp.Regexp
	sleep     *regexp.Regexp
	wholeRead *regexp.Regexp
}

func NewPerformance() *Performance {
	return &Performance{
		loop:      regexp.MustCompile(`^\s*(?:for[\s(]|while[\s(]|.*\.forEach\s*\()`),
		query:     regexp.MustCompile(`(?i)\.(?:query|exec|find|findone|save|create)\s*\(|\bselect\s+.+\bfrom\b|http\.Get\(|fetch\s*\(|\.get\s*\(\s*["']http`),
		compile:   regexp.MustCompile(`regexp\.MustCompile\(|regexp\.Compile\(|re\.compile\(`),
		sleep:     regexp.MustCompile(`\btime\.Sleep\(|\btime\.sleep\(|\bThread\.sleep\(`),
		wholeRead: regexp.MustCompile(`\bio\.ReadAll\(|\bioutil\.ReadAll\(`),
	}
}

func (p *Performance) Name() string { return NamePerformance }

func (p *Performance) Analyze(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.AnalyzerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []datatypes.Finding
	summary, err := ScanDiff(change.Diff)
	if err != nil {
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityLow,
			Category: NamePerformance,
			Message:  "unified diff could not be parsed; performance heuristics skipped",
		})
		return p.result(findings), nil
	}

	for _, file := range summary.Files {
		if isTestPath(file.Path) {
			continue
		}
		findings = append(findings, p.scanFile(file)...)
	}
	return p.result(findings), nil
}

func (p *Performance) result(findings []datatypes.Finding) *datatypes.AnalyzerResult {
	return &datatypes.AnalyzerResult{
		Analyzer: NamePerformance,
		Score:    confidence.ScoreFromFindings(findings),
		Findings: findings,
		Status:   datatypes.AnalyzerCompleted,
	}
}

func (p *Performance) scanFile(file FilePatch) []datatypes.Finding {
	var findings []datatypes.Finding
	lastLoopDepth := -1
	lastLoopLine := 0
	var nestedLoop, queryInLoop, compileInLoop bool

	inLoopBody := func(line Line, depth int) bool {
		return lastLoopDepth >= 0 &&
			depth > lastLoopDepth &&
			line.Number-lastLoopLine <= loopProximityLines
	}

	for _, line := range file.Added {
		if isCommentLine(line.Text) {
			continue
		}
		depth := nestingDepth(line.Text)

		if p.loop.MatchString(line.Text) {
			if !nestedLoop && inLoopBody(line, depth) {
				nestedLoop = true
				findings = append(findings, datatypes.Finding{
					Severity:   datatypes.SeverityMedium,
					Category:   NamePerformance,
					Message:    "nested loop added",
					File:       file.Path,
					Line:       line.Number,
					Suggestion: "check the combined iteration count on production data sizes",
				})
			}
			lastLoopDepth = depth
			lastLoopLine = line.Number
			continue
		}

		if !queryInLoop && p.query.MatchString(line.Text) && inLoopBody(line, depth) {
			queryInLoop = true
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityHigh,
				Category:   NamePerformance,
				Message:    "query or remote call inside a loop",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "batch the operation or hoist it out of the loop",
			})
		}
		if !compileInLoop && p.compile.MatchString(line.Text) && inLoopBody(line, depth) {
			compileInLoop = true
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityMedium,
				Category:   NamePerformance,
				Message:    "pattern compiled inside a loop",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "compile once at package or function scope",
			})
		}
		if p.sleep.MatchString(line.Text) {
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityMedium,
				Category:   NamePerformance,
				Message:    "sleep added to a production path",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "prefer a ticker, backoff, or condition wait over a fixed sleep",
			})
		}
		if p.wholeRead.MatchString(line.Text) && strings.Contains(line.Text, "Body") {
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityMedium,
				Category:   NamePerformance,
				Message:    "unbounded read of a request or response body",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "wrap the body in http.MaxBytesReader or io.LimitReader",
			})
		}
	}
	return findings
}
