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
	"strings"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// breakingIndicators are the declared-intent phrases scanned for in the
// title, body, and labels. A hit means the author themselves marked the
// change as compatibility affecting.
var breakingIndicators = []string{
	"breaking change",
	"backwards incompatible",
	"backward incompatible",
	"api change",
	"removed:",
	"@deprecated",
}

// maxRemovedSymbolFindings caps exported-removal findings per file.
const maxRemovedSymbolFindings = 5

// UXIntegration looks at the change from the consumer's side: declared or
// detected compatibility breaks, removed public surface, and the meta risk
// signals (author history, change scope) that reviewers weigh before
// trusting an automated merge.
type UXIntegration struct {
	exportedDecl *regexp.Regexp
	routeDecl    *regexp.Regexp
	diffMarker   *regexp.Regexp
}

func NewUXIntegration() *UXIntegration {
	return &UXIntegration{
		exportedDecl: regexp.MustCompile(`^(?:func\s+(?:\([^)]+\)\s+)?|type\s+|var\s+|const\s+)([A-Z][A-Za-z0-9_]*)`),
		routeDecl:    regexp.MustCompile(`\.(?:GET|POST|PUT|PATCH|DELETE)\s*\(\s*"|@app\.route\s*\(`),
		diffMarker:   regexp.MustCompile(`(?i)@deprecated|BREAKING CHANGE`),
	}
}

func (u *UXIntegration) Name() string { return NameUXIntegration }

func (u *UXIntegration) Analyze(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.AnalyzerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []datatypes.Finding
	findings = append(findings, declaredBreaking(change)...)

	summary, err := ScanDiff(change.Diff)
	if err == nil {
		for _, file := range summary.Files {
			findings = append(findings, u.scanFile(file)...)
		}
	}

	findings = append(findings, metaRisk(change)...)

	return &datatypes.AnalyzerResult{
		Analyzer: NameUXIntegration,
		Score:    confidence.ScoreFromFindings(findings),
		Findings: findings,
		Status:   datatypes.AnalyzerCompleted,
	}, nil
}

// declaredBreaking reports at most one finding for author-declared breaks,
// naming where the declaration was seen.
func declaredBreaking(change *datatypes.ChangeContext) []datatypes.Finding {
	title := strings.ToLower(change.Title)
	body := strings.ToLower(change.Body)

	for _, indicator := range breakingIndicators {
		var where string
		switch {
		case strings.Contains(title, indicator):
			where = "title"
		case strings.Contains(body, indicator):
			where = "description"
		}
		if where != "" {
			return []datatypes.Finding{{
				Severity:   datatypes.SeverityHigh,
				Category:   datatypes.CategoryBreakingChange,
				Message:    fmt.Sprintf("change declared breaking in %s (%q)", where, indicator),
				Suggestion: "coordinate a migration path with consumers before merging",
			}}
		}
	}
	for _, label := range change.Labels {
		normalized := strings.ToLower(label)
		if normalized == "breaking" || normalized == "breaking-change" {
			return []datatypes.Finding{{
				Severity: datatypes.SeverityHigh,
				Category: datatypes.CategoryBreakingChange,
				Message:  fmt.Sprintf("change labeled %q", label),
			}}
		}
	}
	return nil
}

func (u *UXIntegration) scanFile(file FilePatch) []datatypes.Finding {
	var findings []datatypes.Finding

	for _, line := range file.Added {
		if u.diffMarker.MatchString(line.Text) {
			findings = append(findings, datatypes.Finding{
				Severity: datatypes.SeverityMedium,
				Category: datatypes.CategoryBreakingChange,
				Message:  "deprecation or breaking-change marker added",
				File:     file.Path,
				Line:     line.Number,
			})
			break
		}
	}

	if strings.HasSuffix(file.Path, ".go") && !isTestPath(file.Path) {
		findings = append(findings, u.removedExports(file)...)
	}

	for _, line := range file.Removed {
		if u.routeDecl.MatchString(line.Text) {
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityMedium,
				Category:   datatypes.CategoryBreakingChange,
				Message:    "public route removed or relocated",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "keep the old route as an alias or bump the API version",
			})
			break
		}
	}
	return findings
}

// removedExports flags exported Go declarations that disappear from a file
// without being re-added, which usually means a consumer somewhere breaks.
func (u *UXIntegration) removedExports(file FilePatch) []datatypes.Finding {
	readded := make(map[string]bool)
	for _, line := range file.Added {
		if match := u.exportedDecl.FindStringSubmatch(line.Text); match != nil {
			readded[match[1]] = true
		}
	}

	var findings []datatypes.Finding
	seen := make(map[string]bool)
	for _, line := range file.Removed {
		match := u.exportedDecl.FindStringSubmatch(line.Text)
		if match == nil || readded[match[1]] || seen[match[1]] {
			continue
		}
		seen[match[1]] = true
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityMedium,
			Category: datatypes.CategoryBreakingChange,
			Message:  fmt.Sprintf("exported symbol %s removed", match[1]),
			File:     file.Path,
			Line:     line.Number,
		})
		if len(findings) == maxRemovedSymbolFindings {
			break
		}
	}
	return findings
}

// metaRisk converts author history and change scope into advisory findings.
func metaRisk(change *datatypes.ChangeContext) []datatypes.Finding {
	var findings []datatypes.Finding

	switch change.AuthorStats.Risk() {
	case datatypes.RiskHigh:
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityMedium,
			Category: NameUXIntegration,
			Message:  fmt.Sprintf("author revert rate %.0f%% is elevated", change.AuthorStats.RevertRate*100),
		})
	case datatypes.RiskMedium:
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityLow,
			Category: NameUXIntegration,
			Message:  fmt.Sprintf("author revert rate %.0f%% is above typical", change.AuthorStats.RevertRate*100),
		})
	case datatypes.RiskUnknown:
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityInfo,
			Category: NameUXIntegration,
			Message:  "author has no merge history in this repository",
		})
	}

	switch change.ScopeRisk() {
	case datatypes.RiskHigh:
		findings = append(findings, datatypes.Finding{
			Severity:   datatypes.SeverityMedium,
			Category:   NameUXIntegration,
			Message:    fmt.Sprintf("change touches %d files", len(change.FilesChanged)),
			Suggestion: "split the change if independent concerns are bundled",
		})
	case datatypes.RiskMedium:
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityLow,
			Category: NameUXIntegration,
			Message:  fmt.Sprintf("change scope is broad (%d files, +%d lines)", len(change.FilesChanged), change.Additions),
		})
	}
	return findings
}
