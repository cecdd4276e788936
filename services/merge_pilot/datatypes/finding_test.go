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

import "testing"

func TestSeverity_Rank_Ordering(t *testing.T) {
	ordered := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() <= ordered[i].Rank() {
			t.Errorf("expected %s to outrank %s", ordered[i-1], ordered[i])
		}
	}

	if Severity("bogus").Rank() >= SeverityInfo.Rank() {
		t.Error("unknown severity must rank below info")
	}
}

func TestAnalyzerResult_CountBySeverity(t *testing.T) {
	r := &AnalyzerResult{
		Findings: []Finding{
			{Severity: SeverityCritical},
			{Severity: SeverityHigh},
			{Severity: SeverityHigh},
			{Severity: SeverityLow},
		},
	}

	if n := r.CountBySeverity(SeverityHigh); n != 2 {
		t.Errorf("expected 2 high findings, got %d", n)
	}
	if n := r.CountBySeverity(SeverityMedium); n != 0 {
		t.Errorf("expected 0 medium findings, got %d", n)
	}
}

func TestTopFindings_SortsBySeverity(t *testing.T) {
	results := []AnalyzerResult{
		{Findings: []Finding{
			{Severity: SeverityLow, Message: "low-1"},
			{Severity: SeverityCritical, Message: "crit-1"},
		}},
		{Findings: []Finding{
			{Severity: SeverityHigh, Message: "high-1"},
			{Severity: SeverityCritical, Message: "crit-2"},
		}},
	}

	top := TopFindings(results, 3)
	if len(top) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(top))
	}
	if top[0].Message != "crit-1" || top[1].Message != "crit-2" {
		t.Errorf("expected criticals first in emission order, got %q then %q",
			top[0].Message, top[1].Message)
	}
	if top[2].Message != "high-1" {
		t.Errorf("expected high-1 third, got %q", top[2].Message)
	}
}

func TestTopFindings_ZeroLimitReturnsAll(t *testing.T) {
	results := []AnalyzerResult{
		{Findings: []Finding{{Severity: SeverityLow}, {Severity: SeverityHigh}}},
	}

	if got := TopFindings(results, 0); len(got) != 2 {
		t.Errorf("expected all findings with n=0, got %d", len(got))
	}
}
