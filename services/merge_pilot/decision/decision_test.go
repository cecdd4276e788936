// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"strings"
	"testing"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

func confOf(v float64) *datatypes.ConfidenceScore {
	return &datatypes.ConfidenceScore{Value: v, Raw: v}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"equal thresholds", Thresholds{0.9, 0.9, 0.9}, false},
		{"approve above auto", Thresholds{0.85, 0.92, 0.75}, true},
		{"request above approve", Thresholds{0.92, 0.75, 0.85}, true},
		{"out of range", Thresholds{1.2, 0.85, 0.75}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
		})
	}
}

func TestDecide_ThresholdBands(t *testing.T) {
	e, err := New(DefaultThresholds(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		conf float64
		want datatypes.Decision
	}{
		{0.9355, datatypes.DecisionAutoMerge},
		{0.92, datatypes.DecisionAutoMerge},
		{0.8855, datatypes.DecisionApproveRequestReview},
		{0.85, datatypes.DecisionApproveRequestReview},
		{0.80, datatypes.DecisionRequestChanges},
		{0.75, datatypes.DecisionRequestChanges},
		{0.7499, datatypes.DecisionReject},
		{0.0, datatypes.DecisionReject},
	}

	for _, tt := range tests {
		v := e.Decide(confOf(tt.conf), datatypes.GateClear, "", nil)
		if v.Decision != tt.want {
			t.Errorf("confidence %.4f: got %s, want %s", tt.conf, v.Decision, tt.want)
		}
	}
}

func TestDecide_GateOverridesConfidence(t *testing.T) {
	e, _ := New(DefaultThresholds(), 0)

	v := e.Decide(confOf(0.99), datatypes.GateConflict, "merge conflicts against main", nil)
	if v.Decision != datatypes.DecisionReject {
		t.Fatalf("tripped gate must force REJECT, got %s", v.Decision)
	}
	if len(v.Reasons) == 0 || !strings.Contains(v.Reasons[0], "blocked_conflict") {
		t.Errorf("expected gate reason first, got %v", v.Reasons)
	}
}

func TestDecide_CoverageGateRequestsChanges(t *testing.T) {
	e, _ := New(DefaultThresholds(), 0)

	v := e.Decide(confOf(0.99), datatypes.GateInsufficientCoverage, "coverage 40.0% below minimum 60.0%", nil)
	if v.Decision != datatypes.DecisionRequestChanges {
		t.Errorf("coverage gate maps to REQUEST_CHANGES, got %s", v.Decision)
	}
}

func TestDecide_CriticalSecurityNeverMergeable(t *testing.T) {
	e, _ := New(DefaultThresholds(), 0)

	for _, conf := range []float64{0.0, 0.85, 0.92, 1.0} {
		v := e.Decide(confOf(conf), datatypes.GateCriticalSecurity, "hardcoded credential", nil)
		if v.Decision == datatypes.DecisionAutoMerge || v.Decision == datatypes.DecisionApproveRequestReview {
			t.Errorf("confidence %.2f: critical security gate produced %s", conf, v.Decision)
		}
	}
}

func TestDecide_AttachesTopFindings(t *testing.T) {
	e, _ := New(DefaultThresholds(), 2)

	results := []datatypes.AnalyzerResult{
		{Analyzer: "security", Findings: []datatypes.Finding{
			{Severity: datatypes.SeverityLow, Category: "security", Message: "verbose error"},
			{Severity: datatypes.SeverityHigh, Category: "security", Message: "weak cipher", File: "crypto.go", Line: 40},
			{Severity: datatypes.SeverityMedium, Category: "security", Message: "missing timeout"},
		}},
	}

	v := e.Decide(confOf(0.95), datatypes.GateClear, "", results)

	// 1 threshold reason + 2 findings.
	if len(v.Reasons) != 3 {
		t.Fatalf("expected 3 reasons, got %d: %v", len(v.Reasons), v.Reasons)
	}
	if !strings.Contains(v.Reasons[1], "weak cipher") || !strings.Contains(v.Reasons[1], "crypto.go:40") {
		t.Errorf("expected highest-severity finding with location, got %q", v.Reasons[1])
	}
}

func TestNew_RejectsBadThresholds(t *testing.T) {
	if _, err := New(Thresholds{0.5, 0.9, 0.2}, 0); err == nil {
		t.Error("expected threshold ordering error, got nil")
	}
}
