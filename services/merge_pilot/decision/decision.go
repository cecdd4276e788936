// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision maps (confidence, gate outcome) to a terminal verdict.
//
// The mapping is a pure function with no state across runs. The gate check
// precedes the threshold check as an invariant: confidence can never
// override a tripped gate.
package decision

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// Default decision thresholds.
const (
	DefaultAutoMerge      = 0.92
	DefaultApproveReview  = 0.85
	DefaultRequestChanges = 0.75
)

// DefaultTopFindings is how many findings are attached as reasoning.
const DefaultTopFindings = 5

// ErrThresholdOrder indicates a threshold set that is not monotonically
// decreasing. Fatal at startup.
var ErrThresholdOrder = errors.New("thresholds must satisfy auto_merge >= approve_review >= request_changes")

// Thresholds are the ordered confidence cutoffs.
type Thresholds struct {
	AutoMerge      float64 `json:"auto_merge" yaml:"auto_merge"`
	ApproveReview  float64 `json:"approve_review" yaml:"approve_review"`
	RequestChanges float64 `json:"request_changes" yaml:"request_changes"`
}

// DefaultThresholds returns the moderate production cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoMerge:      DefaultAutoMerge,
		ApproveReview:  DefaultApproveReview,
		RequestChanges: DefaultRequestChanges,
	}
}

// Validate enforces ordering and bounds.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.AutoMerge, t.ApproveReview, t.RequestChanges} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: value %v out of [0,1]", ErrThresholdOrder, v)
		}
	}
	if t.AutoMerge < t.ApproveReview || t.ApproveReview < t.RequestChanges {
		return fmt.Errorf("%w: got %.2f/%.2f/%.2f",
			ErrThresholdOrder, t.AutoMerge, t.ApproveReview, t.RequestChanges)
	}
	return nil
}

// Verdict is the engine's structured, reasoned output for one run.
type Verdict struct {
	Decision    datatypes.Decision    `json:"decision"`
	Confidence  float64               `json:"confidence"`
	GateOutcome datatypes.GateOutcome `json:"gate_outcome"`
	Reasons     []string              `json:"reasons"`
}

// Engine maps aggregated inputs to a Verdict.
type Engine struct {
	thresholds  Thresholds
	topFindings int
}

// New validates the thresholds and returns a decision engine.
func New(thresholds Thresholds, topFindings int) (*Engine, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if topFindings <= 0 {
		topFindings = DefaultTopFindings
	}
	return &Engine{thresholds: thresholds, topFindings: topFindings}, nil
}

// Decide produces the verdict for one run.
//
// Inputs:
//
//	conf - The aggregated confidence score.
//	gate - The gate outcome; a blocked gate forces the decision.
//	gateReason - Reason text from the tripped gate, empty when clear.
//	results - Complete analyzer results, used only for reasoning text.
func (e *Engine) Decide(conf *datatypes.ConfidenceScore, gate datatypes.GateOutcome, gateReason string, results []datatypes.AnalyzerResult) *Verdict {
	v := &Verdict{
		Confidence:  conf.Value,
		GateOutcome: gate,
	}

	if gate.Blocked() {
		if gate == datatypes.GateInsufficientCoverage {
			v.Decision = datatypes.DecisionRequestChanges
		} else {
			v.Decision = datatypes.DecisionReject
		}
		v.Reasons = append(v.Reasons, fmt.Sprintf("gate %s: %s", gate, gateReason))
	} else {
		switch {
		case conf.Value >= e.thresholds.AutoMerge:
			v.Decision = datatypes.DecisionAutoMerge
			v.Reasons = append(v.Reasons,
				fmt.Sprintf("confidence %.4f >= auto_merge threshold %.2f", conf.Value, e.thresholds.AutoMerge))
		case conf.Value >= e.thresholds.ApproveReview:
			v.Decision = datatypes.DecisionApproveRequestReview
			v.Reasons = append(v.Reasons,
				fmt.Sprintf("confidence %.4f >= approve_review threshold %.2f", conf.Value, e.thresholds.ApproveReview))
		case conf.Value >= e.thresholds.RequestChanges:
			v.Decision = datatypes.DecisionRequestChanges
			v.Reasons = append(v.Reasons,
				fmt.Sprintf("confidence %.4f >= request_changes threshold %.2f", conf.Value, e.thresholds.RequestChanges))
		default:
			v.Decision = datatypes.DecisionReject
			v.Reasons = append(v.Reasons,
				fmt.Sprintf("confidence %.4f below request_changes threshold %.2f", conf.Value, e.thresholds.RequestChanges))
		}
	}

	for _, f := range datatypes.TopFindings(results, e.topFindings) {
		reason := fmt.Sprintf("[%s/%s] %s", f.Severity, f.Category, f.Message)
		if f.File != "" {
			reason += fmt.Sprintf(" (%s:%d)", f.File, f.Line)
		}
		v.Reasons = append(v.Reasons, reason)
	}

	return v
}
