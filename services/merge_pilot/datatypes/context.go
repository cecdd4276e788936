// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the domain types for the merge pilot service.
//
// # Description
//
// This package defines the immutable evaluation input (ChangeContext), the
// per-analyzer output (AnalyzerResult, Finding), and the audit aggregate
// (RunRecord) together with the enums that drive the decision pipeline.
// Types here carry no behavior beyond validation, defaulting, and derived
// classification; all pipeline logic lives in the sibling packages.
//
// # Thread Safety
//
// All types are plain value carriers. A ChangeContext is created once per
// evaluation run and never mutated afterward; a RunRecord is written by
// exactly one run goroutine until sealed.
package datatypes

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxDiffBytes is the maximum unified diff size accepted per change.
	// Larger payloads are rejected at the boundary to prevent memory
	// exhaustion from hostile or runaway submissions.
	MaxDiffBytes = 4 * 1024 * 1024 // 4MB

	// MaxTitleBytes is the maximum change title size.
	MaxTitleBytes = 4 * 1024 // 4KB

	// MaxBodyBytes is the maximum change description size.
	MaxBodyBytes = 64 * 1024 // 64KB

	// MaxFilesChanged is the maximum number of file entries accepted.
	MaxFilesChanged = 5000
)

// Scope risk thresholds. A change touching more than ScopeFilesHigh files is
// inherently hard to review regardless of what the analyzers report.
const (
	ScopeFilesHigh       = 50
	ScopeFilesMedium     = 20
	ScopeAdditionsMedium = 1000
)

// Author risk thresholds based on the trailing revert rate of an author's
// merged changes.
const (
	AuthorRevertRateHigh   = 0.2
	AuthorRevertRateMedium = 0.1
)

// Common errors for the datatypes package.
var (
	// ErrInvalidContext indicates a ChangeContext failed validation.
	ErrInvalidContext = errors.New("invalid change context")

	// ErrDiffTooLarge indicates the diff exceeds MaxDiffBytes.
	ErrDiffTooLarge = errors.New("diff exceeds maximum size")
)

// ctxValidate is the validator instance for merge pilot datatypes.
// Initialized in init() with custom validators.
var ctxValidate *validator.Validate

func init() {
	ctxValidate = validator.New()
	_ = ctxValidate.RegisterValidation("refname", validateRefName)
}

// validateRefName rejects git ref names that could smuggle flags or traverse
// paths when handed to an external provider.
func validateRefName(fl validator.FieldLevel) bool {
	ref := fl.Field().String()
	if ref == "" || len(ref) > 255 {
		return false
	}
	if ref[0] == '-' || ref[0] == '.' {
		return false
	}
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '/' || c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// CIStatus is the state of the change's existing CI result.
type CIStatus string

const (
	CIPassing CIStatus = "passing"
	CIFailing CIStatus = "failing"
	CIPending CIStatus = "pending"
	CIUnknown CIStatus = "unknown"
)

// RiskLevel classifies a derived, non-blocking risk signal.
type RiskLevel string

const (
	RiskHigh    RiskLevel = "high"
	RiskMedium  RiskLevel = "medium"
	RiskLow     RiskLevel = "low"
	RiskUnknown RiskLevel = "unknown"
)

// AuthorStats summarizes the submitting author's merge history, as supplied
// by the context provider. Zero values mean the provider had no history.
type AuthorStats struct {
	// MergedCount is the number of changes by this author already merged.
	MergedCount int `json:"merged_count" yaml:"merged_count" validate:"gte=0"`

	// RevertRate is the fraction of the author's merged changes that were
	// later reverted, in [0,1].
	RevertRate float64 `json:"revert_rate" yaml:"revert_rate" validate:"gte=0,lte=1"`
}

// Risk classifies the author's track record.
//
// An author with no merged history is unknown, not low: absence of evidence
// is not evidence of safety.
func (a *AuthorStats) Risk() RiskLevel {
	if a == nil || a.MergedCount == 0 {
		return RiskUnknown
	}
	switch {
	case a.RevertRate > AuthorRevertRateHigh:
		return RiskHigh
	case a.RevertRate > AuthorRevertRateMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ChangeContext is the immutable snapshot of one proposed code change.
//
// # Description
//
// ChangeContext is created once per evaluation run by a context provider and
// owned exclusively by that run. It carries everything the analyzers and
// gates consume: the unified diff, the file-level summary, author identity,
// the existing CI verdict, and the conflict flag. It is never re-fetched or
// mutated mid-run; a re-evaluation constructs a fresh snapshot.
//
// # Validation
//
// Uses go-playground/validator:
//   - ID: required, UUID v4
//   - Repo: required
//   - SourceRef/TargetRef: required, valid ref name characters
//   - Title: required, bounded by MaxTitleBytes
//   - Diff: bounded by MaxDiffBytes
//   - FilesChanged: at most MaxFilesChanged entries
type ChangeContext struct {
	ID           string       `json:"id" yaml:"id" validate:"required,uuid4"`
	Repo         string       `json:"repo" yaml:"repo" validate:"required,max=255"`
	Number       int          `json:"number" yaml:"number" validate:"gte=0"`
	Title        string       `json:"title" yaml:"title" validate:"required,max=4096"`
	Body         string       `json:"body" yaml:"body" validate:"max=65536"`
	Author       string       `json:"author" yaml:"author" validate:"max=255"`
	SourceRef    string       `json:"source_ref" yaml:"source_ref" validate:"required,refname"`
	TargetRef    string       `json:"target_ref" yaml:"target_ref" validate:"required,refname"`
	Diff         string       `json:"diff" yaml:"diff"`
	FilesChanged []string     `json:"files_changed" yaml:"files_changed" validate:"max=5000"`
	Additions    int          `json:"additions" yaml:"additions" validate:"gte=0"`
	Deletions    int          `json:"deletions" yaml:"deletions" validate:"gte=0"`
	Conflict     bool         `json:"conflict" yaml:"conflict"`
	CIStatus     CIStatus     `json:"ci_status" yaml:"ci_status" validate:"omitempty,oneof=passing failing pending unknown"`
	Labels       []string     `json:"labels,omitempty" yaml:"labels,omitempty" validate:"max=100"`
	CoveragePct  *float64     `json:"coverage_pct,omitempty" yaml:"coverage_pct,omitempty" validate:"omitempty,gte=0,lte=100"`
	AuthorStats  *AuthorStats `json:"author_stats,omitempty" yaml:"author_stats,omitempty"`
	CreatedAt    time.Time    `json:"created_at" yaml:"created_at"`
}

// Validate validates the ChangeContext fields.
func (c *ChangeContext) Validate() error {
	if len(c.Diff) > MaxDiffBytes {
		return ErrDiffTooLarge
	}
	if err := ctxValidate.Struct(c); err != nil {
		return errors.Join(ErrInvalidContext, err)
	}
	if c.AuthorStats != nil {
		if err := ctxValidate.Struct(c.AuthorStats); err != nil {
			return errors.Join(ErrInvalidContext, err)
		}
	}
	return nil
}

// EnsureDefaults populates identifiers and timestamps left empty by the
// caller so every snapshot is traceable.
func (c *ChangeContext) EnsureDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CIStatus == "" {
		c.CIStatus = CIUnknown
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}

// ScopeRisk classifies the blast radius of the change from its file-level
// summary alone. Informational; never trips a gate by itself.
func (c *ChangeContext) ScopeRisk() RiskLevel {
	switch {
	case len(c.FilesChanged) > ScopeFilesHigh:
		return RiskHigh
	case len(c.FilesChanged) > ScopeFilesMedium || c.Additions > ScopeAdditionsMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}
