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
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

const (
	// DefaultReviewModel is used when the completion assist is enabled and
	// no model override is configured.
	DefaultReviewModel = "gpt-4o-mini"

	// maxReviewDiffBytes bounds the diff excerpt sent to the assist.
	maxReviewDiffBytes = 16 << 10

	// maxAssistFindings caps how many findings one completion may add.
	maxAssistFindings = 5

	longLineThreshold  = 160
	largeFileAdditions = 400
)

// ChatCompleter is the slice of the OpenAI-compatible client the quality
// assist needs. *openai.Client satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// CodeQuality flags maintainability problems in added lines, optionally
// augmented by a model review pass against a local or hosted
// OpenAI-compatible endpoint.
//
// The assist is advisory. A failed or slow completion never fails the
// analyzer; heuristics alone produce the result.
type CodeQuality struct {
	llm ChatCompleter

	// Model names the completion model. Set before first use.
	Model string

	markers      *regexp.Regexp
	conflict     *regexp.Regexp
	debugPrint   *regexp.Regexp
	swallowedErr []*regexp.Regexp
}

func NewCodeQuality(llm ChatCompleter) *CodeQuality {
	return &CodeQuality{
		llm:        llm,
		Model:      DefaultReviewModel,
		markers:    regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX)\b`),
		conflict:   regexp.MustCompile(`^(<{7}|={7}|>{7})`),
		debugPrint: regexp.MustCompile(`\bfmt\.Print(?:ln|f)?\(|\bconsole\.(?:log|debug)\(|\bSystem\.out\.println\(`),
		swallowedErr: []*regexp.Regexp{
			regexp.MustCompile(`(?:^|[^a-zA-Z0-9_])_\s*=\s*err\b`),
			regexp.MustCompile(`except\s*(?:Exception)?\s*:\s*pass\b`),
			regexp.MustCompile(`catch\s*\([^)]*\)\s*\{\s*\}`),
		},
	}
}

func (c *CodeQuality) Name() string { return NameCodeQuality }

func (c *CodeQuality) Analyze(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.AnalyzerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []datatypes.Finding
	summary, err := ScanDiff(change.Diff)
	if err != nil {
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityLow,
			Category: NameCodeQuality,
			Message:  "unified diff could not be parsed; quality heuristics skipped",
		})
		return c.result(findings), nil
	}

	for _, file := range summary.Files {
		findings = append(findings, c.scanFile(file)...)
	}
	if c.llm != nil {
		findings = append(findings, c.assistReview(ctx, change)...)
	}
	return c.result(findings), nil
}

func (c *CodeQuality) result(findings []datatypes.Finding) *datatypes.AnalyzerResult {
	return &datatypes.AnalyzerResult{
		Analyzer: NameCodeQuality,
		Score:    confidence.ScoreFromFindings(findings),
		Findings: findings,
		Status:   datatypes.AnalyzerCompleted,
	}
}

// scanFile applies the line heuristics. Per-file noise is bounded by
// aggregating repeat offenders (long lines, debug prints) into one finding.
func (c *CodeQuality) scanFile(file FilePatch) []datatypes.Finding {
	var findings []datatypes.Finding
	var longLines, debugPrints int
	deepNesting := false
	commentRun := 0
	commentedCode := false

	for _, line := range file.Added {
		text := line.Text

		if c.conflict.MatchString(text) {
			findings = append(findings, datatypes.Finding{
				Severity: datatypes.SeverityHigh,
				Category: NameCodeQuality,
				Message:  "merge conflict marker committed",
				File:     file.Path,
				Line:     line.Number,
			})
		}
		if c.markers.MatchString(text) {
			findings = append(findings, datatypes.Finding{
				Severity: datatypes.SeverityLow,
				Category: NameCodeQuality,
				Message:  "unresolved work marker added",
				File:     file.Path,
				Line:     line.Number,
			})
		}
		if len(text) > longLineThreshold && !strings.Contains(text, "http") {
			longLines++
		}
		if !deepNesting && nestingDepth(text) >= 5 {
			deepNesting = true
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityMedium,
				Category:   NameCodeQuality,
				Message:    "deeply nested logic added",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "extract inner blocks into named helpers",
			})
		}
		if !isTestPath(file.Path) && !isCommentLine(text) && c.debugPrint.MatchString(text) {
			debugPrints++
		}
		for _, re := range c.swallowedErr {
			if re.MatchString(text) {
				findings = append(findings, datatypes.Finding{
					Severity: datatypes.SeverityMedium,
					Category: NameCodeQuality,
					Message:  "error silently discarded",
					File:     file.Path,
					Line:     line.Number,
				})
				break
			}
		}

		if isCommentLine(text) && looksLikeCode(text) {
			commentRun++
			if commentRun >= 4 && !commentedCode {
				commentedCode = true
				findings = append(findings, datatypes.Finding{
					Severity:   datatypes.SeverityLow,
					Category:   NameCodeQuality,
					Message:    "block of commented-out code added",
					File:       file.Path,
					Line:       line.Number,
					Suggestion: "delete dead code; history preserves it",
				})
			}
		} else {
			commentRun = 0
		}
	}

	if longLines > 0 {
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityLow,
			Category: NameCodeQuality,
			Message:  fmt.Sprintf("%d added lines exceed %d characters", longLines, longLineThreshold),
			File:     file.Path,
		})
	}
	if debugPrints > 0 {
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityLow,
			Category: NameCodeQuality,
			Message:  fmt.Sprintf("debug prints added (%d)", debugPrints),
			File:     file.Path,
		})
	}
	if added := len(file.Added); added > largeFileAdditions && !file.IsNew {
		findings = append(findings, datatypes.Finding{
			Severity:   datatypes.SeverityMedium,
			Category:   NameCodeQuality,
			Message:    fmt.Sprintf("single file grew by %d lines", added),
			File:       file.Path,
			Suggestion: "consider splitting the change or the file",
		})
	}
	return findings
}

// assistReview asks the configured model for additional findings. Errors
// degrade to heuristics only; the assist can never raise severity past
// high, so a hallucinated finding cannot trip a blocking gate.
func (c *CodeQuality) assistReview(ctx context.Context, change *datatypes.ChangeContext) []datatypes.Finding {
	excerpt := change.Diff
	if len(excerpt) > maxReviewDiffBytes {
		excerpt = excerpt[:maxReviewDiffBytes]
	}

	resp, err := c.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.Model,
		Temperature: 0,
		MaxTokens:   1024,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: `You review code diffs for maintainability problems only.
Respond with JSON: {"findings":[{"severity":"high|medium|low","message":"...","file":"...","line":0,"suggestion":"..."}]}.
Report at most five findings. Report nothing that is stylistic preference.`,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: "Title: " + change.Title + "\n\nDiff:\n" + excerpt,
			},
		},
	})
	if err != nil {
		slog.Warn("code quality review assist unavailable", "error", err)
		return nil
	}
	if len(resp.Choices) == 0 {
		return nil
	}

	var review struct {
		Findings []struct {
			Severity   string `json:"severity"`
			Message    string `json:"message"`
			File       string `json:"file"`
			Line       int    `json:"line"`
			Suggestion string `json:"suggestion"`
		} `json:"findings"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &review); err != nil {
		slog.Warn("code quality review assist returned malformed JSON", "error", err)
		return nil
	}

	var findings []datatypes.Finding
	for _, f := range review.Findings {
		if f.Message == "" {
			continue
		}
		findings = append(findings, datatypes.Finding{
			Severity:   clampAssistSeverity(f.Severity),
			Category:   NameCodeQuality,
			Message:    f.Message,
			File:       f.File,
			Line:       f.Line,
			Suggestion: f.Suggestion,
		})
		if len(findings) == maxAssistFindings {
			break
		}
	}
	return findings
}

func clampAssistSeverity(s string) datatypes.Severity {
	switch datatypes.Severity(strings.ToLower(s)) {
	case datatypes.SeverityCritical, datatypes.SeverityHigh:
		return datatypes.SeverityHigh
	case datatypes.SeverityMedium:
		return datatypes.SeverityMedium
	default:
		return datatypes.SeverityLow
	}
}

// nestingDepth approximates indentation depth: tabs count as one level,
// four spaces as one level.
func nestingDepth(text string) int {
	depth := 0
	spaces := 0
	for _, r := range text {
		switch r {
		case '\t':
			depth++
		case ' ':
			spaces++
			if spaces == 4 {
				depth++
				spaces = 0
			}
		default:
			return depth
		}
	}
	return depth
}

// looksLikeCode reports whether a comment line reads like disabled code.
func looksLikeCode(text string) bool {
	trimmed := strings.TrimLeft(strings.TrimSpace(text), "/#*- ")
	return strings.ContainsAny(trimmed, ";{}=") || strings.Contains(trimmed, "(")
}
