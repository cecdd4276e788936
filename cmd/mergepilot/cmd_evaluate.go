// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
)

// Exit codes map the decision onto pipeline-friendly values. Zero means the
// change earned an automatic merge; anything else tells the caller to hold.
const (
	exitAutoMerge        = 0
	exitError            = 1
	exitApproveReview    = 2
	exitChangesRequested = 3
	exitRejected         = 4
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	evaluateJSON    bool
	evaluateQuiet   bool
	evaluateExecute bool
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [change-file]",
	Short: "Evaluate one change file and exit with the decision",
	Long: `Run one change through the full evaluation pipeline and print the
verdict. The change file describes the proposed change as JSON or YAML
(.yaml/.yml); see the documentation for the field list.

By default the command decides without merging. Pass --execute to let an
AUTO_MERGE decision land the change; execution also requires a profile that
permits it, so info_only configurations never merge regardless of flags.
Post-merge monitoring needs the long-running service and is skipped here;
one-shot merges seal as merged immediately.

Exit codes:
  0  AUTO_MERGE
  1  evaluation error
  2  APPROVE_REQUEST_REVIEW
  3  REQUEST_CHANGES
  4  REJECT

Examples:
  mergepilot evaluate change.json
  mergepilot evaluate --json change.yaml | jq .decision
  mergepilot evaluate --quiet change.json && echo mergeable`,
	Args: cobra.ExactArgs(1),
	Run:  runEvaluate,
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateJSON, "json", false,
		"Output the full run record as JSON")
	evaluateCmd.Flags().BoolVar(&evaluateQuiet, "quiet", false,
		"No output, only the exit code")
	evaluateCmd.Flags().BoolVar(&evaluateExecute, "execute", false,
		"Merge on an AUTO_MERGE decision (requires a profile with execution enabled)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runEvaluate(cmd *cobra.Command, args []string) {
	os.Exit(evaluate(args[0]))
}

func evaluate(path string) int {
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		outputEvaluateError("Configuration rejected", err)
		return exitError
	}

	if evaluateExecute && !cfg.Execution.Enabled {
		slog.Warn("--execute requested but the configuration disables execution, deciding only",
			"profile", displayProfile(cfg.Profile))
	}
	cfg.Execution.Enabled = cfg.Execution.Enabled && evaluateExecute
	cfg.Execution.Monitoring = false

	st, err := buildStack(cfg)
	if err != nil {
		outputEvaluateError("Stack assembly failed", err)
		return exitError
	}

	change, err := provider.NewFileContext(path).Fetch(ctx)
	if err != nil {
		st.close()
		outputEvaluateError("Cannot read change file", err)
		return exitError
	}

	record, err := st.engine.Evaluate(ctx, change)
	if err != nil && record == nil {
		st.close()
		outputEvaluateError("Evaluation failed", err)
		return exitError
	}
	if err != nil {
		// Interrupted mid-run; the sealed record still tells the story.
		slog.Warn("evaluation interrupted", "run_id", record.ID, "error", err)
	}

	// The merge stage runs in the background. Closing the engine waits for
	// it, so the final record carries the execution outcome.
	if cerr := st.engine.Close(); cerr != nil {
		slog.Error("engine shutdown", "error", cerr)
	}
	if final, gerr := st.store.GetRun(context.Background(), record.ID); gerr == nil {
		record = final
	}
	if serr := st.store.Close(); serr != nil {
		slog.Error("audit store shutdown", "error", serr)
	}

	if !evaluateQuiet {
		if evaluateJSON {
			outputEvaluateJSON(record)
		} else {
			outputEvaluateText(record)
		}
	}

	if err != nil {
		return exitError
	}
	return exitCodeFor(record.Decision)
}

func exitCodeFor(d datatypes.Decision) int {
	switch d {
	case datatypes.DecisionAutoMerge:
		return exitAutoMerge
	case datatypes.DecisionApproveRequestReview:
		return exitApproveReview
	case datatypes.DecisionRequestChanges:
		return exitChangesRequested
	case datatypes.DecisionReject:
		return exitRejected
	default:
		return exitError
	}
}

// =============================================================================
// OUTPUT FUNCTIONS
// =============================================================================

func outputEvaluateError(msg string, err error) {
	if evaluateQuiet {
		return
	}
	if evaluateJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("%s: %v", msg, err),
		})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
}

func outputEvaluateJSON(record *datatypes.RunRecord) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(record); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
	}
}

func outputEvaluateText(record *datatypes.RunRecord) {
	fmt.Println("Change Evaluation")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	if record.Context != nil {
		fmt.Printf("Change:     %s #%d %q\n", record.Context.Repo, record.Context.Number, record.Context.Title)
		fmt.Printf("Refs:       %s -> %s\n", record.Context.SourceRef, record.Context.TargetRef)
	}
	fmt.Printf("Run ID:     %s\n", record.ID)
	fmt.Println()

	if record.Confidence != nil {
		fmt.Println("Analyzer Scores:")
		for _, c := range record.Confidence.Contributions {
			fmt.Printf("  %-16s weight %.2f  score %.3f  weighted %.4f\n",
				c.Analyzer, c.Weight, c.Score, c.Weighted)
		}
		fmt.Printf("  Confidence: %.4f (raw %.4f, penalty %.4f)\n",
			record.Confidence.Value, record.Confidence.Raw, record.Confidence.Penalty)
		fmt.Println()
	}

	if digest := findingDigest(record.Results); digest != "" {
		fmt.Printf("Findings:   %s\n", digest)
	}
	if record.GateOutcome != "" {
		fmt.Printf("Gates:      %s\n", record.GateOutcome)
	}
	fmt.Printf("Decision:   %s\n", record.Decision)
	if len(record.Reasons) > 0 {
		fmt.Println("Reasons:")
		for _, reason := range record.Reasons {
			fmt.Printf("  - %s\n", reason)
		}
	}

	fmt.Printf("Outcome:    %s\n", record.Outcome)
	if record.MergedRef != "" {
		fmt.Printf("Merged As:  %s (%s)\n", record.MergedRef, record.Strategy)
	}
	if record.RevertRef != "" {
		fmt.Printf("Reverted:   %s\n", record.RevertRef)
	}
}

// findingDigest summarizes finding counts by severity, highest first.
func findingDigest(results []datatypes.AnalyzerResult) string {
	counts := map[datatypes.Severity]int{}
	for _, result := range results {
		for _, finding := range result.Findings {
			counts[finding.Severity]++
		}
	}
	if len(counts) == 0 {
		return ""
	}

	severities := make([]datatypes.Severity, 0, len(counts))
	for s := range counts {
		severities = append(severities, s)
	}
	sort.Slice(severities, func(i, j int) bool {
		return severities[i].Rank() > severities[j].Rank()
	})

	parts := make([]string, 0, len(severities))
	for _, s := range severities {
		parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
	}
	return strings.Join(parts, ", ")
}
