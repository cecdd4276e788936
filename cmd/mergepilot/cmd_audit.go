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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	auditRepo     string
	auditDecision string
	auditOutcome  string
	auditLimit    int
	auditJSON     bool
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect recorded evaluation runs",
	Long: `Read the append-only audit trail.

These commands open the audit store named by the configuration. They read
the same database the service writes, so run them against a stopped service
or point them at a copy; the store is single-writer.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Long: `List recorded evaluation runs, newest first.

Examples:
  mergepilot audit list
  mergepilot audit list --repo acme/api --limit 20
  mergepilot audit list --outcome rolled_back --json`,
	Run: runAuditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run with its event history",
	Args:  cobra.ExactArgs(1),
	Run:   runAuditShow,
}

func init() {
	auditListCmd.Flags().StringVar(&auditRepo, "repo", "",
		"Only runs for this repository")
	auditListCmd.Flags().StringVar(&auditDecision, "decision", "",
		"Only runs that reached this decision (AUTO_MERGE, REJECT, ...)")
	auditListCmd.Flags().StringVar(&auditOutcome, "outcome", "",
		"Only runs sealed with this outcome (merged, stable, rolled_back, ...)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", audit.DefaultListLimit,
		"Maximum runs to return")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false,
		"Output as JSON")
	auditShowCmd.Flags().BoolVar(&auditJSON, "json", false,
		"Output as JSON")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditShowCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// openAuditStore opens the configured store for reading.
func openAuditStore() (audit.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Path == "" && !cfg.Storage.InMemory {
		return nil, fmt.Errorf("storage.path is not configured; the audit trail lives only inside a running service")
	}
	return newStore(cfg)
}

func runAuditList(cmd *cobra.Command, args []string) {
	os.Exit(auditList())
}

func auditList() int {
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openAuditStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, audit.Filter{
		Repo:     auditRepo,
		Decision: datatypes.Decision(auditDecision),
		Outcome:  datatypes.RunOutcome(auditOutcome),
		Limit:    auditLimit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: list runs: %v\n", err)
		return 1
	}

	if auditJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(runs)
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tREPO\tDECISION\tOUTCOME\tCONFIDENCE\tCREATED")
	for _, run := range runs {
		repo := ""
		if run.Context != nil {
			repo = run.Context.Repo
		}
		confidence := "-"
		if run.Confidence != nil {
			confidence = fmt.Sprintf("%.4f", run.Confidence.Value)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, repo, run.Decision, run.Outcome, confidence,
			run.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return 0
}

func runAuditShow(cmd *cobra.Command, args []string) {
	os.Exit(auditShow(args[0]))
}

func auditShow(runID string) int {
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openAuditStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	record, err := store.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	events, err := store.ListEvents(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: list events: %v\n", err)
		return 1
	}

	if auditJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(map[string]any{
			"run":    record,
			"events": events,
		})
		return 0
	}

	outputEvaluateText(record)
	if len(events) > 0 {
		fmt.Println()
		fmt.Println("Events")
		fmt.Println(strings.Repeat("-", 60))
		for _, event := range events {
			line := fmt.Sprintf("  %s  %s", event.At.Format(time.RFC3339), event.Stage)
			if event.Detail != "" {
				line += "  " + event.Detail
			}
			fmt.Println(line)
		}
	}
	return 0
}
