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
	"testing"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

func TestPerformance_NestedLoop(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/batch/batch.go",
		"for _, group := range groups {",
		"\tfor _, item := range group.Items {",
		"\t\tprocess(item)",
		"\t}",
		"}",
	))
	finding := findByMessage(result.Findings, "nested loop")
	if finding == nil || finding.Severity != datatypes.SeverityMedium {
		t.Fatalf("nested loop finding = %+v, want medium severity", finding)
	}
	if finding.Line != 3 {
		t.Errorf("Line = %d, want 3", finding.Line)
	}
}

func TestPerformance_QueryInLoop(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/batch/batch.go",
		"for _, id := range ids {",
		"\tuser, err := db.query(ctx, id)",
		"\tif err != nil { return err }",
		"}",
	))
	finding := findByMessage(result.Findings, "inside a loop")
	if finding == nil || finding.Severity != datatypes.SeverityHigh {
		t.Fatalf("query-in-loop finding = %+v, want high severity", finding)
	}
}

func TestPerformance_QueryOutsideLoopNotFlagged(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/batch/batch.go",
		"user, err := db.query(ctx, id)",
	))
	if f := findByMessage(result.Findings, "inside a loop"); f != nil {
		t.Errorf("top-level query flagged as in-loop: %+v", f)
	}
}

func TestPerformance_CompileInLoop(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/match/match.go",
		"for _, rule := range rules {",
		"\tre := regexp.MustCompile(rule.Pattern)",
		"\tre.MatchString(input)",
		"}",
	))
	finding := findByMessage(result.Findings, "compiled inside a loop")
	if finding == nil || finding.Severity != datatypes.SeverityMedium {
		t.Fatalf("compile-in-loop finding = %+v, want medium severity", finding)
	}
}

func TestPerformance_SleepOnProductionPath(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/retry/retry.go",
		"time.Sleep(500 * time.Millisecond)",
	))
	finding := findByMessage(result.Findings, "sleep added")
	if finding == nil || finding.Severity != datatypes.SeverityMedium {
		t.Fatalf("sleep finding = %+v, want medium severity", finding)
	}
}

func TestPerformance_TestFilesSkipped(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/retry/retry_test.go",
		"time.Sleep(500 * time.Millisecond)",
	))
	if len(result.Findings) != 0 {
		t.Errorf("test file produced findings: %+v", result.Findings)
	}
}

func TestPerformance_UnboundedBodyRead(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/api/handler.go",
		"payload, err := io.ReadAll(r.Body)",
	))
	finding := findByMessage(result.Findings, "unbounded read")
	if finding == nil || finding.Severity != datatypes.SeverityMedium {
		t.Fatalf("unbounded read finding = %+v, want medium severity", finding)
	}
}

func TestPerformance_CleanDiff(t *testing.T) {
	result := analyzeDiff(t, NewPerformance(), singleFileDiff("pkg/api/handler.go",
		"limit := int64(1 << 20)",
		"payload, err := io.ReadAll(io.LimitReader(src, limit))",
	))
	if f := findByMessage(result.Findings, "unbounded"); f != nil {
		t.Errorf("bounded read flagged: %+v", f)
	}
	if result.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0, findings %+v", result.Score, result.Findings)
	}
}
