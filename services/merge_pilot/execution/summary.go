// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execution

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// BuildSummary renders the markdown comment attached to a change after its
// evaluation: the decision, the aggregate confidence, and one score row per
// analyzer.
func BuildSummary(record *datatypes.RunRecord) string {
	var b strings.Builder

	b.WriteString("## Autonomous Review Summary\n\n")
	fmt.Fprintf(&b, "**Decision**: %s\n", record.Decision)
	if record.Confidence != nil {
		fmt.Fprintf(&b, "**Confidence**: %.1f%%\n", record.Confidence.Value*100)
	}
	if record.Context != nil {
		fmt.Fprintf(&b, "**Files Changed**: %d | **+%d/-%d**\n",
			len(record.Context.FilesChanged),
			record.Context.Additions,
			record.Context.Deletions)
	}

	if len(record.Results) > 0 {
		b.WriteString("\n### Review Breakdown\n\n")
		b.WriteString("| Perspective | Score | Status |\n")
		b.WriteString("|-------------|-------|--------|\n")
		for _, result := range record.Results {
			fmt.Fprintf(&b, "| %s | %.0f%% | %s |\n",
				result.Analyzer, result.Score*100, scoreLabel(result))
		}
	}

	if len(record.Reasons) > 0 {
		b.WriteString("\n### Reasons\n\n")
		for _, reason := range record.Reasons {
			fmt.Fprintf(&b, "- %s\n", reason)
		}
	}

	return b.String()
}

// scoreLabel classifies one analyzer row for the summary table using the
// same cut points the decision thresholds use for review and changes.
func scoreLabel(result datatypes.AnalyzerResult) string {
	if result.Status != datatypes.AnalyzerCompleted {
		return "incomplete"
	}
	switch {
	case result.Score >= 0.85:
		return "pass"
	case result.Score >= 0.75:
		return "warn"
	default:
		return "fail"
	}
}
