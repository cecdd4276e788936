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
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrDiffParse wraps unified diff parse failures.
var ErrDiffParse = errors.New("diff parse failed")

// Line is one changed line with its position in the post-change file
// (for additions) or the pre-change file (for removals).
type Line struct {
	Number int
	Text   string
}

// FilePatch is the per-file view of the change every analyzer walks.
type FilePatch struct {
	// Path is the post-change path, or the pre-change path for deletions,
	// with the conventional a/ b/ prefixes stripped.
	Path      string
	OldPath   string
	Added     []Line
	Removed   []Line
	IsNew     bool
	IsDeleted bool
}

// DiffSummary holds the parsed change a single analyzer scans.
type DiffSummary struct {
	Files     []FilePatch
	Additions int
	Deletions int
}

// ScanDiff parses a unified diff into per-file added and removed lines.
//
// Description:
//
//	Line numbers for additions are computed from each hunk's new-file
//	start; removals use the original-file start. An empty diff yields an
//	empty summary, not an error. Analyzers call this independently so a
//	panic or parse bug in one perspective cannot poison another.
//
// Inputs:
//
//	diffText - Unified diff text, typically multi-file.
//
// Outputs:
//
//	*DiffSummary - Parsed files with changed lines.
//	error - ErrDiffParse-wrapped parse failure.
func ScanDiff(diffText string) (*DiffSummary, error) {
	summary := &DiffSummary{}
	if strings.TrimSpace(diffText) == "" {
		return summary, nil
	}

	reader := diff.NewMultiFileDiffReader(strings.NewReader(diffText))
	fileDiffs, err := reader.ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiffParse, err)
	}

	for _, fd := range fileDiffs {
		fp := FilePatch{
			Path:      normalizeDiffPath(fd.NewName),
			OldPath:   normalizeDiffPath(fd.OrigName),
			IsNew:     fd.OrigName == "/dev/null",
			IsDeleted: fd.NewName == "/dev/null",
		}
		if fp.IsDeleted {
			fp.Path = fp.OldPath
		}

		for _, hunk := range fd.Hunks {
			newLine := int(hunk.NewStartLine)
			origLine := int(hunk.OrigStartLine)
			for _, raw := range strings.Split(string(hunk.Body), "\n") {
				if raw == "" || strings.HasPrefix(raw, "\\") {
					// Trailing split artifact or "\ No newline at end of file".
					continue
				}
				switch raw[0] {
				case '+':
					fp.Added = append(fp.Added, Line{Number: newLine, Text: raw[1:]})
					newLine++
				case '-':
					fp.Removed = append(fp.Removed, Line{Number: origLine, Text: raw[1:]})
					origLine++
				default:
					newLine++
					origLine++
				}
			}
		}

		summary.Additions += len(fp.Added)
		summary.Deletions += len(fp.Removed)
		summary.Files = append(summary.Files, fp)
	}
	return summary, nil
}

// normalizeDiffPath strips the conventional a/ and b/ diff prefixes.
func normalizeDiffPath(name string) string {
	if name == "/dev/null" || name == "" {
		return name
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// isTestPath reports whether a changed path looks like test code.
// Covers Go, Python, JS/TS, and generic fixture layouts.
func isTestPath(path string) bool {
	lower := strings.ToLower(path)
	base := filepath.Base(lower)
	if strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_") ||
		strings.Contains(base, ".spec.") ||
		strings.Contains(base, ".test.") {
		return true
	}
	for _, seg := range strings.Split(lower, "/") {
		switch seg {
		case "test", "tests", "__tests__", "testdata", "fixtures", "mocks":
			return true
		}
	}
	return false
}

// isSourcePath reports whether a changed path is production code the
// testing analyzer should expect tests for.
func isSourcePath(path string) bool {
	if isTestPath(path) {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".rb", ".rs", ".c", ".cc", ".cpp", ".h", ".cs", ".kt", ".swift":
		return true
	}
	return false
}

// dependencyManifests maps manifest basenames to their ecosystem.
var dependencyManifests = map[string]string{
	"go.mod":             "go",
	"go.sum":             "go",
	"package.json":       "npm",
	"package-lock.json":  "npm",
	"yarn.lock":          "npm",
	"pnpm-lock.yaml":     "npm",
	"requirements.txt":   "pip",
	"pyproject.toml":     "pip",
	"poetry.lock":        "pip",
	"pipfile":            "pip",
	"pipfile.lock":       "pip",
	"gemfile":            "bundler",
	"gemfile.lock":       "bundler",
	"cargo.toml":         "cargo",
	"cargo.lock":         "cargo",
	"pom.xml":            "maven",
	"build.gradle":       "gradle",
	"composer.json":      "composer",
	"composer.lock":      "composer",
	"dockerfile":         "docker",
	"docker-compose.yml": "docker",
}

// dependencyEcosystem returns the ecosystem for a manifest path, or "".
func dependencyEcosystem(path string) string {
	return dependencyManifests[strings.ToLower(filepath.Base(path))]
}

// isCommentLine reports whether a trimmed line is a pure comment in the
// common languages analyzers scan. Secrets in comments are still worth a
// look but dangerous-call heuristics skip them.
func isCommentLine(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "//") ||
		strings.HasPrefix(trimmed, "#") ||
		strings.HasPrefix(trimmed, "*") ||
		strings.HasPrefix(trimmed, "/*") ||
		strings.HasPrefix(trimmed, "--")
}
