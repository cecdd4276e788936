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
	"math"
	"regexp"
	"strings"

	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// secretPattern matches one credential shape in added lines. Patterns with
// MinEntropy > 0 additionally require the captured value to look random,
// which keeps "password = 'password'" style fixtures out of the findings.
type secretPattern struct {
	name       string
	re         *regexp.Regexp
	severity   datatypes.Severity
	minEntropy float64
}

// codePattern matches one dangerous construct in added non-comment lines.
type codePattern struct {
	re       *regexp.Regexp
	severity datatypes.Severity
	message  string
	advice   string
}

// Security scans added lines for committed credentials, dangerous call
// sites, injection-prone string building, and dependency manifest edits.
type Security struct {
	secrets []secretPattern
	danger  []codePattern
}

// NewSecurity compiles the pattern tables once; the returned analyzer is
// immutable and shared across runs.
func NewSecurity() *Security {
	return &Security{
		secrets: []secretPattern{
			{name: "AWS access key", re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), severity: datatypes.SeverityCritical, minEntropy: 3.0},
			{name: "Stripe live key", re: regexp.MustCompile(`sk_live_[0-9a-zA-Z]{24,}`), severity: datatypes.SeverityCritical},
			{name: "private key material", re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY`), severity: datatypes.SeverityCritical},
			{name: "OpenAI API key", re: regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`), severity: datatypes.SeverityHigh, minEntropy: 3.0},
			{name: "GitHub token", re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`), severity: datatypes.SeverityHigh, minEntropy: 3.0},
			{name: "Slack token", re: regexp.MustCompile(`xox[baprs]-[0-9A-Za-z\-]{10,}`), severity: datatypes.SeverityHigh},
			{name: "generic API key", re: regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-]{20,})`), severity: datatypes.SeverityHigh, minEntropy: 3.5},
			{name: "hardcoded password", re: regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[=:]\s*['"]([^'"]{8,})['"]`), severity: datatypes.SeverityHigh, minEntropy: 3.0},
			{name: "connection string credential", re: regexp.MustCompile(`(?i)(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^\s'"]*:([^\s'"@]+)@`), severity: datatypes.SeverityHigh, minEntropy: 2.5},
			{name: "JWT signing secret", re: regexp.MustCompile(`(?i)(?:jwt[_-]?secret|signing[_-]?key)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-]{16,})`), severity: datatypes.SeverityHigh, minEntropy: 3.5},
		},
		danger: []codePattern{
			{
				re:       regexp.MustCompile(`(?i)InsecureSkipVerify\s*:\s*true`),
				severity: datatypes.SeverityHigh,
				message:  "TLS certificate verification disabled",
				advice:   "remove InsecureSkipVerify or scope it to a test-only transport",
			},
			{
				re:       regexp.MustCompile(`\beval\s*\(`),
				severity: datatypes.SeverityHigh,
				message:  "dynamic code evaluation",
				advice:   "replace eval with explicit parsing or dispatch",
			},
			{
				re:       regexp.MustCompile(`(?i)\bos\.system\s*\(|subprocess\.(?:call|run|Popen)\s*\([^)]*shell\s*=\s*True`),
				severity: datatypes.SeverityHigh,
				message:  "shell execution with attacker-influenced input surface",
				advice:   "pass an argv list without shell interpolation",
			},
			{
				re:       regexp.MustCompile(`\bpickle\.loads?\s*\(`),
				severity: datatypes.SeverityHigh,
				message:  "unsafe deserialization via pickle",
				advice:   "deserialize untrusted data with a schema-checked codec",
			},
			{
				re:       regexp.MustCompile(`(?i)fmt\.Sprintf\([^)]*\b(?:select|insert|update|delete)\b`),
				severity: datatypes.SeverityHigh,
				message:  "SQL statement built with Sprintf",
				advice:   "use parameterized queries",
			},
			{
				re:       regexp.MustCompile(`(?i)f["'][^"']*\b(?:select|insert|update|delete)\b[^"']*\{`),
				severity: datatypes.SeverityHigh,
				message:  "SQL statement built with f-string interpolation",
				advice:   "use parameterized queries",
			},
			{
				re:       regexp.MustCompile(`(?i)["'][^"']*\b(?:where|values)\b[^"']*["']\s*\+\s*[a-zA-Z_]`),
				severity: datatypes.SeverityHigh,
				message:  "SQL statement built with string concatenation",
				advice:   "use parameterized queries",
			},
			{
				re:       regexp.MustCompile(`yaml\.load\s*\((?:[^)]*)?\)`),
				severity: datatypes.SeverityMedium,
				message:  "yaml.load without an explicit safe loader",
			},
			{
				re:       regexp.MustCompile(`dangerouslySetInnerHTML|\.innerHTML\s*=`),
				severity: datatypes.SeverityMedium,
				message:  "raw HTML injection sink",
			},
			{
				re:       regexp.MustCompile(`\bmd5\.New\(\)|\bsha1\.New\(\)|hashlib\.(?:md5|sha1)\(`),
				severity: datatypes.SeverityMedium,
				message:  "weak hash algorithm for a security-sensitive context",
			},
			{
				re:       regexp.MustCompile(`(?i)(?:open|readfile|read_file|sendfile|\bjoin)\s*\([^)]*\.\./`),
				severity: datatypes.SeverityMedium,
				message:  "path constructed with parent-directory traversal",
			},
		},
	}
}

func (s *Security) Name() string { return NameSecurity }

// Analyze scans the diff for security-relevant additions.
//
// Description:
//
//	Secret patterns run against every added line, including comments,
//	since a credential in a comment still leaks. Dangerous-call patterns
//	skip comment lines. Secrets found under test or fixture paths are
//	suppressed, and matched values that look like placeholders are
//	suppressed, both following the scanner's low-noise bias. Dependency
//	manifest edits always produce at least an advisory finding; go.mod
//	version downgrades and replace directives are escalated.
//
// Outputs:
//
//	*datatypes.AnalyzerResult - Score derived from finding severities.
//	error - Only on context cancellation.
func (s *Security) Analyze(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.AnalyzerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []datatypes.Finding
	summary, err := ScanDiff(change.Diff)
	if err != nil {
		findings = append(findings, datatypes.Finding{
			Severity: datatypes.SeverityMedium,
			Category: datatypes.CategorySecurity,
			Message:  "unified diff could not be parsed; changes were not scanned",
		})
		return s.result(findings), nil
	}

	for _, file := range summary.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings = append(findings, s.scanSecrets(file)...)
		findings = append(findings, s.scanDanger(file)...)
		findings = append(findings, scanDependencies(file)...)
	}
	return s.result(findings), nil
}

func (s *Security) result(findings []datatypes.Finding) *datatypes.AnalyzerResult {
	return &datatypes.AnalyzerResult{
		Analyzer: NameSecurity,
		Score:    confidence.ScoreFromFindings(findings),
		Findings: findings,
		Status:   datatypes.AnalyzerCompleted,
	}
}

func (s *Security) scanSecrets(file FilePatch) []datatypes.Finding {
	if allowlistedSecretPath(file.Path) {
		return nil
	}
	var findings []datatypes.Finding
	for _, line := range file.Added {
		for _, pat := range s.secrets {
			match := pat.re.FindStringSubmatch(line.Text)
			if match == nil {
				continue
			}
			value := match[0]
			if len(match) > 1 && match[1] != "" {
				value = match[1]
			}
			if placeholderValue(value) {
				continue
			}
			if pat.minEntropy > 0 && shannonEntropy(value) < pat.minEntropy {
				continue
			}
			findings = append(findings, datatypes.Finding{
				Severity:   pat.severity,
				Category:   datatypes.CategorySecurity,
				Message:    pat.name + " committed to source",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "rotate the credential and load it from the environment or a secret manager",
			})
			break // one secret finding per line is enough
		}
	}
	return findings
}

func (s *Security) scanDanger(file FilePatch) []datatypes.Finding {
	var findings []datatypes.Finding
	for _, line := range file.Added {
		if isCommentLine(line.Text) {
			continue
		}
		for _, pat := range s.danger {
			if !pat.re.MatchString(line.Text) {
				continue
			}
			findings = append(findings, datatypes.Finding{
				Severity:   pat.severity,
				Category:   datatypes.CategorySecurity,
				Message:    pat.message,
				File:       file.Path,
				Line:       line.Number,
				Suggestion: pat.advice,
			})
		}
	}
	return findings
}

// requireLine matches "require example.com/mod v1.2.3" and the block form
// "\texample.com/mod v1.2.3 // indirect".
var requireLine = regexp.MustCompile(`^\s*(?:require\s+)?([A-Za-z0-9._\-/]+)\s+(v[0-9][^\s]*)`)

// scanDependencies flags manifest edits and inspects go.mod version moves.
func scanDependencies(file FilePatch) []datatypes.Finding {
	eco := dependencyEcosystem(file.Path)
	if eco == "" {
		return nil
	}
	findings := []datatypes.Finding{{
		Severity: datatypes.SeverityLow,
		Category: datatypes.CategorySecurity,
		Message:  "dependency manifest modified (" + eco + ")",
		File:     file.Path,
	}}
	if eco != "go" || !strings.HasSuffix(strings.ToLower(file.Path), "go.mod") {
		return findings
	}

	before := requireVersions(file.Removed)
	for _, line := range file.Added {
		if strings.HasPrefix(strings.TrimSpace(line.Text), "replace ") {
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityHigh,
				Category:   datatypes.CategorySecurity,
				Message:    "module replace directive added",
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "replace directives swap vetted modules for arbitrary sources; confirm the target",
			})
			continue
		}
		path, version, ok := parseRequire(line.Text)
		if !ok {
			continue
		}
		prev, moved := before[path]
		if moved && semver.Compare(version, prev) < 0 {
			findings = append(findings, datatypes.Finding{
				Severity:   datatypes.SeverityHigh,
				Category:   datatypes.CategorySecurity,
				Message:    "dependency " + path + " downgraded from " + prev + " to " + version,
				File:       file.Path,
				Line:       line.Number,
				Suggestion: "downgrades can reintroduce patched vulnerabilities; confirm the pin is intentional",
			})
		}
	}
	return findings
}

// requireVersions indexes module path to version for require-style lines.
func requireVersions(lines []Line) map[string]string {
	out := make(map[string]string)
	for _, line := range lines {
		if path, version, ok := parseRequire(line.Text); ok {
			out[path] = version
		}
	}
	return out
}

func parseRequire(text string) (path, version string, ok bool) {
	match := requireLine.FindStringSubmatch(text)
	if match == nil {
		return "", "", false
	}
	path, version = match[1], match[2]
	if module.CheckPath(path) != nil || !semver.IsValid(version) {
		return "", "", false
	}
	return path, version, true
}

// allowlistedSecretPath suppresses secret findings under test and fixture
// trees, where deliberately fake credentials are routine.
func allowlistedSecretPath(path string) bool {
	if isTestPath(path) {
		return true
	}
	lower := strings.ToLower(path)
	for _, marker := range []string{"example", "sample", "demo", "fixture", "mock"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// placeholderValue reports whether a matched value is an obvious stand-in.
func placeholderValue(value string) bool {
	lower := strings.ToLower(value)
	for _, marker := range []string{"example", "sample", "placeholder", "changeme", "change-me", "dummy", "your-", "your_", "xxxx", "0000", "redacted", "<", "$"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// shannonEntropy measures value randomness in bits per character. Real
// credentials typically land above 3.0; English words sit well below.
func shannonEntropy(value string) float64 {
	if value == "" {
		return 0
	}
	freq := make(map[rune]int, len(value))
	for _, r := range value {
		freq[r]++
	}
	total := float64(len([]rune(value)))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
