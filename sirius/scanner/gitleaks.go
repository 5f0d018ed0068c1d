package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

const redacted = "REDACTED"

// Gitleaks runs gitleaks for secret detection. The matched secret itself is
// never stored.
type Gitleaks struct {
	tool
}

// NewGitleaks returns the secrets adapter. gitleaks exits 1 when leaks are found.
func NewGitleaks(opts Options) *Gitleaks {
	g := &Gitleaks{tool: newTool(vulnerability.ScannerGitleaks, "gitleaks", opts, 1)}
	g.emptyOK = true
	return g
}

func (a *Gitleaks) Scan(ctx context.Context, target scan.Target, scanID string, mode vulnerability.Mode) vulnerability.ScanResult {
	args := []string{"detect", "--no-banner", "--report-format", "json", "--report-path", "-",
		"--redact", "--source", target.Root}
	if mode == vulnerability.ModeQuick {
		args = append(args, "--no-git")
	}
	return a.execute(ctx, target, scanID, args, a.convert)
}

func (a *Gitleaks) convert(doc gjson.Result, target scan.Target, scanID string, res *vulnerability.ScanResult) {
	if !doc.IsArray() {
		res.Errors = append(res.Errors, conversionError(a.scanner, 0, "report is not a list of leaks"))
		return
	}

	now := a.now()
	commits := map[string]bool{}
	for i, leak := range doc.Array() {
		if !leak.IsObject() {
			res.Errors = append(res.Errors, conversionError(a.scanner, i, "leak is not an object"))
			continue
		}
		rule := leak.Get("RuleID").String()
		if rule == "" {
			rule = "gitleaks.generic-secret"
		}

		v := newFinding(a.scanner, scanID, now)
		v.RuleID = rule
		v.Title = strings.TrimSpace(leak.Get("Description").String())
		if v.Title == "" {
			v.Title = "Secret detected: " + rule
		}
		v.Description = fmt.Sprintf("%s matched by rule %s.", genericDescription(v.Type), rule)
		v.Severity = vulnerability.NormalizeSeverity(a.scanner, leakSeverity(leak))
		v.FilePath = vulnerability.StringPtr(RelativePath(target.Root, leak.Get("File").String()))
		v.LineStart = vulnerability.IntPtr(int(leak.Get("StartLine").Int()))
		v.LineEnd = vulnerability.IntPtr(int(leak.Get("EndLine").Int()))
		if match := redact(leak.Get("Match").String(), leak.Get("Secret").String()); match != "" {
			v.CodeSnippet = &match
		}
		v.CWE = []string{"CWE-798"}
		v.OWASP = []string{"A07:2021 - Identification and Authentication Failures"}
		v.Confidence = 0.7
		if leak.Get("Verified").Bool() {
			v.Confidence = 0.95
		}
		v.Recommendation = fmt.Sprintf("Revoke and rotate the credential matched by rule %s, remove it from the source and purge it from version control history.", rule)

		if commit := leak.Get("Commit").String(); commit != "" {
			v.Metadata["commit"] = commit
			commits[commit] = true
		}
		if fp := leak.Get("Fingerprint").String(); fp != "" {
			v.Metadata["fingerprint"] = fp
		}
		if e := leak.Get("Entropy").Float(); e > 0 {
			v.Metadata["entropy"] = e
		}
		res.Vulnerabilities = append(res.Vulnerabilities, v)
	}
	res.Metadata.Counters["commits"] = len(commits)
}

// leakSeverity reads an explicit Severity field or a "severity:<level>" tag.
func leakSeverity(leak gjson.Result) string {
	if s := leak.Get("Severity").String(); s != "" {
		return s
	}
	for _, tag := range stringsAt(leak.Get("Tags")) {
		if level, ok := strings.CutPrefix(strings.ToLower(tag), "severity:"); ok {
			return level
		}
	}
	return ""
}

func redact(match, secret string) string {
	match = strings.TrimSpace(match)
	if secret != "" && secret != redacted {
		match = strings.ReplaceAll(match, secret, redacted)
	}
	return match
}
