package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Semgrep runs semgrep for static analysis.
type Semgrep struct {
	tool
}

// NewSemgrep returns the SAST adapter. semgrep exits 1 when it reports findings.
func NewSemgrep(opts Options) *Semgrep {
	return &Semgrep{tool: newTool(vulnerability.ScannerSemgrep, "semgrep", opts, 1)}
}

func (a *Semgrep) Scan(ctx context.Context, target scan.Target, scanID string, mode vulnerability.Mode) vulnerability.ScanResult {
	config := "p/ci"
	if mode == vulnerability.ModeFull {
		config = "auto"
	}
	args := []string{"scan", "--json", "--quiet", "--metrics=off", "--config", config, target.Root}
	return a.execute(ctx, target, scanID, args, a.convert)
}

func (a *Semgrep) convert(doc gjson.Result, target scan.Target, scanID string, res *vulnerability.ScanResult) {
	res.Metadata.Counters["files_scanned"] = len(doc.Get("paths.scanned").Array())
	if rules := doc.Get("time.rules"); rules.IsArray() {
		res.Metadata.Counters["rules_run"] = len(rules.Array())
	}

	for _, e := range doc.Get("errors").Array() {
		res.Errors = append(res.Errors, vulnerability.AdapterError{
			Level:   vulnerability.LevelWarning,
			Code:    vulnerability.CodeToolWarning,
			Message: strings.TrimSpace(e.Get("type").String() + ": " + e.Get("message").String()),
		})
	}
	res.Metadata.Counters["tool_errors"] = len(doc.Get("errors").Array())

	now := a.now()
	for i, r := range doc.Get("results").Array() {
		if !r.IsObject() {
			res.Errors = append(res.Errors, conversionError(a.scanner, i, "result is not an object"))
			continue
		}
		rule := r.Get("check_id").String()
		if rule == "" {
			rule = "semgrep.unknown-rule"
		}
		extra := r.Get("extra")
		meta := extra.Get("metadata")

		v := newFinding(a.scanner, scanID, now)
		v.RuleID = rule
		v.Title = titleFromRule(rule)
		v.Severity = vulnerability.NormalizeSeverity(a.scanner, extra.Get("severity").String())
		v.Description = strings.TrimSpace(extra.Get("message").String())
		if v.Description == "" {
			v.Description = genericDescription(v.Type)
		}
		v.FilePath = vulnerability.StringPtr(RelativePath(target.Root, r.Get("path").String()))
		v.LineStart = vulnerability.IntPtr(int(r.Get("start.line").Int()))
		v.LineEnd = vulnerability.IntPtr(int(r.Get("end.line").Int()))
		if lines := strings.TrimSpace(extra.Get("lines").String()); lines != "" && lines != "requires login" {
			v.CodeSnippet = &lines
		}
		v.CWE = normalizeCWEs(stringsAt(meta.Get("cwe")))
		v.OWASP = uniqueStrings(stringsAt(meta.Get("owasp")))
		v.References = uniqueStrings(append(stringsAt(meta.Get("references")), meta.Get("source").String()))
		v.Confidence = confidenceWord(meta.Get("confidence").String(), 0.5)

		v.Recommendation = genericRecommendation(v.Type)
		if fix := strings.TrimSpace(extra.Get("fix").String()); fix != "" {
			v.Recommendation = fmt.Sprintf("Replace the flagged code with: %s", fix)
		}

		for _, key := range []string{"category", "likelihood", "impact"} {
			if s := meta.Get(key).String(); s != "" {
				v.Metadata[key] = s
			}
		}
		if fp := extra.Get("fingerprint").String(); fp != "" && fp != "requires login" {
			v.Metadata["fingerprint"] = fp
		}
		res.Vulnerabilities = append(res.Vulnerabilities, v)
	}
}
