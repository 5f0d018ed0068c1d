package scanner

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Checkov runs checkov against infrastructure-as-code files.
type Checkov struct {
	tool
}

// NewCheckov returns the IaC adapter. checkov exits 1 when any check fails.
func NewCheckov(opts Options) *Checkov {
	return &Checkov{tool: newTool(vulnerability.ScannerCheckov, "checkov", opts, 1)}
}

func (a *Checkov) Scan(ctx context.Context, target scan.Target, scanID string, mode vulnerability.Mode) vulnerability.ScanResult {
	args := []string{"--directory", target.Root, "--output", "json", "--quiet"}
	if mode == vulnerability.ModeQuick {
		args = append(args, "--compact", "--skip-download")
	} else {
		args = append(args, "--download-external-modules", "true")
	}
	return a.execute(ctx, target, scanID, args, a.convert)
}

func (a *Checkov) convert(doc gjson.Result, target scan.Target, scanID string, res *vulnerability.ScanResult) {
	// One framework yields an object, several yield a list of objects.
	reports := []gjson.Result{doc}
	if doc.IsArray() {
		reports = doc.Array()
	}

	now := a.now()
	index := 0
	for _, report := range reports {
		summary := report.Get("summary")
		res.Metadata.Counters["checks_passed"] += int(summary.Get("passed").Int())
		res.Metadata.Counters["checks_failed"] += int(summary.Get("failed").Int())
		res.Metadata.Counters["resources"] += int(summary.Get("resource_count").Int())
		if n := summary.Get("parsing_errors").Int(); n > 0 {
			res.Metadata.Counters["parsing_errors"] += int(n)
			res.Errors = append(res.Errors, vulnerability.AdapterError{
				Level:   vulnerability.LevelWarning,
				Code:    vulnerability.CodeToolWarning,
				Message: report.Get("check_type").String() + ": files could not be parsed",
			})
		}

		framework := report.Get("check_type").String()
		for _, check := range report.Get("results.failed_checks").Array() {
			i := index
			index++
			if !check.IsObject() {
				res.Errors = append(res.Errors, conversionError(a.scanner, i, "failed check is not an object"))
				continue
			}
			rule := check.Get("check_id").String()
			if rule == "" {
				rule = "checkov.unknown-check"
			}

			v := newFinding(a.scanner, scanID, now)
			v.RuleID = rule
			v.Title = strings.TrimSpace(check.Get("check_name").String())
			if v.Title == "" {
				v.Title = rule
			}
			v.Severity = vulnerability.NormalizeSeverity(a.scanner, check.Get("severity").String())
			resource := check.Get("resource").String()
			v.Description = genericDescription(v.Type)
			if resource != "" {
				v.Description = "Resource " + resource + " failed check: " + v.Title
			}

			file := check.Get("repo_file_path").String()
			if file == "" {
				file = check.Get("file_path").String()
			}
			v.FilePath = vulnerability.StringPtr(RelativePath(target.Root, file))
			lines := check.Get("file_line_range").Array()
			if len(lines) == 2 {
				v.LineStart = vulnerability.IntPtr(int(lines[0].Int()))
				v.LineEnd = vulnerability.IntPtr(int(lines[1].Int()))
			}
			if snippet := codeBlock(check.Get("code_block")); snippet != "" {
				v.CodeSnippet = &snippet
			}
			v.Confidence = 0.8

			guideline := check.Get("guideline").String()
			v.Recommendation = genericRecommendation(v.Type)
			if guideline != "" {
				v.Recommendation = "Follow the remediation guideline: " + guideline
			}
			v.References = uniqueStrings([]string{guideline})

			if framework != "" {
				v.Metadata["framework"] = framework
			}
			if resource != "" {
				v.Metadata["resource"] = resource
			}
			if bc := check.Get("bc_check_id").String(); bc != "" {
				v.Metadata["bc_check_id"] = bc
			}
			res.Vulnerabilities = append(res.Vulnerabilities, v)
		}
	}
}

// codeBlock joins checkov's [[line, text], ...] excerpt.
func codeBlock(block gjson.Result) string {
	var b strings.Builder
	for _, line := range block.Array() {
		parts := line.Array()
		if len(parts) != 2 {
			continue
		}
		b.WriteString(parts[1].String())
	}
	return strings.TrimRight(b.String(), "\n")
}
