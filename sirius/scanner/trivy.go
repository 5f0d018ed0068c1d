package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Trivy runs trivy in filesystem mode for dependency analysis.
type Trivy struct {
	tool
}

func NewTrivy(opts Options) *Trivy {
	return &Trivy{tool: newTool(vulnerability.ScannerTrivy, "trivy", opts)}
}

func (a *Trivy) Scan(ctx context.Context, target scan.Target, scanID string, mode vulnerability.Mode) vulnerability.ScanResult {
	args := []string{"fs", "--scanners", "vuln", "--format", "json", "--quiet"}
	if mode == vulnerability.ModeQuick {
		args = append(args, "--skip-db-update")
	} else {
		args = append(args, "--include-dev-deps")
	}
	args = append(args, target.Root)
	return a.execute(ctx, target, scanID, args, a.convert)
}

func (a *Trivy) convert(doc gjson.Result, target scan.Target, scanID string, res *vulnerability.ScanResult) {
	now := a.now()
	results := doc.Get("Results").Array()
	res.Metadata.Counters["targets"] = len(results)

	packages := map[string]bool{}
	index := 0
	for _, r := range results {
		manifest := RelativePath(target.Root, r.Get("Target").String())
		ecosystem := r.Get("Type").String()

		for _, item := range r.Get("Vulnerabilities").Array() {
			i := index
			index++
			if !item.IsObject() {
				res.Errors = append(res.Errors, conversionError(a.scanner, i, "vulnerability is not an object"))
				continue
			}
			id := item.Get("VulnerabilityID").String()
			pkg := item.Get("PkgName").String()
			if id == "" && pkg == "" {
				res.Errors = append(res.Errors, conversionError(a.scanner, i, "missing VulnerabilityID and PkgName"))
				continue
			}
			installed := item.Get("InstalledVersion").String()
			fixed := item.Get("FixedVersion").String()
			packages[pkg+"@"+installed] = true

			v := newFinding(a.scanner, scanID, now)
			v.RuleID = id
			if v.RuleID == "" {
				v.RuleID = "trivy.vulnerable-package." + pkg
			}
			v.CVE = normalizeCVE(id)
			if v.CVE == nil && id != "" {
				v.Metadata["advisory_id"] = id
			}
			v.Severity = vulnerability.NormalizeSeverity(a.scanner, item.Get("Severity").String())
			v.Title = strings.TrimSpace(item.Get("Title").String())
			if v.Title == "" {
				v.Title = fmt.Sprintf("%s in %s", v.RuleID, pkg)
			}
			v.Description = strings.TrimSpace(item.Get("Description").String())
			if v.Description == "" {
				v.Description = genericDescription(v.Type)
			}
			v.FilePath = vulnerability.StringPtr(manifest)
			v.CWE = normalizeCWEs(stringsAt(item.Get("CweIDs")))
			v.References = uniqueStrings(append([]string{item.Get("PrimaryURL").String()}, stringsAt(item.Get("References"))...))
			v.Confidence = 0.9

			v.Recommendation = genericRecommendation(v.Type)
			if fixed != "" {
				v.Recommendation = upgradeRecommendation(pkg, installed, firstVersion(fixed))
			}

			v.Metadata["package_name"] = pkg
			v.Metadata["installed_version"] = installed
			if fixed != "" {
				v.Metadata["fixed_version"] = fixed
			}
			if ecosystem != "" {
				v.Metadata["ecosystem"] = ecosystem
			}
			if score := cvssScore(item.Get("CVSS")); score > 0 {
				v.Metadata["cvss_score"] = score
			}
			if src := item.Get("DataSource.ID").String(); src != "" {
				v.Metadata["data_source"] = src
			}
			res.Vulnerabilities = append(res.Vulnerabilities, v)
		}
	}
	res.Metadata.Counters["vulnerable_packages"] = len(packages)
}

// firstVersion picks the first of trivy's comma-separated fixed versions.
func firstVersion(fixed string) string {
	if i := strings.IndexByte(fixed, ','); i >= 0 {
		return strings.TrimSpace(fixed[:i])
	}
	return strings.TrimSpace(fixed)
}

// cvssScore returns the highest v3 base score across CVSS sources.
func cvssScore(cvss gjson.Result) float64 {
	best := 0.0
	cvss.ForEach(func(_, source gjson.Result) bool {
		if s := source.Get("V3Score").Float(); s > best {
			best = s
		}
		return true
	})
	return best
}
