package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Grype runs grype against the target's container image.
type Grype struct {
	tool
}

func NewGrype(opts Options) *Grype {
	return &Grype{tool: newTool(vulnerability.ScannerGrype, "grype", opts)}
}

func (a *Grype) Scan(ctx context.Context, target scan.Target, scanID string, mode vulnerability.Mode) vulnerability.ScanResult {
	if target.Image == "" {
		return vulnerability.FatalResult(a.scanner, vulnerability.CodeExecution, "grype: no container image to scan", 0)
	}
	args := []string{target.Image, "-o", "json", "--quiet"}
	if mode == vulnerability.ModeFull {
		args = append(args, "--scope", "all-layers")
	}
	return a.execute(ctx, target, scanID, args, a.convert)
}

func (a *Grype) convert(doc gjson.Result, target scan.Target, scanID string, res *vulnerability.ScanResult) {
	now := a.now()
	matches := doc.Get("matches").Array()
	image := doc.Get("source.target.userInput").String()
	if image == "" {
		image = target.Image
	}

	for i, m := range matches {
		if !m.IsObject() {
			res.Errors = append(res.Errors, conversionError(a.scanner, i, "match is not an object"))
			continue
		}
		vuln := m.Get("vulnerability")
		art := m.Get("artifact")
		id := vuln.Get("id").String()
		pkg := art.Get("name").String()
		if id == "" {
			res.Errors = append(res.Errors, conversionError(a.scanner, i, "missing vulnerability id"))
			continue
		}
		installed := art.Get("version").String()

		v := newFinding(a.scanner, scanID, now)
		v.RuleID = id
		v.CVE = normalizeCVE(id)
		if v.CVE == nil {
			v.Metadata["advisory_id"] = id
			for _, rel := range m.Get("relatedVulnerabilities").Array() {
				if cve := normalizeCVE(rel.Get("id").String()); cve != nil {
					v.CVE = cve
					break
				}
			}
		}
		v.Severity = vulnerability.NormalizeSeverity(a.scanner, vuln.Get("severity").String())
		v.Title = fmt.Sprintf("%s in %s %s", id, pkg, installed)
		v.Description = strings.TrimSpace(vuln.Get("description").String())
		if v.Description == "" {
			v.Description = strings.TrimSpace(m.Get("relatedVulnerabilities.0.description").String())
		}
		if v.Description == "" {
			v.Description = genericDescription(v.Type)
		}
		v.References = uniqueStrings(append([]string{vuln.Get("dataSource").String()}, stringsAt(vuln.Get("urls"))...))

		v.Confidence = 0.85
		for _, d := range m.Get("matchDetails").Array() {
			if d.Get("type").String() == "exact-direct-match" {
				v.Confidence = 0.95
				break
			}
		}

		fixed := stringsAt(vuln.Get("fix.versions"))
		v.Recommendation = genericRecommendation(v.Type)
		if len(fixed) > 0 {
			v.Recommendation = upgradeRecommendation(pkg, installed, fixed[0])
			v.Metadata["fixed_version"] = strings.Join(fixed, ", ")
		}

		v.Metadata["image"] = image
		v.Metadata["package_name"] = pkg
		v.Metadata["installed_version"] = installed
		if t := art.Get("type").String(); t != "" {
			v.Metadata["package_type"] = t
		}
		if purl := art.Get("purl").String(); purl != "" {
			v.Metadata["purl"] = purl
		}
		if loc := art.Get("locations.0"); loc.Exists() {
			v.Metadata["location"] = loc.Get("path").String()
			if layer := loc.Get("layerID").String(); layer != "" {
				v.Metadata["layer_id"] = layer
			}
		}
		best := 0.0
		for _, c := range vuln.Get("cvss").Array() {
			if s := c.Get("metrics.baseScore").Float(); s > best {
				best = s
			}
		}
		if best > 0 {
			v.Metadata["cvss_score"] = best
		}
		res.Vulnerabilities = append(res.Vulnerabilities, v)
	}
	res.Metadata.Counters["matches"] = len(matches)
}
