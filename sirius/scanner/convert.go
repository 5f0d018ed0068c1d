package scanner

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

var (
	cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)
	cwePattern = regexp.MustCompile(`(?i)CWE-(\d+)`)
)

// RelativePath rewrites a scanner-reported path relative to the scan root:
// the workspace prefix and any leading separators are removed and the path
// is cleaned so it can never climb out of the root. Returns "" when nothing
// is left.
func RelativePath(root, p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return ""
	}
	root = strings.TrimRight(strings.ReplaceAll(root, `\`, "/"), "/")
	if root != "" && root != "." {
		if p == root {
			return ""
		}
		if strings.HasPrefix(p, root+"/") {
			p = p[len(root)+1:]
		}
	}
	p = strings.TrimPrefix(path.Clean("/"+strings.TrimLeft(p, "/")), "/")
	if p == "." {
		return ""
	}
	return p
}

// newFinding starts a record with a fresh adapter-scoped id.
func newFinding(s vulnerability.Scanner, scanID string, now time.Time) vulnerability.Vulnerability {
	return vulnerability.Vulnerability{
		ID:         uuid.NewString(),
		ScanID:     scanID,
		Scanner:    s,
		Type:       vulnerability.TypeFor(s),
		Severity:   vulnerability.SeverityInfo,
		CWE:        []string{},
		OWASP:      []string{},
		References: []string{},
		Metadata:   map[string]any{},
		DetectedAt: now,
	}
}

// normalizeCVE returns the id only when it is a published CVE identifier.
func normalizeCVE(id string) *string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !cvePattern.MatchString(id) {
		return nil
	}
	return &id
}

// normalizeCWEs reduces "CWE-79: Improper Neutralization ..." style entries to "CWE-79".
func normalizeCWEs(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		m := cwePattern.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		out = append(out, "CWE-"+m[1])
	}
	return uniqueStrings(out)
}

// uniqueStrings trims, drops empties and removes duplicates, keeping first-seen order.
func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// stringsAt reads a JSON value that may be a single string or an array of strings.
func stringsAt(r gjson.Result) []string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	if r.IsArray() {
		var out []string
		for _, item := range r.Array() {
			if item.Type == gjson.String || item.Type == gjson.Number {
				out = append(out, item.String())
			}
		}
		return out
	}
	return []string{r.String()}
}

// titleFromRule turns "python.lang.security.audit.eval-detected" into "Eval detected".
func titleFromRule(rule string) string {
	last := rule
	if i := strings.LastIndexAny(rule, "./"); i >= 0 && i < len(rule)-1 {
		last = rule[i+1:]
	}
	last = strings.NewReplacer("-", " ", "_", " ").Replace(last)
	if last == "" {
		return rule
	}
	return strings.ToUpper(last[:1]) + last[1:]
}

func genericDescription(t vulnerability.Type) string {
	switch t {
	case vulnerability.TypeSAST:
		return "Static analysis detected a potentially insecure code pattern."
	case vulnerability.TypeSCA:
		return "A dependency with a known vulnerability is in use."
	case vulnerability.TypeSecrets:
		return "A hardcoded secret or credential was detected in the source tree."
	case vulnerability.TypeIaC:
		return "An infrastructure-as-code resource is misconfigured."
	case vulnerability.TypeContainer:
		return "A package in the container image has a known vulnerability."
	default:
		return "A security issue was detected."
	}
}

func genericRecommendation(t vulnerability.Type) string {
	switch t {
	case vulnerability.TypeSAST:
		return "Review the flagged code and apply the secure coding pattern for this rule."
	case vulnerability.TypeSCA:
		return "Upgrade the affected dependency to a version without this vulnerability."
	case vulnerability.TypeSecrets:
		return "Revoke and rotate the exposed credential, then load it from a secret manager."
	case vulnerability.TypeIaC:
		return "Update the resource configuration to satisfy the failed policy check."
	case vulnerability.TypeContainer:
		return "Rebuild the image on an updated base image or upgrade the affected package."
	default:
		return "Review and remediate the finding."
	}
}

func upgradeRecommendation(pkg, from, to string) string {
	if from == "" {
		return fmt.Sprintf("Update package %s to version %s", pkg, to)
	}
	return fmt.Sprintf("Update package %s from version %s to version %s", pkg, from, to)
}

func conversionError(s vulnerability.Scanner, index int, reason string) vulnerability.AdapterError {
	return vulnerability.AdapterError{
		Level:   vulnerability.LevelError,
		Code:    vulnerability.CodeConversion,
		Message: fmt.Sprintf("%s result %d: %s", s, index, reason),
	}
}

func confidenceWord(word string, fallback float64) float64 {
	switch strings.ToUpper(strings.TrimSpace(word)) {
	case "HIGH":
		return 0.9
	case "MEDIUM":
		return 0.6
	case "LOW":
		return 0.3
	default:
		return fallback
	}
}
