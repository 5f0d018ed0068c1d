package enrichment

import (
	"context"
	"path"
	"strings"

	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

var frameworkByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "node",
	".jsx":  "node",
	".ts":   "node",
	".tsx":  "node",
	".java": "java",
	".kt":   "java",
	".rb":   "ruby",
	".php":  "php",
	".cs":   "dotnet",
	".rs":   "rust",
	".tf":   "terraform",
}

var frameworkByManifest = map[string]string{
	"go.mod":            "go",
	"go.sum":            "go",
	"package.json":      "node",
	"package-lock.json": "node",
	"yarn.lock":         "node",
	"pnpm-lock.yaml":    "node",
	"requirements.txt":  "python",
	"poetry.lock":       "python",
	"Pipfile.lock":      "python",
	"pom.xml":           "java",
	"build.gradle":      "java",
	"Gemfile.lock":      "ruby",
	"Cargo.lock":        "rust",
	"composer.lock":     "php",
	"Dockerfile":        "docker",
}

var (
	publicHints = []string{"routes", "handlers", "controllers", "api", "views", "endpoints", "web", "server"}
	authHints   = []string{"admin", "auth", "internal", "private"}
)

// Heuristic infers context from file paths and categories. It never fails
// and only fills fields an earlier enricher left empty.
type Heuristic struct{}

func (Heuristic) Name() string {
	return "heuristic"
}

func (Heuristic) Enrich(_ context.Context, vulns []vulnerability.Vulnerability) ([]vulnerability.Vulnerability, error) {
	for i := range vulns {
		v := &vulns[i]
		fields := Fields(v)
		p := v.Path()

		if fw := framework(p); fw != "" {
			setDefault(fields, FieldFramework, fw)
		}
		setDefault(fields, FieldPublicFacing, hasSegment(p, publicHints))
		setDefault(fields, FieldAuthRequired, hasSegment(p, authHints))
		setDefault(fields, FieldExploitLikelihood, likelihood(v))
	}
	return vulns, nil
}

func framework(p string) string {
	if p == "" {
		return ""
	}
	if fw, ok := frameworkByManifest[path.Base(p)]; ok {
		return fw
	}
	return frameworkByExt[strings.ToLower(path.Ext(p))]
}

func hasSegment(p string, hints []string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(strings.ToLower(path.Dir(p)), "/") {
		for _, h := range hints {
			if seg == h {
				return true
			}
		}
	}
	return false
}

// likelihood is a coarse guess used when no exploit data is available.
// Leaked secrets are directly usable, so they rank high regardless of severity.
func likelihood(v *vulnerability.Vulnerability) string {
	if v.Type == vulnerability.TypeSecrets {
		return "high"
	}
	switch v.Severity {
	case vulnerability.SeverityCritical:
		return "high"
	case vulnerability.SeverityHigh, vulnerability.SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}
