// Package vulnerability holds the canonical finding record every scanner
// adapter converts into, plus the enums and severity tables that define it.
package vulnerability

import (
	"time"
)

// Scanner identifies the external tool that produced a finding.
type Scanner string

const (
	ScannerSemgrep  Scanner = "semgrep"
	ScannerTrivy    Scanner = "trivy"
	ScannerGitleaks Scanner = "gitleaks"
	ScannerCheckov  Scanner = "checkov"
	ScannerGrype    Scanner = "grype"
)

// AllScanners lists every supported scanner in dispatch order.
var AllScanners = []Scanner{ScannerSemgrep, ScannerTrivy, ScannerGitleaks, ScannerCheckov, ScannerGrype}

// IsValid reports whether s is a known scanner.
func (s Scanner) IsValid() bool {
	switch s {
	case ScannerSemgrep, ScannerTrivy, ScannerGitleaks, ScannerCheckov, ScannerGrype:
		return true
	}
	return false
}

// Label is the human name shown in the scanner breakdown.
func (s Scanner) Label() string {
	switch s {
	case ScannerSemgrep:
		return "Static Analysis"
	case ScannerTrivy:
		return "Dependency Analysis"
	case ScannerGitleaks:
		return "Secret Detection"
	case ScannerCheckov:
		return "Infrastructure as Code"
	case ScannerGrype:
		return "Container Image"
	default:
		return string(s)
	}
}

// Type is the vulnerability category.
type Type string

const (
	TypeSAST      Type = "sast"
	TypeSCA       Type = "sca"
	TypeSecrets   Type = "secrets"
	TypeIaC       Type = "iac"
	TypeContainer Type = "container"
)

// TypeFor returns the fixed category for a scanner. Unknown scanners return "".
func TypeFor(s Scanner) Type {
	switch s {
	case ScannerSemgrep:
		return TypeSAST
	case ScannerTrivy:
		return TypeSCA
	case ScannerGitleaks:
		return TypeSecrets
	case ScannerCheckov:
		return TypeIaC
	case ScannerGrype:
		return TypeContainer
	default:
		return ""
	}
}

// Mode controls scanner depth. It never changes the output schema.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// ParseMode defaults to quick for anything that is not "full".
func ParseMode(s string) Mode {
	if Mode(s) == ModeFull {
		return ModeFull
	}
	return ModeQuick
}

// Vulnerability is the normalized finding record.
type Vulnerability struct {
	ID             string         `json:"id"`
	ScanID         string         `json:"scan_id"`
	Scanner        Scanner        `json:"scanner"`
	Type           Type           `json:"type"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	FilePath       *string        `json:"file_path"`
	LineStart      *int           `json:"line_start"`
	LineEnd        *int           `json:"line_end"`
	CodeSnippet    *string        `json:"code_snippet"`
	RuleID         string         `json:"rule_id"`
	CWE            []string       `json:"cwe"`
	CVE            *string        `json:"cve"`
	OWASP          []string       `json:"owasp"`
	Confidence     float64        `json:"confidence"`
	Recommendation string         `json:"recommendation"`
	References     []string       `json:"references"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// Path returns the file path or "" when the finding is not file-scoped.
func (v *Vulnerability) Path() string {
	if v.FilePath == nil {
		return ""
	}
	return *v.FilePath
}

// CVEID returns the CVE or "".
func (v *Vulnerability) CVEID() string {
	if v.CVE == nil {
		return ""
	}
	return *v.CVE
}

// Clone returns a deep copy, so callers can mutate without aliasing adapter output.
func (v Vulnerability) Clone() Vulnerability {
	out := v
	out.FilePath = cloneString(v.FilePath)
	out.CodeSnippet = cloneString(v.CodeSnippet)
	out.CVE = cloneString(v.CVE)
	out.LineStart = cloneInt(v.LineStart)
	out.LineEnd = cloneInt(v.LineEnd)
	out.CWE = append([]string(nil), v.CWE...)
	out.OWASP = append([]string(nil), v.OWASP...)
	out.References = append([]string(nil), v.References...)
	if v.Metadata != nil {
		out.Metadata = make(map[string]any, len(v.Metadata))
		for k, val := range v.Metadata {
			out.Metadata[k] = val
		}
	}
	return out
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr returns nil for non-positive line numbers.
func IntPtr(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}
