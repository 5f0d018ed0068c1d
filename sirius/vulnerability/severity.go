package vulnerability

import "strings"

// Severity is the canonical, totally ordered severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every level from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// IsValid reports whether s is one of the five canonical levels.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Score returns a sortable weight. Critical=5 ... Info=1, anything else 0.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func (s Severity) String() string {
	return string(s)
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Score() > a.Score() {
		return b
	}
	return a
}

// severityTables maps each scanner's raw vocabulary (upper-cased) onto the
// canonical levels. Lookups that miss fall through to info.
var severityTables = map[Scanner]map[string]Severity{
	ScannerSemgrep: {
		"CRITICAL":   SeverityCritical,
		"ERROR":      SeverityCritical,
		"HIGH":       SeverityHigh,
		"WARNING":    SeverityMedium,
		"MEDIUM":     SeverityMedium,
		"LOW":        SeverityLow,
		"INFO":       SeverityLow,
		"INVENTORY":  SeverityInfo,
		"EXPERIMENT": SeverityInfo,
	},
	ScannerTrivy: {
		"CRITICAL": SeverityCritical,
		"HIGH":     SeverityHigh,
		"MEDIUM":   SeverityMedium,
		"LOW":      SeverityLow,
		"UNKNOWN":  SeverityInfo,
	},
	ScannerGitleaks: {
		"CRITICAL": SeverityCritical,
		"HIGH":     SeverityHigh,
		"MEDIUM":   SeverityMedium,
		"LOW":      SeverityLow,
		"INFO":     SeverityInfo,
	},
	ScannerCheckov: {
		"CRITICAL": SeverityCritical,
		"HIGH":     SeverityHigh,
		"MEDIUM":   SeverityMedium,
		"LOW":      SeverityLow,
		"INFO":     SeverityInfo,
	},
	ScannerGrype: {
		"CRITICAL":   SeverityCritical,
		"HIGH":       SeverityHigh,
		"MEDIUM":     SeverityMedium,
		"LOW":        SeverityLow,
		"NEGLIGIBLE": SeverityInfo,
		"UNKNOWN":    SeverityInfo,
	},
}

// SeverityVocabulary returns the raw tokens a scanner can emit.
func SeverityVocabulary(s Scanner) []string {
	table := severityTables[s]
	out := make([]string, 0, len(table))
	for token := range table {
		out = append(out, token)
	}
	return out
}

// NormalizeSeverity maps a scanner's raw severity token to a canonical level.
// Unknown, empty or null tokens map to info; a missing severity must never
// suppress a finding.
func NormalizeSeverity(s Scanner, raw string) Severity {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if token == "" {
		return SeverityInfo
	}
	if sev, ok := severityTables[s][token]; ok {
		return sev
	}
	return SeverityInfo
}
