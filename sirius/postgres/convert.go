package postgres

import (
	"strings"

	"github.com/SiriusScan/codescan/sirius/correlation"
	"github.com/SiriusScan/codescan/sirius/postgres/models"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

func scanRow(s *scan.Scan) models.Scan {
	scanners := make([]string, len(s.Scanners))
	for i, sc := range s.Scanners {
		scanners[i] = string(sc)
	}
	return models.Scan{
		ID:                 s.ID,
		TargetKey:          s.Target.Key(),
		Repository:         s.Target.Repository,
		Root:               s.Target.Root,
		Image:              s.Target.Image,
		Mode:               string(s.Mode),
		Scanners:           scanners,
		EnrichmentEnabled:  s.EnrichmentEnabled,
		Status:             string(s.Status),
		ProgressPercentage: s.ProgressPercentage,
		ProgressStage:      s.ProgressStage,
		Degraded:           s.Degraded,
		ErrorMessage:       s.ErrorMessage,
		StartedAt:          s.StartedAt,
		FinishedAt:         s.FinishedAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func scanFromRow(row models.Scan) *scan.Scan {
	var scanners []vulnerability.Scanner
	for _, sc := range row.Scanners {
		scanners = append(scanners, vulnerability.Scanner(sc))
	}
	return &scan.Scan{
		ID: row.ID,
		Target: scan.Target{
			Repository: row.Repository,
			Root:       row.Root,
			Image:      row.Image,
		},
		Mode:               vulnerability.Mode(row.Mode),
		Scanners:           scanners,
		EnrichmentEnabled:  row.EnrichmentEnabled,
		Status:             scan.Status(row.Status),
		ProgressPercentage: row.ProgressPercentage,
		ProgressStage:      row.ProgressStage,
		Degraded:           row.Degraded,
		ErrorMessage:       row.ErrorMessage,
		StartedAt:          row.StartedAt,
		FinishedAt:         row.FinishedAt,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}

func vulnerabilityRow(scanID, targetKey string, v *vulnerability.Vulnerability) models.Vulnerability {
	identifier := v.CVEID()
	if identifier == "" {
		if id, ok := v.Metadata[correlation.KeyAdvisoryID].(string); ok {
			identifier = strings.TrimSpace(id)
		}
	}
	contentHash, _ := v.Metadata[correlation.KeyContentHash].(string)

	return models.Vulnerability{
		ScanID:         scanID,
		ID:             v.ID,
		Scanner:        string(v.Scanner),
		Type:           string(v.Type),
		Severity:       string(v.Severity),
		SeverityScore:  v.Severity.Score(),
		Title:          v.Title,
		Description:    v.Description,
		FilePath:       v.FilePath,
		LineStart:      v.LineStart,
		LineEnd:        v.LineEnd,
		CodeSnippet:    v.CodeSnippet,
		RuleID:         v.RuleID,
		CWE:            v.CWE,
		CVE:            v.CVE,
		Identifier:     identifier,
		ContentHash:    contentHash,
		OWASP:          v.OWASP,
		Confidence:     v.Confidence,
		Recommendation: v.Recommendation,
		References:     v.References,
		Metadata:       v.Metadata,
		TargetKey:      targetKey,
		DetectedAt:     v.DetectedAt,
	}
}

func vulnerabilityFromRow(row models.Vulnerability) vulnerability.Vulnerability {
	return vulnerability.Vulnerability{
		ID:             row.ID,
		ScanID:         row.ScanID,
		Scanner:        vulnerability.Scanner(row.Scanner),
		Type:           vulnerability.Type(row.Type),
		Severity:       vulnerability.Severity(row.Severity),
		Title:          row.Title,
		Description:    row.Description,
		FilePath:       row.FilePath,
		LineStart:      row.LineStart,
		LineEnd:        row.LineEnd,
		CodeSnippet:    row.CodeSnippet,
		RuleID:         row.RuleID,
		CWE:            nonNil(row.CWE),
		CVE:            row.CVE,
		OWASP:          nonNil(row.OWASP),
		Confidence:     row.Confidence,
		Recommendation: row.Recommendation,
		References:     nonNil(row.References),
		Metadata:       row.Metadata,
		DetectedAt:     row.DetectedAt,
	}
}

func logRow(e *scan.LogEntry) models.ScanLog {
	return models.ScanLog{
		ScanID:    e.ScanID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Level:     string(e.Level),
		Source:    e.Source,
		Message:   e.Message,
		Metadata:  e.Metadata,
	}
}

func logFromRow(row models.ScanLog) scan.LogEntry {
	return scan.LogEntry{
		ScanID:    row.ScanID,
		Sequence:  row.Sequence,
		Timestamp: row.Timestamp,
		Level:     scan.LogLevel(row.Level),
		Source:    row.Source,
		Message:   row.Message,
		Metadata:  row.Metadata,
	}
}

func runRow(scanID string, r scan.ScannerRun) models.ScannerRun {
	return models.ScannerRun{
		ScanID:        scanID,
		Scanner:       string(r.Scanner),
		Type:          string(r.Type),
		Label:         r.Label,
		Status:        string(r.Status),
		FindingsCount: r.FindingsCount,
		DurationMs:    r.DurationMs,
		Errors:        r.Errors,
		Counters:      r.Counters,
	}
}

func runFromRow(row models.ScannerRun) scan.ScannerRun {
	return scan.ScannerRun{
		ScanID:        row.ScanID,
		Scanner:       vulnerability.Scanner(row.Scanner),
		Type:          vulnerability.Type(row.Type),
		Label:         row.Label,
		Status:        scan.RunStatus(row.Status),
		FindingsCount: row.FindingsCount,
		DurationMs:    row.DurationMs,
		Errors:        row.Errors,
		Counters:      row.Counters,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
