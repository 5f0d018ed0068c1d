package scan

import (
	"context"
	"time"

	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// VulnerabilityFilter narrows ListVulnerabilities.
type VulnerabilityFilter struct {
	Severity vulnerability.Severity
	Type     vulnerability.Type
	Limit    int
	Offset   int
}

// PriorFinding is a vulnerability recorded by an earlier scan of the same
// target, used for cross-scan correlation.
type PriorFinding struct {
	ID          string
	ScanID      string
	FilePath    string
	RuleID      string
	CVE         string
	ContentHash string
	DetectedAt  time.Time
}

// Repository is the persistence collaborator. Implementations must make each
// UpdateScan visible atomically and keep log sequences strictly increasing
// per scan.
//
// UpdateScan and CompleteScan compare the persisted status with the new one:
// a status change must be an edge of the state machine and nothing may be
// written once the persisted scan is terminal. Both return a *TransitionError
// otherwise. Rewriting the same non-terminal status (progress updates) is
// always allowed.
type Repository interface {
	CreateScan(ctx context.Context, s *Scan) error
	GetScan(ctx context.Context, id string) (*Scan, error)
	UpdateScan(ctx context.Context, s *Scan) error
	// ListScans returns scans in the given states (all when none), newest first.
	ListScans(ctx context.Context, statuses ...Status) ([]Scan, error)

	// CompleteScan stores vulns and the completed scan in one transaction.
	// Nothing is stored when the transition is refused.
	CompleteScan(ctx context.Context, s *Scan, vulns []vulnerability.Vulnerability) error
	ListVulnerabilities(ctx context.Context, scanID string, filter VulnerabilityFilter) ([]vulnerability.Vulnerability, error)
	CountVulnerabilities(ctx context.Context, scanID string) (map[vulnerability.Severity]int, error)

	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, scanID string, afterSequence int64, limit int) ([]LogEntry, error)

	SaveScannerRuns(ctx context.Context, scanID string, runs []ScannerRun) error
	ListScannerRuns(ctx context.Context, scanID string) ([]ScannerRun, error)

	// FindExisting returns vulnerabilities at filePath/ruleID recorded by
	// completed scans of targetKey other than excludeScanID, oldest first.
	FindExisting(ctx context.Context, targetKey, filePath, ruleID, excludeScanID string) ([]PriorFinding, error)
}
