// Package status answers read-only questions about scans: their state with
// a scanner-by-scanner breakdown, their log and their findings. It never
// writes and keeps no per-client state.
package status

import (
	"context"
	"errors"
	"log/slog"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/snapshot"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// DefaultLogLimit caps a GetLogs page when the caller gives no limit.
const DefaultLogLimit = 500

// Reader is the read side of scan.Repository.
type Reader interface {
	GetScan(ctx context.Context, id string) (*scan.Scan, error)
	ListScans(ctx context.Context, statuses ...scan.Status) ([]scan.Scan, error)
	ListVulnerabilities(ctx context.Context, scanID string, filter scan.VulnerabilityFilter) ([]vulnerability.Vulnerability, error)
	CountVulnerabilities(ctx context.Context, scanID string) (map[vulnerability.Severity]int, error)
	ListLogs(ctx context.Context, scanID string, afterSequence int64, limit int) ([]scan.LogEntry, error)
	ListScannerRuns(ctx context.Context, scanID string) ([]scan.ScannerRun, error)
}

// Summary is the breakdown shown next to a scan.
type Summary struct {
	Counts            snapshot.Counts   `json:"counts"`
	Scanners          []scan.ScannerRun `json:"scanners"`
	ScannersCompleted int               `json:"scanners_completed"`
	ScannersFailed    int               `json:"scanners_failed"`
	ScannersSkipped   int               `json:"scanners_skipped"`
	// Terminal tells polling clients they can stop.
	Terminal bool `json:"terminal"`
}

// Report is the getStatus response.
type Report struct {
	Scan    scan.Scan `json:"scan"`
	Summary Summary   `json:"summary"`
}

type Service struct {
	reader     Reader
	snapshots  *snapshot.Manager
	calculator *snapshot.Calculator
	logger     *slog.Logger
}

// NewService returns a service over reader. snapshots may be nil.
func NewService(reader Reader, snapshots *snapshot.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reader:     reader,
		snapshots:  snapshots,
		calculator: snapshot.NewCalculator(reader),
		logger:     logger,
	}
}

// GetStatus returns the scan and its summary. The breakdown comes from the
// persisted scanner runs. Counts come from the published snapshot when it
// matches the stored state and are computed otherwise.
func (s *Service) GetStatus(ctx context.Context, scanID string) (*Report, error) {
	sc, err := s.reader.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	runs, err := s.reader.ListScannerRuns(ctx, scanID)
	if err != nil {
		return nil, err
	}

	counts, err := s.counts(ctx, sc)
	if err != nil {
		return nil, err
	}

	summary := Summary{
		Counts:   counts,
		Scanners: runs,
		Terminal: sc.Status.IsTerminal(),
	}
	if summary.Scanners == nil {
		summary.Scanners = []scan.ScannerRun{}
	}
	for _, r := range runs {
		switch r.Status {
		case scan.RunCompleted:
			summary.ScannersCompleted++
		case scan.RunFailed:
			summary.ScannersFailed++
		case scan.RunSkipped:
			summary.ScannersSkipped++
		}
	}
	return &Report{Scan: *sc, Summary: summary}, nil
}

func (s *Service) counts(ctx context.Context, sc *scan.Scan) (snapshot.Counts, error) {
	if s.snapshots != nil {
		snap, err := s.snapshots.Get(ctx, sc.ID)
		switch {
		case err == nil && snap.Status == sc.Status:
			return snap.Counts, nil
		case err != nil && !errors.Is(err, snapshot.ErrNotFound):
			s.logger.Debug("Snapshot unavailable, counting from the repository", "scan_id", sc.ID, "error", err)
		}
	}
	// Only completed scans have findings.
	if sc.Status != scan.StatusCompleted {
		return snapshot.Counts{}, nil
	}
	return s.calculator.Calculate(ctx, sc.ID)
}

// GetLogs returns log entries after afterSequence in sequence order. Clients
// poll incrementally by passing the last sequence they saw.
func (s *Service) GetLogs(ctx context.Context, scanID string, afterSequence int64, limit int) ([]scan.LogEntry, error) {
	if _, err := s.reader.GetScan(ctx, scanID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultLogLimit {
		limit = DefaultLogLimit
	}
	return s.reader.ListLogs(ctx, scanID, afterSequence, limit)
}

// ListVulnerabilities returns a scan's findings, most severe first.
func (s *Service) ListVulnerabilities(ctx context.Context, scanID string, filter scan.VulnerabilityFilter) ([]vulnerability.Vulnerability, error) {
	if _, err := s.reader.GetScan(ctx, scanID); err != nil {
		return nil, err
	}
	return s.reader.ListVulnerabilities(ctx, scanID, filter)
}

// ListScans returns scans in the given states, newest first.
func (s *Service) ListScans(ctx context.Context, statuses ...scan.Status) ([]scan.Scan, error) {
	return s.reader.ListScans(ctx, statuses...)
}
