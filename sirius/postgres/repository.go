// File: repository.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SiriusScan/codescan/sirius/postgres/models"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

const (
	insertBatchSize = 200
	// casAttempts bounds retries when another writer changes a scan's
	// status between our read and our conditional update.
	casAttempts = 3
)

// Repository implements scan.Repository on gorm.
type Repository struct {
	db *gorm.DB
	// logMu serializes sequence assignment within this process; the unique
	// index on (scan_id, sequence) catches writers in other processes.
	logMu sync.Mutex
}

var _ scan.Repository = (*Repository)(nil)

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateScan(ctx context.Context, s *scan.Scan) error {
	row := scanRow(s)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: create scan %s: %v", scan.ErrPersistence, s.ID, err)
	}
	s.CreatedAt, s.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

func (r *Repository) GetScan(ctx context.Context, id string) (*scan.Scan, error) {
	return getScan(r.db.WithContext(ctx), id)
}

func getScan(db *gorm.DB, id string) (*scan.Scan, error) {
	var row models.Scan
	err := db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("scan %s: %w", id, scan.ErrScanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get scan %s: %v", scan.ErrPersistence, id, err)
	}
	return scanFromRow(row), nil
}

func (r *Repository) UpdateScan(ctx context.Context, s *scan.Scan) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateScan(tx, s)
	})
}

// updateScan writes s only if the persisted status still is the one the
// transition was checked against.
func updateScan(tx *gorm.DB, s *scan.Scan) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := getScan(tx, s.ID)
		if err != nil {
			return err
		}
		if err := scan.CheckTransition(current.Status, s.Status); err != nil {
			return err
		}

		res := tx.Model(&models.Scan{}).
			Where("id = ? AND status = ?", s.ID, string(current.Status)).
			Updates(map[string]any{
				"image":               s.Target.Image,
				"status":              string(s.Status),
				"progress_percentage": s.ProgressPercentage,
				"progress_stage":      s.ProgressStage,
				"degraded":            s.Degraded,
				"error_message":       s.ErrorMessage,
				"started_at":          s.StartedAt,
				"finished_at":         s.FinishedAt,
				"updated_at":          tx.NowFunc(),
			})
		if res.Error != nil {
			return fmt.Errorf("%w: update scan %s: %v", scan.ErrPersistence, s.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: update scan %s: status kept changing", scan.ErrPersistence, s.ID)
}

func (r *Repository) ListScans(ctx context.Context, statuses ...scan.Status) ([]scan.Scan, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id")
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		q = q.Where("status IN ?", names)
	}
	var rows []models.Scan
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list scans: %v", scan.ErrPersistence, err)
	}
	out := make([]scan.Scan, len(rows))
	for i := range rows {
		out[i] = *scanFromRow(rows[i])
	}
	return out, nil
}

func (r *Repository) CompleteScan(ctx context.Context, s *scan.Scan, vulns []vulnerability.Vulnerability) error {
	if s.Status != scan.StatusCompleted {
		return &scan.TransitionError{From: s.Status, To: scan.StatusCompleted}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The conditional update comes first so a concurrent cancel either
		// lands before it (and we insert nothing) or waits for our commit.
		if err := updateScan(tx, s); err != nil {
			return err
		}
		if len(vulns) == 0 {
			return nil
		}
		var keys []string
		if err := tx.Model(&models.Scan{}).Where("id = ?", s.ID).Pluck("target_key", &keys).Error; err != nil || len(keys) != 1 {
			return fmt.Errorf("%w: read target of scan %s: %v", scan.ErrPersistence, s.ID, err)
		}
		rows := make([]models.Vulnerability, len(vulns))
		for i := range vulns {
			rows[i] = vulnerabilityRow(s.ID, keys[0], &vulns[i])
		}
		if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("%w: insert %d vulnerabilities for scan %s: %v", scan.ErrPersistence, len(rows), s.ID, err)
		}
		return nil
	})
}

func (r *Repository) ListVulnerabilities(ctx context.Context, scanID string, filter scan.VulnerabilityFilter) ([]vulnerability.Vulnerability, error) {
	q := r.db.WithContext(ctx).Where("scan_id = ?", scanID)
	if filter.Severity != "" {
		q = q.Where("severity = ?", string(filter.Severity))
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []models.Vulnerability
	if err := q.Order("severity_score DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list vulnerabilities for scan %s: %v", scan.ErrPersistence, scanID, err)
	}
	out := make([]vulnerability.Vulnerability, len(rows))
	for i := range rows {
		out[i] = vulnerabilityFromRow(rows[i])
	}
	return out, nil
}

func (r *Repository) CountVulnerabilities(ctx context.Context, scanID string) (map[vulnerability.Severity]int, error) {
	var rows []struct {
		Severity string
		Total    int
	}
	err := r.db.WithContext(ctx).Model(&models.Vulnerability{}).
		Select("severity, COUNT(*) AS total").
		Where("scan_id = ?", scanID).
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: count vulnerabilities for scan %s: %v", scan.ErrPersistence, scanID, err)
	}
	out := make(map[vulnerability.Severity]int, len(rows))
	for _, row := range rows {
		out[vulnerability.Severity(row.Severity)] = row.Total
	}
	return out, nil
}

func (r *Repository) AppendLog(ctx context.Context, entry *scan.LogEntry) error {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		var last int64
		err := r.db.WithContext(ctx).Model(&models.ScanLog{}).
			Where("scan_id = ?", entry.ScanID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error
		if err != nil {
			return fmt.Errorf("%w: read log sequence for scan %s: %v", scan.ErrPersistence, entry.ScanID, err)
		}

		row := logRow(entry)
		row.Sequence = last + 1
		if lastErr = r.db.WithContext(ctx).Create(&row).Error; lastErr == nil {
			entry.Sequence = row.Sequence
			return nil
		}
	}
	return fmt.Errorf("%w: append log for scan %s: %v", scan.ErrPersistence, entry.ScanID, lastErr)
}

func (r *Repository) ListLogs(ctx context.Context, scanID string, afterSequence int64, limit int) ([]scan.LogEntry, error) {
	q := r.db.WithContext(ctx).
		Where("scan_id = ? AND sequence > ?", scanID, afterSequence).
		Order("sequence")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.ScanLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list logs for scan %s: %v", scan.ErrPersistence, scanID, err)
	}
	out := make([]scan.LogEntry, len(rows))
	for i := range rows {
		out[i] = logFromRow(rows[i])
	}
	return out, nil
}

// SaveScannerRuns replaces the breakdown of a scan.
func (r *Repository) SaveScannerRuns(ctx context.Context, scanID string, runs []scan.ScannerRun) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scan_id = ?", scanID).Delete(&models.ScannerRun{}).Error; err != nil {
			return err
		}
		if len(runs) == 0 {
			return nil
		}
		rows := make([]models.ScannerRun, len(runs))
		for i := range runs {
			rows[i] = runRow(scanID, runs[i])
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("%w: save scanner runs for scan %s: %v", scan.ErrPersistence, scanID, err)
	}
	return nil
}

func (r *Repository) ListScannerRuns(ctx context.Context, scanID string) ([]scan.ScannerRun, error) {
	var rows []models.ScannerRun
	if err := r.db.WithContext(ctx).Where("scan_id = ?", scanID).Order("scanner").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list scanner runs for scan %s: %v", scan.ErrPersistence, scanID, err)
	}
	out := make([]scan.ScannerRun, len(rows))
	for i := range rows {
		out[i] = runFromRow(rows[i])
	}
	return out, nil
}

func (r *Repository) FindExisting(ctx context.Context, targetKey, filePath, ruleID, excludeScanID string) ([]scan.PriorFinding, error) {
	q := r.db.WithContext(ctx).Model(&models.Vulnerability{}).
		Select("vulnerabilities.id, vulnerabilities.scan_id, vulnerabilities.file_path, vulnerabilities.rule_id, vulnerabilities.identifier, vulnerabilities.content_hash, vulnerabilities.detected_at").
		Joins("JOIN scans ON scans.id = vulnerabilities.scan_id").
		Where("vulnerabilities.target_key = ? AND vulnerabilities.rule_id = ?", targetKey, ruleID).
		Where("scans.status = ? AND vulnerabilities.scan_id <> ?", string(scan.StatusCompleted), excludeScanID)
	if filePath == "" {
		q = q.Where("vulnerabilities.file_path IS NULL")
	} else {
		q = q.Where("vulnerabilities.file_path = ?", filePath)
	}

	var rows []models.Vulnerability
	if err := q.Order("vulnerabilities.detected_at").Order("vulnerabilities.scan_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: find prior findings: %v", scan.ErrPersistence, err)
	}
	out := make([]scan.PriorFinding, len(rows))
	for i, row := range rows {
		out[i] = scan.PriorFinding{
			ID:          row.ID,
			ScanID:      row.ScanID,
			RuleID:      row.RuleID,
			CVE:         row.Identifier,
			ContentHash: row.ContentHash,
			DetectedAt:  row.DetectedAt,
		}
		if row.FilePath != nil {
			out[i].FilePath = *row.FilePath
		}
	}
	return out, nil
}
