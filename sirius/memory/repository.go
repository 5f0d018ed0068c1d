// Package memory is an in-process scan.Repository for tests and single-node
// runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

type Repository struct {
	mu    sync.RWMutex
	now   func() time.Time
	scans map[string]*scan.Scan
	vulns map[string][]vulnerability.Vulnerability
	logs  map[string][]scan.LogEntry
	runs  map[string][]scan.ScannerRun
}

var _ scan.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{
		now:   func() time.Time { return time.Now().UTC() },
		scans: make(map[string]*scan.Scan),
		vulns: make(map[string][]vulnerability.Vulnerability),
		logs:  make(map[string][]scan.LogEntry),
		runs:  make(map[string][]scan.ScannerRun),
	}
}

func (r *Repository) CreateScan(_ context.Context, s *scan.Scan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[s.ID]; ok {
		return fmt.Errorf("%w: scan %s already exists", scan.ErrPersistence, s.ID)
	}
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.scans[s.ID] = cloneScan(s)
	return nil
}

func (r *Repository) GetScan(_ context.Context, id string) (*scan.Scan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scans[id]
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", id, scan.ErrScanNotFound)
	}
	return cloneScan(s), nil
}

func (r *Repository) UpdateScan(_ context.Context, s *scan.Scan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(s)
}

func (r *Repository) updateLocked(s *scan.Scan) error {
	current, ok := r.scans[s.ID]
	if !ok {
		return fmt.Errorf("scan %s: %w", s.ID, scan.ErrScanNotFound)
	}
	if err := scan.CheckTransition(current.Status, s.Status); err != nil {
		return err
	}
	next := cloneScan(s)
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = r.now()
	r.scans[s.ID] = next
	s.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *Repository) ListScans(_ context.Context, statuses ...scan.Status) ([]scan.Scan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[scan.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]scan.Scan, 0, len(r.scans))
	for _, s := range r.scans {
		if len(want) == 0 || want[s.Status] {
			out = append(out, *cloneScan(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repository) CompleteScan(_ context.Context, s *scan.Scan, vulns []vulnerability.Vulnerability) error {
	if s.Status != scan.StatusCompleted {
		return &scan.TransitionError{From: s.Status, To: scan.StatusCompleted}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateLocked(s); err != nil {
		return err
	}
	stored := make([]vulnerability.Vulnerability, len(vulns))
	for i := range vulns {
		stored[i] = vulns[i].Clone()
		stored[i].ScanID = s.ID
	}
	r.vulns[s.ID] = stored
	return nil
}

func (r *Repository) ListVulnerabilities(_ context.Context, scanID string, filter scan.VulnerabilityFilter) ([]vulnerability.Vulnerability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []vulnerability.Vulnerability
	for _, v := range r.vulns[scanID] {
		if filter.Severity != "" && v.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && v.Type != filter.Type {
			continue
		}
		out = append(out, v.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].Severity.Score(), out[j].Severity.Score(); a != b {
			return a > b
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []vulnerability.Vulnerability{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	if out == nil {
		out = []vulnerability.Vulnerability{}
	}
	return out, nil
}

func (r *Repository) CountVulnerabilities(_ context.Context, scanID string) (map[vulnerability.Severity]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[vulnerability.Severity]int)
	for _, v := range r.vulns[scanID] {
		out[v.Severity]++
	}
	return out, nil
}

func (r *Repository) AppendLog(_ context.Context, entry *scan.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	logs := r.logs[entry.ScanID]
	entry.Sequence = int64(len(logs)) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	r.logs[entry.ScanID] = append(logs, *entry)
	return nil
}

func (r *Repository) ListLogs(_ context.Context, scanID string, afterSequence int64, limit int) ([]scan.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []scan.LogEntry{}
	for _, e := range r.logs[scanID] {
		if e.Sequence <= afterSequence {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Repository) SaveScannerRuns(_ context.Context, scanID string, runs []scan.ScannerRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := make([]scan.ScannerRun, len(runs))
	for i, run := range runs {
		run.ScanID = scanID
		stored[i] = run
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Scanner < stored[j].Scanner })
	r.runs[scanID] = stored
	return nil
}

func (r *Repository) ListScannerRuns(_ context.Context, scanID string) ([]scan.ScannerRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]scan.ScannerRun{}, r.runs[scanID]...), nil
}

func (r *Repository) FindExisting(_ context.Context, targetKey, filePath, ruleID, excludeScanID string) ([]scan.PriorFinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []scan.PriorFinding
	for id, s := range r.scans {
		if id == excludeScanID || s.Status != scan.StatusCompleted || s.Target.Key() != targetKey {
			continue
		}
		for _, v := range r.vulns[id] {
			if v.Path() != filePath || v.RuleID != ruleID {
				continue
			}
			out = append(out, scan.PriorFinding{
				ID:          v.ID,
				ScanID:      id,
				FilePath:    v.Path(),
				RuleID:      v.RuleID,
				CVE:         identifier(&v),
				ContentHash: stringMeta(v.Metadata, "content_hash"),
				DetectedAt:  v.DetectedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ScanID < out[j].ScanID
	})
	return out, nil
}

func identifier(v *vulnerability.Vulnerability) string {
	if id := v.CVEID(); id != "" {
		return id
	}
	return stringMeta(v.Metadata, "advisory_id")
}

func stringMeta(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func cloneScan(s *scan.Scan) *scan.Scan {
	out := *s
	out.Scanners = append([]vulnerability.Scanner(nil), s.Scanners...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
