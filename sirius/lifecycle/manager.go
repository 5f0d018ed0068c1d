// Package lifecycle owns the scan state machine. The Manager is the only
// writer of a scan's status and progress: it launches scans, drives them
// through dispatch, normalization and enrichment, and handles cancellation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/SiriusScan/codescan/sirius/correlation"
	"github.com/SiriusScan/codescan/sirius/dispatcher"
	"github.com/SiriusScan/codescan/sirius/enrichment"
	"github.com/SiriusScan/codescan/sirius/metrics"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/scanner"
	"github.com/SiriusScan/codescan/sirius/snapshot"
	"github.com/SiriusScan/codescan/sirius/store"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

const (
	// CancelMessage is stored on scans cancelled through CancelScan.
	CancelMessage = "scan cancelled by request"
	// InterruptedMessage is stored on scans Recover finds abandoned.
	InterruptedMessage = "scan interrupted: the worker stopped before it finished"

	DefaultCancelPoll = 2 * time.Second

	sourceManager    = "manager"
	sourceNormalizer = "normalizer"
	sourceEnrichment = "enrichment"
)

// ErrInvalidRequest is returned by StartScan for unusable requests.
var ErrInvalidRequest = errors.New("lifecycle: invalid scan request")

// errCancelRequested is the cancel cause of a scan stopped by CancelScan.
var errCancelRequested = errors.New("cancel requested")

// Config wires a Manager. Repository, Registry and Dispatcher are required;
// everything else is optional.
type Config struct {
	Repository scan.Repository
	Registry   *scanner.Registry
	Dispatcher *dispatcher.Dispatcher
	// FS is the filesystem targets are read from when Detector or Engine
	// is not given. Nil means the OS filesystem.
	FS       afero.Fs
	Detector *scanner.Detector
	Engine   *correlation.Engine
	// Enricher runs for scans that ask for enrichment. Nil skips the stage.
	Enricher  enrichment.Enricher
	Snapshots *snapshot.Manager
	// Locker guards scans across processes.
	Locker  *store.Locker
	Metrics *metrics.Metrics
	// Launcher starts created scans. Nil runs them on a goroutine.
	Launcher Launcher
	// CancelPoll is how often a running scan checks whether another
	// process cancelled it.
	CancelPoll time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
}

// StartRequest describes a scan to create.
type StartRequest struct {
	Target scan.Target
	Mode   vulnerability.Mode
	// Scanners narrows the scanners considered; empty means all.
	Scanners []vulnerability.Scanner
	Enrich   bool
}

type Manager struct {
	repo       scan.Repository
	registry   *scanner.Registry
	dispatcher *dispatcher.Dispatcher
	detector   *scanner.Detector
	engine     *correlation.Engine
	enricher   enrichment.Enricher
	snapshots  *snapshot.Manager
	locker     *store.Locker
	metrics    *metrics.Metrics
	launcher   Launcher
	cancelPoll time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]*execution
}

// execution is the in-process handle of a running scan. mu serializes the
// writes of Execute and CancelScan for that scan.
type execution struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

func New(cfg Config) (*Manager, error) {
	if cfg.Repository == nil || cfg.Registry == nil || cfg.Dispatcher == nil {
		return nil, errors.New("lifecycle: repository, registry and dispatcher are required")
	}
	m := &Manager{
		repo:       cfg.Repository,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		detector:   cfg.Detector,
		engine:     cfg.Engine,
		enricher:   cfg.Enricher,
		snapshots:  cfg.Snapshots,
		locker:     cfg.Locker,
		metrics:    cfg.Metrics,
		launcher:   cfg.Launcher,
		cancelPoll: cfg.CancelPoll,
		logger:     cfg.Logger,
		now:        cfg.Clock,
		active:     make(map[string]*execution),
	}
	fs := cfg.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if m.detector == nil {
		m.detector = scanner.NewDetector(fs)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.engine == nil {
		m.engine = correlation.NewEngine(
			correlation.WithHasher(correlation.NewFileHasher(fs)),
			correlation.WithHistory(m.repo),
			correlation.WithLogger(m.logger),
		)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.cancelPoll <= 0 {
		m.cancelPoll = DefaultCancelPoll
	}
	if m.launcher == nil {
		m.launcher = inProcess{m: m}
	}
	return m, nil
}

// StartScan records a pending scan, launches it and returns its id without
// waiting for it to run.
func (m *Manager) StartScan(ctx context.Context, req StartRequest) (string, error) {
	if req.Target.Root == "" {
		return "", fmt.Errorf("%w: target root is required", ErrInvalidRequest)
	}
	for _, s := range req.Scanners {
		if !s.IsValid() {
			return "", fmt.Errorf("%w: unknown scanner %q", ErrInvalidRequest, s)
		}
	}

	s := &scan.Scan{
		ID:                uuid.NewString(),
		Target:            req.Target,
		Mode:              vulnerability.ParseMode(string(req.Mode)),
		Scanners:          req.Scanners,
		EnrichmentEnabled: req.Enrich,
		Status:            scan.StatusPending,
		ProgressStage:     scan.StatusPending.Stage(),
		CreatedAt:         m.now().UTC(),
	}
	if err := m.repo.CreateScan(ctx, s); err != nil {
		return "", err
	}
	m.appendLog(ctx, s.ID, scan.LogInfo, sourceManager, "Scan queued", map[string]any{
		"target": s.Target.Key(),
		"mode":   string(s.Mode),
	})
	m.publish(ctx, s, snapshot.Counts{})
	m.logger.Info("Scan queued", "scan_id", s.ID, "target", s.Target.Key(), "mode", s.Mode)

	if err := m.launcher.Launch(ctx, s.ID); err != nil {
		err = fmt.Errorf("launch scan %s: %w", s.ID, err)
		m.failDirect(ctx, s, err.Error())
		return "", err
	}
	return s.ID, nil
}

// CancelScan moves a non-terminal scan to cancelled at once and signals its
// adapters. Whatever they report afterwards is discarded.
func (m *Manager) CancelScan(ctx context.Context, scanID string) error {
	exec := m.lookup(scanID)
	if exec != nil {
		exec.mu.Lock()
		defer exec.mu.Unlock()
	}

	s, err := m.repo.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return &scan.TransitionError{From: s.Status, To: scan.StatusCancelled}
	}

	finished := m.now().UTC()
	s.Status = scan.StatusCancelled
	s.ProgressStage = scan.StatusCancelled.Stage()
	s.ErrorMessage = CancelMessage
	s.FinishedAt = &finished
	if err := m.repo.UpdateScan(ctx, s); err != nil {
		return err
	}
	if exec != nil {
		exec.cancel(errCancelRequested)
	}

	m.appendLog(ctx, scanID, scan.LogWarn, sourceManager, "Scan cancelled by request", nil)
	m.publish(ctx, s, snapshot.Counts{})
	m.metrics.ScanFinished(scan.StatusCancelled)
	m.logger.Info("Scan cancelled", "scan_id", scanID)
	return nil
}

// Recover fails scans a crashed process left mid-flight. Scans whose lease
// is still held belong to a live worker and are left alone.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stale, err := m.repo.ListScans(ctx, scan.StatusRunning, scan.StatusNormalizing, scan.StatusEnriching)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range stale {
		s := &stale[i]
		if m.lookup(s.ID) != nil {
			continue
		}
		if m.locker != nil {
			lease, err := m.locker.Acquire(ctx, s.ID)
			if errors.Is(err, store.ErrLocked) {
				continue
			}
			if err != nil {
				return recovered, err
			}
			m.failDirect(ctx, s, InterruptedMessage)
			if err := lease.Release(ctx); err != nil {
				m.logger.Warn("Failed to release scan lease", "scan_id", s.ID, "error", err)
			}
		} else {
			m.failDirect(ctx, s, InterruptedMessage)
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Warn("Recovered interrupted scans", "count", recovered)
	}
	m.pruneSnapshots(ctx)
	return recovered, nil
}

// pruneSnapshots drops live snapshots whose scan no longer exists, such as
// those left in Valkey by a process that kept scans in memory. Live
// snapshots carry no TTL, so nothing else removes them.
func (m *Manager) pruneSnapshots(ctx context.Context) {
	if m.snapshots == nil {
		return
	}
	snaps, err := m.snapshots.List(ctx)
	if err != nil {
		m.logger.Warn("Failed to list snapshots", "error", err)
		return
	}
	for _, snap := range snaps {
		if snap.Status.IsTerminal() {
			continue
		}
		_, err := m.repo.GetScan(ctx, snap.ScanID)
		if !errors.Is(err, scan.ErrScanNotFound) {
			continue
		}
		if err := m.snapshots.Delete(ctx, snap.ScanID); err != nil {
			m.logger.Warn("Failed to delete orphaned snapshot", "scan_id", snap.ScanID, "error", err)
			continue
		}
		m.logger.Info("Deleted orphaned snapshot", "scan_id", snap.ScanID, "status", snap.Status)
	}
}

// ResumePending launches every pending scan again. Use it after a restart
// when scans were launched in-process and their goroutines were lost.
func (m *Manager) ResumePending(ctx context.Context) (int, error) {
	pending, err := m.repo.ListScans(ctx, scan.StatusPending)
	if err != nil {
		return 0, err
	}
	for _, s := range pending {
		if err := m.launcher.Launch(ctx, s.ID); err != nil {
			return 0, fmt.Errorf("relaunch scan %s: %w", s.ID, err)
		}
	}
	return len(pending), nil
}

func (m *Manager) register(scanID string, cancel context.CancelCauseFunc) (*execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[scanID]; ok {
		return nil, fmt.Errorf("scan %s: %w", scanID, scan.ErrLocked)
	}
	exec := &execution{cancel: cancel}
	m.active[scanID] = exec
	return exec, nil
}

func (m *Manager) unregister(scanID string) {
	m.mu.Lock()
	delete(m.active, scanID)
	m.mu.Unlock()
}

func (m *Manager) lookup(scanID string) *execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[scanID]
}

// failDirect marks s failed outside of an execution. Errors are logged.
func (m *Manager) failDirect(ctx context.Context, s *scan.Scan, message string) {
	finished := m.now().UTC()
	s.Status = scan.StatusFailed
	s.ProgressStage = scan.StatusFailed.Stage()
	s.ErrorMessage = message
	s.FinishedAt = &finished
	if err := m.repo.UpdateScan(ctx, s); err != nil {
		m.logger.Error("Failed to mark scan failed", "scan_id", s.ID, "error", err)
		return
	}
	m.appendLog(ctx, s.ID, scan.LogError, sourceManager, message, nil)
	m.publish(ctx, s, snapshot.Counts{})
	m.metrics.ScanFinished(scan.StatusFailed)
}

// appendLog writes a ScanLog entry. A failed append is reported to the
// process log only.
func (m *Manager) appendLog(ctx context.Context, scanID string, level scan.LogLevel, source, message string, meta map[string]any) {
	entry := &scan.LogEntry{
		ScanID:    scanID,
		Timestamp: m.now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  meta,
	}
	if err := m.repo.AppendLog(ctx, entry); err != nil {
		m.logger.Warn("Failed to append scan log", "scan_id", scanID, "message", message, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, s *scan.Scan, counts snapshot.Counts) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Publish(ctx, snapshot.FromScan(s, counts)); err != nil {
		m.logger.Warn("Failed to publish scan snapshot", "scan_id", s.ID, "error", err)
	}
}
