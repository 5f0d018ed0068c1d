package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/SiriusScan/codescan/sirius/enrichment"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/scanner"
	"github.com/SiriusScan/codescan/sirius/snapshot"
	"github.com/SiriusScan/codescan/sirius/store"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// errDiscarded ends a run whose scan was finished by someone else.
var errDiscarded = errors.New("scan finished elsewhere")

// run carries the state of one Execute call.
type run struct {
	m        *Manager
	exec     *execution
	scan     *scan.Scan
	progress *progress
	runs     []scan.ScannerRun
	// persistErr is the first write failure seen by an adapter callback.
	persistErr error
}

// Execute drives a pending scan to a terminal state. It returns nil when
// the scan reached any terminal state, including failed, and an error only
// when the scan could not be driven at all.
func (m *Manager) Execute(ctx context.Context, scanID string) error {
	s, err := m.repo.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		m.logger.Debug("Scan already finished, nothing to execute", "scan_id", scanID, "status", s.Status)
		return nil
	}
	if s.Status != scan.StatusPending {
		return fmt.Errorf("scan %s is %s: %w", scanID, s.Status, scan.ErrLocked)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	exec, err := m.register(scanID, cancel)
	if err != nil {
		return err
	}
	defer m.unregister(scanID)

	if m.locker != nil {
		lease, err := m.locker.Acquire(ctx, scanID)
		if err != nil {
			if errors.Is(err, store.ErrLocked) {
				return fmt.Errorf("scan %s: %w", scanID, scan.ErrLocked)
			}
			return err
		}
		stop := lease.KeepAlive(runCtx, func(err error) { cancel(err) })
		defer func() {
			stop()
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release scan lease", "scan_id", scanID, "error", err)
			}
		}()
	}

	stopWatch := m.watchCancel(runCtx, scanID, cancel)
	defer stopWatch()

	m.metrics.ScanStarted()
	defer m.metrics.ScanEnded()

	r := &run{m: m, exec: exec, scan: s}
	err = r.execute(runCtx)
	if errors.Is(err, errDiscarded) {
		m.logger.Debug("Discarding results of finished scan", "scan_id", scanID, "error", scan.ErrCancellationRace)
		m.metrics.ResultsDiscarded()
		return nil
	}
	return err
}

func (r *run) execute(ctx context.Context) error {
	m := r.m

	caps, err := m.detector.Detect(r.scan.Target.Root)
	if err != nil {
		return r.fail(ctx, fmt.Sprintf("target %s could not be inspected: %v", r.scan.Target.Root, err))
	}
	sel := m.registry.Select(r.scan.Target, caps, r.scan.Scanners)
	r.scan.Target = sel.Target
	enrich := r.scan.EnrichmentEnabled && m.enricher != nil
	r.progress = newProgress(len(sel.Adapters), enrich)

	started := m.now().UTC()
	r.scan.StartedAt = &started
	if err := r.transition(ctx, scan.StatusRunning, scan.LogInfo, "Scan started", map[string]any{
		"scanners": scannerNames(sel.Adapters),
		"mode":     string(r.scan.Mode),
		"quorum":   string(m.dispatcher.Quorum()),
	}); err != nil {
		return r.handleWriteError(ctx, err)
	}
	m.logger.Info("Scan started", "scan_id", r.scan.ID, "scanners", len(sel.Adapters), "skipped", len(sel.Skipped),
		"quorum", m.dispatcher.Quorum())

	for _, sk := range sel.Skipped {
		r.runs = append(r.runs, scan.ScannerRun{
			ScanID:  r.scan.ID,
			Scanner: sk.Scanner,
			Type:    vulnerability.TypeFor(sk.Scanner),
			Label:   sk.Scanner.Label(),
			Status:  scan.RunSkipped,
		})
		m.appendLog(ctx, r.scan.ID, scan.LogInfo, string(sk.Scanner), "Scanner skipped: "+sk.Reason, nil)
		m.metrics.ScannerRun(r.runs[len(r.runs)-1])
	}
	r.saveRuns(ctx)

	outcome := m.dispatcher.Dispatch(ctx, r.scan.ID, r.scan.Target, r.scan.Mode, sel.Adapters, r.adapterDone(ctx))

	if r.persistErr != nil {
		return r.handleWriteError(ctx, r.persistErr)
	}
	if done, err := r.stopped(ctx); done {
		return err
	}
	if err := outcome.Err(); err != nil {
		return r.fail(ctx, err.Error())
	}
	for _, run := range outcome.Runs {
		if run.Status == scan.RunFailed {
			m.appendLog(ctx, r.scan.ID, scan.LogWarn, string(run.Scanner),
				"Scanner failed, continuing with partial results", map[string]any{"errors": run.Errors})
		}
	}

	// normalize
	if err := r.transition(ctx, scan.StatusNormalizing, scan.LogInfo, "Normalizing findings", map[string]any{
		"raw_findings": len(outcome.Vulnerabilities),
	}); err != nil {
		return r.handleWriteError(ctx, err)
	}
	res, err := m.engine.Normalize(ctx, r.scan.Target, r.scan.ID, outcome.Vulnerabilities)
	if err != nil {
		if done, serr := r.stopped(ctx); done {
			return serr
		}
		return r.fail(ctx, fmt.Sprintf("normalization failed: %v", err))
	}
	for _, w := range res.Warnings {
		m.appendLog(ctx, r.scan.ID, scan.LogWarn, sourceNormalizer, w, nil)
	}
	m.appendLog(ctx, r.scan.ID, scan.LogInfo, sourceNormalizer, "Findings normalized", map[string]any{
		"input":  len(outcome.Vulnerabilities),
		"output": len(res.Vulnerabilities),
		"merged": res.Merged,
	})
	vulns := res.Vulnerabilities
	if err := r.step(ctx); err != nil {
		return r.handleWriteError(ctx, err)
	}

	if r.scan.EnrichmentEnabled && !enrich {
		m.appendLog(ctx, r.scan.ID, scan.LogInfo, sourceEnrichment, "Enrichment requested but not configured", nil)
	}
	if enrich {
		if err := r.transition(ctx, scan.StatusEnriching, scan.LogInfo, "Enriching findings", nil); err != nil {
			return r.handleWriteError(ctx, err)
		}
		vulns = r.enrich(ctx, vulns)
		if done, err := r.stopped(ctx); done {
			return err
		}
		if err := r.step(ctx); err != nil {
			return r.handleWriteError(ctx, err)
		}
	}

	return r.complete(ctx, vulns)
}

// adapterDone records each adapter as it finishes: progress, breakdown,
// log and metrics. Late callbacks of a cancelled scan only touch memory.
func (r *run) adapterDone(ctx context.Context) func(scan.ScannerRun) {
	return func(run scan.ScannerRun) {
		r.exec.mu.Lock()
		defer r.exec.mu.Unlock()

		r.m.metrics.ScannerRun(run)
		if ctx.Err() != nil || r.persistErr != nil {
			return
		}

		r.runs = append(r.runs, run)
		level, message := scan.LogInfo, fmt.Sprintf("%s: %d findings, completed", run.Label, run.FindingsCount)
		if run.Status == scan.RunFailed {
			level, message = scan.LogError, fmt.Sprintf("%s: failed", run.Label)
		}
		r.m.appendLog(ctx, r.scan.ID, level, string(run.Scanner), message, map[string]any{
			"duration_ms": run.DurationMs,
			"errors":      run.Errors,
		})
		for _, e := range run.Errors {
			if e.Level != vulnerability.LevelFatal {
				r.m.appendLog(ctx, r.scan.ID, scan.LogWarn, string(run.Scanner), e.Message, map[string]any{"code": e.Code})
			}
		}
		r.saveRunsLocked(ctx)

		r.scan.ProgressPercentage = r.progress.advance(1)
		if err := r.m.repo.UpdateScan(ctx, r.scan); err != nil {
			r.persistErr = err
			if errors.Is(err, scan.ErrTerminal) {
				r.exec.cancel(errCancelRequested)
			} else {
				r.exec.cancel(fmt.Errorf("persistence failure: %w", err))
			}
			return
		}
		r.m.publish(ctx, r.scan, snapshot.Counts{})
	}
}

// enrich runs the enricher. Failure keeps the unenriched findings and marks
// the scan degraded.
func (r *run) enrich(ctx context.Context, vulns []vulnerability.Vulnerability) []vulnerability.Vulnerability {
	// The enricher gets copies so Verify still sees the originals if it
	// edits records in place.
	input := make([]vulnerability.Vulnerability, len(vulns))
	for i := range vulns {
		input[i] = vulns[i].Clone()
	}
	enriched, err := r.m.enricher.Enrich(ctx, input)
	if err == nil {
		err = enrichment.Verify(vulns, enriched)
	}
	if err != nil {
		if ctx.Err() != nil {
			return vulns
		}
		r.scan.Degraded = true
		r.m.appendLog(ctx, r.scan.ID, scan.LogWarn, sourceEnrichment,
			"Enrichment failed, keeping findings unenriched", map[string]any{"error": err.Error()})
		r.m.logger.Warn("Enrichment failed", "scan_id", r.scan.ID, "error", err)
		return vulns
	}
	return enriched
}

// complete stores the findings and the completed status together. The
// repository refuses the write if the scan was cancelled meanwhile.
func (r *run) complete(ctx context.Context, vulns []vulnerability.Vulnerability) error {
	if done, err := r.stopped(ctx); done {
		return err
	}

	r.exec.mu.Lock()
	prev := *r.scan
	finished := r.m.now().UTC()
	r.scan.Status = scan.StatusCompleted
	r.scan.ProgressStage = scan.StatusCompleted.Stage()
	r.scan.ProgressPercentage = r.progress.complete()
	r.scan.ErrorMessage = ""
	r.scan.FinishedAt = &finished
	err := r.m.repo.CompleteScan(context.WithoutCancel(ctx), r.scan, vulns)
	if err != nil {
		*r.scan = prev
		r.exec.mu.Unlock()
		return r.handleWriteError(ctx, err)
	}

	counts := snapshot.CountVulnerabilities(vulns)
	message := "Scan completed"
	if r.scan.Degraded {
		message = "Scan completed without enrichment"
	}
	r.m.appendLog(ctx, r.scan.ID, scan.LogInfo, sourceManager, message, map[string]any{
		"vulnerabilities": counts.Total,
		"critical":        counts.Critical,
		"high":            counts.High,
	})
	r.m.publish(ctx, r.scan, counts)
	r.exec.mu.Unlock()

	r.m.metrics.ScanFinished(scan.StatusCompleted)
	r.m.metrics.Vulnerabilities(vulns)
	r.m.logger.Info("Scan completed", "scan_id", r.scan.ID, "vulnerabilities", len(vulns), "degraded", r.scan.Degraded)
	return nil
}

// transition moves the scan to status, logging and publishing the change.
func (r *run) transition(ctx context.Context, status scan.Status, level scan.LogLevel, message string, meta map[string]any) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	r.exec.mu.Lock()
	defer r.exec.mu.Unlock()

	prev := *r.scan
	r.scan.Status = status
	r.scan.ProgressStage = status.Stage()
	r.scan.ProgressPercentage = r.progress.value()
	if err := r.m.repo.UpdateScan(ctx, r.scan); err != nil {
		*r.scan = prev
		return err
	}
	r.m.appendLog(ctx, r.scan.ID, level, sourceManager, message, meta)
	r.m.publish(ctx, r.scan, snapshot.Counts{})
	return nil
}

// step marks one non-adapter unit of work done.
func (r *run) step(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	r.exec.mu.Lock()
	defer r.exec.mu.Unlock()
	r.scan.ProgressPercentage = r.progress.advance(1)
	if err := r.m.repo.UpdateScan(ctx, r.scan); err != nil {
		return err
	}
	r.m.publish(ctx, r.scan, snapshot.Counts{})
	return nil
}

// stopped reports whether ctx ended and, if so, settles the run: a cancel
// discards it, anything else fails the scan.
func (r *run) stopped(ctx context.Context) (bool, error) {
	if ctx.Err() == nil {
		return false, nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errCancelRequested) {
		return true, errDiscarded
	}
	return true, r.fail(ctx, fmt.Sprintf("scan interrupted: %v", cause))
}

// handleWriteError turns a refused or failed write into the run's result.
func (r *run) handleWriteError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errDiscarded), errors.Is(err, scan.ErrTerminal):
		return errDiscarded
	case ctx.Err() != nil:
		_, err := r.stopped(ctx)
		return err
	default:
		return r.fail(ctx, fmt.Sprintf("persistence failure: %v", err))
	}
}

// fail is the best-effort move to failed. It runs even when ctx has ended.
func (r *run) fail(ctx context.Context, message string) error {
	ctx = context.WithoutCancel(ctx)
	r.exec.mu.Lock()
	defer r.exec.mu.Unlock()

	finished := r.m.now().UTC()
	r.scan.Status = scan.StatusFailed
	r.scan.ProgressStage = scan.StatusFailed.Stage()
	r.scan.ErrorMessage = message
	r.scan.FinishedAt = &finished
	if err := r.m.repo.UpdateScan(ctx, r.scan); err != nil {
		if errors.Is(err, scan.ErrTerminal) {
			return errDiscarded
		}
		r.m.logger.Error("Failed to mark scan failed", "scan_id", r.scan.ID, "reason", message, "error", err)
		return fmt.Errorf("mark scan %s failed: %w", r.scan.ID, err)
	}
	r.saveRunsLocked(ctx)
	r.m.appendLog(ctx, r.scan.ID, scan.LogError, sourceManager, message, nil)
	r.m.publish(ctx, r.scan, snapshot.Counts{})
	r.m.metrics.ScanFinished(scan.StatusFailed)
	r.m.logger.Warn("Scan failed", "scan_id", r.scan.ID, "reason", message)
	return nil
}

func (r *run) saveRuns(ctx context.Context) {
	r.exec.mu.Lock()
	defer r.exec.mu.Unlock()
	r.saveRunsLocked(ctx)
}

func (r *run) saveRunsLocked(ctx context.Context) {
	sort.SliceStable(r.runs, func(i, j int) bool { return r.runs[i].Scanner < r.runs[j].Scanner })
	if err := r.m.repo.SaveScannerRuns(ctx, r.scan.ID, r.runs); err != nil {
		r.m.logger.Warn("Failed to save scanner breakdown", "scan_id", r.scan.ID, "error", err)
	}
}

// watchCancel polls the repository so a cancel issued by another process
// reaches this one.
func (m *Manager) watchCancel(ctx context.Context, scanID string, cancel context.CancelCauseFunc) (stop func()) {
	ctx, stopCtx := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s, err := m.repo.GetScan(ctx, scanID)
				if err != nil {
					continue
				}
				if s.Status == scan.StatusCancelled {
					m.logger.Info("Scan cancelled elsewhere, stopping", "scan_id", scanID)
					cancel(errCancelRequested)
					return
				}
			}
		}
	}()
	return func() {
		stopCtx()
		<-done
	}
}

func scannerNames(adapters []scanner.Adapter) []string {
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = string(a.Scanner())
	}
	return names
}
