// Package dispatcher fans a scan out to its adapters concurrently, waits for
// all of them and merges what they report.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/scanner"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

const (
	DefaultPerScanLimit = 5
	DefaultGlobalLimit  = 10
)

// Config configures a Dispatcher.
type Config struct {
	// PerScanLimit caps adapters running concurrently within one scan.
	PerScanLimit int
	// GlobalLimit caps adapters running concurrently across all scans.
	GlobalLimit int
	Quorum      Quorum
	Logger      *slog.Logger
}

// Dispatcher runs adapters. One Dispatcher is shared by every scan in the
// process so the global limit holds.
type Dispatcher struct {
	perScan int
	pool    *semaphore.Weighted
	quorum  Quorum
	logger  *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.PerScanLimit <= 0 {
		cfg.PerScanLimit = DefaultPerScanLimit
	}
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = DefaultGlobalLimit
	}
	if cfg.Quorum == "" {
		cfg.Quorum = QuorumAny
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		perScan: cfg.PerScanLimit,
		pool:    semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		quorum:  cfg.Quorum,
		logger:  cfg.Logger,
	}
}

// Quorum returns the configured success policy.
func (d *Dispatcher) Quorum() Quorum {
	return d.quorum
}

// DoneFunc is called as each adapter finishes. It may be called from several
// goroutines at once.
type DoneFunc func(run scan.ScannerRun)

// Outcome is the merged result of one dispatch.
type Outcome struct {
	Vulnerabilities []vulnerability.Vulnerability
	// Results holds one entry per adapter, sorted by scanner.
	Results   []vulnerability.ScanResult
	Runs      []scan.ScannerRun
	Succeeded int
	Failed    int
	Quorum    Quorum
}

// QuorumMet reports whether enough adapters succeeded.
func (o Outcome) QuorumMet() bool {
	return o.Quorum.Met(o.Succeeded, o.Succeeded+o.Failed)
}

// Err returns a wrapped ErrQuorumFailure when the quorum was not met.
func (o Outcome) Err() error {
	if o.QuorumMet() {
		return nil
	}
	total := o.Succeeded + o.Failed
	if total == 0 {
		return fmt.Errorf("%w: no scanners were applicable", scan.ErrQuorumFailure)
	}
	reasons := ""
	for _, r := range o.Results {
		for _, e := range r.Errors {
			if e.Level == vulnerability.LevelFatal {
				if reasons != "" {
					reasons += "; "
				}
				reasons += e.Message
			}
		}
	}
	return fmt.Errorf("%w: %d of %d scanners failed (quorum %s): %s",
		scan.ErrQuorumFailure, o.Failed, total, o.Quorum, reasons)
}

// Dispatch runs every adapter and returns once all of them have finished.
// A failing adapter never cancels its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, scanID string, target scan.Target, mode vulnerability.Mode,
	adapters []scanner.Adapter, onDone DoneFunc) Outcome {
	results := make([]vulnerability.ScanResult, len(adapters))

	var g errgroup.Group
	g.SetLimit(d.perScan)
	for i, a := range adapters {
		g.Go(func() error {
			if err := d.pool.Acquire(ctx, 1); err != nil {
				results[i] = vulnerability.FatalResult(a.Scanner(), vulnerability.CodeCancelled,
					fmt.Sprintf("%s not started: %v", a.Scanner(), err), 0)
			} else {
				results[i] = d.run(ctx, a, scanID, target, mode)
				d.pool.Release(1)
			}
			if onDone != nil {
				onDone(runFor(scanID, results[i]))
			}
			return nil
		})
	}
	_ = g.Wait()

	return d.merge(scanID, results)
}

// run invokes one adapter, turning a panic into a fatal result.
func (d *Dispatcher) run(ctx context.Context, a scanner.Adapter, scanID string, target scan.Target,
	mode vulnerability.Mode) (res vulnerability.ScanResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Scanner adapter panicked", "scanner", a.Scanner(), "scan_id", scanID,
				"panic", r, "stack", string(debug.Stack()))
			res = vulnerability.FatalResult(a.Scanner(), vulnerability.CodePanic,
				fmt.Sprintf("%s adapter panicked: %v", a.Scanner(), r), time.Since(start).Milliseconds())
		}
	}()

	res = a.Scan(ctx, target, scanID, mode)
	res.Scanner = a.Scanner()
	if res.Fatal() {
		res.Success = false
		res.Vulnerabilities = []vulnerability.Vulnerability{}
	}
	if res.Metadata.DurationMs == 0 {
		res.Metadata.DurationMs = time.Since(start).Milliseconds()
	}
	return res
}

func (d *Dispatcher) merge(scanID string, results []vulnerability.ScanResult) Outcome {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Scanner < results[j].Scanner })

	out := Outcome{
		Vulnerabilities: []vulnerability.Vulnerability{},
		Results:         results,
		Runs:            make([]scan.ScannerRun, 0, len(results)),
		Quorum:          d.quorum,
	}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
			out.Vulnerabilities = append(out.Vulnerabilities, r.Vulnerabilities...)
		} else {
			out.Failed++
		}
		out.Runs = append(out.Runs, runFor(scanID, r))
	}

	d.logger.Info("Scanners finished", "scan_id", scanID, "succeeded", out.Succeeded,
		"failed", out.Failed, "findings", len(out.Vulnerabilities))
	return out
}

// runFor builds the diagnostic record for one adapter result.
func runFor(scanID string, r vulnerability.ScanResult) scan.ScannerRun {
	status := scan.RunCompleted
	if !r.Success {
		status = scan.RunFailed
	}
	return scan.ScannerRun{
		ScanID:        scanID,
		Scanner:       r.Scanner,
		Type:          vulnerability.TypeFor(r.Scanner),
		Label:         r.Scanner.Label(),
		Status:        status,
		FindingsCount: len(r.Vulnerabilities),
		DurationMs:    r.Metadata.DurationMs,
		Errors:        r.Errors,
		Counters:      r.Metadata.Counters,
	}
}
