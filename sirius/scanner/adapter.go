// Package scanner wraps the external security tools. Each adapter runs one
// tool against a scan target and converts its report into normalized
// vulnerabilities without letting the raw output escape.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// DefaultTimeout bounds a single tool invocation when no timeout is configured.
const DefaultTimeout = 10 * time.Minute

// Adapter runs one scanner. Scan never returns an error: tool failures are
// reported as a fatal AdapterError inside an unsuccessful ScanResult.
type Adapter interface {
	Scanner() vulnerability.Scanner
	Scan(ctx context.Context, target scan.Target, scanID string, mode vulnerability.Mode) vulnerability.ScanResult
}

// Options configures a tool adapter.
type Options struct {
	// Binary overrides the executable name.
	Binary  string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
	// Now is the clock used for detected_at. Defaults to time.Now.
	Now func() time.Time
}

// converter turns a parsed report into findings, appending per-result
// conversion errors and counters to res.
type converter func(doc gjson.Result, target scan.Target, scanID string, res *vulnerability.ScanResult)

// tool is the shared process-and-parse plumbing behind every adapter.
type tool struct {
	scanner vulnerability.Scanner
	binary  string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
	now     func() time.Time

	// okExit lists exit codes that still carry a valid report.
	okExit []int
	// emptyOK treats blank stdout as a report with no findings.
	emptyOK bool
}

func newTool(s vulnerability.Scanner, defaultBinary string, opts Options, okExit ...int) tool {
	t := tool{
		scanner: s,
		binary:  opts.Binary,
		timeout: opts.Timeout,
		runner:  opts.Runner,
		logger:  opts.Logger,
		now:     opts.Now,
		okExit:  append([]int{0}, okExit...),
	}
	if t.binary == "" {
		t.binary = defaultBinary
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.runner == nil {
		t.runner = ExecRunner{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t tool) Scanner() vulnerability.Scanner {
	return t.scanner
}

func (t tool) exitAccepted(code int) bool {
	for _, c := range t.okExit {
		if c == code {
			return true
		}
	}
	return false
}

// execute runs the command under the adapter timeout, validates the report
// and hands it to convert.
func (t tool) execute(ctx context.Context, target scan.Target, scanID string, args []string, convert converter) vulnerability.ScanResult {
	start := time.Now()
	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := Command{Name: t.binary, Args: args, Dir: target.Root}
	t.logger.Debug("Running scanner", "scanner", t.scanner, "scan_id", scanID, "command", cmd.String())

	out, err := t.runner.Run(runCtx, cmd)
	switch {
	case ctx.Err() != nil:
		return vulnerability.FatalResult(t.scanner, vulnerability.CodeCancelled,
			fmt.Sprintf("%s cancelled: %v", t.scanner, ctx.Err()), elapsed())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return vulnerability.FatalResult(t.scanner, vulnerability.CodeTimeout,
			fmt.Sprintf("%v: %s exceeded %s", scan.ErrAdapterTimeout, t.scanner, t.timeout), elapsed())
	case err != nil:
		return vulnerability.FatalResult(t.scanner, vulnerability.CodeExecution,
			fmt.Sprintf("%s: %v", t.scanner, err), elapsed())
	case !t.exitAccepted(out.ExitCode):
		return vulnerability.FatalResult(t.scanner, vulnerability.CodeExecution,
			fmt.Sprintf("%s exited with status %d: %s", t.scanner, out.ExitCode, tail(out.Stderr, 512)), elapsed())
	}

	raw := bytes.TrimSpace(out.Stdout)
	if len(raw) == 0 && t.emptyOK {
		raw = []byte("[]")
	}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return vulnerability.FatalResult(t.scanner, vulnerability.CodeParse,
			fmt.Sprintf("%v: %s report is not valid JSON", scan.ErrAdapterParse, t.scanner), elapsed())
	}

	res := vulnerability.ScanResult{
		Scanner:         t.scanner,
		Success:         true,
		Vulnerabilities: []vulnerability.Vulnerability{},
		Errors:          []vulnerability.AdapterError{},
		Metadata:        vulnerability.ResultMetadata{Counters: map[string]int{}},
	}
	convert(gjson.ParseBytes(raw), target, scanID, &res)
	res.Metadata.Counters["findings"] = len(res.Vulnerabilities)
	res.Metadata.DurationMs = elapsed()

	t.logger.Debug("Scanner finished", "scanner", t.scanner, "scan_id", scanID,
		"findings", len(res.Vulnerabilities), "errors", len(res.Errors), "duration_ms", res.Metadata.DurationMs)
	return res
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
