package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/scanner"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

type fakeAdapter struct {
	scanner vulnerability.Scanner
	scan    func(ctx context.Context) vulnerability.ScanResult
}

func (f fakeAdapter) Scanner() vulnerability.Scanner { return f.scanner }

func (f fakeAdapter) Scan(ctx context.Context, _ scan.Target, _ string, _ vulnerability.Mode) vulnerability.ScanResult {
	return f.scan(ctx)
}

func succeeding(s vulnerability.Scanner, findings int) fakeAdapter {
	return fakeAdapter{scanner: s, scan: func(context.Context) vulnerability.ScanResult {
		res := vulnerability.ScanResult{Scanner: s, Success: true, Metadata: vulnerability.ResultMetadata{DurationMs: 5}}
		for i := 0; i < findings; i++ {
			res.Vulnerabilities = append(res.Vulnerabilities, vulnerability.Vulnerability{Scanner: s, RuleID: "r"})
		}
		return res
	}}
}

func failing(s vulnerability.Scanner) fakeAdapter {
	return fakeAdapter{scanner: s, scan: func(context.Context) vulnerability.ScanResult {
		return vulnerability.FatalResult(s, vulnerability.CodeExecution, string(s)+" is not installed", 1)
	}}
}

var target = scan.Target{Root: "/repo"}

func TestDispatchMergesResults(t *testing.T) {
	t.Log("🧪 Testing dispatch merge...")

	d := New(Config{})
	var done []vulnerability.Scanner
	var mu sync.Mutex

	out := d.Dispatch(context.Background(), "scan-1", target, vulnerability.ModeQuick, []scanner.Adapter{
		succeeding(vulnerability.ScannerTrivy, 2),
		succeeding(vulnerability.ScannerSemgrep, 3),
	}, func(run scan.ScannerRun) {
		mu.Lock()
		done = append(done, run.Scanner)
		mu.Unlock()
	})

	assert.Len(t, out.Vulnerabilities, 5)
	assert.Equal(t, 2, out.Succeeded)
	assert.True(t, out.QuorumMet())
	assert.NoError(t, out.Err())
	require.Len(t, out.Runs, 2)
	assert.Equal(t, vulnerability.ScannerSemgrep, out.Runs[0].Scanner, "runs are sorted by scanner")
	assert.Equal(t, "Static Analysis", out.Runs[0].Label)
	assert.Equal(t, 3, out.Runs[0].FindingsCount)
	assert.ElementsMatch(t, []vulnerability.Scanner{vulnerability.ScannerSemgrep, vulnerability.ScannerTrivy}, done)
	t.Log("✅ merge verified")
}

func TestDispatchContainerFailureUnderMajority(t *testing.T) {
	t.Log("🧪 Testing majority quorum with a fatal container adapter...")

	adapters := []scanner.Adapter{
		succeeding(vulnerability.ScannerSemgrep, 1),
		succeeding(vulnerability.ScannerTrivy, 1),
		succeeding(vulnerability.ScannerGitleaks, 1),
		failing(vulnerability.ScannerGrype),
	}

	out := New(Config{Quorum: QuorumMajority}).Dispatch(context.Background(), "scan-1", target,
		vulnerability.ModeFull, adapters, nil)

	assert.True(t, out.QuorumMet())
	assert.Len(t, out.Vulnerabilities, 3)
	var grype scan.ScannerRun
	for _, r := range out.Runs {
		if r.Scanner == vulnerability.ScannerGrype {
			grype = r
		}
	}
	assert.Equal(t, scan.RunFailed, grype.Status)
	require.Len(t, grype.Errors, 1)
	assert.Equal(t, vulnerability.LevelFatal, grype.Errors[0].Level)

	out = New(Config{Quorum: QuorumAll}).Dispatch(context.Background(), "scan-1", target,
		vulnerability.ModeFull, adapters, nil)
	assert.False(t, out.QuorumMet())
	assert.True(t, errors.Is(out.Err(), scan.ErrQuorumFailure))
	t.Log("✅ quorum behaviour verified")
}

func TestDispatchAllFatal(t *testing.T) {
	out := New(Config{}).Dispatch(context.Background(), "scan-1", target, vulnerability.ModeQuick,
		[]scanner.Adapter{failing(vulnerability.ScannerSemgrep), failing(vulnerability.ScannerGitleaks)}, nil)

	err := out.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, scan.ErrQuorumFailure))
	assert.Contains(t, err.Error(), "semgrep is not installed")
	assert.Empty(t, out.Vulnerabilities)
}

func TestDispatchNoAdapters(t *testing.T) {
	out := New(Config{}).Dispatch(context.Background(), "scan-1", target, vulnerability.ModeQuick, nil, nil)
	assert.True(t, errors.Is(out.Err(), scan.ErrQuorumFailure))
}

func TestDispatchRecoversPanics(t *testing.T) {
	t.Log("🧪 Testing adapter panic recovery...")

	boom := fakeAdapter{scanner: vulnerability.ScannerCheckov, scan: func(context.Context) vulnerability.ScanResult {
		panic("nil map")
	}}
	out := New(Config{}).Dispatch(context.Background(), "scan-1", target, vulnerability.ModeQuick,
		[]scanner.Adapter{boom, succeeding(vulnerability.ScannerSemgrep, 1)}, nil)

	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.True(t, out.QuorumMet())
	for _, r := range out.Results {
		if r.Scanner == vulnerability.ScannerCheckov {
			require.Len(t, r.Errors, 1)
			assert.Equal(t, vulnerability.CodePanic, r.Errors[0].Code)
		}
	}
	t.Log("✅ panic recovered")
}

func TestDispatchFatalResultDropsFindings(t *testing.T) {
	inconsistent := fakeAdapter{scanner: vulnerability.ScannerTrivy, scan: func(context.Context) vulnerability.ScanResult {
		res := vulnerability.FatalResult(vulnerability.ScannerTrivy, vulnerability.CodeParse, "bad", 1)
		res.Success = true
		res.Vulnerabilities = []vulnerability.Vulnerability{{RuleID: "x"}}
		return res
	}}
	out := New(Config{}).Dispatch(context.Background(), "scan-1", target, vulnerability.ModeQuick,
		[]scanner.Adapter{inconsistent}, nil)

	assert.Empty(t, out.Vulnerabilities)
	assert.Equal(t, 1, out.Failed)
}

func TestDispatchRespectsLimits(t *testing.T) {
	t.Log("🧪 Testing per-scan and global concurrency limits...")

	var running, peak atomic.Int32
	slow := func(s vulnerability.Scanner) fakeAdapter {
		return fakeAdapter{scanner: s, scan: func(context.Context) vulnerability.ScanResult {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return vulnerability.ScanResult{Scanner: s, Success: true}
		}}
	}
	adapters := func() []scanner.Adapter {
		out := make([]scanner.Adapter, 0, len(vulnerability.AllScanners))
		for _, s := range vulnerability.AllScanners {
			out = append(out, slow(s))
		}
		return out
	}

	d := New(Config{PerScanLimit: 2, GlobalLimit: 3})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := d.Dispatch(context.Background(), "scan", target, vulnerability.ModeQuick, adapters(), nil)
			assert.Equal(t, 5, out.Succeeded)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3), "global limit holds across scans")
	t.Log("✅ limits verified")
}

func TestDispatchCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(Config{GlobalLimit: 1})
	// Hold the only slot so the dispatch must wait on the pool.
	require.NoError(t, d.pool.Acquire(context.Background(), 1))
	defer d.pool.Release(1)

	out := d.Dispatch(ctx, "scan-1", target, vulnerability.ModeQuick,
		[]scanner.Adapter{succeeding(vulnerability.ScannerSemgrep, 1)}, nil)
	require.Len(t, out.Results, 1)
	assert.Equal(t, vulnerability.CodeCancelled, out.Results[0].Errors[0].Code)
}

func TestParseQuorum(t *testing.T) {
	t.Parallel()

	q, err := ParseQuorum("Majority")
	require.NoError(t, err)
	assert.Equal(t, QuorumMajority, q)

	q, err = ParseQuorum("")
	require.NoError(t, err)
	assert.Equal(t, QuorumAny, q)

	_, err = ParseQuorum("most")
	assert.Error(t, err)

	assert.True(t, QuorumAny.Met(1, 5))
	assert.False(t, QuorumAny.Met(0, 5))
	assert.False(t, QuorumMajority.Met(2, 4))
	assert.True(t, QuorumMajority.Met(3, 4))
	assert.False(t, QuorumAll.Met(4, 5))
	assert.False(t, QuorumAll.Met(0, 0))
}
