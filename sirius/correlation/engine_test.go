package correlation

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

var (
	fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	target   = scan.Target{Repository: "github.com/acme/shop", Root: "/work/shop"}
)

func finding(id string, s vulnerability.Scanner, path, rule string, conf float64, sev vulnerability.Severity) vulnerability.Vulnerability {
	return vulnerability.Vulnerability{
		ID:         id,
		Scanner:    s,
		Type:       vulnerability.TypeFor(s),
		Severity:   sev,
		Title:      rule,
		FilePath:   vulnerability.StringPtr(path),
		RuleID:     rule,
		Confidence: conf,
		Metadata:   map[string]any{},
	}
}

func newEngine(opts ...Option) *Engine {
	return NewEngine(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestNormalizeMergesDuplicateReports(t *testing.T) {
	t.Log("🧪 Testing correlation of the same issue reported twice...")

	merged := []vulnerability.Vulnerability{
		finding("a-1", vulnerability.ScannerSemgrep, "app/db.py", "sql-injection", 0.6, vulnerability.SeverityHigh),
		finding("b-1", vulnerability.ScannerCheckov, "app/db.py", "sql-injection", 0.9, vulnerability.SeverityMedium),
	}

	res, err := newEngine().Normalize(context.Background(), target, "scan-1", merged)
	require.NoError(t, err)
	require.Len(t, res.Vulnerabilities, 1)
	assert.Equal(t, 1, res.Merged)

	v := res.Vulnerabilities[0]
	assert.GreaterOrEqual(t, v.Confidence, 0.9)
	assert.InDelta(t, 0.96, v.Confidence, 1e-9, "noisy-or of 0.6 and 0.9")
	assert.Equal(t, vulnerability.ScannerCheckov, v.Scanner, "highest confidence survives")
	assert.Equal(t, vulnerability.SeverityHigh, v.Severity, "severity is the group maximum")
	assert.Equal(t, []string{"a-1", "b-1"}, v.Metadata[KeySourceIDs])
	assert.Equal(t, []string{"checkov", "semgrep"}, v.Metadata[KeyScanners])

	correlated, ok := v.Metadata[KeyCorrelated].([]map[string]any)
	require.True(t, ok)
	require.Len(t, correlated, 1)
	assert.Equal(t, "a-1", correlated[0]["id"], "folded finding stays referenced")
	assert.Equal(t, "scan-1", v.ScanID)
	assert.Equal(t, fixedNow, v.DetectedAt)
	t.Log("✅ duplicates folded")
}

func TestNormalizeSameScannerCountsOnce(t *testing.T) {
	merged := []vulnerability.Vulnerability{
		finding("a-1", vulnerability.ScannerSemgrep, "x.go", "r", 0.5, vulnerability.SeverityLow),
		finding("a-2", vulnerability.ScannerSemgrep, "x.go", "r", 0.5, vulnerability.SeverityLow),
	}
	res, err := newEngine().Normalize(context.Background(), target, "scan-1", merged)
	require.NoError(t, err)
	require.Len(t, res.Vulnerabilities, 1)
	assert.Equal(t, 0.5, res.Vulnerabilities[0].Confidence)
}

func TestNormalizeKeepsDistinctIssues(t *testing.T) {
	cve1, cve2 := "CVE-2021-1111", "CVE-2021-2222"
	a := finding("a", vulnerability.ScannerTrivy, "go.sum", "CVE-2021-1111", 0.9, vulnerability.SeverityHigh)
	a.CVE = &cve1
	b := finding("b", vulnerability.ScannerTrivy, "go.sum", "CVE-2021-2222", 0.9, vulnerability.SeverityLow)
	b.CVE = &cve2
	c := finding("c", vulnerability.ScannerSemgrep, "main.go", "r", 0.5, vulnerability.SeverityCritical)

	res, err := newEngine().Normalize(context.Background(), target, "scan-1", []vulnerability.Vulnerability{a, b, c})
	require.NoError(t, err)
	require.Len(t, res.Vulnerabilities, 3)
	assert.Equal(t, vulnerability.SeverityCritical, res.Vulnerabilities[0].Severity, "sorted by severity")
	assert.Equal(t, vulnerability.SeverityLow, res.Vulnerabilities[2].Severity)
}

func TestNormalizeOrderIndependentAndIdempotent(t *testing.T) {
	t.Log("🧪 Testing permutation independence and idempotence...")

	cve := "CVE-2022-42889"
	merged := []vulnerability.Vulnerability{
		finding("s1", vulnerability.ScannerSemgrep, "a.py", "eval", 0.6, vulnerability.SeverityCritical),
		finding("s2", vulnerability.ScannerSemgrep, "b.py", "eval", 0.6, vulnerability.SeverityCritical),
		finding("g1", vulnerability.ScannerGitleaks, "a.py", "eval", 0.7, vulnerability.SeverityHigh),
		finding("k1", vulnerability.ScannerCheckov, "main.tf", "CKV_AWS_20", 0.8, vulnerability.SeverityInfo),
		finding("k2", vulnerability.ScannerCheckov, "main.tf", "CKV_AWS_20", 0.8, vulnerability.SeverityLow),
	}
	withCVE := finding("t1", vulnerability.ScannerTrivy, "pom.xml", "CVE-2022-42889", 0.9, vulnerability.SeverityCritical)
	withCVE.CVE = &cve
	merged = append(merged, withCVE)

	engine := newEngine()
	want, err := engine.Normalize(context.Background(), target, "scan-1", merged)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]vulnerability.Vulnerability(nil), merged...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := engine.Normalize(context.Background(), target, "scan-1", shuffled)
		require.NoError(t, err)
		assert.Equal(t, want.Vulnerabilities, got.Vulnerabilities, "permutation %d", i)
	}
	t.Log("✅ normalization is order independent")
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	merged := []vulnerability.Vulnerability{
		finding("a-1", vulnerability.ScannerSemgrep, "app.py", "r", 0.6, vulnerability.SeverityHigh),
		finding("b-1", vulnerability.ScannerGitleaks, "app.py", "r", 0.9, vulnerability.SeverityHigh),
	}
	_, err := newEngine().Normalize(context.Background(), target, "scan-1", merged)
	require.NoError(t, err)

	assert.Equal(t, "a-1", merged[0].ID)
	assert.Empty(t, merged[1].Metadata)
}

func TestCanonicalizeRepairsRecords(t *testing.T) {
	t.Log("🧪 Testing canonicalization repairs...")

	bad := vulnerability.Vulnerability{
		ID:         "x",
		Scanner:    vulnerability.ScannerTrivy,
		Type:       vulnerability.TypeSAST,
		Severity:   "severe",
		Confidence: 1.7,
		FilePath:   vulnerability.StringPtr("  "),
		CVE:        vulnerability.StringPtr("GHSA-1234"),
		References: []string{"https://b", "", "https://a", "https://b"},
		CWE:        []string{"CWE-79", "CWE-79"},
	}

	res, err := newEngine().Normalize(context.Background(), target, "scan-1", []vulnerability.Vulnerability{bad})
	require.NoError(t, err)
	require.Len(t, res.Vulnerabilities, 1)

	v := res.Vulnerabilities[0]
	assert.Equal(t, vulnerability.TypeSCA, v.Type)
	assert.Equal(t, vulnerability.SeverityInfo, v.Severity)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Nil(t, v.FilePath)
	assert.Nil(t, v.CVE)
	assert.Equal(t, "trivy.unknown-rule", v.RuleID)
	assert.Equal(t, []string{"https://a", "https://b"}, v.References)
	assert.Equal(t, []string{"CWE-79"}, v.CWE)
	assert.Len(t, res.Warnings, 5)
	t.Log("✅ records repaired")
}

type fakeHistory struct {
	prior []scan.PriorFinding
	err   error
	calls int
}

func (f *fakeHistory) FindExisting(_ context.Context, targetKey, filePath, ruleID, excludeScanID string) ([]scan.PriorFinding, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []scan.PriorFinding
	for _, p := range f.prior {
		if p.FilePath == filePath && p.RuleID == ruleID && p.ScanID != excludeScanID {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestStableIDsAcrossScans(t *testing.T) {
	t.Log("🧪 Testing id stability across scans of the same target...")

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/shop/app.py", []byte("import os\nx = eval(q)\nprint(x)\n"), 0o644))

	v := finding("a-1", vulnerability.ScannerSemgrep, "app.py", "eval", 0.9, vulnerability.SeverityHigh)
	v.LineStart = vulnerability.IntPtr(2)

	first, err := newEngine(WithHasher(NewFileHasher(fs))).Normalize(context.Background(), target, "scan-1",
		[]vulnerability.Vulnerability{v})
	require.NoError(t, err)
	original := first.Vulnerabilities[0]
	hash, _ := original.Metadata[KeyContentHash].(string)
	require.NotEmpty(t, hash)

	history := &fakeHistory{prior: []scan.PriorFinding{{
		ID: original.ID, ScanID: "scan-1", FilePath: "app.py", RuleID: "eval",
		ContentHash: hash, DetectedAt: fixedNow.Add(-time.Hour),
	}}}

	// The same line moved down and re-indented in the next scan.
	require.NoError(t, afero.WriteFile(fs, "/work/shop/app.py", []byte("import os\n\n  x  =  eval(q)\n"), 0o644))
	v.ID = "a-2"
	v.LineStart = vulnerability.IntPtr(3)
	second, err := newEngine(WithHasher(NewFileHasher(fs)), WithHistory(history)).Normalize(context.Background(),
		target, "scan-2", []vulnerability.Vulnerability{v})
	require.NoError(t, err)

	again := second.Vulnerabilities[0]
	assert.Equal(t, original.ID, again.ID, "unchanged code keeps its id")
	assert.Equal(t, "scan-1", again.Metadata[KeyFirstSeenScan])
	assert.Equal(t, 1, history.calls)

	// Changed code is a new issue.
	require.NoError(t, afero.WriteFile(fs, "/work/shop/app.py", []byte("import os\n\nx = eval(safe(q))\n"), 0o644))
	third, err := newEngine(WithHasher(NewFileHasher(fs)), WithHistory(history)).Normalize(context.Background(),
		target, "scan-3", []vulnerability.Vulnerability{v})
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, third.Vulnerabilities[0].ID)
	assert.Equal(t, "scan-3", third.Vulnerabilities[0].Metadata[KeyFirstSeenScan])

	// A different target never shares ids.
	other := scan.Target{Repository: "github.com/acme/other", Root: "/work/shop"}
	fourth, err := newEngine(WithHasher(NewFileHasher(fs))).Normalize(context.Background(), other, "scan-4",
		[]vulnerability.Vulnerability{v})
	require.NoError(t, err)
	assert.NotEqual(t, third.Vulnerabilities[0].ID, fourth.Vulnerabilities[0].ID)
	t.Log("✅ ids stable across scans")
}

func TestMultiHitGroupKeepsIDWithFreshAdapterIDs(t *testing.T) {
	t.Log("🧪 Testing a rule hitting several lines of one file across re-scans...")

	lines := make([]string, 25)
	for i := range lines {
		lines[i] = "pass"
	}
	lines[9] = "a = eval(q)"
	lines[19] = "b = eval(r)"
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/shop/app.py", []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	hits := func(first, second string) []vulnerability.Vulnerability {
		a := finding(first, vulnerability.ScannerSemgrep, "app.py", "eval", 0.8, vulnerability.SeverityHigh)
		a.LineStart = vulnerability.IntPtr(10)
		b := finding(second, vulnerability.ScannerSemgrep, "app.py", "eval", 0.8, vulnerability.SeverityHigh)
		b.LineStart = vulnerability.IntPtr(20)
		return []vulnerability.Vulnerability{a, b}
	}

	first, err := newEngine(WithHasher(NewFileHasher(fs))).Normalize(context.Background(), target, "scan-1", hits("aaa", "bbb"))
	require.NoError(t, err)
	require.Len(t, first.Vulnerabilities, 1)
	original := first.Vulnerabilities[0]

	history := &fakeHistory{prior: []scan.PriorFinding{{
		ID: original.ID, ScanID: "scan-1", FilePath: "app.py", RuleID: "eval",
		ContentHash: original.Metadata[KeyContentHash].(string), DetectedAt: fixedNow.Add(-time.Hour),
	}}}
	second, err := newEngine(WithHasher(NewFileHasher(fs)), WithHistory(history)).Normalize(context.Background(),
		target, "scan-2", hits("zzz", "ccc"))
	require.NoError(t, err)
	require.Len(t, second.Vulnerabilities, 1)
	again := second.Vulnerabilities[0]

	assert.Equal(t, original.ID, again.ID, "unchanged code keeps its id")
	require.NotNil(t, again.LineStart)
	assert.Equal(t, 10, *again.LineStart)
	assert.Equal(t, *original.LineStart, *again.LineStart)
	assert.Equal(t, original.Metadata[KeyContentHash], again.Metadata[KeyContentHash])
	assert.Equal(t, "scan-1", again.Metadata[KeyFirstSeenScan])

	// Editing either hit changes the group fingerprint.
	lines[19] = "b = eval(safe(r))"
	require.NoError(t, afero.WriteFile(fs, "/work/shop/app.py", []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	third, err := newEngine(WithHasher(NewFileHasher(fs))).Normalize(context.Background(), target, "scan-3", hits("bbb", "aaa"))
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, third.Vulnerabilities[0].ID)
	t.Log("✅ multi-hit group id is independent of adapter ids")
}

func TestRankPrefersEarliestLine(t *testing.T) {
	a := finding("zzz", vulnerability.ScannerSemgrep, "x.go", "r", 0.5, vulnerability.SeverityLow)
	a.LineStart = vulnerability.IntPtr(7)
	b := finding("aaa", vulnerability.ScannerSemgrep, "x.go", "r", 0.5, vulnerability.SeverityLow)
	c := finding("bbb", vulnerability.ScannerSemgrep, "x.go", "r", 0.5, vulnerability.SeverityLow)
	c.LineStart = vulnerability.IntPtr(3)

	group := []vulnerability.Vulnerability{a, b, c}
	rank(group)
	assert.Equal(t, []string{"bbb", "zzz", "aaa"}, []string{group[0].ID, group[1].ID, group[2].ID})
}

func TestHistoryFailureIsPersistenceError(t *testing.T) {
	history := &fakeHistory{err: errors.New("connection refused")}
	_, err := newEngine(WithHistory(history)).Normalize(context.Background(), target, "scan-1",
		[]vulnerability.Vulnerability{finding("a", vulnerability.ScannerSemgrep, "a.go", "r", 0.5, vulnerability.SeverityLow)})
	assert.True(t, errors.Is(err, scan.ErrPersistence))
}

func TestFileHasherFallsBackToSnippet(t *testing.T) {
	h := NewFileHasher(afero.NewMemMapFs())
	snippet := "token = 'abc'"
	v := finding("a", vulnerability.ScannerGitleaks, "missing.py", "generic", 0.7, vulnerability.SeverityHigh)
	v.LineStart = vulnerability.IntPtr(1)
	v.CodeSnippet = &snippet

	assert.Equal(t, SnippetHasher{}.Hash("", &v), h.Hash("/work", &v))

	v.CodeSnippet = nil
	assert.Empty(t, h.Hash("/work", &v))
}
