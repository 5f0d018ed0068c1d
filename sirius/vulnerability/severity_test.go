package vulnerability

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSeverityVocabularies(t *testing.T) {
	t.Parallel()

	for _, s := range AllScanners {
		s := s
		t.Run(string(s), func(t *testing.T) {
			t.Parallel()
			tokens := append(SeverityVocabulary(s), "", "   ", "bogus-token", "null")
			for _, token := range tokens {
				got := NormalizeSeverity(s, token)
				assert.True(t, got.IsValid(), "token %q mapped to %q", token, got)
			}
			assert.Equal(t, SeverityInfo, NormalizeSeverity(s, "bogus-token"))
			assert.Equal(t, SeverityInfo, NormalizeSeverity(s, ""))
		})
	}
}

func TestNormalizeSeverityTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scanner Scanner
		raw     string
		want    Severity
	}{
		{ScannerSemgrep, "ERROR", SeverityCritical},
		{ScannerSemgrep, "warning", SeverityMedium},
		{ScannerSemgrep, "INFO", SeverityLow},
		{ScannerSemgrep, "INVENTORY", SeverityInfo},
		{ScannerTrivy, "CRITICAL", SeverityCritical},
		{ScannerTrivy, "UNKNOWN", SeverityInfo},
		{ScannerGitleaks, "CRITICAL", SeverityCritical},
		{ScannerCheckov, "HIGH", SeverityHigh},
		{ScannerGrype, "Negligible", SeverityInfo},
		{ScannerGrype, "Medium", SeverityMedium},
		{Scanner("unknown"), "CRITICAL", SeverityInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSeverity(tt.scanner, tt.raw), "%s/%s", tt.scanner, tt.raw)
	}
}

func TestSeveritySortOrder(t *testing.T) {
	t.Parallel()

	input := []Severity{SeverityLow, SeverityCritical, SeverityMedium, SeverityInfo, SeverityHigh}
	sort.Slice(input, func(i, j int) bool { return input[i].Score() > input[j].Score() })
	assert.Equal(t, Severities, input)
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
	assert.Equal(t, 0, Severity("CRITICAL").Score())
}

func TestTypeForIsTotalOverScanners(t *testing.T) {
	t.Parallel()

	seen := map[Type]bool{}
	for _, s := range AllScanners {
		typ := TypeFor(s)
		assert.NotEmpty(t, typ, "scanner %s", s)
		assert.False(t, seen[typ], "type %s mapped twice", typ)
		seen[typ] = true
	}
	assert.Equal(t, Type(""), TypeFor("nope"))
}

func TestCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	v := Vulnerability{
		FilePath: StringPtr("a.go"),
		CWE:      []string{"CWE-79"},
		Metadata: map[string]any{"k": "v"},
	}
	c := v.Clone()
	*c.FilePath = "b.go"
	c.CWE[0] = "CWE-89"
	c.Metadata["k"] = "changed"

	assert.Equal(t, "a.go", v.Path())
	assert.Equal(t, "CWE-79", v.CWE[0])
	assert.Equal(t, "v", v.Metadata["k"])
	assert.Nil(t, IntPtr(0))
	assert.Nil(t, StringPtr(""))
}
