package enrichment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/SiriusScan/codescan/nvd"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

func vuln(id string, s vulnerability.Scanner, path string, sev vulnerability.Severity) vulnerability.Vulnerability {
	return vulnerability.Vulnerability{
		ID:         id,
		Scanner:    s,
		Type:       vulnerability.TypeFor(s),
		Severity:   sev,
		FilePath:   vulnerability.StringPtr(path),
		RuleID:     "rule",
		Confidence: 0.8,
		Metadata:   map[string]any{},
	}
}

func TestHeuristicEnricher(t *testing.T) {
	t.Log("🧪 Testing heuristic enrichment...")

	vulns := []vulnerability.Vulnerability{
		vuln("a", vulnerability.ScannerSemgrep, "api/handlers/users.go", vulnerability.SeverityHigh),
		vuln("b", vulnerability.ScannerSemgrep, "internal/admin/panel.py", vulnerability.SeverityLow),
		vuln("c", vulnerability.ScannerTrivy, "web/package-lock.json", vulnerability.SeverityCritical),
		vuln("d", vulnerability.ScannerGitleaks, "config.yaml", vulnerability.SeverityLow),
		vuln("e", vulnerability.ScannerGrype, "", vulnerability.SeverityMedium),
	}

	out, err := Heuristic{}.Enrich(context.Background(), vulns)
	require.NoError(t, err)

	a := Fields(&out[0])
	assert.Equal(t, "go", a[FieldFramework])
	assert.Equal(t, true, a[FieldPublicFacing])
	assert.Equal(t, false, a[FieldAuthRequired])
	assert.Equal(t, "medium", a[FieldExploitLikelihood])

	b := Fields(&out[1])
	assert.Equal(t, "python", b[FieldFramework])
	assert.Equal(t, true, b[FieldAuthRequired])
	assert.Equal(t, "low", b[FieldExploitLikelihood])

	assert.Equal(t, "node", Fields(&out[2])[FieldFramework])
	assert.Equal(t, "high", Fields(&out[3])[FieldExploitLikelihood], "leaked secrets rank high")
	_, hasFramework := Fields(&out[4])[FieldFramework]
	assert.False(t, hasFramework)
	t.Log("✅ heuristics applied")
}

type fakeFetcher map[string]nvd.CveItem

func (f fakeFetcher) GetCVE(_ context.Context, id string) (nvd.CveItem, error) {
	item, ok := f[id]
	if !ok {
		return nvd.CveItem{}, nvd.ErrNotFound
	}
	return item, nil
}

func TestNVDEnricher(t *testing.T) {
	t.Log("🧪 Testing NVD enrichment...")

	kev := "2021-12-10"
	fetcher := fakeFetcher{
		"CVE-2021-44228": {ID: "CVE-2021-44228", CisaExploitAdd: &kev, Metrics: nvd.Metrics{
			CvssMetricV31: []nvd.CvssV3{{Type: "Primary", ExploitabilityScore: 3.9,
				CvssData: nvd.CvssDataV3{AttackVector: "NETWORK", PrivilegesRequired: "NONE", BaseScore: 10}}},
		}},
		"CVE-2020-0002": {ID: "CVE-2020-0002", Metrics: nvd.Metrics{
			CvssMetricV30: []nvd.CvssV3{{ExploitabilityScore: 1.8,
				CvssData: nvd.CvssDataV3{AttackVector: "LOCAL", PrivilegesRequired: "LOW"}}},
		}},
	}

	withCVE := func(id, cve string) vulnerability.Vulnerability {
		v := vuln(id, vulnerability.ScannerTrivy, "pom.xml", vulnerability.SeverityHigh)
		v.CVE = &cve
		return v
	}
	vulns := []vulnerability.Vulnerability{
		withCVE("a", "CVE-2021-44228"),
		withCVE("b", "CVE-2020-0002"),
		withCVE("c", "CVE-1999-0001"),
		vuln("d", vulnerability.ScannerSemgrep, "a.go", vulnerability.SeverityLow),
	}

	out, err := NewNVD(fetcher, nil).Enrich(context.Background(), vulns)
	require.NoError(t, err)

	a := Fields(&out[0])
	assert.Equal(t, "high", a[FieldExploitLikelihood])
	assert.Equal(t, true, a[FieldPublicFacing])
	assert.Equal(t, false, a[FieldAuthRequired])
	assert.Equal(t, true, a["kev"])

	b := Fields(&out[1])
	assert.Equal(t, "low", b[FieldExploitLikelihood])
	assert.Equal(t, false, b[FieldPublicFacing])
	assert.Equal(t, true, b[FieldAuthRequired])

	assert.NotContains(t, out[2].Metadata, MetadataKey, "unknown CVE left alone")
	assert.NotContains(t, out[3].Metadata, MetadataKey)
	t.Log("✅ NVD data applied")
}

func TestNVDEnricherAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"vulnerabilities":[{"cve":{"id":"CVE-2022-22965","metrics":{"cvssMetricV31":[{"type":"Primary","exploitabilityScore":2.2,"cvssData":{"attackVector":"NETWORK","privilegesRequired":"NONE"}}]}}}]}`))
	}))
	defer srv.Close()

	client := nvd.NewClient(nvd.WithBaseURL(srv.URL), nvd.WithRateLimit(rate.NewLimiter(rate.Inf, 1)))
	v := vuln("a", vulnerability.ScannerTrivy, "pom.xml", vulnerability.SeverityCritical)
	cve := "CVE-2022-22965"
	v.CVE = &cve

	out, err := NewNVD(client, nil).Enrich(context.Background(), []vulnerability.Vulnerability{v})
	require.NoError(t, err)
	assert.Equal(t, "medium", Fields(&out[0])[FieldExploitLikelihood])
}

type failingEnricher struct{}

func (failingEnricher) Name() string { return "failing" }

func (failingEnricher) Enrich(context.Context, []vulnerability.Vulnerability) ([]vulnerability.Vulnerability, error) {
	return nil, errors.New("model unavailable")
}

type tamperingEnricher struct{}

func (tamperingEnricher) Name() string { return "tampering" }

func (tamperingEnricher) Enrich(_ context.Context, vulns []vulnerability.Vulnerability) ([]vulnerability.Vulnerability, error) {
	for i := range vulns {
		vulns[i].Severity = vulnerability.SeverityCritical
	}
	return vulns, nil
}

func TestChain(t *testing.T) {
	t.Log("🧪 Testing enricher chain...")

	original := []vulnerability.Vulnerability{
		vuln("a", vulnerability.ScannerSemgrep, "routes/app.js", vulnerability.SeverityMedium),
	}

	out, err := NewChain(nil, NewNVD(fakeFetcher{}, nil), Heuristic{}).Enrich(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, "node", Fields(&out[0])[FieldFramework])
	assert.NotContains(t, original[0].Metadata, MetadataKey, "input is not modified")
	assert.Equal(t, original[0].Severity, out[0].Severity)
	assert.Equal(t, original[0].Confidence, out[0].Confidence)

	_, err = NewChain(nil, Heuristic{}, failingEnricher{}).Enrich(context.Background(), original)
	assert.True(t, errors.Is(err, scan.ErrEnrichment))

	_, err = NewChain(nil, tamperingEnricher{}).Enrich(context.Background(), original)
	require.Error(t, err)
	assert.True(t, errors.Is(err, scan.ErrEnrichment))
	assert.Contains(t, err.Error(), "severity changed")
	assert.Equal(t, vulnerability.SeverityMedium, original[0].Severity)
	t.Log("✅ chain verified")
}
