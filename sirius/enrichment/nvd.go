package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SiriusScan/codescan/nvd"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// CVEFetcher is satisfied by *nvd.Client.
type CVEFetcher interface {
	GetCVE(ctx context.Context, id string) (nvd.CveItem, error)
}

// NVD enriches findings that carry a CVE with CVSS and CISA KEV data.
type NVD struct {
	client CVEFetcher
	logger *slog.Logger
}

func NewNVD(client CVEFetcher, logger *slog.Logger) *NVD {
	if logger == nil {
		logger = slog.Default()
	}
	return &NVD{client: client, logger: logger}
}

func (n *NVD) Name() string {
	return "nvd"
}

// Enrich looks each distinct CVE up once. CVEs unknown to NVD are skipped;
// any other lookup failure fails the pass.
func (n *NVD) Enrich(ctx context.Context, vulns []vulnerability.Vulnerability) ([]vulnerability.Vulnerability, error) {
	items := make(map[string]*nvd.CveItem)
	for i := range vulns {
		id := vulns[i].CVEID()
		if id == "" {
			continue
		}
		if _, seen := items[id]; seen {
			continue
		}
		item, err := n.client.GetCVE(ctx, id)
		if errors.Is(err, nvd.ErrNotFound) {
			items[id] = nil
			n.logger.Debug("CVE not in NVD", "cve", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		items[id] = &item
	}

	for i := range vulns {
		item := items[vulns[i].CVEID()]
		if item == nil {
			continue
		}
		fields := Fields(&vulns[i])
		fields["kev"] = item.KnownExploited()

		metric, ok := item.PrimaryV3()
		if !ok {
			if item.KnownExploited() {
				fields[FieldExploitLikelihood] = "high"
			}
			continue
		}
		fields[FieldExploitLikelihood] = exploitLikelihood(item.KnownExploited(), metric.ExploitabilityScore)
		fields[FieldPublicFacing] = metric.CvssData.AttackVector == "NETWORK"
		if pr := metric.CvssData.PrivilegesRequired; pr != "" {
			fields[FieldAuthRequired] = pr != "NONE"
		}
		fields["cvss_vector"] = metric.CvssData.VectorString
		fields["cvss_base_score"] = metric.CvssData.BaseScore
	}
	return vulns, nil
}

func exploitLikelihood(kev bool, exploitability float64) string {
	switch {
	case kev || exploitability >= 3.5:
		return "high"
	case exploitability >= 2.0:
		return "medium"
	default:
		return "low"
	}
}
