package snapshot

import (
	"context"
	"fmt"

	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Counts is the per-severity tally shown with a scan's status.
type Counts struct {
	Total         int `json:"total"`
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Informational int `json:"informational"`
}

// Add counts one finding. Unknown severities count as informational.
func (c *Counts) Add(s vulnerability.Severity, n int) {
	c.Total += n
	switch s {
	case vulnerability.SeverityCritical:
		c.Critical += n
	case vulnerability.SeverityHigh:
		c.High += n
	case vulnerability.SeverityMedium:
		c.Medium += n
	case vulnerability.SeverityLow:
		c.Low += n
	default:
		c.Informational += n
	}
}

// CountVulnerabilities tallies an in-memory result set.
func CountVulnerabilities(vulns []vulnerability.Vulnerability) Counts {
	var c Counts
	for i := range vulns {
		c.Add(vulns[i].Severity, 1)
	}
	return c
}

// CountSource is the part of the repository the calculator needs.
type CountSource interface {
	CountVulnerabilities(ctx context.Context, scanID string) (map[vulnerability.Severity]int, error)
}

// Calculator derives counts from persisted findings.
type Calculator struct {
	source CountSource
}

func NewCalculator(source CountSource) *Calculator {
	return &Calculator{source: source}
}

func (c *Calculator) Calculate(ctx context.Context, scanID string) (Counts, error) {
	bySeverity, err := c.source.CountVulnerabilities(ctx, scanID)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count vulnerabilities for scan %s: %w", scanID, err)
	}
	var counts Counts
	for sev, n := range bySeverity {
		counts.Add(sev, n)
	}
	return counts, nil
}
