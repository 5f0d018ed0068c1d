// Package enrichment attaches risk context to finalized findings. Enrichers
// only write under Metadata["enrichment"]; severity and confidence are never
// changed.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// MetadataKey is where enrichment fields live.
const MetadataKey = "enrichment"

// Field names written under MetadataKey.
const (
	FieldPublicFacing      = "public_facing"
	FieldAuthRequired      = "auth_required"
	FieldExploitLikelihood = "exploit_likelihood"
	FieldFramework         = "framework"
)

// Enricher adds context to a finalized vulnerability set. Implementations
// must return a slice of the same length and order.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, vulns []vulnerability.Vulnerability) ([]vulnerability.Vulnerability, error)
}

// Chain runs enrichers in order, feeding each the previous output.
type Chain struct {
	enrichers []Enricher
	logger    *slog.Logger
}

func NewChain(logger *slog.Logger, enrichers ...Enricher) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{enrichers: enrichers, logger: logger}
}

func (c *Chain) Name() string {
	return "chain"
}

// Enrich works on a copy; the input is never modified. Any failure returns an
// error wrapping scan.ErrEnrichment and the caller should keep its original set.
func (c *Chain) Enrich(ctx context.Context, vulns []vulnerability.Vulnerability) ([]vulnerability.Vulnerability, error) {
	out := vulns
	for _, e := range c.enrichers {
		next, err := e.Enrich(ctx, cloneAll(out))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", scan.ErrEnrichment, e.Name(), err)
		}
		if err := Verify(out, next); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", scan.ErrEnrichment, e.Name(), err)
		}
		out = next
		c.logger.Debug("Enricher applied", "enricher", e.Name(), "findings", len(out))
	}
	return out, nil
}

func cloneAll(vulns []vulnerability.Vulnerability) []vulnerability.Vulnerability {
	out := make([]vulnerability.Vulnerability, len(vulns))
	for i := range vulns {
		out[i] = vulns[i].Clone()
		if fields, ok := out[i].Metadata[MetadataKey].(map[string]any); ok {
			copied := make(map[string]any, len(fields))
			for k, v := range fields {
				copied[k] = v
			}
			out[i].Metadata[MetadataKey] = copied
		}
	}
	return out
}

// Verify checks that after differs from before only in metadata.
func Verify(before, after []vulnerability.Vulnerability) error {
	if len(before) != len(after) {
		return fmt.Errorf("finding count changed from %d to %d", len(before), len(after))
	}
	var errs []error
	for i := range before {
		b, a := before[i], after[i]
		switch {
		case b.ID != a.ID:
			errs = append(errs, fmt.Errorf("finding %d: id changed", i))
		case b.Severity != a.Severity:
			errs = append(errs, fmt.Errorf("finding %s: severity changed", b.ID))
		case b.Confidence != a.Confidence:
			errs = append(errs, fmt.Errorf("finding %s: confidence changed", b.ID))
		}
	}
	return errors.Join(errs...)
}

// Fields returns the enrichment map of v, creating it when absent.
func Fields(v *vulnerability.Vulnerability) map[string]any {
	if v.Metadata == nil {
		v.Metadata = map[string]any{}
	}
	if m, ok := v.Metadata[MetadataKey].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	v.Metadata[MetadataKey] = m
	return m
}

// setDefault writes key only when no earlier enricher set it.
func setDefault(fields map[string]any, key string, value any) {
	if _, ok := fields[key]; !ok {
		fields[key] = value
	}
}
