// Package correlation canonicalizes merged adapter findings, deduplicates
// the ones that describe the same issue and assigns content-derived ids that
// stay stable across scans of the same target.
package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Metadata keys written by the engine.
const (
	KeyCorrelated     = "correlated_findings"
	KeySourceIDs      = "source_ids"
	KeyScanners       = "scanners"
	KeyContentHash    = "content_hash"
	KeyAdvisoryID     = "advisory_id"
	KeyFirstSeenScan  = "first_seen_scan_id"
	KeyFirstSeenAt    = "first_seen_at"
	KeyCorrelationKey = "correlation_key"
)

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// History looks up findings recorded by earlier scans. scan.Repository
// satisfies it.
type History interface {
	FindExisting(ctx context.Context, targetKey, filePath, ruleID, excludeScanID string) ([]scan.PriorFinding, error)
}

// Result is the normalized, deduplicated set.
type Result struct {
	Vulnerabilities []vulnerability.Vulnerability
	// Warnings lists repairs made to inconsistent adapter records.
	Warnings []string
	// Merged counts records folded into a survivor.
	Merged int
}

// Engine is safe for concurrent use.
type Engine struct {
	history History
	hasher  ContentHasher
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

func WithHasher(h ContentHasher) Option {
	return func(e *Engine) { e.hasher = h }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		hasher: SnippetHasher{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Normalize canonicalizes and deduplicates merged. Its output depends only on
// the set of inputs, not their order. The input slice is not modified.
func (e *Engine) Normalize(ctx context.Context, target scan.Target, scanID string, merged []vulnerability.Vulnerability) (Result, error) {
	res := Result{Vulnerabilities: []vulnerability.Vulnerability{}}
	now := e.now().UTC()

	groups := make(map[string][]vulnerability.Vulnerability)
	for _, raw := range merged {
		v := raw.Clone()
		res.Warnings = append(res.Warnings, canonicalize(&v)...)
		v.ScanID = scanID
		k := dedupKey(&v)
		groups[k] = append(groups[k], v)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		group := groups[k]
		res.Merged += len(group) - 1

		hash := e.groupHash(target.Root, group)
		v := fold(group)
		v.DetectedAt = now
		v.ID = stableID(target.Key(), k, hash)
		v.Metadata[KeyCorrelationKey] = k
		if hash != "" {
			v.Metadata[KeyContentHash] = hash
		}
		if err := e.firstSeen(ctx, target, scanID, &v, hash, now); err != nil {
			return Result{}, err
		}
		res.Vulnerabilities = append(res.Vulnerabilities, v)
	}

	sort.Slice(res.Vulnerabilities, func(i, j int) bool {
		a, b := res.Vulnerabilities[i], res.Vulnerabilities[j]
		if a.Severity.Score() != b.Severity.Score() {
			return a.Severity.Score() > b.Severity.Score()
		}
		return a.ID < b.ID
	})
	sort.Strings(res.Warnings)

	e.logger.Debug("Findings normalized", "scan_id", scanID, "input", len(merged),
		"output", len(res.Vulnerabilities), "merged", res.Merged, "warnings", len(res.Warnings))
	return res, nil
}

// firstSeen links the finding to the oldest earlier scan that reported the
// same issue at unchanged content.
func (e *Engine) firstSeen(ctx context.Context, target scan.Target, scanID string, v *vulnerability.Vulnerability, hash string, now time.Time) error {
	v.Metadata[KeyFirstSeenScan] = scanID
	v.Metadata[KeyFirstSeenAt] = now.Format(time.RFC3339)
	if e.history == nil {
		return nil
	}

	prior, err := e.history.FindExisting(ctx, target.Key(), v.Path(), v.RuleID, scanID)
	if err != nil {
		return fmt.Errorf("%w: look up prior findings: %v", scan.ErrPersistence, err)
	}
	ident := identifier(v)
	for _, p := range prior {
		if p.CVE == ident && p.ContentHash == hash {
			v.Metadata[KeyFirstSeenScan] = p.ScanID
			v.Metadata[KeyFirstSeenAt] = p.DetectedAt.UTC().Format(time.RFC3339)
			return nil
		}
	}
	return nil
}

// canonicalize repairs a record in place and returns what it changed.
func canonicalize(v *vulnerability.Vulnerability) []string {
	var warnings []string
	ref := v.ID
	if ref == "" {
		ref = v.RuleID
	}

	if !v.Scanner.IsValid() {
		warnings = append(warnings, fmt.Sprintf("%s: unknown scanner %q", ref, v.Scanner))
	} else if want := vulnerability.TypeFor(v.Scanner); v.Type != want {
		warnings = append(warnings, fmt.Sprintf("%s: type %q inconsistent with scanner %s, using %q", ref, v.Type, v.Scanner, want))
		v.Type = want
	}
	if !v.Severity.IsValid() {
		warnings = append(warnings, fmt.Sprintf("%s: invalid severity %q, using info", ref, v.Severity))
		v.Severity = vulnerability.SeverityInfo
	}
	if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
		warnings = append(warnings, fmt.Sprintf("%s: confidence %v out of range", ref, v.Confidence))
		v.Confidence = clamp(v.Confidence)
	}
	if strings.TrimSpace(v.RuleID) == "" {
		warnings = append(warnings, fmt.Sprintf("%s: missing rule id", ref))
		v.RuleID = string(v.Scanner) + ".unknown-rule"
	}

	v.FilePath = trimPtr(v.FilePath)
	v.CodeSnippet = trimPtr(v.CodeSnippet)
	v.CVE = trimPtr(v.CVE)
	if v.CVE != nil {
		upper := strings.ToUpper(*v.CVE)
		if !cvePattern.MatchString(upper) {
			warnings = append(warnings, fmt.Sprintf("%s: %q is not a CVE identifier", ref, *v.CVE))
			v.CVE = nil
		} else {
			v.CVE = &upper
		}
	}
	if v.LineStart != nil && *v.LineStart <= 0 {
		v.LineStart = nil
	}
	if v.LineEnd != nil && (*v.LineEnd <= 0 || (v.LineStart != nil && *v.LineEnd < *v.LineStart)) {
		v.LineEnd = nil
	}
	v.Title = strings.TrimSpace(v.Title)
	v.Description = strings.TrimSpace(v.Description)
	v.Recommendation = strings.TrimSpace(v.Recommendation)
	v.CWE = sortedSet(v.CWE)
	v.OWASP = sortedSet(v.OWASP)
	v.References = sortedSet(v.References)
	if v.Metadata == nil {
		v.Metadata = map[string]any{}
	}
	return warnings
}

// dedupKey identifies the underlying issue: file path, rule and CVE or
// advisory id. Findings without a file fall back to the package name.
func dedupKey(v *vulnerability.Vulnerability) string {
	location := v.Path()
	if location == "" {
		if pkg, ok := v.Metadata["package_name"].(string); ok && pkg != "" {
			location = "pkg:" + pkg
		}
	}
	return location + "|" + v.RuleID + "|" + identifier(v)
}

// identifier is the CVE or, failing that, the advisory id.
func identifier(v *vulnerability.Vulnerability) string {
	if v.CVE != nil {
		return *v.CVE
	}
	if id, ok := v.Metadata[KeyAdvisoryID].(string); ok {
		return strings.TrimSpace(id)
	}
	return ""
}

// groupHash fingerprints every location in a group. Member hashes are
// sorted so the result does not depend on input order or adapter ids.
func (e *Engine) groupHash(root string, group []vulnerability.Vulnerability) string {
	hashes := make([]string, 0, len(group))
	for i := range group {
		if h := e.hasher.Hash(root, &group[i]); h != "" {
			hashes = append(hashes, h)
		}
	}
	hashes = sortedSet(hashes)
	switch len(hashes) {
	case 0:
		return ""
	case 1:
		return hashes[0]
	}
	return digest(strings.Join(hashes, "\n"))
}

// rank orders a group: highest confidence first, then severity, scanner and
// location. Adapter ids are minted per run, so they only break exact ties.
func rank(group []vulnerability.Vulnerability) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Severity.Score() != b.Severity.Score() {
			return a.Severity.Score() > b.Severity.Score()
		}
		if a.Scanner != b.Scanner {
			return a.Scanner < b.Scanner
		}
		if c := compareLine(a.LineStart, b.LineStart); c != 0 {
			return c < 0
		}
		if c := compareLine(a.LineEnd, b.LineEnd); c != 0 {
			return c < 0
		}
		if as, bs := snippetDigest(&a), snippetDigest(&b); as != bs {
			return as < bs
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}

// compareLine orders line numbers ascending with unknown lines last.
func compareLine(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return *a - *b
}

func snippetDigest(v *vulnerability.Vulnerability) string {
	return SnippetHasher{}.Hash("", v)
}

// fold keeps the best-ranked record and records the others in its metadata.
func fold(group []vulnerability.Vulnerability) vulnerability.Vulnerability {
	rank(group)
	survivor := group[0]

	best := map[vulnerability.Scanner]float64{}
	sourceIDs := make([]string, 0, len(group))
	correlated := make([]map[string]any, 0, len(group)-1)
	for i, m := range group {
		if c, ok := best[m.Scanner]; !ok || m.Confidence > c {
			best[m.Scanner] = m.Confidence
		}
		if m.ID != "" {
			sourceIDs = append(sourceIDs, m.ID)
		}
		if i == 0 {
			continue
		}
		survivor.Severity = vulnerability.MaxSeverity(survivor.Severity, m.Severity)
		survivor.CWE = sortedSet(append(survivor.CWE, m.CWE...))
		survivor.OWASP = sortedSet(append(survivor.OWASP, m.OWASP...))
		survivor.References = sortedSet(append(survivor.References, m.References...))
		correlated = append(correlated, crossReference(m))
	}

	scanners := make([]string, 0, len(best))
	for s := range best {
		scanners = append(scanners, string(s))
	}
	sort.Strings(scanners)
	sort.Strings(sourceIDs)

	survivor.Confidence = noisyOr(best, scanners)
	survivor.Metadata[KeySourceIDs] = sourceIDs
	survivor.Metadata[KeyScanners] = scanners
	if len(correlated) > 0 {
		survivor.Metadata[KeyCorrelated] = correlated
	}
	return survivor
}

func crossReference(v vulnerability.Vulnerability) map[string]any {
	ref := map[string]any{
		"id":         v.ID,
		"scanner":    string(v.Scanner),
		"rule_id":    v.RuleID,
		"severity":   string(v.Severity),
		"confidence": v.Confidence,
	}
	if v.LineStart != nil {
		ref["line_start"] = *v.LineStart
	}
	if v.LineEnd != nil {
		ref["line_end"] = *v.LineEnd
	}
	if v.Title != "" {
		ref["title"] = v.Title
	}
	if len(v.Metadata) > 0 {
		ref["metadata"] = v.Metadata
	}
	return ref
}

// noisyOr combines independent detections: 1 - prod(1 - c). Each scanner
// contributes once, so the result is never below the best single score.
func noisyOr(best map[vulnerability.Scanner]float64, order []string) float64 {
	miss := 1.0
	for _, s := range order {
		miss *= 1 - clamp(best[vulnerability.Scanner(s)])
	}
	return math.Round((1-miss)*1e6) / 1e6
}

// stableID derives the id from the target, the dedup key and the content at
// the location, so the same issue at unchanged code keeps its id.
func stableID(targetKey, key, contentHash string) string {
	sum := sha256.Sum256([]byte(targetKey + "|" + key + "|" + contentHash))
	return hex.EncodeToString(sum[:16])
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	return vulnerability.StringPtr(strings.TrimSpace(*p))
}

func sortedSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
