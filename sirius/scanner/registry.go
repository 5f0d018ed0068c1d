package scanner

import (
	"log/slog"
	"time"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Skip reasons reported by Select.
const (
	ReasonNotRequested = "not requested"
	ReasonNotInstalled = "no adapter registered"
	ReasonNoManifests  = "no dependency manifests found"
	ReasonNoIaC        = "no infrastructure-as-code files found"
	ReasonNoContainer  = "no container image or Dockerfile found"
)

// Skipped is a scanner Select left out, with the reason.
type Skipped struct {
	Scanner vulnerability.Scanner `json:"scanner"`
	Reason  string                `json:"reason"`
}

// Selection is the set of adapters chosen for one scan. Target may carry an
// image resolved from a Dockerfile.
type Selection struct {
	Adapters []Adapter
	Skipped  []Skipped
	Target   scan.Target
}

// Registry maps scanners to their adapters.
type Registry struct {
	adapters map[vulnerability.Scanner]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[vulnerability.Scanner]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Config builds the default registry.
type Config struct {
	Timeout  time.Duration
	Binaries map[vulnerability.Scanner]string
	// Enabled limits the registered scanners; empty means all.
	Enabled []vulnerability.Scanner
	Runner  Runner
	Logger  *slog.Logger
}

// NewDefaultRegistry registers one adapter per enabled scanner.
func NewDefaultRegistry(cfg Config) *Registry {
	enabled := cfg.Enabled
	if len(enabled) == 0 {
		enabled = vulnerability.AllScanners
	}
	r := NewRegistry()
	for _, s := range enabled {
		opts := Options{
			Binary:  cfg.Binaries[s],
			Timeout: cfg.Timeout,
			Runner:  cfg.Runner,
			Logger:  cfg.Logger,
		}
		switch s {
		case vulnerability.ScannerSemgrep:
			r.Register(NewSemgrep(opts))
		case vulnerability.ScannerTrivy:
			r.Register(NewTrivy(opts))
		case vulnerability.ScannerGitleaks:
			r.Register(NewGitleaks(opts))
		case vulnerability.ScannerCheckov:
			r.Register(NewCheckov(opts))
		case vulnerability.ScannerGrype:
			r.Register(NewGrype(opts))
		}
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Scanner()] = a
}

// Get returns the adapter registered for s.
func (r *Registry) Get(s vulnerability.Scanner) (Adapter, bool) {
	a, ok := r.adapters[s]
	return a, ok
}

// Select picks the adapters that apply to target, in a stable order. SAST and
// secrets always apply; the others depend on what the target contains.
// requested narrows the choice; empty means every scanner.
func (r *Registry) Select(target scan.Target, caps Capabilities, requested []vulnerability.Scanner) Selection {
	want := make(map[vulnerability.Scanner]bool, len(requested))
	for _, s := range requested {
		want[s] = true
	}

	sel := Selection{Target: target}
	if sel.Target.Image == "" && caps.HasContainer() {
		sel.Target.Image = caps.BaseImage
	}

	for _, s := range vulnerability.AllScanners {
		reason := ""
		switch {
		case len(want) > 0 && !want[s]:
			reason = ReasonNotRequested
		case s == vulnerability.ScannerTrivy && !caps.HasDependencies():
			reason = ReasonNoManifests
		case s == vulnerability.ScannerCheckov && !caps.HasIaC():
			reason = ReasonNoIaC
		case s == vulnerability.ScannerGrype && sel.Target.Image == "":
			reason = ReasonNoContainer
		}
		a, ok := r.Get(s)
		if reason == "" && !ok {
			reason = ReasonNotInstalled
		}
		if reason != "" {
			sel.Skipped = append(sel.Skipped, Skipped{Scanner: s, Reason: reason})
			continue
		}
		sel.Adapters = append(sel.Adapters, a)
	}
	return sel
}
