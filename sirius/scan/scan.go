// Package scan defines the orchestration unit: the Scan record, its state
// machine vocabulary, its log, and the persistence collaborator contract.
package scan

import (
	"time"

	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// Status is a scan state-machine value.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusNormalizing Status = "normalizing"
	StatusEnriching   Status = "ai_enriching"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is a known state.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusNormalizing, StatusEnriching,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage returns the fixed human label for a state.
func (s Status) Stage() string {
	switch s {
	case StatusPending:
		return "Queued"
	case StatusRunning:
		return "Running scanners"
	case StatusNormalizing:
		return "Normalizing findings"
	case StatusEnriching:
		return "AI enrichment"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// transitions lists the forward edges. failed and cancelled are reachable
// from every non-terminal state and are handled in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning},
	StatusRunning:     {StatusNormalizing},
	StatusNormalizing: {StatusEnriching, StatusCompleted},
	StatusEnriching:   {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Target is the repository/workspace reference a scan runs against.
type Target struct {
	// Repository is the logical identity used for cross-scan correlation.
	Repository string `json:"repository"`
	// Root is the checked-out workspace path handed to scanners.
	Root string `json:"root"`
	// Image is an optional container image reference.
	Image string `json:"image,omitempty"`
}

// Key returns the identity used to correlate scans of the same target.
func (t Target) Key() string {
	if t.Repository != "" {
		return t.Repository
	}
	return t.Root
}

// Scan is the orchestration unit.
type Scan struct {
	ID                 string                  `json:"id"`
	Target             Target                  `json:"target"`
	Mode               vulnerability.Mode      `json:"mode"`
	Scanners           []vulnerability.Scanner `json:"scanners,omitempty"`
	EnrichmentEnabled  bool                    `json:"enrichment_enabled"`
	Status             Status                  `json:"status"`
	ProgressPercentage int                     `json:"progress_percentage"`
	ProgressStage      string                  `json:"progress_stage"`
	Degraded           bool                    `json:"degraded"`
	ErrorMessage       string                  `json:"error_message,omitempty"`
	StartedAt          *time.Time              `json:"started_at,omitempty"`
	FinishedAt         *time.Time              `json:"finished_at,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

// LogLevel of a scan log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only ScanLog event.
type LogEntry struct {
	ScanID    string         `json:"scan_id"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunStatus is the per-scanner outcome in the breakdown.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// ScannerRun is the persisted per-adapter diagnostic record.
type ScannerRun struct {
	ScanID        string                       `json:"scan_id"`
	Scanner       vulnerability.Scanner        `json:"scanner"`
	Type          vulnerability.Type           `json:"type"`
	Label         string                       `json:"label"`
	Status        RunStatus                    `json:"status"`
	FindingsCount int                          `json:"findings_count"`
	DurationMs    int64                        `json:"duration_ms"`
	Errors        []vulnerability.AdapterError `json:"errors,omitempty"`
	Counters      map[string]int               `json:"counters,omitempty"`
}
