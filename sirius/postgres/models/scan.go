// File: scan.go
package models

import (
	"time"

	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

type Scan struct {
	ID                 string   `gorm:"primaryKey;size:64"`
	TargetKey          string   `gorm:"index;size:512"`
	Repository         string   `gorm:"size:512"`
	Root               string   `gorm:"size:1024"`
	Image              string   `gorm:"size:512"`
	Mode               string   `gorm:"size:16"`
	Scanners           []string `gorm:"serializer:json"`
	EnrichmentEnabled  bool
	Status             string `gorm:"index;size:32"`
	ProgressPercentage int
	ProgressStage      string `gorm:"size:64"`
	Degraded           bool
	ErrorMessage       string
	StartedAt          *time.Time
	FinishedAt         *time.Time
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
}

type Vulnerability struct {
	ScanID         string `gorm:"primaryKey;size:64"`
	ID             string `gorm:"primaryKey;size:64"`
	Scanner        string `gorm:"size:32"`
	Type           string `gorm:"index;size:32"`
	Severity       string `gorm:"index;size:16"`
	SeverityScore  int    `gorm:"index"`
	Title          string
	Description    string
	FilePath       *string `gorm:"index:idx_vulnerability_location,priority:2"`
	LineStart      *int
	LineEnd        *int
	CodeSnippet    *string
	RuleID         string   `gorm:"index:idx_vulnerability_location,priority:3"`
	CWE            []string `gorm:"serializer:json"`
	CVE            *string  `gorm:"index"`
	Identifier     string
	ContentHash    string   `gorm:"size:64"`
	OWASP          []string `gorm:"serializer:json"`
	Confidence     float64
	Recommendation string
	References     []string       `gorm:"serializer:json"`
	Metadata       map[string]any `gorm:"serializer:json"`
	TargetKey      string         `gorm:"index:idx_vulnerability_location,priority:1;size:512"`
	DetectedAt     time.Time
}

type ScanLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ScanID    string `gorm:"uniqueIndex:idx_scan_log_sequence,priority:1;size:64"`
	Sequence  int64  `gorm:"uniqueIndex:idx_scan_log_sequence,priority:2"`
	Timestamp time.Time
	Level     string `gorm:"size:8"`
	Source    string `gorm:"size:64"`
	Message   string
	Metadata  map[string]any `gorm:"serializer:json"`
}

type ScannerRun struct {
	ScanID        string `gorm:"primaryKey;size:64"`
	Scanner       string `gorm:"primaryKey;size:32"`
	Type          string `gorm:"size:32"`
	Label         string `gorm:"size:64"`
	Status        string `gorm:"size:16"`
	FindingsCount int
	DurationMs    int64
	Errors        []vulnerability.AdapterError `gorm:"serializer:json"`
	Counters      map[string]int               `gorm:"serializer:json"`
}

// All lists the models to migrate.
func All() []any {
	return []any{&Scan{}, &Vulnerability{}, &ScanLog{}, &ScannerRun{}}
}
