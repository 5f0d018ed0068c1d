package vulnerability

// ErrorLevel tags an adapter error.
type ErrorLevel string

const (
	LevelWarning ErrorLevel = "warning"
	LevelError   ErrorLevel = "error"
	LevelFatal   ErrorLevel = "fatal"
)

// Error codes carried by AdapterError.Code.
const (
	CodeParse       = "parse_error"
	CodeTimeout     = "timeout"
	CodeExecution   = "execution_error"
	CodeConversion  = "conversion_error"
	CodeToolWarning = "tool_warning"
	CodePanic       = "panic"
	CodeCancelled   = "cancelled"
)

// AdapterError is a structured error reported by an adapter.
type AdapterError struct {
	Level   ErrorLevel `json:"level"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// ResultMetadata is the per-adapter diagnostic summary.
type ResultMetadata struct {
	DurationMs int64          `json:"duration_ms"`
	Counters   map[string]int `json:"counters,omitempty"`
}

// ScanResult is what one adapter invocation returns.
type ScanResult struct {
	Scanner         Scanner         `json:"scanner"`
	Success         bool            `json:"success"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Errors          []AdapterError  `json:"errors"`
	Metadata        ResultMetadata  `json:"metadata"`
}

// Fatal reports whether any error is fatal.
func (r ScanResult) Fatal() bool {
	for _, e := range r.Errors {
		if e.Level == LevelFatal {
			return true
		}
	}
	return false
}

// FatalResult builds the only shape an adapter may return on tool failure:
// unsuccessful, one fatal error, no vulnerabilities.
func FatalResult(s Scanner, code, message string, durationMs int64) ScanResult {
	return ScanResult{
		Scanner:         s,
		Success:         false,
		Vulnerabilities: []Vulnerability{},
		Errors:          []AdapterError{{Level: LevelFatal, Code: code, Message: message}},
		Metadata:        ResultMetadata{DurationMs: durationMs},
	}
}
