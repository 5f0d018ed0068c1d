package scan

import (
	"errors"
	"fmt"
)

// Sentinel errors for the scan pipeline. Callers check them with errors.Is.
var (
	// ErrAdapterParse indicates a scanner produced output its adapter could not parse.
	ErrAdapterParse = errors.New("scan: adapter output unparseable")

	// ErrAdapterTimeout indicates a scanner exceeded its time budget.
	ErrAdapterTimeout = errors.New("scan: adapter timed out")

	// ErrQuorumFailure indicates too many adapters were fatal for the scan to proceed.
	ErrQuorumFailure = errors.New("scan: scanner quorum not met")

	// ErrEnrichment indicates the best-effort enrichment pass failed.
	ErrEnrichment = errors.New("scan: enrichment failed")

	// ErrPersistence indicates the persistence collaborator failed.
	ErrPersistence = errors.New("scan: persistence failure")

	// ErrCancellationRace indicates a result arrived after the scan was cancelled.
	ErrCancellationRace = errors.New("scan: result arrived after cancellation")

	// ErrScanNotFound indicates no scan exists with the given id.
	ErrScanNotFound = errors.New("scan: not found")

	// ErrInvalidTransition indicates a state change that is not an edge of the state machine.
	ErrInvalidTransition = errors.New("scan: invalid state transition")

	// ErrTerminal indicates a write was attempted on a scan in a terminal state.
	ErrTerminal = errors.New("scan: scan is in a terminal state")

	// ErrLocked indicates another writer holds the scan.
	ErrLocked = errors.New("scan: write lock held by another manager")
)

// TransitionError reports an illegal state-machine edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("scan: illegal transition %s -> %s", e.From, e.To)
}

// Is matches ErrInvalidTransition always and ErrTerminal when the scan had
// already finished.
func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return true
	case ErrTerminal:
		return e.From.IsTerminal()
	}
	return false
}

// CheckTransition validates a write of status to over a persisted status from.
func CheckTransition(from, to Status) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
