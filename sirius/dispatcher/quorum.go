package dispatcher

import (
	"fmt"
	"strings"
)

// Quorum decides whether a dispatch succeeded enough to continue the scan.
type Quorum string

const (
	// QuorumAny fails only when every adapter failed.
	QuorumAny Quorum = "any"
	// QuorumMajority needs more than half of the adapters to succeed.
	QuorumMajority Quorum = "majority"
	// QuorumAll needs every adapter to succeed.
	QuorumAll Quorum = "all"
)

func ParseQuorum(s string) (Quorum, error) {
	switch q := Quorum(strings.ToLower(strings.TrimSpace(s))); q {
	case "":
		return QuorumAny, nil
	case QuorumAny, QuorumMajority, QuorumAll:
		return q, nil
	default:
		return "", fmt.Errorf("unknown quorum policy %q (want any, majority or all)", s)
	}
}

// Met reports whether successes out of total satisfies the policy. Zero
// adapters never satisfy a quorum.
func (q Quorum) Met(successes, total int) bool {
	if total <= 0 {
		return false
	}
	switch q {
	case QuorumMajority:
		return successes*2 > total
	case QuorumAll:
		return successes == total
	default:
		return successes > 0
	}
}
