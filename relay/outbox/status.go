package outbox

import (
	"fmt"
	"strings"
)

// Status is the persisted lifecycle state of an outbox row. The integer
// values are stored as-is and must not be renumbered.
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusSucceeded
	StatusFailed
	StatusPoison
)

var statusNames = map[Status]string{
	StatusPending:    "PENDING",
	StatusProcessing: "PROCESSING",
	StatusSucceeded:  "SUCCEEDED",
	StatusFailed:     "FAILED",
	StatusPoison:     "POISON",
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))

	for status, name := range statusNames {
		if name == normalized {
			return status, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) IsValid() bool {
	_, ok := statusNames[s]

	return ok
}

// IsTerminal reports whether no further claim can pick the row up.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusPoison
}

// IsClaimable reports whether ClaimBatch may select a row in this status
// (subject to availability and lock expiry).
func (s Status) IsClaimable() bool {
	return s == StatusPending || s == StatusFailed || s == StatusProcessing
}

// CanTransitionTo reports whether the store may move a row from s to next.
// Processing -> Processing covers stale-lock reclamation.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusSucceeded ||
			next == StatusFailed || next == StatusPoison
	default:
		return false
	}
}

// ValidateTransition returns ErrTransitionInvalid when from cannot move to to.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s -> %s", ErrStatusInvalid, from, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}
