package model

import "fmt"

type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusFailedRetryable Status = "failed_retryable"
)

// Queue entry transitions: pending ↔ in_flight ↔ failed_retryable.
// Success and discard are removals, not transitions, so there is no terminal
// status; a mutation either exists as replayable or is gone.
var validMutationTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInFlight: true,
	},
	StatusInFlight: {
		StatusPending:         true, // crash recovery at store open
		StatusFailedRetryable: true,
	},
	StatusFailedRetryable: {
		StatusInFlight: true,
	},
}

func ValidateMutationTransition(from, to Status) error {
	allowed, ok := validMutationTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid mutation transition: %q → %q", from, to)
	}
	return nil
}

// Replayable reports whether a drain cycle may attempt the mutation.
func Replayable(s Status) bool {
	return s == StatusPending || s == StatusFailedRetryable
}
