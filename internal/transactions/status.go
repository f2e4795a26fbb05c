package transactions

import "fmt"

// Status is the lifecycle state of a purchase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusRefunded  Status = "refunded"
)

// transitions lists the legal edges. Self-transitions are handled separately.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSucceeded, StatusFailed, StatusCanceled},
	StatusSucceeded: {StatusRefunded},
	StatusFailed:    nil,
	StatusCanceled:  nil,
	StatusRefunded:  nil,
}

// ParseStatus converts a stored or provider-supplied string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("transactions: unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outbound transitions.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// AllowedTransition reports whether a record in prev may move to next.
// A self-transition is always allowed and is a no-op. Unknown statuses never
// transition.
func AllowedTransition(prev, next Status) bool {
	if !prev.Valid() || !next.Valid() {
		return false
	}
	if prev == next {
		return true
	}
	for _, s := range transitions[prev] {
		if s == next {
			return true
		}
	}
	return false
}
