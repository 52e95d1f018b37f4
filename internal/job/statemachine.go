package job

import "strings"

// transitions is the authoritative table of allowed status transitions.
// SUCCEEDED, FAILED and CANCELLED are terminal and have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusCancelled},
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ParseStatus converts a raw string into a Status. Matching is
// case-insensitive; unknown strings return ok=false rather than an error so
// callers can fail closed.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, known := transitions[st]; !known {
		return "", false
	}
	return st, true
}

// IsTerminal reports whether s permits no further transitions.
func (s Status) IsTerminal() bool {
	targets, known := transitions[s]
	return known && len(targets) == 0
}

// CanTransition reports whether the transition from current to next is
// allowed. Unknown or malformed states are rejected, never panicked on.
// Every persisted status change must be validated here first.
func CanTransition(current, next Status) bool {
	cur, ok := ParseStatus(string(current))
	if !ok {
		return false
	}
	nxt, ok := ParseStatus(string(next))
	if !ok {
		return false
	}
	for _, allowed := range transitions[cur] {
		if allowed == nxt {
			return true
		}
	}
	return false
}

// ValidTargets returns the statuses reachable from current. Used for error
// messages; returns nil for unknown states.
func ValidTargets(current Status) []Status {
	cur, ok := ParseStatus(string(current))
	if !ok {
		return nil
	}
	return transitions[cur]
}
