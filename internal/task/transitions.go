package task

import "fmt"

var transitions = map[Status][]Status{
	StatusNotStarted: {StatusStarted, StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled},
	StatusStarted:    {StatusRunning, StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled},
	StatusRunning:    {StatusRunning, StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled},
}

// CanTransition reports whether kind may move from one status to another.
// Terminal states have no outgoing edges.
func CanTransition(kind Kind, from, to Status) bool {
	if !from.ValidFor(kind) || !to.ValidFor(kind) {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// SourcesFor lists the statuses from which kind may enter target. The
// persistence layer turns this into the WHERE clause of a conditional update.
func SourcesFor(kind Kind, target Status) []Status {
	var out []Status
	for _, from := range NonTerminalStatuses() {
		if CanTransition(kind, from, target) {
			out = append(out, from)
		}
	}

	return out
}

// CheckTransition explains why a transition observed from current cannot happen.
func CheckTransition(kind Kind, current, target Status) error {
	if CanTransition(kind, current, target) {
		return nil
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: %s is already %s", ErrTerminal, kind, current)
	}

	return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, kind, current, target)
}

// Cascade returns the status and message applied to the non-terminal
// subtasks of a run that enters status.
func Cascade(status Status) (Status, string) {
	switch status {
	case StatusCompleted:
		return StatusCompleted, ""
	case StatusFailed:
		return StatusFailed, "parent run failed"
	case StatusSkipped:
		return StatusSkipped, ""
	case StatusCancelled:
		return StatusFailed, "parent run cancelled"
	}

	return "", ""
}
