// Package task defines the lifecycle shared by the tracker and the persistence layer.
// It contains run and subtask status definitions, transition rules and run identifiers.
package task

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusStarted    Status = "STARTED"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
	StatusCancelled  Status = "CANCELLED"
)

// Kind distinguishes the two state machines. Subtasks have no CANCELLED state.
type Kind string

const (
	KindRun     Kind = "run"
	KindSubtask Kind = "subtask"
)

var allStatuses = []Status{
	StatusNotStarted,
	StatusStarted,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusSkipped,
	StatusCancelled,
}

func (s Status) String() string {
	return string(s)
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}

	return false
}

// IsActive reports whether a run in this state has a live process behind it.
func (s Status) IsActive() bool {
	return s == StatusStarted || s == StatusRunning
}

func (s Status) ValidFor(kind Kind) bool {
	if kind == KindSubtask && s == StatusCancelled {
		return false
	}

	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}

	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.ValidFor(KindRun) {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, raw)
	}

	return s, nil
}

// Statuses returns every status valid for kind, in lifecycle order.
func Statuses(kind Kind) []Status {
	out := make([]Status, 0, len(allStatuses))
	for _, s := range allStatuses {
		if s.ValidFor(kind) {
			out = append(out, s)
		}
	}

	return out
}

func NonTerminalStatuses() []Status {
	return []Status{StatusNotStarted, StatusStarted, StatusRunning}
}

func ActiveStatuses() []Status {
	return []Status{StatusStarted, StatusRunning}
}

func TerminalStatuses(kind Kind) []Status {
	out := []Status{StatusCompleted, StatusFailed, StatusSkipped}
	if kind == KindRun {
		out = append(out, StatusCancelled)
	}

	return out
}

func NewRunID() string {
	return uuid.New().String()
}

func ValidateRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidArgument)
	}
	if _, err := uuid.Parse(runID); err != nil {
		return fmt.Errorf("%w: run id %q is not a UUID", ErrInvalidArgument, runID)
	}

	return nil
}
