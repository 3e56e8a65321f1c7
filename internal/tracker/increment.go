package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

// IncrementSubtask adds delta to the completed-items counter of a subtask and
// returns the new value. Concurrent callers never lose updates. Write
// contention is retried within the tracker's RetryPolicy; on exhaustion the
// increment is reported as ErrConcurrencyExhausted and was not applied.
func (t *Tracker) IncrementSubtask(ctx context.Context, runID string, number int, delta int64) (value int64, err error) {
	ctx, end := t.begin(ctx, "IncrementSubtask")
	defer func() {
		metrics.RecordIncrement(incrementResult(err))
		end(err)
	}()

	if delta <= 0 {
		return 0, fmt.Errorf("%w: increment delta must be positive, got %d", task.ErrInvalidArgument, delta)
	}
	if err := validateSubtaskAddress(runID, number); err != nil {
		return 0, err
	}

	transient := t.store.Dialect().IsTransient
	onRetry := func(attempt int, err error) {
		metrics.RecordIncrementRetry()
		t.logger.Debug("increment hit write contention, retrying",
			"run_id", runID, "subtask", number, "attempt", attempt, "error", err)
	}

	err = t.retry.do(ctx, transient, onRetry, func(ctx context.Context) error {
		var incErr error
		value, incErr = t.counter.IncrementItems(ctx, runID, number, delta, t.clock())
		return incErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment subtask %d of run %s: %w", number, runID, err)
	}

	t.publish(ctx, models.ProgressEvent{RunID: runID, SubtaskNumber: number, ItemsComplete: value})

	return value, nil
}

// CorrectSubtaskItems applies a signed adjustment to the completed-items
// counter. The counter never drops below zero.
func (t *Tracker) CorrectSubtaskItems(ctx context.Context, runID string, number int, delta int64) (value int64, err error) {
	ctx, end := t.begin(ctx, "CorrectSubtaskItems")
	defer func() { end(err) }()

	if delta == 0 {
		return 0, fmt.Errorf("%w: correction delta must be non-zero", task.ErrInvalidArgument)
	}
	if err := validateSubtaskAddress(runID, number); err != nil {
		return 0, err
	}

	value, err = t.store.CorrectItems(ctx, runID, number, delta, t.clock())
	if err != nil {
		return 0, fmt.Errorf("failed to correct subtask %d of run %s: %w", number, runID, err)
	}

	t.logger.Info("subtask counter corrected", "run_id", runID, "subtask", number, "delta", delta, "value", value)
	return value, nil
}

func validateSubtaskAddress(runID string, number int) error {
	if err := task.ValidateRunID(runID); err != nil {
		return err
	}
	if number <= 0 {
		return fmt.Errorf("%w: subtask number must be positive, got %d", task.ErrInvalidArgument, number)
	}

	return nil
}

func incrementResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, task.ErrTerminal):
		return "terminal"
	case errors.Is(err, task.ErrNotFound):
		return "not_found"
	case errors.Is(err, task.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, task.ErrConcurrencyExhausted):
		return "exhausted"
	}

	return "error"
}
