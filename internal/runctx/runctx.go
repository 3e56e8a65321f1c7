// Package runctx keeps track of the run a process is working on so that
// progress calls do not need to pass run ids and subtask numbers around.
//
// A Context is an explicit value; nothing is stored in package globals. It
// can be exported as a Snapshot and handed to a child process through the
// environment.
package runctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/tracker"
)

type Context struct {
	mu      sync.Mutex
	tracker *tracker.Tracker
	runID   string
	subtask int
}

func New(t *tracker.Tracker) *Context {
	return &Context{tracker: t}
}

// Restore rebuilds a Context from a snapshot taken in another process.
func Restore(t *tracker.Tracker, snap Snapshot) (*Context, error) {
	c := New(t)
	if snap.RunID == "" {
		return c, nil
	}

	if err := task.ValidateRunID(snap.RunID); err != nil {
		return nil, err
	}
	if snap.SubtaskNumber < 0 {
		return nil, fmt.Errorf("%w: snapshot subtask number %d", task.ErrInvalidArgument, snap.SubtaskNumber)
	}

	c.runID = snap.RunID
	c.subtask = snap.SubtaskNumber
	return c, nil
}

// SetActiveRun makes runID the active run and resets the subtask sequence.
func (c *Context) SetActiveRun(runID string) error {
	if err := task.ValidateRunID(runID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = runID
	c.subtask = 0
	return nil
}

// CurrentRun returns the active run id and the last subtask number handed out.
func (c *Context) CurrentRun() (runID string, subtask int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID, c.subtask, c.runID != ""
}

// NextSubtaskNumber returns the number the next StartSubtask will use. The
// first call after SetActiveRun returns 1.
func (c *Context) NextSubtaskNumber() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runID == "" {
		return 0, task.ErrNoActiveContext
	}
	return c.subtask + 1, nil
}

// advance moves the sequence to number if runID is still the active run.
func (c *Context) advance(runID string, number int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runID == runID && c.subtask < number {
		c.subtask = number
	}
}

func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = ""
	c.subtask = 0
}

func (c *Context) Export() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{RunID: c.runID, SubtaskNumber: c.subtask}
}

func (c *Context) active() (string, error) {
	runID, _, ok := c.CurrentRun()
	if !ok {
		return "", task.ErrNoActiveContext
	}
	return runID, nil
}

func (c *Context) activeSubtask() (string, int, error) {
	runID, subtask, ok := c.CurrentRun()
	if !ok || subtask == 0 {
		return "", 0, task.ErrNoActiveContext
	}
	return runID, subtask, nil
}

// StartTask starts a run and makes it active.
func (c *Context) StartTask(ctx context.Context, ref tracker.TaskRef, opts tracker.StartOptions) (models.Run, error) {
	run, err := c.tracker.StartTask(ctx, ref, opts)
	if err != nil {
		return models.Run{}, err
	}

	c.mu.Lock()
	c.runID = run.RunID
	c.subtask = 0
	c.mu.Unlock()

	return run, nil
}

// StartSubtask starts the next subtask of the active run. The sequence only
// moves once the subtask exists.
func (c *Context) StartSubtask(ctx context.Context, name string, itemsTotal int64) (models.Subtask, error) {
	runID, err := c.active()
	if err != nil {
		return models.Subtask{}, err
	}
	number, err := c.NextSubtaskNumber()
	if err != nil {
		return models.Subtask{}, err
	}

	st, err := c.tracker.StartSubtask(ctx, runID, tracker.SubtaskSpec{Number: number, Name: name, ItemsTotal: itemsTotal})
	if err != nil {
		return models.Subtask{}, err
	}
	c.advance(runID, number)

	return st, nil
}

// Increment adds delta to the current subtask's counter.
func (c *Context) Increment(ctx context.Context, delta int64) (int64, error) {
	runID, number, err := c.activeSubtask()
	if err != nil {
		return 0, err
	}

	return c.tracker.IncrementSubtask(ctx, runID, number, delta)
}

func (c *Context) UpdateSubtask(ctx context.Context, u tracker.SubtaskUpdate) (models.Subtask, error) {
	runID, number, err := c.activeSubtask()
	if err != nil {
		return models.Subtask{}, err
	}

	return c.tracker.UpdateSubtask(ctx, runID, number, u)
}

func (c *Context) CompleteSubtask(ctx context.Context, message string) (models.Subtask, error) {
	runID, number, err := c.activeSubtask()
	if err != nil {
		return models.Subtask{}, err
	}

	return c.tracker.CompleteSubtask(ctx, runID, number, message)
}

func (c *Context) FailSubtask(ctx context.Context, errMessage string) (models.Subtask, error) {
	runID, number, err := c.activeSubtask()
	if err != nil {
		return models.Subtask{}, err
	}

	return c.tracker.FailSubtask(ctx, runID, number, errMessage)
}

func (c *Context) UpdateTask(ctx context.Context, u tracker.TaskUpdate) (models.Run, error) {
	runID, err := c.active()
	if err != nil {
		return models.Run{}, err
	}

	return c.tracker.UpdateTask(ctx, tracker.RunID(runID), u)
}

// CompleteTask completes the active run. The context stays set so that the
// caller can still Export it; Clear it explicitly when done.
func (c *Context) CompleteTask(ctx context.Context, message string) (models.Run, error) {
	runID, err := c.active()
	if err != nil {
		return models.Run{}, err
	}

	return c.tracker.CompleteTask(ctx, tracker.RunID(runID), message)
}

func (c *Context) FailTask(ctx context.Context, errMessage, errDetail string) (models.Run, error) {
	runID, err := c.active()
	if err != nil {
		return models.Run{}, err
	}

	return c.tracker.FailTask(ctx, tracker.RunID(runID), errMessage, errDetail)
}
