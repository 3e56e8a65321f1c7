package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type StageSpec = repository.StageInput

type TaskSpec = repository.TaskInput

// StartOptions configures a new run. An empty RunID gets a fresh UUID; a
// RunID that names a planned run starts that run instead of creating one.
type StartOptions struct {
	RunID         string
	TotalSubtasks int
	Message       string
	Metadata      map[string]any
}

// TaskUpdate carries a progress update. Nil fields are left unchanged.
type TaskUpdate struct {
	Percent        *float64
	Message        *string
	CurrentSubtask *int
	TotalSubtasks  *int
}

func (t *Tracker) RegisterStage(ctx context.Context, spec StageSpec) (stage models.Stage, err error) {
	ctx, end := t.begin(ctx, "RegisterStage")
	defer func() { end(err) }()

	if spec.Name == "" {
		return models.Stage{}, fmt.Errorf("%w: stage name is required", task.ErrInvalidArgument)
	}

	return t.store.UpsertStage(ctx, spec)
}

// RegisterTask creates or updates a task definition, creating its stage on
// first use.
func (t *Tracker) RegisterTask(ctx context.Context, spec TaskSpec) (tk models.Task, err error) {
	ctx, end := t.begin(ctx, "RegisterTask")
	defer func() { end(err) }()

	if spec.StageName == "" || spec.Name == "" {
		return models.Task{}, fmt.Errorf("%w: stage and task name are required", task.ErrInvalidArgument)
	}

	tk, err = t.store.UpsertTask(ctx, spec)
	if err != nil {
		return models.Task{}, err
	}

	t.logger.Debug("task registered", "task_id", tk.ID, "stage", tk.StageName, "task", tk.Name)
	return tk, nil
}

// DeleteStage removes a stage with its tasks, runs, subtasks and metrics.
func (t *Tracker) DeleteStage(ctx context.Context, name string) (err error) {
	ctx, end := t.begin(ctx, "DeleteStage")
	defer func() { end(err) }()

	if err := t.store.DeleteStage(ctx, name); err != nil {
		return err
	}

	t.logger.Info("stage deleted", "stage", name)
	return nil
}

func (t *Tracker) DeleteTask(ctx context.Context, ref TaskRef) (err error) {
	ctx, end := t.begin(ctx, "DeleteTask")
	defer func() { end(err) }()

	tk, err := t.ResolveTask(ctx, ref)
	if err != nil {
		return err
	}
	if err := t.store.DeleteTask(ctx, tk.ID); err != nil {
		return err
	}

	t.logger.Info("task deleted", "task_id", tk.ID, "stage", tk.StageName, "task", tk.Name)
	return nil
}

// PlanRun records a NOT_STARTED run so that another process can start it
// later by id.
func (t *Tracker) PlanRun(ctx context.Context, ref TaskRef, opts StartOptions) (run models.Run, err error) {
	ctx, end := t.begin(ctx, "PlanRun")
	defer func() { end(err) }()

	return t.createRun(ctx, ref, opts, task.StatusNotStarted)
}

// StartTask starts a run of the referenced task on this host.
func (t *Tracker) StartTask(ctx context.Context, ref TaskRef, opts StartOptions) (run models.Run, err error) {
	ctx, end := t.begin(ctx, "StartTask")
	defer func() { end(err) }()

	if opts.RunID != "" {
		if err := task.ValidateRunID(opts.RunID); err != nil {
			return models.Run{}, err
		}

		planned, err := t.store.GetRun(ctx, opts.RunID)
		switch {
		case err == nil:
			return t.startPlanned(ctx, planned, ref, opts)
		case !errors.Is(err, task.ErrNotFound):
			return models.Run{}, err
		}
	}

	return t.createRun(ctx, ref, opts, task.StatusStarted)
}

func (t *Tracker) startPlanned(ctx context.Context, planned models.Run, ref TaskRef, opts StartOptions) (models.Run, error) {
	if !ref.IsZero() {
		tk, err := t.ResolveTask(ctx, ref)
		if err != nil {
			return models.Run{}, err
		}
		if tk.ID != planned.TaskID {
			return models.Run{}, fmt.Errorf("%w: run %s belongs to task %d, not %s",
				task.ErrInvalidArgument, planned.RunID, planned.TaskID, ref)
		}
	}

	in := repository.RunStart{
		Hostname:         t.host.Hostname,
		ProcessID:        t.host.ProcessID,
		ProcessStartTime: t.host.ProcessStartTime,
		Message:          optional(opts.Message),
		Now:              t.clock(),
	}
	if opts.TotalSubtasks > 0 {
		in.TotalSubtasks = ptr(opts.TotalSubtasks)
	}

	run, err := t.store.StartPlannedRun(ctx, planned.RunID, in)
	if err != nil {
		return models.Run{}, err
	}

	t.afterRunTransition(ctx, run)
	return run, nil
}

func (t *Tracker) createRun(ctx context.Context, ref TaskRef, opts StartOptions, status task.Status) (models.Run, error) {
	if opts.TotalSubtasks < 0 {
		return models.Run{}, fmt.Errorf("%w: total subtasks cannot be negative", task.ErrInvalidArgument)
	}

	tk, err := t.ResolveTask(ctx, ref)
	if err != nil {
		return models.Run{}, err
	}

	in, err := t.runInput(tk.ID, opts, status)
	if err != nil {
		return models.Run{}, err
	}

	run, err := t.store.CreateRun(ctx, in)
	if err != nil {
		return models.Run{}, err
	}

	t.afterRunTransition(ctx, run)
	return run, nil
}

func (t *Tracker) runInput(taskID int64, opts StartOptions, status task.Status) (repository.RunInput, error) {
	runID := opts.RunID
	if runID == "" {
		runID = task.NewRunID()
	} else if err := task.ValidateRunID(runID); err != nil {
		return repository.RunInput{}, err
	}

	metadata, err := encodeMetadata(opts.Metadata)
	if err != nil {
		return repository.RunInput{}, err
	}

	now := t.clock()
	in := repository.RunInput{
		RunID:         runID,
		TaskID:        taskID,
		Status:        status,
		TotalSubtasks: opts.TotalSubtasks,
		Message:       opts.Message,
		Metadata:      metadata,
		Now:           now,
	}
	if status == task.StatusStarted {
		in.Hostname = t.host.Hostname
		in.ProcessID = t.host.ProcessID
		in.ProcessStartTime = t.host.ProcessStartTime
		in.StartTime = &now
	}

	return in, nil
}

func encodeMetadata(md map[string]any) (string, error) {
	if len(md) == 0 {
		return "", nil
	}

	raw, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not JSON-encodable: %w", task.ErrInvalidArgument, err)
	}

	return string(raw), nil
}

// EnsureRun returns the latest non-terminal run of the task, starting a new
// one when there is none. Concurrent callers for the same task get the same
// run.
func (t *Tracker) EnsureRun(ctx context.Context, ref TaskRef) (run models.Run, err error) {
	ctx, end := t.begin(ctx, "EnsureRun")
	defer func() { end(err) }()

	tk, err := t.ResolveTask(ctx, ref)
	if err != nil {
		return models.Run{}, err
	}

	create, err := t.runInput(tk.ID, StartOptions{}, task.StatusStarted)
	if err != nil {
		return models.Run{}, err
	}
	start := repository.RunStart{
		Hostname:         t.host.Hostname,
		ProcessID:        t.host.ProcessID,
		ProcessStartTime: t.host.ProcessStartTime,
		Now:              create.Now,
	}

	run, changed, err := t.store.EnsureRun(ctx, create, start)
	if err != nil {
		return models.Run{}, err
	}
	if changed {
		if run.RunID == create.RunID {
			t.logger.Warn("no active run for task, created one", "task_id", tk.ID, "stage", tk.StageName, "task", tk.Name, "run_id", run.RunID)
		}
		t.afterRunTransition(ctx, run)
	}

	return run, nil
}

func (t *Tracker) UpdateTask(ctx context.Context, ref RunRef, u TaskUpdate) (run models.Run, err error) {
	ctx, end := t.begin(ctx, "UpdateTask")
	defer func() { end(err) }()

	if u.Percent != nil && (*u.Percent < 0 || *u.Percent > 100) {
		return models.Run{}, fmt.Errorf("%w: percent %.2f is outside 0..100", task.ErrInvalidArgument, *u.Percent)
	}
	if u.CurrentSubtask != nil && *u.CurrentSubtask < 0 {
		return models.Run{}, fmt.Errorf("%w: current subtask cannot be negative", task.ErrInvalidArgument)
	}
	if u.TotalSubtasks != nil && *u.TotalSubtasks < 0 {
		return models.Run{}, fmt.Errorf("%w: total subtasks cannot be negative", task.ErrInvalidArgument)
	}

	runID, err := t.resolveRunID(ctx, ref)
	if err != nil {
		return models.Run{}, err
	}

	run, err = t.store.UpdateRunProgress(ctx, runID, repository.RunProgress{
		Percent:        u.Percent,
		Message:        u.Message,
		CurrentSubtask: u.CurrentSubtask,
		TotalSubtasks:  u.TotalSubtasks,
		Now:            t.clock(),
	})
	if err != nil {
		return models.Run{}, err
	}

	t.publishRun(ctx, run)
	return run, nil
}

func (t *Tracker) CompleteTask(ctx context.Context, ref RunRef, message string) (models.Run, error) {
	return t.finish(ctx, "CompleteTask", ref, repository.RunFinish{
		Status:  task.StatusCompleted,
		Message: optional(message),
	})
}

// FailTask marks the run FAILED, fails its unfinished subtasks and notifies
// the configured Notifier.
func (t *Tracker) FailTask(ctx context.Context, ref RunRef, errMessage, errDetail string) (models.Run, error) {
	return t.finish(ctx, "FailTask", ref, repository.RunFinish{
		Status:       task.StatusFailed,
		ErrorMessage: optional(errMessage),
		ErrorDetail:  optional(errDetail),
	})
}

func (t *Tracker) SkipTask(ctx context.Context, ref RunRef, reason string) (models.Run, error) {
	return t.finish(ctx, "SkipTask", ref, repository.RunFinish{
		Status:  task.StatusSkipped,
		Message: optional(reason),
	})
}

func (t *Tracker) CancelTask(ctx context.Context, ref RunRef, reason string) (models.Run, error) {
	return t.finish(ctx, "CancelTask", ref, repository.RunFinish{
		Status:       task.StatusCancelled,
		Message:      optional(reason),
		ErrorMessage: optional(reason),
	})
}

func (t *Tracker) finish(ctx context.Context, op string, ref RunRef, in repository.RunFinish) (run models.Run, err error) {
	ctx, end := t.begin(ctx, op)
	defer func() { end(err) }()

	runID, err := t.resolveRunID(ctx, ref)
	if err != nil {
		return models.Run{}, err
	}

	in.Now = t.clock()
	in.DeleteAfter = in.Now.Add(time.Duration(t.retentionDays) * 24 * time.Hour)

	run, cascaded, err := t.store.FinishRun(ctx, runID, in)
	if err != nil {
		return models.Run{}, err
	}

	if cascaded > 0 {
		cascadeStatus, _ := task.Cascade(in.Status)
		for range cascaded {
			metrics.RecordSubtaskTransition(cascadeStatus)
		}
	}

	t.logger.Info("run finished",
		"run_id", run.RunID,
		"task", run.TaskName,
		"status", run.Status,
		"duration", run.Duration(),
		"cascaded_subtasks", cascaded,
	)

	t.afterRunTransition(ctx, run)
	if run.Status == task.StatusFailed {
		t.notifyFailure(ctx, run)
	}

	return run, nil
}

func (t *Tracker) afterRunTransition(ctx context.Context, run models.Run) {
	metrics.RecordRunTransition(run.Status)
	t.publishRun(ctx, run)
}

func (t *Tracker) notifyFailure(ctx context.Context, run models.Run) {
	if t.notifier == nil {
		return
	}

	if err := t.notifier.RunFailed(ctx, run); err != nil {
		t.logger.Warn("failed to send failure notification", "run_id", run.RunID, "error", err)
	}
}

func (t *Tracker) GetRun(ctx context.Context, runID string) (models.Run, error) {
	if err := task.ValidateRunID(runID); err != nil {
		return models.Run{}, err
	}

	return t.store.GetRun(ctx, runID)
}

func (t *Tracker) ListRuns(ctx context.Context, filter repository.RunFilter) ([]models.Run, error) {
	for _, s := range filter.Statuses {
		if !s.ValidFor(task.KindRun) {
			return nil, fmt.Errorf("%w: unknown run status %q", task.ErrInvalidArgument, s)
		}
	}

	return t.store.ListRuns(ctx, filter)
}
