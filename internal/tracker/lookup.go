package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

// TaskRef addresses a task. Fields are tried in order: TaskID, then a
// script or log filename, then stage and task name or order. Zero values
// are unset.
type TaskRef struct {
	TaskID         int64
	StageName      string
	StageOrder     int
	TaskName       string
	TaskOrder      int
	ScriptFilename string
	LogFilename    string
}

func (r TaskRef) IsZero() bool {
	return r == TaskRef{}
}

func (r TaskRef) String() string {
	switch {
	case r.TaskID > 0:
		return fmt.Sprintf("task %d", r.TaskID)
	case r.ScriptFilename != "":
		return "script " + r.ScriptFilename
	case r.LogFilename != "":
		return "log " + r.LogFilename
	}

	stage := r.StageName
	if stage == "" && r.StageOrder > 0 {
		stage = fmt.Sprintf("#%d", r.StageOrder)
	}
	name := r.TaskName
	if name == "" && r.TaskOrder > 0 {
		name = fmt.Sprintf("#%d", r.TaskOrder)
	}

	return fmt.Sprintf("task %s/%s", stage, name)
}

// RunRef addresses a run by id or, failing that, as the latest run of a task.
type RunRef struct {
	RunID string
	Task  TaskRef
}

// RunID is shorthand for a RunRef that names a run directly.
func RunID(id string) RunRef {
	return RunRef{RunID: id}
}

func (t *Tracker) ResolveTask(ctx context.Context, ref TaskRef) (models.Task, error) {
	if ref.TaskID > 0 {
		return t.store.GetTask(ctx, ref.TaskID)
	}
	if ref.IsZero() {
		return models.Task{}, fmt.Errorf("%w: empty task reference", task.ErrInvalidArgument)
	}

	filter := repository.TaskFilter{StageName: ref.StageName}
	if ref.StageOrder > 0 {
		filter.StageOrder = ptr(ref.StageOrder)
	}

	if ref.ScriptFilename != "" || ref.LogFilename != "" {
		tasks, err := t.store.ListTasks(ctx, filter)
		if err != nil {
			return models.Task{}, err
		}

		var matches []models.Task
		if ref.ScriptFilename != "" {
			matches = matchFilename(tasks, ref.ScriptFilename, func(tk models.Task) string { return tk.ScriptFilename })
		} else {
			matches = matchFilename(tasks, ref.LogFilename, func(tk models.Task) string { return tk.LogFilename })
		}

		return single(ref, matches)
	}

	filter.TaskName = ref.TaskName
	if ref.TaskOrder > 0 {
		filter.TaskOrder = ptr(ref.TaskOrder)
	}
	if filter.TaskName == "" && filter.TaskOrder == nil {
		return models.Task{}, fmt.Errorf("%w: %s names no task", task.ErrInvalidArgument, ref)
	}

	tasks, err := t.store.ListTasks(ctx, filter)
	if err != nil {
		return models.Task{}, err
	}

	return single(ref, tasks)
}

// matchFilename compares basenames. Exact matches win over substring matches.
func matchFilename(tasks []models.Task, want string, field func(models.Task) string) []models.Task {
	want = filepath.Base(strings.ReplaceAll(want, `\`, "/"))

	var exact, partial []models.Task
	for _, tk := range tasks {
		name := field(tk)
		if name == "" {
			continue
		}
		switch {
		case name == want:
			exact = append(exact, tk)
		case strings.Contains(name, want):
			partial = append(partial, tk)
		}
	}

	if len(exact) > 0 {
		return exact
	}
	return partial
}

func single(ref TaskRef, tasks []models.Task) (models.Task, error) {
	switch len(tasks) {
	case 0:
		return models.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, ref)
	case 1:
		return tasks[0], nil
	}

	names := make([]string, 0, len(tasks))
	for _, tk := range tasks {
		names = append(names, tk.StageName+"/"+tk.Name)
	}

	return models.Task{}, fmt.Errorf("%w: %s matches %d tasks (%s)",
		task.ErrAmbiguousMatch, ref, len(tasks), strings.Join(names, ", "))
}

func (t *Tracker) ResolveRun(ctx context.Context, ref RunRef) (models.Run, error) {
	if ref.RunID != "" {
		if err := task.ValidateRunID(ref.RunID); err != nil {
			return models.Run{}, err
		}
		return t.store.GetRun(ctx, ref.RunID)
	}

	tk, err := t.ResolveTask(ctx, ref.Task)
	if err != nil {
		return models.Run{}, err
	}

	return t.store.LatestRunForTask(ctx, tk.ID)
}

// resolveRunID avoids a round trip when the reference already names a run.
func (t *Tracker) resolveRunID(ctx context.Context, ref RunRef) (string, error) {
	if ref.RunID != "" {
		return ref.RunID, task.ValidateRunID(ref.RunID)
	}

	run, err := t.ResolveRun(ctx, ref)
	if err != nil {
		return "", err
	}

	return run.RunID, nil
}
