package main

import (
	"github.com/spf13/pflag"

	"github.com/nadmax/runledger/internal/runctx"
	"github.com/nadmax/runledger/internal/tracker"
)

// refFlags are the ways a command can name a task or one of its runs.
type refFlags struct {
	runID      string
	taskID     int64
	stage      string
	stageOrder int
	task       string
	taskOrder  int
	script     string
	log        string
}

func (f *refFlags) bindTask(fs *pflag.FlagSet) {
	fs.Int64Var(&f.taskID, "task-id", 0, "Task id")
	fs.StringVar(&f.stage, "stage", "", "Stage name")
	fs.IntVar(&f.stageOrder, "stage-order", 0, "Stage order")
	fs.StringVar(&f.task, "task", "", "Task name")
	fs.IntVar(&f.taskOrder, "task-order", 0, "Task order within the stage")
	fs.StringVar(&f.script, "script", "", "Script filename or a unique part of it")
	fs.StringVar(&f.log, "log", "", "Log filename or a unique part of it")
}

func (f *refFlags) bindRun(fs *pflag.FlagSet) {
	fs.StringVar(&f.runID, "run-id", "", "Run id (default: the exported context, then the task's latest run)")
	f.bindTask(fs)
}

func (f *refFlags) taskRef() tracker.TaskRef {
	return tracker.TaskRef{
		TaskID:         f.taskID,
		StageName:      f.stage,
		StageOrder:     f.stageOrder,
		TaskName:       f.task,
		TaskOrder:      f.taskOrder,
		ScriptFilename: f.script,
		LogFilename:    f.log,
	}
}

// runRef prefers an explicit run id, then a task reference, then the run
// recorded in the exported execution context.
func (f *refFlags) runRef() (tracker.RunRef, error) {
	ref := tracker.RunRef{RunID: f.runID, Task: f.taskRef()}
	if ref.RunID != "" || !ref.Task.IsZero() {
		return ref, nil
	}

	snap, ok, err := runctx.SnapshotFromEnv()
	if err != nil || !ok {
		return ref, err
	}
	ref.RunID = snap.RunID

	return ref, nil
}
