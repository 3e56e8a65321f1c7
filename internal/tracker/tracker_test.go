package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/testutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingNotifier struct {
	failed []models.Run
}

func (n *recordingNotifier) RunFailed(_ context.Context, run models.Run) error {
	n.failed = append(n.failed, run)
	return nil
}

// flakyCounter fails every other call with a lock error before delegating.
type flakyCounter struct {
	next  counter
	calls atomic.Int64
	fails atomic.Int64
}

func (c *flakyCounter) IncrementItems(ctx context.Context, runID string, number int, delta int64, now time.Time) (int64, error) {
	if c.calls.Add(1)%2 == 1 {
		c.fails.Add(1)
		return 0, errors.New("database is locked")
	}
	return c.next.IncrementItems(ctx, runID, number, delta, now)
}

func setupTestTracker(t *testing.T) *Tracker {
	t.Helper()

	return New(testutil.NewStore(t), Options{
		Host:   Host{Hostname: "node-1", ProcessID: 4242},
		Retry:  RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger: testutil.NewTestLogger(t),
	})
}

func registerTask(t *testing.T, tr *Tracker, stage, name, script string) models.Task {
	t.Helper()

	spec := TaskSpec{StageName: stage, Name: name}
	if script != "" {
		spec.ScriptPath = &script
	}

	tk, err := tr.RegisterTask(context.Background(), spec)
	require.NoError(t, err)
	return tk
}

func startRunWithSubtask(t *testing.T, tr *Tracker, itemsTotal int64) models.Run {
	t.Helper()
	ctx := context.Background()

	registerTask(t, tr, "ingest", "load_orders", "")
	run, err := tr.StartTask(ctx, TaskRef{StageName: "ingest", TaskName: "load_orders"}, StartOptions{})
	require.NoError(t, err)

	_, err = tr.StartSubtask(ctx, run.RunID, SubtaskSpec{Number: 1, Name: "fetch", ItemsTotal: itemsTotal})
	require.NoError(t, err)

	return run
}

func TestStartTask(t *testing.T) {
	tr := setupTestTracker(t)
	registerTask(t, tr, "ingest", "load_orders", "/opt/jobs/load_orders.py")

	run, err := tr.StartTask(context.Background(),
		TaskRef{ScriptFilename: "load_orders.py"},
		StartOptions{TotalSubtasks: 3, Metadata: map[string]any{"batch": 7}})
	require.NoError(t, err)

	assert.Equal(t, task.StatusStarted, run.Status)
	assert.Equal(t, "node-1", run.Hostname)
	assert.Equal(t, 4242, run.ProcessID)
	assert.Equal(t, 3, run.TotalSubtasks)
	assert.NotNil(t, run.StartTime)
	assert.JSONEq(t, `{"batch":7}`, run.Metadata)
	assert.NoError(t, task.ValidateRunID(run.RunID))
}

func TestStartTask_AdoptsPlannedRun(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	registerTask(t, tr, "ingest", "load_orders", "")
	ref := TaskRef{StageName: "ingest", TaskName: "load_orders"}

	planned, err := tr.PlanRun(ctx, ref, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusNotStarted, planned.Status)
	assert.Nil(t, planned.StartTime)

	started, err := tr.StartTask(ctx, TaskRef{}, StartOptions{RunID: planned.RunID})
	require.NoError(t, err)
	assert.Equal(t, planned.RunID, started.RunID)
	assert.Equal(t, task.StatusStarted, started.Status)
	assert.Equal(t, "node-1", started.Hostname)

	_, err = tr.StartTask(ctx, TaskRef{}, StartOptions{RunID: planned.RunID})
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestStartTask_InvalidArguments(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	_, err := tr.StartTask(ctx, TaskRef{}, StartOptions{})
	assert.ErrorIs(t, err, task.ErrInvalidArgument)

	_, err = tr.StartTask(ctx, TaskRef{TaskName: "x"}, StartOptions{RunID: "not-a-uuid"})
	assert.ErrorIs(t, err, task.ErrInvalidArgument)

	_, err = tr.StartTask(ctx, TaskRef{StageName: "missing", TaskName: "x"}, StartOptions{})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestIncrementSubtask_Concurrent(t *testing.T) {
	tr := setupTestTracker(t)
	run := startRunWithSubtask(t, tr, 300)

	const workers = 300
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.IncrementSubtask(context.Background(), run.RunID, 1, 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	st, err := tr.GetSubtask(context.Background(), run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), st.ItemsComplete)
	assert.Equal(t, task.StatusRunning, st.Status)
	assert.InDelta(t, 100.0, st.PercentComplete, 0.001)
}

func TestIncrementSubtask_RetriesLockErrors(t *testing.T) {
	tr := setupTestTracker(t)
	run := startRunWithSubtask(t, tr, 0)

	flaky := &flakyCounter{next: tr.store}
	tr.counter = flaky

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.IncrementSubtask(context.Background(), run.RunID, 1, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := tr.GetSubtask(context.Background(), run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), st.ItemsComplete)
	assert.Positive(t, flaky.fails.Load())
}

func TestIncrementSubtask_Exhausted(t *testing.T) {
	tr := setupTestTracker(t)
	run := startRunWithSubtask(t, tr, 0)
	tr.retry.MaxAttempts = 3

	var calls int
	tr.counter = counterFunc(func() (int64, error) {
		calls++
		return 0, errors.New("database is locked")
	})

	_, err := tr.IncrementSubtask(context.Background(), run.RunID, 1, 1)
	assert.ErrorIs(t, err, task.ErrConcurrencyExhausted)
	assert.Equal(t, 3, calls)
}

func TestIncrementSubtask_NotRetried(t *testing.T) {
	tr := setupTestTracker(t)
	run := startRunWithSubtask(t, tr, 0)

	var calls int
	tr.counter = counterFunc(func() (int64, error) {
		calls++
		return 0, context.DeadlineExceeded
	})

	_, err := tr.IncrementSubtask(context.Background(), run.RunID, 1, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

type counterFunc func() (int64, error)

func (f counterFunc) IncrementItems(context.Context, string, int, int64, time.Time) (int64, error) {
	return f()
}

func TestIncrementSubtask_Errors(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	run := startRunWithSubtask(t, tr, 10)

	_, err := tr.IncrementSubtask(ctx, run.RunID, 1, 0)
	assert.ErrorIs(t, err, task.ErrInvalidArgument)

	_, err = tr.IncrementSubtask(ctx, run.RunID, 9, 1)
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = tr.CompleteSubtask(ctx, run.RunID, 1, "")
	require.NoError(t, err)

	_, err = tr.IncrementSubtask(ctx, run.RunID, 1, 1)
	assert.ErrorIs(t, err, task.ErrTerminal)
}

func TestCorrectSubtaskItems(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	run := startRunWithSubtask(t, tr, 10)

	_, err := tr.IncrementSubtask(ctx, run.RunID, 1, 4)
	require.NoError(t, err)

	v, err := tr.CorrectSubtaskItems(ctx, run.RunID, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = tr.CorrectSubtaskItems(ctx, run.RunID, 1, -10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = tr.CorrectSubtaskItems(ctx, run.RunID, 1, 0)
	assert.ErrorIs(t, err, task.ErrInvalidArgument)
}

func TestCompleteTask_TerminalIsError(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	run := startRunWithSubtask(t, tr, 0)

	done, err := tr.CompleteTask(ctx, RunID(run.RunID), "done")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 100.0, done.PercentComplete)
	require.NotNil(t, done.EndTime)

	tr.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err = tr.CompleteTask(ctx, RunID(run.RunID), "again")
	assert.ErrorIs(t, err, task.ErrTerminal)
	_, err = tr.FailTask(ctx, RunID(run.RunID), "late", "")
	assert.ErrorIs(t, err, task.ErrTerminal)
	_, err = tr.UpdateTask(ctx, RunID(run.RunID), TaskUpdate{Percent: ptr(10.0)})
	assert.ErrorIs(t, err, task.ErrTerminal)

	after, err := tr.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, done.EndTime.Equal(*after.EndTime))
	assert.Equal(t, 100.0, after.PercentComplete)
	assert.Equal(t, task.StatusCompleted, after.Status)
}

func TestFailTask_Cascades(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	tr.notifier = notifier

	run := startRunWithSubtask(t, tr, 0)
	_, err := tr.CompleteSubtask(ctx, run.RunID, 1, "")
	require.NoError(t, err)
	_, err = tr.StartSubtask(ctx, run.RunID, SubtaskSpec{Number: 2, Name: "transform"})
	require.NoError(t, err)

	failed, err := tr.FailTask(ctx, RunID(run.RunID), "boom", "stack trace")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.ErrorMessage)

	subtasks, err := tr.ListSubtasks(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, task.StatusCompleted, subtasks[0].Status)
	assert.Equal(t, task.StatusFailed, subtasks[1].Status)
	assert.Equal(t, "parent run failed", subtasks[1].ErrorMessage)

	require.Len(t, notifier.failed, 1)
	assert.Equal(t, run.RunID, notifier.failed[0].RunID)

	rec, err := tr.Store().GetRetentionRecord(ctx, run.RunID)
	require.NoError(t, err)
	assert.False(t, rec.MetricsDeleted)
	assert.WithinDuration(t, failed.EndTime.Add(30*24*time.Hour), rec.MetricsDeleteAfter, time.Second)
}

func TestCancelTask_FailsOpenSubtasks(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	run := startRunWithSubtask(t, tr, 0)

	cancelled, err := tr.CancelTask(ctx, RunID(run.RunID), "operator request")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)

	st, err := tr.GetSubtask(ctx, run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, st.Status)
	assert.Equal(t, "parent run cancelled", st.ErrorMessage)
}

func TestUpdateTask(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	publisher := &recordingPublisher{}
	tr.publisher = publisher

	registerTask(t, tr, "ingest", "load_orders", "")
	ref := TaskRef{StageName: "ingest", TaskName: "load_orders"}
	run, err := tr.StartTask(ctx, ref, StartOptions{})
	require.NoError(t, err)

	_, err = tr.UpdateTask(ctx, RunRef{Task: ref}, TaskUpdate{Percent: ptr(150.0)})
	assert.ErrorIs(t, err, task.ErrInvalidArgument)

	updated, err := tr.UpdateTask(ctx, RunRef{Task: ref}, TaskUpdate{Percent: ptr(40.0), Message: ptr("halfway")})
	require.NoError(t, err)
	assert.Equal(t, run.RunID, updated.RunID)
	assert.Equal(t, task.StatusRunning, updated.Status)
	assert.Equal(t, 40.0, updated.PercentComplete)
	assert.Equal(t, "halfway", updated.ProgressMessage)
	assert.Equal(t, 2, publisher.count())
}

func TestResolveTask_Filenames(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	registerTask(t, tr, "analysis", "first", `C:\jobs\test_script_01.R`)
	registerTask(t, tr, "analysis", "second", "/jobs/test_script_02.R")

	_, err := tr.ResolveTask(ctx, TaskRef{ScriptFilename: "test_script"})
	assert.ErrorIs(t, err, task.ErrAmbiguousMatch)

	tk, err := tr.ResolveTask(ctx, TaskRef{ScriptFilename: "test_script_01.R"})
	require.NoError(t, err)
	assert.Equal(t, "first", tk.Name)

	tk, err = tr.ResolveTask(ctx, TaskRef{ScriptFilename: "02"})
	require.NoError(t, err)
	assert.Equal(t, "second", tk.Name)

	tk, err = tr.ResolveTask(ctx, TaskRef{ScriptFilename: "/elsewhere/test_script_01.R"})
	require.NoError(t, err)
	assert.Equal(t, "first", tk.Name)

	_, err = tr.ResolveTask(ctx, TaskRef{ScriptFilename: "missing.R"})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestResolveTask_ByOrder(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()

	_, err := tr.RegisterStage(ctx, StageSpec{Name: "ingest", Order: ptr(1)})
	require.NoError(t, err)
	_, err = tr.RegisterTask(ctx, TaskSpec{StageName: "ingest", Name: "load_orders", Order: ptr(2)})
	require.NoError(t, err)

	tk, err := tr.ResolveTask(ctx, TaskRef{StageOrder: 1, TaskOrder: 2})
	require.NoError(t, err)
	assert.Equal(t, "load_orders", tk.Name)

	_, err = tr.ResolveTask(ctx, TaskRef{StageName: "ingest"})
	assert.ErrorIs(t, err, task.ErrInvalidArgument)
}

func TestEnsureRunAndSubtask(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	registerTask(t, tr, "ingest", "load_orders", "")
	ref := TaskRef{StageName: "ingest", TaskName: "load_orders"}

	first, err := tr.EnsureRun(ctx, ref)
	require.NoError(t, err)
	again, err := tr.EnsureRun(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, again.RunID)

	st, err := tr.EnsureSubtask(ctx, first.RunID, 1, "fetch", 5)
	require.NoError(t, err)
	assert.Equal(t, task.StatusStarted, st.Status)
	st, err = tr.EnsureSubtask(ctx, first.RunID, 1, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.ItemsTotal)

	_, err = tr.CompleteTask(ctx, RunID(first.RunID), "")
	require.NoError(t, err)

	next, err := tr.EnsureRun(ctx, ref)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, next.RunID)
}

func operationCount(t *testing.T, op string) uint64 {
	t.Helper()

	var m dto.Metric
	h, ok := metrics.OperationDuration.WithLabelValues(op).(prometheus.Histogram)
	require.True(t, ok)
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestEnsureSubtask_RecordsOperation(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	run := startRunWithSubtask(t, tr, 3)

	before := operationCount(t, "EnsureSubtask")
	_, err := tr.EnsureSubtask(ctx, run.RunID, 1, "", 0)
	require.NoError(t, err)
	_, err = tr.EnsureSubtask(ctx, "not-a-run", 1, "", 0)
	assert.ErrorIs(t, err, task.ErrInvalidArgument)
	assert.Equal(t, before+2, operationCount(t, "EnsureSubtask"))

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	_, err = tr.EnsureSubtask(expired, run.RunID, 1, "", 0)
	assert.Error(t, err)
}

func TestEnsureRun_ConcurrentCallersShareRun(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	tk := registerTask(t, tr, "ingest", "load_orders", "")
	ref := TaskRef{TaskID: tk.ID}

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := tr.EnsureRun(ctx, ref)
			if assert.NoError(t, err) {
				ids[i] = run.RunID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	runs, err := tr.Store().ListRuns(ctx, repository.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEnsureRun_StartsPlannedRun(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	tk := registerTask(t, tr, "ingest", "load_orders", "")

	planned, err := tr.PlanRun(ctx, TaskRef{TaskID: tk.ID}, StartOptions{})
	require.NoError(t, err)

	run, err := tr.EnsureRun(ctx, TaskRef{TaskID: tk.ID})
	require.NoError(t, err)
	assert.Equal(t, planned.RunID, run.RunID)
	assert.Equal(t, task.StatusStarted, run.Status)
	assert.Equal(t, "node-1", run.Hostname)

	_, err = tr.EnsureRun(ctx, TaskRef{TaskID: tk.ID + 100})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestPlanSubtasksAndRollup(t *testing.T) {
	tr := setupTestTracker(t)
	ctx := context.Background()
	registerTask(t, tr, "ingest", "load_orders", "")
	run, err := tr.StartTask(ctx, TaskRef{StageName: "ingest", TaskName: "load_orders"}, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, tr.PlanSubtasks(ctx, run.RunID, []SubtaskSpec{
		{Number: 1, Name: "fetch", ItemsTotal: 10},
		{Number: 2, Name: "load", ItemsTotal: 30},
	}))

	_, err = tr.StartSubtask(ctx, run.RunID, SubtaskSpec{Number: 1, Name: "fetch", ItemsTotal: 10})
	require.NoError(t, err)
	_, err = tr.IncrementSubtask(ctx, run.RunID, 1, 10)
	require.NoError(t, err)

	pct, err := tr.SubtaskRollup(ctx, run.RunID)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, pct, 0.001)

	after, err := tr.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, after.PercentComplete)
}

func TestListRuns_RejectsUnknownStatus(t *testing.T) {
	tr := setupTestTracker(t)

	_, err := tr.ListRuns(context.Background(), repository.RunFilter{Statuses: []task.Status{"BOGUS"}})
	assert.ErrorIs(t, err, task.ErrInvalidArgument)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}.withDefaults()

	for attempt := 1; attempt <= 12; attempt++ {
		d := p.backoff(attempt)
		assert.GreaterOrEqual(t, d, p.BaseDelay*3/4)
		assert.LessOrEqual(t, d, p.MaxDelay*5/4)
	}
}
