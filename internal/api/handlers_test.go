package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/livecache"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/testutil"
	"github.com/nadmax/runledger/internal/tracker"
)

type fixture struct {
	api     *API
	store   *repository.Store
	tracker *tracker.Tracker
	mr      *miniredis.Miniredis
}

func setupTestAPI(t *testing.T, withLive bool) *fixture {
	t.Helper()

	f := &fixture{store: testutil.NewStore(t)}
	opts := tracker.Options{
		Host:   tracker.Host{Hostname: "node-1", ProcessID: 4242},
		Logger: testutil.NewTestLogger(t),
	}
	apiOpts := Options{Logger: testutil.NewTestLogger(t)}

	if withLive {
		f.mr = miniredis.RunT(t)
		cache, err := livecache.New(context.Background(), f.mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { _ = cache.Close() })

		opts.Publisher = cache
		apiOpts.Live = cache
	}

	f.tracker = tracker.New(f.store, opts)
	f.api = NewAPI(f.store, apiOpts)
	return f
}

func (f *fixture) startRun(t *testing.T, stage, name string) models.Run {
	t.Helper()
	ctx := context.Background()

	_, err := f.tracker.RegisterTask(ctx, tracker.TaskSpec{StageName: stage, Name: name})
	require.NoError(t, err)

	run, err := f.tracker.StartTask(ctx, tracker.TaskRef{StageName: stage, TaskName: name}, tracker.StartOptions{})
	require.NoError(t, err)
	return run
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	f.api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	f := setupTestAPI(t, false)

	w := f.get(t, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestAPI(t, false)
	f.get(t, "/healthz")

	w := f.get(t, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "runledger_http_requests_total")
}

func TestListRuns(t *testing.T) {
	f := setupTestAPI(t, false)
	ctx := context.Background()

	running := f.startRun(t, "ingest", "load_orders")
	done := f.startRun(t, "report", "daily")
	_, err := f.tracker.CompleteTask(ctx, tracker.RunID(done.RunID), "")
	require.NoError(t, err)

	t.Run("all", func(t *testing.T) {
		w := f.get(t, "/api/runs")
		require.Equal(t, http.StatusOK, w.Code)

		var runs []models.Run
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
		assert.Len(t, runs, 2)
	})

	t.Run("by status", func(t *testing.T) {
		w := f.get(t, "/api/runs?status=started,running")
		require.Equal(t, http.StatusOK, w.Code)

		var runs []models.Run
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
		require.Len(t, runs, 1)
		assert.Equal(t, running.RunID, runs[0].RunID)
	})

	t.Run("by stage", func(t *testing.T) {
		w := f.get(t, "/api/runs?stage=report")
		require.Equal(t, http.StatusOK, w.Code)

		var runs []models.Run
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
		require.Len(t, runs, 1)
		assert.Equal(t, task.StatusCompleted, runs[0].Status)
	})

	t.Run("empty result is an array", func(t *testing.T) {
		w := f.get(t, "/api/runs?host=elsewhere")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})
}

func TestListRuns_BadQuery(t *testing.T) {
	f := setupTestAPI(t, false)

	tests := []struct {
		name string
		path string
	}{
		{name: "unknown status", path: "/api/runs?status=PAUSED"},
		{name: "bad since", path: "/api/runs?since=yesterday"},
		{name: "zero limit", path: "/api/runs?limit=0"},
		{name: "non numeric limit", path: "/api/runs?limit=ten"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, tt.path)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetRun(t *testing.T) {
	f := setupTestAPI(t, false)
	run := f.startRun(t, "ingest", "load_orders")

	w := f.get(t, "/api/runs/"+run.RunID)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, "load_orders", got.TaskName)
	assert.Equal(t, "node-1", got.Hostname)
}

func TestGetRun_Errors(t *testing.T) {
	f := setupTestAPI(t, false)

	w := f.get(t, "/api/runs/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.get(t, "/api/runs/"+task.NewRunID())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "/api/runs/"+task.NewRunID()+"/subtasks")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSubtasks(t *testing.T) {
	f := setupTestAPI(t, false)
	ctx := context.Background()
	run := f.startRun(t, "ingest", "load_orders")

	_, err := f.tracker.StartSubtask(ctx, run.RunID, tracker.SubtaskSpec{Number: 1, Name: "fetch", ItemsTotal: 10})
	require.NoError(t, err)
	_, err = f.tracker.IncrementSubtask(ctx, run.RunID, 1, 4)
	require.NoError(t, err)

	w := f.get(t, "/api/runs/"+run.RunID+"/subtasks")
	require.Equal(t, http.StatusOK, w.Code)

	var subtasks []models.Subtask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &subtasks))
	require.Len(t, subtasks, 1)
	assert.Equal(t, "fetch", subtasks[0].Name)
	assert.Equal(t, int64(4), subtasks[0].ItemsComplete)
}

func TestListMetrics(t *testing.T) {
	f := setupTestAPI(t, false)
	ctx := context.Background()
	run := f.startRun(t, "ingest", "load_orders")

	_, err := f.store.InsertProcessMetric(ctx, models.ProcessMetric{
		RunID:           run.RunID,
		Timestamp:       *run.StartTime,
		ProcessID:       4242,
		CollectionError: true,
		ErrorType:       models.ErrorTypeProcessDied,
	})
	require.NoError(t, err)

	w := f.get(t, "/api/runs/"+run.RunID+"/metrics?limit=10")
	require.Equal(t, http.StatusOK, w.Code)

	var samples []models.ProcessMetric
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, models.ErrorTypeProcessDied, samples[0].ErrorType)
}

func TestDashboardRoutes(t *testing.T) {
	f := setupTestAPI(t, false)
	f.startRun(t, "ingest", "load_orders")

	w := f.get(t, "/api/dashboard/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active_runs":1`)

	w = f.get(t, "/api/dashboard/history")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestListLive(t *testing.T) {
	f := setupTestAPI(t, true)
	run := f.startRun(t, "ingest", "load_orders")

	w := f.get(t, "/api/live")
	require.Equal(t, http.StatusOK, w.Code)

	var events []models.ProgressEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, run.RunID, events[0].RunID)
	assert.Equal(t, task.StatusStarted, events[0].Status)
}

func TestListLive_NotConfigured(t *testing.T) {
	f := setupTestAPI(t, false)

	w := f.get(t, "/api/live")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := setupTestAPI(t, false)

	w := f.get(t, "/api/tasks")

	assert.Equal(t, http.StatusNotFound, w.Code)
}
