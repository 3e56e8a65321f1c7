package reporter

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/testutil"
	"github.com/nadmax/runledger/internal/tracker"
)

type MockStore struct {
	mu               sync.Mutex
	registerErr      error
	registerCalls    int
	shutdown         bool
	heartbeatErr     error
	heartbeatCalls   int
	deregisterCalls  int
	runs             []models.Run
	metrics          []models.ProcessMetric
	lastRegistration models.ReporterRegistration
}

func (m *MockStore) RegisterReporter(_ context.Context, reg models.ReporterRegistration, _ func(int) bool, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerCalls++
	m.lastRegistration = reg
	return false, m.registerErr
}

func (m *MockStore) Heartbeat(context.Context, string, int, time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatCalls++
	err := m.heartbeatErr
	m.heartbeatErr = nil
	return m.shutdown, err
}

func (m *MockStore) ShutdownRequested(context.Context, string, int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown, nil
}

func (m *MockStore) DeregisterReporter(context.Context, string, int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deregisterCalls++
	return nil
}

func (m *MockStore) ActiveRunsOnHost(context.Context, string) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs, nil
}

func (m *MockStore) InsertProcessMetric(_ context.Context, pm models.ProcessMetric) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, pm)
	return true, nil
}

func (m *MockStore) recorded() map[string]models.ProcessMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.ProcessMetric, len(m.metrics))
	for _, pm := range m.metrics {
		out[pm.RunID] = pm
	}
	return out
}

// fakeSampler returns canned metrics; PIDs listed in slow block until the
// sample context ends.
type fakeSampler struct {
	dead map[int]bool
	slow map[int]bool
}

func (s fakeSampler) Sample(ctx context.Context, target Target) models.ProcessMetric {
	m := models.ProcessMetric{RunID: target.RunID, ProcessID: target.PID}
	switch {
	case s.slow[target.PID]:
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return m
	case s.dead[target.PID]:
		return failed(m, models.ErrorTypeProcessDied, os.ErrNotExist)
	}
	m.NumThreads = ptr(int64(4))
	return m
}

func (s fakeSampler) Alive(pid int) bool {
	return !s.dead[pid]
}

func newTestReporter(t *testing.T, store Store, sampler Sampler) *Reporter {
	t.Helper()
	return New(store, sampler, Config{
		Hostname:      "node-1",
		ProcessID:     100,
		Interval:      10 * time.Millisecond,
		SampleTimeout: 50 * time.Millisecond,
		Concurrency:   2,
	}, testutil.NewTestLogger(t))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNREGISTERED", StateUnregistered.String())
	assert.Equal(t, "SHUTTING_DOWN", StateShuttingDown.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestRegister(t *testing.T) {
	store := &MockStore{}
	r := newTestReporter(t, store, fakeSampler{})
	assert.Equal(t, StateUnregistered, r.State())

	require.NoError(t, r.Register(context.Background()))
	assert.Equal(t, StateRunning, r.State())
	assert.Equal(t, "node-1", store.lastRegistration.Hostname)
	assert.Equal(t, 100, store.lastRegistration.ProcessID)
}

func TestRun_RefusedWhenAnotherReporterIsActive(t *testing.T) {
	store := &MockStore{registerErr: task.ErrReporterActive}
	r := newTestReporter(t, store, fakeSampler{})

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, task.ErrReporterActive)
	assert.Equal(t, StateTerminated, r.State())
	assert.Equal(t, 0, store.deregisterCalls)
}

func TestCycle_OneRowPerRun(t *testing.T) {
	store := &MockStore{runs: []models.Run{
		{RunID: "a", ProcessID: 1},
		{RunID: "b", ProcessID: 2},
		{RunID: "c", ProcessID: 3},
	}}
	r := newTestReporter(t, store, fakeSampler{dead: map[int]bool{2: true}, slow: map[int]bool{3: true}})
	require.NoError(t, r.Register(context.Background()))

	shutdown, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, shutdown)

	rows := store.recorded()
	require.Len(t, rows, 3)

	assert.False(t, rows["a"].CollectionError)
	assert.Equal(t, int64(4), *rows["a"].NumThreads)

	assert.True(t, rows["b"].CollectionError)
	assert.Equal(t, models.ErrorTypeProcessDied, rows["b"].ErrorType)

	assert.True(t, rows["c"].CollectionError)
	assert.Equal(t, models.ErrorTypeTimeout, rows["c"].ErrorType)

	assert.Equal(t, rows["a"].Timestamp, rows["b"].Timestamp)
	assert.Equal(t, 1, store.heartbeatCalls)
}

func TestCycle_ReRegistersWhenClaimLost(t *testing.T) {
	store := &MockStore{heartbeatErr: task.ErrNotFound}
	r := newTestReporter(t, store, fakeSampler{})
	require.NoError(t, r.Register(context.Background()))

	_, err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.registerCalls)
}

func TestRun_StopsOnShutdownRequest(t *testing.T) {
	store := &MockStore{shutdown: true}
	r := newTestReporter(t, store, fakeSampler{})

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, StateTerminated, r.State())
	assert.Equal(t, 1, store.deregisterCalls)
}

func TestRun_Stop(t *testing.T) {
	store := &MockStore{}
	r := newTestReporter(t, store, fakeSampler{})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}
	assert.Equal(t, StateTerminated, r.State())
}

func TestCycle_RecordsDeadProcessInStore(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}

	store := testutil.NewStore(t)
	ctx := context.Background()
	tr := tracker.New(store, tracker.Options{
		Host: tracker.Host{Hostname: "node-1", ProcessID: 99999999},
	})
	_, err := tr.RegisterTask(ctx, tracker.TaskSpec{StageName: "ingest", Name: "load_orders"})
	require.NoError(t, err)
	run, err := tr.StartTask(ctx, tracker.TaskRef{StageName: "ingest", TaskName: "load_orders"}, tracker.StartOptions{})
	require.NoError(t, err)

	sampler, err := NewProcSampler("", 0)
	require.NoError(t, err)
	r := New(store, sampler, Config{Hostname: "node-1", ProcessID: os.Getpid()}, testutil.NewTestLogger(t))
	require.NoError(t, r.Register(ctx))

	_, err = r.Cycle(ctx)
	require.NoError(t, err)

	rows, err := store.ListProcessMetrics(ctx, run.RunID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].CollectionError)
	assert.Equal(t, models.ErrorTypeProcessDied, rows[0].ErrorType)

	reg, err := store.GetReporter(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), reg.ProcessID)
}
