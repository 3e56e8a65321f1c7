package reporter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/runledger/internal/repository/models"
)

func newTestSampler(t *testing.T, window time.Duration) *ProcSampler {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}

	s, err := NewProcSampler("", window)
	require.NoError(t, err)
	return s
}

func TestSample_DeadProcess(t *testing.T) {
	s := newTestSampler(t, 0)

	m := s.Sample(context.Background(), Target{RunID: "r", PID: 99999999})
	assert.True(t, m.CollectionError)
	assert.Equal(t, models.ErrorTypeProcessDied, m.ErrorType)
	assert.NotEmpty(t, m.ErrorMessage)
	assert.False(t, s.Alive(99999999))
}

func TestSample_Self(t *testing.T) {
	s := newTestSampler(t, 20*time.Millisecond)
	pid := os.Getpid()

	m := s.Sample(context.Background(), Target{RunID: "r", PID: pid})
	require.False(t, m.CollectionError, m.ErrorMessage)
	require.NotNil(t, m.CPUPercent)
	require.NotNil(t, m.MemoryMB)
	require.NotNil(t, m.NumThreads)
	assert.Positive(t, *m.MemoryMB)
	assert.Positive(t, *m.NumThreads)
	assert.NotEmpty(t, m.ProcessState)
	assert.True(t, s.Alive(pid))
}

func TestSample_PIDReused(t *testing.T) {
	s := newTestSampler(t, 0)
	pid := os.Getpid()

	started, err := s.StartTime(pid)
	require.NoError(t, err)

	m := s.Sample(context.Background(), Target{RunID: "r", PID: pid, StartedAt: &started})
	assert.False(t, m.CollectionError, m.ErrorMessage)

	earlier := started.Add(-time.Hour)
	m = s.Sample(context.Background(), Target{RunID: "r", PID: pid, StartedAt: &earlier})
	assert.True(t, m.CollectionError)
	assert.Equal(t, models.ErrorTypePIDReused, m.ErrorType)
}

func TestSample_MissingPID(t *testing.T) {
	s := newTestSampler(t, 0)

	m := s.Sample(context.Background(), Target{RunID: "r"})
	assert.True(t, m.CollectionError)
	assert.Equal(t, models.ErrorTypeCollectionError, m.ErrorType)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ErrorTypeProcessDied, classify(os.ErrNotExist))
	assert.Equal(t, models.ErrorTypeAccessDenied, classify(os.ErrPermission))
	assert.Equal(t, models.ErrorTypeTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, models.ErrorTypeCollectionError, classify(assert.AnError))
}
