package reporter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/prometheus/procfs"

	"github.com/nadmax/runledger/internal/repository/models"
)

// startTolerance absorbs the clock-tick granularity of /proc start times.
const startTolerance = time.Second

// Target is one run's process as seen by the reporter.
type Target struct {
	RunID     string
	PID       int
	StartedAt *time.Time
}

// Sampler reads process statistics. Sample never fails: problems are
// reported on the returned metric.
type Sampler interface {
	Sample(ctx context.Context, target Target) models.ProcessMetric
	Alive(pid int) bool
}

// ProcSampler samples processes through /proc.
type ProcSampler struct {
	fs        procfs.FS
	cpuWindow time.Duration
}

func NewProcSampler(mountPoint string, cpuWindow time.Duration) (*ProcSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}

	pfs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}

	return &ProcSampler{fs: pfs, cpuWindow: cpuWindow}, nil
}

func (s *ProcSampler) Sample(ctx context.Context, target Target) models.ProcessMetric {
	m := models.ProcessMetric{RunID: target.RunID, ProcessID: target.PID}
	if target.PID <= 0 {
		return failed(m, models.ErrorTypeCollectionError, errors.New("run has no process id"))
	}

	proc, err := s.fs.Proc(target.PID)
	if err != nil {
		return failed(m, classify(err), err)
	}

	first, err := proc.Stat()
	if err != nil {
		return failed(m, classify(err), err)
	}

	if target.StartedAt != nil {
		started, err := s.startTime(first)
		if err != nil {
			return failed(m, classify(err), err)
		}
		if diff := started.Sub(*target.StartedAt); diff > startTolerance || diff < -startTolerance {
			return failed(m, models.ErrorTypePIDReused,
				fmt.Errorf("pid %d started at %s, run expects %s", target.PID, started.Format(time.RFC3339), target.StartedAt.Format(time.RFC3339)))
		}
	}

	last := first
	if s.cpuWindow > 0 {
		t0 := time.Now()
		select {
		case <-ctx.Done():
			return failed(m, models.ErrorTypeTimeout, ctx.Err())
		case <-time.After(s.cpuWindow):
		}

		if last, err = proc.Stat(); err != nil {
			return failed(m, classify(err), err)
		}
		if elapsed := time.Since(t0).Seconds(); elapsed > 0 {
			m.CPUPercent = ptr(round2((last.CPUTime() - first.CPUTime()) / elapsed * 100))
		}
	}

	rss := float64(last.ResidentMemory())
	m.MemoryMB = ptr(round2(rss / (1 << 20)))
	if info, err := s.fs.Meminfo(); err == nil && info.MemTotal != nil && *info.MemTotal > 0 {
		m.MemoryPercent = ptr(round2(rss / float64(*info.MemTotal*1024) * 100))
	}
	m.NumThreads = ptr(int64(last.NumThreads))
	m.ProcessState = last.State

	if n, err := proc.FileDescriptorsLen(); err == nil {
		m.NumFDs = ptr(int64(n))
	}
	if pio, err := proc.IO(); err == nil {
		m.IOReadBytes = ptr(int64(pio.ReadBytes))
		m.IOWriteBytes = ptr(int64(pio.WriteBytes))
	}

	return m
}

// Alive reports whether pid exists and is not a zombie.
func (s *ProcSampler) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := s.fs.Proc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist)
	}

	return stat.State != "Z" && stat.State != "X"
}

// StartTime returns when pid was started, for PID-reuse checks.
func (s *ProcSampler) StartTime(pid int) (time.Time, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return time.Time{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return time.Time{}, err
	}

	return s.startTime(stat)
}

func (s *ProcSampler) startTime(stat procfs.ProcStat) (time.Time, error) {
	secs, err := stat.StartTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read process start time: %w", err)
	}

	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

func classify(err error) models.ErrorType {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return models.ErrorTypeProcessDied
	case errors.Is(err, fs.ErrPermission):
		return models.ErrorTypeAccessDenied
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorTypeTimeout
	}

	return models.ErrorTypeCollectionError
}

func failed(m models.ProcessMetric, kind models.ErrorType, err error) models.ProcessMetric {
	m.CollectionError = true
	m.ErrorType = kind
	m.ErrorMessage = err.Error()
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr[T any](v T) *T {
	return &v
}
