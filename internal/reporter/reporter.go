// Package reporter runs the per-host daemon that samples the processes of
// active runs and records their health.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type State int32

const (
	StateUnregistered State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Store is the part of the repository the reporter needs.
type Store interface {
	RegisterReporter(ctx context.Context, reg models.ReporterRegistration, alive func(pid int) bool, staleAfter time.Duration) (bool, error)
	Heartbeat(ctx context.Context, hostname string, pid int, now time.Time) (bool, error)
	ShutdownRequested(ctx context.Context, hostname string, pid int) (bool, error)
	DeregisterReporter(ctx context.Context, hostname string, pid int) error
	ActiveRunsOnHost(ctx context.Context, hostname string) ([]models.Run, error)
	InsertProcessMetric(ctx context.Context, m models.ProcessMetric) (bool, error)
}

type Config struct {
	Hostname      string
	ProcessID     int
	Interval      time.Duration
	SampleTimeout time.Duration
	Concurrency   int
	StaleAfter    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.Interval
	}

	return c
}

type Reporter struct {
	store    Store
	sampler  Sampler
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

func New(store Store, sampler Sampler, cfg Config, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()

	return &Reporter{
		store:   store,
		sampler: sampler,
		cfg:     cfg,
		logger:  logger.With("component", "reporter", "hostname", cfg.Hostname, "pid", cfg.ProcessID),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (r *Reporter) State() State {
	return State(r.state.Load())
}

// Register claims this host. ErrReporterActive means another live reporter
// already holds it.
func (r *Reporter) Register(ctx context.Context) error {
	now := r.now().UTC()
	replaced, err := r.store.RegisterReporter(ctx, models.ReporterRegistration{
		Hostname:      r.cfg.Hostname,
		ProcessID:     r.cfg.ProcessID,
		StartedAt:     now,
		LastHeartbeat: now,
	}, r.sampler.Alive, r.cfg.StaleAfter)
	if err != nil {
		return err
	}

	if replaced {
		r.logger.Warn("replaced stale reporter registration")
	}
	r.state.Store(int32(StateRunning))
	r.logger.Info("reporter registered", "interval", r.cfg.Interval, "concurrency", r.cfg.Concurrency)

	return nil
}

// Cycle runs one sampling pass. It reports whether a shutdown was requested.
func (r *Reporter) Cycle(ctx context.Context) (shutdown bool, err error) {
	start := time.Now()

	shutdown, err = r.store.ShutdownRequested(ctx, r.cfg.Hostname, r.cfg.ProcessID)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return false, err
	}
	if shutdown {
		return true, nil
	}

	runs, err := r.store.ActiveRunsOnHost(ctx, r.cfg.Hostname)
	if err != nil {
		return false, err
	}

	stamp := r.now().UTC().Truncate(time.Millisecond)

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, run := range runs {
		target := Target{RunID: run.RunID, PID: run.ProcessID, StartedAt: run.ProcessStartTime}
		g.Go(func() error {
			m := r.sample(ctx, target)
			if ctx.Err() != nil {
				return nil
			}
			m.Timestamp = stamp
			r.record(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	shutdown, err = r.store.Heartbeat(ctx, r.cfg.Hostname, r.cfg.ProcessID, r.now())
	if errors.Is(err, task.ErrNotFound) {
		r.logger.Warn("reporter registration lost, registering again")
		if err := r.Register(ctx); err != nil {
			return false, err
		}
		shutdown, err = false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.RecordReporterCycle(time.Since(start), len(runs))
	r.logger.Debug("reporter cycle finished", "active_runs", len(runs), "duration", time.Since(start))

	return shutdown, nil
}

// sample bounds a single sample by SampleTimeout. A sampler that does not
// return in time yields a TIMEOUT row.
func (r *Reporter) sample(ctx context.Context, target Target) models.ProcessMetric {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SampleTimeout)
	defer cancel()

	done := make(chan models.ProcessMetric, 1)
	go func() { done <- r.sampler.Sample(sctx, target) }()

	select {
	case m := <-done:
		return m
	case <-sctx.Done():
		return failed(models.ProcessMetric{RunID: target.RunID, ProcessID: target.PID},
			models.ErrorTypeTimeout, fmt.Errorf("sampling pid %d exceeded %s", target.PID, r.cfg.SampleTimeout))
	}
}

func (r *Reporter) record(ctx context.Context, m models.ProcessMetric) {
	outcome := "ok"
	if m.CollectionError {
		outcome = strings.ToLower(string(m.ErrorType))
		r.logger.Debug("process sample failed", "run_id", m.RunID, "process_id", m.ProcessID,
			"error_type", m.ErrorType, "error", m.ErrorMessage)
	}
	metrics.RecordSample(outcome)

	inserted, err := r.store.InsertProcessMetric(ctx, m)
	if err != nil {
		r.logger.Error("failed to record process metric", "run_id", m.RunID, "error", err)
		return
	}
	if !inserted {
		r.logger.Debug("process metric already recorded", "run_id", m.RunID, "timestamp", m.Timestamp)
	}
}

// Run registers and samples every Interval until ctx is cancelled, Stop is
// called, or a shutdown is requested through the store.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		r.state.Store(int32(StateTerminated))
		return err
	}
	defer r.terminate()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		shutdown, err := r.Cycle(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, task.ErrReporterActive):
			return err
		case err != nil:
			r.logger.Error("reporter cycle failed", "error", err)
		case shutdown:
			r.logger.Info("shutdown requested")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reporter) terminate() {
	r.state.Store(int32(StateShuttingDown))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.DeregisterReporter(ctx, r.cfg.Hostname, r.cfg.ProcessID); err != nil {
		r.logger.Error("failed to deregister reporter", "error", err)
	}

	r.state.Store(int32(StateTerminated))
	r.logger.Info("reporter stopped")
}

// Stop asks Run to return after the current cycle.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
