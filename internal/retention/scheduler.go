package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron expressions and descriptors such as
// @daily.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler runs a real sweep on a cron schedule. A sweep that is still
// running when the next one is due causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	days    int
	timeout time.Duration
	logger  *slog.Logger
}

// ValidateSchedule reports whether schedule is an accepted cron expression.
func ValidateSchedule(schedule string) error {
	_, err := parser.Parse(schedule)
	return err
}

func NewScheduler(sweeper *Sweeper, schedule string, days int, logger *slog.Logger) (*Scheduler, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		sweeper: sweeper,
		days:    days,
		timeout: time.Hour,
		logger:  logger.With("component", "retention-scheduler"),
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx, s.days, false); err != nil {
		s.logger.Error("scheduled retention sweep failed", "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("retention scheduler started", "next_run", e.Next)
	}
}

// Stop prevents further sweeps and waits for a running one to finish or
// for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("retention scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
