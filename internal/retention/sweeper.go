// Package retention deletes the process metrics of runs that finished longer
// ago than the retention window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type Store interface {
	RetentionCandidates(ctx context.Context, cutoff time.Time) ([]models.RetentionCandidate, error)
	PurgeRunMetrics(ctx context.Context, runID string, deleteAfter, now time.Time) (int64, error)
}

// Entry describes one run a sweep covered. In a dry run MetricsDeletedCount
// is the number of samples that would be deleted.
type Entry struct {
	RunID               string    `json:"run_id"`
	TaskName            string    `json:"task_name"`
	MetricsDeletedCount int64     `json:"metrics_deleted_count"`
	CompletedAt         time.Time `json:"completed_at"`
}

type Sweeper struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(store Store, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Sweeper{
		store:  store,
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
}

// Sweep removes the metrics of terminal runs that ended more than days ago.
// With dryRun set it only reports what it would remove. Each run is purged
// in its own transaction, so a failure leaves earlier runs purged.
func (s *Sweeper) Sweep(ctx context.Context, days int, dryRun bool) ([]Entry, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: retention days must be positive, got %d", task.ErrInvalidArgument, days)
	}

	now := s.now().UTC()
	window := time.Duration(days) * 24 * time.Hour

	candidates, err := s.store.RetentionCandidates(ctx, now.Add(-window))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(candidates))
	var total int64
	for _, c := range candidates {
		entry := Entry{
			RunID:               c.RunID,
			TaskName:            c.TaskName,
			MetricsDeletedCount: c.MetricCount,
			CompletedAt:         c.CompletedAt,
		}

		if !dryRun {
			deleted, err := s.store.PurgeRunMetrics(ctx, c.RunID, c.CompletedAt.Add(window), now)
			if err != nil {
				metrics.RecordRetentionSweep(dryRun, len(entries), total)
				return entries, fmt.Errorf("failed to purge metrics of run %s: %w", c.RunID, err)
			}
			entry.MetricsDeletedCount = deleted
		}

		total += entry.MetricsDeletedCount
		entries = append(entries, entry)
	}

	metrics.RecordRetentionSweep(dryRun, len(entries), total)
	s.logger.Info("retention sweep finished",
		"days", days,
		"dry_run", dryRun,
		"runs", len(entries),
		"metrics", total,
	)

	return entries, nil
}
