package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type statusCounter interface {
	RunStatusCounts(ctx context.Context) ([]models.StatusCount, error)
}

// startMetricsCollector refreshes the run gauges until ctx is cancelled.
func startMetricsCollector(ctx context.Context, store statusCounter, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		updateRunMetrics(ctx, store, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateRunMetrics(ctx context.Context, store statusCounter, logger *slog.Logger) {
	counts, err := store.RunStatusCounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("failed to count runs for metrics", "error", err)
		}
		return
	}

	byStatus := make(map[task.Status]int, len(counts))
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}

	metrics.UpdateRunGauges(byStatus)
}
