// Package dashboard serves aggregate run statistics for the monitoring UI.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/runledger/internal/httputil"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type Store interface {
	RunStatusCounts(ctx context.Context) ([]models.StatusCount, error)
	ListReporters(ctx context.Context) ([]models.ReporterRegistration, error)
	ListRuns(ctx context.Context, f repository.RunFilter) ([]models.Run, error)
}

type Dashboard struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

type Stats struct {
	TotalRuns       int                 `json:"total_runs"`
	NotStartedRuns  int                 `json:"not_started_runs"`
	ActiveRuns      int                 `json:"active_runs"`
	CompletedRuns   int                 `json:"completed_runs"`
	FailedRuns      int                 `json:"failed_runs"`
	SkippedRuns     int                 `json:"skipped_runs"`
	CancelledRuns   int                 `json:"cancelled_runs"`
	RunsByStatus    map[task.Status]int `json:"runs_by_status"`
	ActiveReporters int                 `json:"active_reporters"`
	AverageDuration string              `json:"average_duration"`
	LastUpdated     time.Time           `json:"last_updated"`
}

type RunHistory struct {
	RunID     string      `json:"run_id"`
	StageName string      `json:"stage_name"`
	TaskName  string      `json:"task_name"`
	Hostname  string      `json:"hostname,omitempty"`
	Status    task.Status `json:"status"`
	StartTime *time.Time  `json:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Duration  string      `json:"duration"`
}

// NewDashboard counts a reporter as active while its heartbeat is younger
// than staleAfter.
func NewDashboard(store Store, staleAfter time.Duration) *Dashboard {
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}

	return &Dashboard{
		store:      store,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := d.now()

	counts, err := d.store.RunStatusCounts(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	stats := Stats{
		RunsByStatus: make(map[task.Status]int),
		LastUpdated:  now,
	}

	for _, c := range counts {
		stats.TotalRuns += c.Count
		stats.RunsByStatus[c.Status] = c.Count

		switch c.Status {
		case task.StatusNotStarted:
			stats.NotStartedRuns += c.Count
		case task.StatusStarted, task.StatusRunning:
			stats.ActiveRuns += c.Count
		case task.StatusCompleted:
			stats.CompletedRuns += c.Count
		case task.StatusFailed:
			stats.FailedRuns += c.Count
		case task.StatusSkipped:
			stats.SkippedRuns += c.Count
		case task.StatusCancelled:
			stats.CancelledRuns += c.Count
		}
	}

	reporters, err := d.store.ListReporters(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	for _, rep := range reporters {
		if now.Sub(rep.LastHeartbeat) < d.staleAfter && !rep.ShutdownRequested {
			stats.ActiveReporters++
		}
	}

	recent, err := d.recentRuns(ctx, now, task.StatusCompleted)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var total time.Duration
	for _, run := range recent {
		total += run.Duration()
	}
	if len(recent) > 0 {
		stats.AverageDuration = (total / time.Duration(len(recent))).Round(time.Millisecond).String()
	} else {
		stats.AverageDuration = "N/A"
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

// GetRecentRuns lists runs that finished in the last 24 hours.
func (d *Dashboard) GetRecentRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := d.recentRuns(r.Context(), d.now(), task.TerminalStatuses(task.KindRun)...)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	history := []RunHistory{}
	for _, run := range runs {
		var duration string
		if run.StartTime != nil {
			duration = run.Duration().Round(time.Millisecond).String()
		}

		history = append(history, RunHistory{
			RunID:     run.RunID,
			StageName: run.StageName,
			TaskName:  run.TaskName,
			Hostname:  run.Hostname,
			Status:    run.Status,
			StartTime: run.StartTime,
			EndTime:   run.EndTime,
			Duration:  duration,
		})
	}

	httputil.WriteJSON(w, history, http.StatusOK)
}

func (d *Dashboard) recentRuns(ctx context.Context, now time.Time, statuses ...task.Status) ([]models.Run, error) {
	runs, err := d.store.ListRuns(ctx, repository.RunFilter{Statuses: statuses})
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-24 * time.Hour)
	recent := runs[:0]
	for _, run := range runs {
		if run.EndTime == nil || run.EndTime.Before(cutoff) {
			continue
		}
		recent = append(recent, run)
	}

	return recent, nil
}
