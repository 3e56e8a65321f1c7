// Package api exposes a read-only HTTP view of runs, subtasks and process samples.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/runledger/internal/dashboard"
	"github.com/nadmax/runledger/internal/httputil"
	"github.com/nadmax/runledger/internal/middleware"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

const (
	defaultListLimit    = 100
	defaultMetricsLimit = 500
)

type Store interface {
	dashboard.Store
	Ping(ctx context.Context) error
	GetRun(ctx context.Context, runID string) (models.Run, error)
	ListSubtasks(ctx context.Context, runID string) ([]models.Subtask, error)
	ListProcessMetrics(ctx context.Context, runID string, limit int) ([]models.ProcessMetric, error)
}

// LiveSource lists the latest events of active runs.
type LiveSource interface {
	Active(ctx context.Context, limit int) ([]models.ProgressEvent, error)
}

type Options struct {
	Live               LiveSource
	ReporterStaleAfter time.Duration
	Logger             *slog.Logger
}

type API struct {
	store  Store
	live   LiveSource
	router chi.Router
}

func NewAPI(store Store, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	api := &API{
		store:  store,
		live:   opts.Live,
		router: chi.NewRouter(),
	}

	api.setupRoutes(logger, opts.ReporterStaleAfter)
	return api
}

func (a *API) setupRoutes(logger *slog.Logger, staleAfter time.Duration) {
	a.router.Use(
		chimw.RequestID,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.MetricsMiddleware,
	)

	a.router.Get("/healthz", a.health)
	a.router.Handle("/metrics", promhttp.Handler())

	dash := dashboard.NewDashboard(a.store, staleAfter)

	a.router.Route("/api", func(r chi.Router) {
		r.Get("/runs", a.listRuns)
		r.Get("/runs/{runID}", a.getRun)
		r.Get("/runs/{runID}/subtasks", a.listSubtasks)
		r.Get("/runs/{runID}/metrics", a.listMetrics)
		r.Get("/dashboard/stats", dash.GetStats)
		r.Get("/dashboard/history", dash.GetRecentRuns)
		r.Get("/live", a.listLive)
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}

	httputil.WriteJSON(w, runs, http.StatusOK)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}

	run, err := a.store.GetRun(r.Context(), runID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, run, http.StatusOK)
}

func (a *API) listSubtasks(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}

	if _, err := a.store.GetRun(r.Context(), runID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	subtasks, err := a.store.ListSubtasks(r.Context(), runID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if subtasks == nil {
		subtasks = []models.Subtask{}
	}

	httputil.WriteJSON(w, subtasks, http.StatusOK)
}

func (a *API) listMetrics(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}

	limit, err := intQuery(r, "limit", defaultMetricsLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	samples, err := a.store.ListProcessMetrics(r.Context(), runID, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if samples == nil {
		samples = []models.ProcessMetric{}
	}

	httputil.WriteJSON(w, samples, http.StatusOK)
}

func (a *API) listLive(w http.ResponseWriter, r *http.Request) {
	if a.live == nil {
		httputil.WriteJSONError(w, "live cache is not configured", http.StatusServiceUnavailable)
		return
	}

	limit, err := intQuery(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	events, err := a.live.Active(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if events == nil {
		events = []models.ProgressEvent{}
	}

	httputil.WriteJSON(w, events, http.StatusOK)
}

func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := chi.URLParam(r, "runID")
	if err := task.ValidateRunID(runID); err != nil {
		httputil.WriteError(w, err)
		return "", false
	}

	return runID, true
}

func parseRunFilter(r *http.Request) (repository.RunFilter, error) {
	q := r.URL.Query()
	filter := repository.RunFilter{
		Hostname:  q.Get("host"),
		StageName: q.Get("stage"),
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := task.ParseStatus(part)
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("%w: since must be RFC 3339: %q", task.ErrInvalidArgument, raw)
		}
		filter.Since = &since
	}

	limit, err := intQuery(r, "limit", defaultListLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	return filter, nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer: %q", task.ErrInvalidArgument, key, raw)
	}

	return n, nil
}
