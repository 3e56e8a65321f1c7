// Package tracker records the lifecycle of task runs and their subtasks.
//
// It validates requests against the run and subtask state machines, resolves
// loose task references, applies the atomic subtask counter protocol and
// fans completed writes out to the live cache and the failure notifier.
package tracker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
)

const tracerName = "github.com/nadmax/runledger/internal/tracker"

// Publisher receives a progress event after every successful write.
type Publisher interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// Notifier is told about runs that end in FAILED.
type Notifier interface {
	RunFailed(ctx context.Context, run models.Run) error
}

type counter interface {
	IncrementItems(ctx context.Context, runID string, number int, delta int64, now time.Time) (int64, error)
}

// Host identifies the process that starts runs through this tracker.
type Host struct {
	Hostname         string
	ProcessID        int
	ProcessStartTime *time.Time
}

type Options struct {
	Host          Host
	Retry         RetryPolicy
	OpTimeout     time.Duration
	RetentionDays int
	Publisher     Publisher
	Notifier      Notifier
	Logger        *slog.Logger
	Now           func() time.Time
}

type Tracker struct {
	store         *repository.Store
	counter       counter
	host          Host
	retry         RetryPolicy
	opTimeout     time.Duration
	retentionDays int
	publisher     Publisher
	notifier      Notifier
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

func New(store *repository.Store, opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	host := opts.Host
	if host.Hostname == "" {
		host.Hostname, _ = os.Hostname()
	}
	if host.ProcessID == 0 {
		host.ProcessID = os.Getpid()
	}

	retentionDays := opts.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}

	return &Tracker{
		store:         store,
		counter:       store,
		host:          host,
		retry:         opts.Retry.withDefaults(),
		opTimeout:     opts.OpTimeout,
		retentionDays: retentionDays,
		publisher:     opts.Publisher,
		notifier:      opts.Notifier,
		logger:        logger.With("component", "tracker"),
		tracer:        otel.Tracer(tracerName),
		now:           now,
	}
}

func (t *Tracker) Store() *repository.Store {
	return t.store
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC()
}

// opContext applies the operation timeout when the caller set no deadline.
func (t *Tracker) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, t.opTimeout)
}

// begin opens a span and a scoped timeout for one public operation. The
// returned function must be called with the operation's final error.
func (t *Tracker) begin(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, cancel := t.opContext(ctx)
	ctx, span := t.tracer.Start(ctx, "tracker."+op)
	start := time.Now()

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
		metrics.RecordOperation(op, time.Since(start))
	}
}

func (t *Tracker) publish(ctx context.Context, ev models.ProgressEvent) {
	if t.publisher == nil {
		return
	}

	ev.At = t.clock()
	err := t.publisher.Publish(ctx, ev)
	metrics.RecordLiveEvent(err)
	if err != nil {
		t.logger.Warn("failed to publish progress event", "run_id", ev.RunID, "error", err)
	}
}

func (t *Tracker) publishRun(ctx context.Context, run models.Run) {
	t.publish(ctx, models.ProgressEvent{
		RunID:           run.RunID,
		TaskName:        run.TaskName,
		Status:          run.Status,
		PercentComplete: run.PercentComplete,
		Message:         run.ProgressMessage,
	})
}

func (t *Tracker) publishSubtask(ctx context.Context, st models.Subtask) {
	t.publish(ctx, models.ProgressEvent{
		RunID:           st.RunID,
		SubtaskNumber:   st.Number,
		SubtaskStatus:   st.Status,
		ItemsComplete:   st.ItemsComplete,
		PercentComplete: st.PercentComplete,
		Message:         st.ProgressMessage,
	})
}

func ptr[T any](v T) *T {
	return &v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
