package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

type SubtaskSpec struct {
	Number     int
	Name       string
	ItemsTotal int64
	Message    string
}

// SubtaskUpdate carries a subtask progress update. Nil fields are left
// unchanged; a nil Percent is recomputed from the item counts.
type SubtaskUpdate struct {
	ItemsTotal *int64
	Percent    *float64
	Message    *string
}

func validateSpec(spec SubtaskSpec) error {
	if spec.Number <= 0 {
		return fmt.Errorf("%w: subtask number must be positive, got %d", task.ErrInvalidArgument, spec.Number)
	}
	if spec.Name == "" {
		return fmt.Errorf("%w: subtask %d needs a name", task.ErrInvalidArgument, spec.Number)
	}
	if spec.ItemsTotal < 0 {
		return fmt.Errorf("%w: items total cannot be negative", task.ErrInvalidArgument)
	}

	return nil
}

// PlanSubtasks records NOT_STARTED subtasks for a run. Subtasks that already
// exist are left untouched.
func (t *Tracker) PlanSubtasks(ctx context.Context, runID string, specs []SubtaskSpec) (err error) {
	ctx, end := t.begin(ctx, "PlanSubtasks")
	defer func() { end(err) }()

	if err := task.ValidateRunID(runID); err != nil {
		return err
	}
	for _, spec := range specs {
		if err := validateSpec(spec); err != nil {
			return err
		}
	}

	now := t.clock()
	for _, spec := range specs {
		if err := t.store.PlanSubtask(ctx, runID, spec.Number, spec.Name, spec.ItemsTotal, now); err != nil {
			return err
		}
	}

	return nil
}

// StartSubtask starts a subtask of an active run and makes it the run's
// current subtask.
func (t *Tracker) StartSubtask(ctx context.Context, runID string, spec SubtaskSpec) (st models.Subtask, err error) {
	ctx, end := t.begin(ctx, "StartSubtask")
	defer func() { end(err) }()

	if err := task.ValidateRunID(runID); err != nil {
		return models.Subtask{}, err
	}
	if err := validateSpec(spec); err != nil {
		return models.Subtask{}, err
	}

	st, err = t.store.StartSubtask(ctx, runID, repository.SubtaskStart{
		Number:     spec.Number,
		Name:       spec.Name,
		ItemsTotal: spec.ItemsTotal,
		Message:    optional(spec.Message),
		Now:        t.clock(),
	})
	if err != nil {
		return models.Subtask{}, err
	}

	t.logger.Debug("subtask started", "run_id", runID, "subtask", st.Number, "name", st.Name, "items_total", st.ItemsTotal)
	t.afterSubtaskTransition(ctx, st)
	return st, nil
}

// EnsureSubtask returns the subtask when it exists, starting it when it is
// only planned and creating it otherwise.
func (t *Tracker) EnsureSubtask(ctx context.Context, runID string, number int, name string, itemsTotal int64) (st models.Subtask, err error) {
	ctx, end := t.begin(ctx, "EnsureSubtask")
	defer func() { end(err) }()

	if err := validateSubtaskAddress(runID, number); err != nil {
		return models.Subtask{}, err
	}

	st, err = t.store.GetSubtask(ctx, runID, number)
	switch {
	case err == nil && st.Status != task.StatusNotStarted:
		return st, nil
	case err != nil && !errors.Is(err, task.ErrNotFound):
		return models.Subtask{}, err
	case err != nil:
		t.logger.Warn("subtask does not exist, creating it", "run_id", runID, "subtask", number, "name", name)
	}

	if name == "" {
		name = st.Name
	}
	if itemsTotal == 0 {
		itemsTotal = st.ItemsTotal
	}

	return t.StartSubtask(ctx, runID, SubtaskSpec{Number: number, Name: name, ItemsTotal: itemsTotal})
}

func (t *Tracker) UpdateSubtask(ctx context.Context, runID string, number int, u SubtaskUpdate) (st models.Subtask, err error) {
	ctx, end := t.begin(ctx, "UpdateSubtask")
	defer func() { end(err) }()

	if err := validateSubtaskAddress(runID, number); err != nil {
		return models.Subtask{}, err
	}
	if u.ItemsTotal != nil && *u.ItemsTotal < 0 {
		return models.Subtask{}, fmt.Errorf("%w: items total cannot be negative", task.ErrInvalidArgument)
	}
	if u.Percent != nil && (*u.Percent < 0 || *u.Percent > 100) {
		return models.Subtask{}, fmt.Errorf("%w: percent %.2f is outside 0..100", task.ErrInvalidArgument, *u.Percent)
	}

	st, err = t.store.UpdateSubtaskProgress(ctx, runID, number, repository.SubtaskProgress{
		ItemsTotal: u.ItemsTotal,
		Percent:    u.Percent,
		Message:    u.Message,
		Now:        t.clock(),
	})
	if err != nil {
		return models.Subtask{}, err
	}

	t.publishSubtask(ctx, st)
	return st, nil
}

func (t *Tracker) CompleteSubtask(ctx context.Context, runID string, number int, message string) (models.Subtask, error) {
	return t.finishSubtask(ctx, "CompleteSubtask", runID, number, repository.SubtaskFinish{
		Status:  task.StatusCompleted,
		Message: optional(message),
	})
}

func (t *Tracker) FailSubtask(ctx context.Context, runID string, number int, errMessage string) (models.Subtask, error) {
	return t.finishSubtask(ctx, "FailSubtask", runID, number, repository.SubtaskFinish{
		Status:       task.StatusFailed,
		ErrorMessage: optional(errMessage),
	})
}

func (t *Tracker) SkipSubtask(ctx context.Context, runID string, number int, reason string) (models.Subtask, error) {
	return t.finishSubtask(ctx, "SkipSubtask", runID, number, repository.SubtaskFinish{
		Status:  task.StatusSkipped,
		Message: optional(reason),
	})
}

func (t *Tracker) finishSubtask(ctx context.Context, op, runID string, number int, in repository.SubtaskFinish) (st models.Subtask, err error) {
	ctx, end := t.begin(ctx, op)
	defer func() { end(err) }()

	if err := validateSubtaskAddress(runID, number); err != nil {
		return models.Subtask{}, err
	}

	in.Now = t.clock()
	st, err = t.store.FinishSubtask(ctx, runID, number, in)
	if err != nil {
		return models.Subtask{}, err
	}

	t.logger.Debug("subtask finished", "run_id", runID, "subtask", number, "status", st.Status)
	t.afterSubtaskTransition(ctx, st)
	return st, nil
}

func (t *Tracker) afterSubtaskTransition(ctx context.Context, st models.Subtask) {
	metrics.RecordSubtaskTransition(st.Status)
	t.publishSubtask(ctx, st)
}

func (t *Tracker) GetSubtask(ctx context.Context, runID string, number int) (models.Subtask, error) {
	if err := validateSubtaskAddress(runID, number); err != nil {
		return models.Subtask{}, err
	}

	return t.store.GetSubtask(ctx, runID, number)
}

func (t *Tracker) ListSubtasks(ctx context.Context, runID string) ([]models.Subtask, error) {
	if err := task.ValidateRunID(runID); err != nil {
		return nil, err
	}

	return t.store.ListSubtasks(ctx, runID)
}

// SubtaskRollup returns the items-weighted completion of a run's subtasks.
// Subtasks without an item total count with their own percent and a weight
// of one. Nothing is written; callers pass the result to UpdateTask.
func (t *Tracker) SubtaskRollup(ctx context.Context, runID string) (float64, error) {
	subtasks, err := t.ListSubtasks(ctx, runID)
	if err != nil {
		return 0, err
	}

	return rollup(subtasks), nil
}

func rollup(subtasks []models.Subtask) float64 {
	var done, total float64
	for _, st := range subtasks {
		switch {
		case st.Status == task.StatusSkipped:
			continue
		case st.ItemsTotal > 0:
			total += float64(st.ItemsTotal)
			if st.Status == task.StatusCompleted {
				done += float64(st.ItemsTotal)
			} else {
				done += min(float64(st.ItemsComplete), float64(st.ItemsTotal))
			}
		default:
			total++
			done += st.PercentComplete / 100
		}
	}

	if total == 0 {
		return 0
	}

	return done / total * 100
}
