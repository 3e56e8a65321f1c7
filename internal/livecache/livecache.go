// Package livecache mirrors run progress into Redis for dashboards that poll
// or subscribe instead of querying the store.
package livecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

const (
	RunsKey       = "runledger:runs"
	ActiveKey     = "runledger:active"
	EventsChannel = "runledger:events"
)

type Cache struct {
	client *redis.Client
}

func New(ctx context.Context, addr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Publish merges ev into the latest known state of its run, keeps the
// active-run index current and broadcasts ev on EventsChannel.
func (c *Cache) Publish(ctx context.Context, ev models.ProgressEvent) error {
	latest, err := c.Latest(ctx, ev.RunID)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return err
	}
	merged := merge(latest, ev)

	stateJSON, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, RunsKey, ev.RunID, stateJSON)

		score := float64(ev.At.UnixMilli())
		switch {
		case merged.Status.IsTerminal():
			pipe.ZRem(ctx, ActiveKey, ev.RunID)
		case ev.Status != "":
			pipe.ZAdd(ctx, ActiveKey, redis.Z{Score: score, Member: ev.RunID})
		default:
			pipe.ZAddXX(ctx, ActiveKey, redis.Z{Score: score, Member: ev.RunID})
		}

		pipe.Publish(ctx, EventsChannel, eventJSON)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish progress of run %s: %w", ev.RunID, err)
	}

	return nil
}

// merge overlays the fields ev carries onto prev. Subtask events leave the
// run-level fields alone.
func merge(prev, ev models.ProgressEvent) models.ProgressEvent {
	out := prev
	out.RunID = ev.RunID
	out.At = ev.At
	if ev.TaskName != "" {
		out.TaskName = ev.TaskName
	}
	if ev.Message != "" {
		out.Message = ev.Message
	}

	if ev.SubtaskNumber > 0 {
		out.SubtaskNumber = ev.SubtaskNumber
		out.ItemsComplete = ev.ItemsComplete
		if ev.SubtaskStatus != "" {
			out.SubtaskStatus = ev.SubtaskStatus
		}
		return out
	}

	if ev.Status != "" {
		out.Status = ev.Status
	}
	out.PercentComplete = ev.PercentComplete
	return out
}

func (c *Cache) Latest(ctx context.Context, runID string) (models.ProgressEvent, error) {
	raw, err := c.client.HGet(ctx, RunsKey, runID).Result()
	if errors.Is(err, redis.Nil) {
		return models.ProgressEvent{}, fmt.Errorf("%w: no live state for run %s", task.ErrNotFound, runID)
	}
	if err != nil {
		return models.ProgressEvent{}, err
	}

	var ev models.ProgressEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return models.ProgressEvent{}, fmt.Errorf("failed to decode live state of run %s: %w", runID, err)
	}

	return ev, nil
}

// Active returns the latest state of active runs, most recently updated first.
func (c *Cache) Active(ctx context.Context, limit int) ([]models.ProgressEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := c.client.ZRevRange(ctx, ActiveKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.ProgressEvent{}, nil
	}

	values, err := c.client.HMGet(ctx, RunsKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	events := make([]models.ProgressEvent, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
