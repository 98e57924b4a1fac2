package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/landledger/landledger/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name. olderThan applies to the stale scan.
func (c *JobsCLI) Trigger(ctx context.Context, name string, olderThan time.Duration) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskStalePendingScan:
		task, err = jobs.NewStalePendingScanTask(olderThan)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListRetrying returns notices waiting for another delivery attempt.
func (c *JobsCLI) ListRetrying(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListRetryTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// JobsStatsCommand prints queue statistics.
func (c *JobsCLI) JobsStatsCommand(ctx context.Context, out Output) int {
	out = out.withDefaults()
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		return fail(out, "jobs stats", err)
	}
	return emit(out, "jobs stats", stats, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	})
}

// JobsRetryCommand prints notices waiting for retry.
func (c *JobsCLI) JobsRetryCommand(ctx context.Context, size int, out Output) int {
	out = out.withDefaults()
	tasks, err := c.ListRetrying(ctx, size)
	if err != nil {
		return fail(out, "jobs retry", err)
	}
	type retryView struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Retried   int             `json:"retried"`
		LastError string          `json:"last_error"`
		Payload   json.RawMessage `json:"payload"`
	}
	views := make([]retryView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, retryView{ID: t.ID, Type: t.Type, Retried: t.Retried, LastError: t.LastErr, Payload: t.Payload})
	}
	return emit(out, "jobs retry", views, func(w io.Writer) {
		if len(views) == 0 {
			_, _ = fmt.Fprintln(w, "No tasks waiting for retry.")
			return
		}
		for _, v := range views {
			_, _ = fmt.Fprintf(w, "%s %s retried=%d error=%s\n", v.ID, v.Type, v.Retried, v.LastError)
		}
	})
}

// JobsTriggerCommand enqueues a job by name.
func (c *JobsCLI) JobsTriggerCommand(ctx context.Context, name string, olderThan time.Duration, out Output) int {
	out = out.withDefaults()
	info, err := c.Trigger(ctx, name, olderThan)
	if err != nil {
		return fail(out, "jobs trigger", err)
	}
	return emit(out, "jobs trigger", map[string]string{"id": info.ID, "queue": info.Queue}, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Enqueued %s as %s on %s.\n", name, info.ID, info.Queue)
	})
}
