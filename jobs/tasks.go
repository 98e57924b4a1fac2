package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/landledger/landledger/internal/events"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTransferNotice forwards a transfer lifecycle event to the event bus.
	TaskTransferNotice = "transfer:notice"
	// TaskStalePendingScan looks for transfer requests nobody has resolved.
	TaskStalePendingScan = "transfer:stale_scan"
)

// NewTransferNoticeTask wraps event in an Asynq task. The event ID doubles as the task
// ID so a retried enqueue never duplicates a notice.
func NewTransferNoticeTask(event events.Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(10)}
	if event.ID != "" {
		opts = append(opts, asynq.TaskID(event.ID))
	}
	return asynq.NewTask(TaskTransferNotice, data, opts...), nil
}

// StalePendingScanPayload carries the scan threshold.
type StalePendingScanPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewStalePendingScanTask constructs the periodic scan task.
func NewStalePendingScanTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(StalePendingScanPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStalePendingScan, body, asynq.Queue(QueueDefault)), nil
}
