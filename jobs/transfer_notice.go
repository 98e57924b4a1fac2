package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/landledger/landledger/internal/events"
	jobmetrics "github.com/landledger/landledger/internal/jobs"
)

// TransferNoticeJob delivers queued transfer events to the downstream publisher.
type TransferNoticeJob struct {
	Sink    events.Publisher
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewTransferNoticeJob initialises the notice handler.
func NewTransferNoticeJob(sink events.Publisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *TransferNoticeJob {
	return &TransferNoticeJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle publishes one queued event. Publish failures are returned so Asynq retries.
func (j *TransferNoticeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sink == nil {
		return errors.New("transfer notice: handler not configured")
	}
	var event events.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("transfer notice: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if event.ParcelID == "" || event.Kind == "" {
		return fmt.Errorf("transfer notice: incomplete event %q: %w", event.ID, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskTransferNotice)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(
		slog.String("event_id", event.ID),
		slog.String("kind", string(event.Kind)),
		slog.String("parcel_id", event.ParcelID),
	)
	if err := j.Sink.Publish(ctx, event); err != nil {
		logger.Warn("transfer notice delivery failed", slog.Any("error", err))
		return err
	}
	j.Metrics.CountNotice(string(event.Kind))
	logger.Info("transfer notice delivered")
	return nil
}

func (j *TransferNoticeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
