package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	"github.com/landledger/landledger/internal/authz"
	jobmetrics "github.com/landledger/landledger/internal/jobs"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/session"
)

const defaultStaleAfter = 72 * time.Hour

// ErrScanNotPermitted reports a worker identity that only sees its own requests, so a scan
// would undercount.
var ErrScanNotPermitted = errors.New("stale pending scan: worker identity cannot read every transfer request")

// CanScan reports whether s may read every transfer request.
func CanScan(s session.Session) bool {
	return authz.Authorize(s, authz.Reviewers)
}

// PendingLister lists open transfer requests visible to the worker's identity.
type PendingLister interface {
	GetPendingTransfers(ctx context.Context) ([]registry.TransferRequest, error)
}

// StalePendingScanJob reports transfer requests that have waited longer than a threshold.
type StalePendingScanJob struct {
	// Registry returns the current client; it is resolved per run because the session
	// behind it may be replaced.
	Registry func() PendingLister
	// Session returns the worker's current session, checked before every run.
	Session func() session.Session
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewStalePendingScanJob initialises the scan handler.
func NewStalePendingScanJob(reg func() PendingLister, sess func() session.Session, logger *slog.Logger, metrics *jobmetrics.Metrics) *StalePendingScanJob {
	return &StalePendingScanJob{
		Registry: reg,
		Session:  sess,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one scan.
func (j *StalePendingScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Registry == nil || j.Session == nil {
		return errors.New("stale pending scan: handler not configured")
	}
	var payload StalePendingScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OlderThan <= 0 {
		payload.OlderThan = defaultStaleAfter
	}

	tracker := j.Metrics.Track(TaskStalePendingScan)
	defer func() {
		err = tracker.End(err)
	}()

	if sess := j.Session(); !CanScan(sess) {
		j.logger().Error("stale pending scan skipped",
			slog.String("principal", sess.Principal.String()),
			slog.String("roles", sess.Roles.String()),
			slog.String("resolution", sess.Resolution.Reason()),
		)
		return fmt.Errorf("%w: %w", ErrScanNotPermitted, asynq.SkipRetry)
	}

	stale, err := j.Scan(ctx, payload.OlderThan)
	if err != nil {
		j.logger().Error("stale pending scan failed", slog.Any("error", err))
		return err
	}
	j.Metrics.SetStalePending(len(stale))
	for _, req := range stale {
		j.logger().Warn("transfer request awaiting decision",
			slog.String("parcel_id", req.ParcelID),
			slog.String("requested_by", req.RequestedBy.String()),
			slog.Time("created_at", req.CreatedAt),
		)
	}
	j.logger().Info("stale pending scan completed", slog.Int("stale", len(stale)), slog.Duration("older_than", payload.OlderThan))
	return nil
}

// Scan returns the pending requests created before now minus olderThan, oldest first.
func (j *StalePendingScanJob) Scan(ctx context.Context, olderThan time.Duration) ([]registry.TransferRequest, error) {
	reg := j.Registry()
	if reg == nil {
		return nil, registry.ErrNotInitialized
	}
	pending, err := reg.GetPendingTransfers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := j.now().Add(-olderThan)
	var stale []registry.TransferRequest
	for _, req := range pending {
		if req.CreatedAt.Before(cutoff) {
			stale = append(stale, req)
		}
	}
	sort.Slice(stale, func(a, b int) bool {
		return stale[a].CreatedAt.Before(stale[b].CreatedAt)
	})
	return stale, nil
}

func (j *StalePendingScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *StalePendingScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
