package transfer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/landledger/landledger/internal/identity"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks a transfer request submission.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an approval.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a rejection.
	ApprovalReject ApprovalAction = "REJECT"
)

// ApprovalLog is one step of a transfer's decision trail.
type ApprovalLog struct {
	ID       uuid.UUID
	ParcelID string
	Actor    identity.Principal
	NewOwner identity.Principal
	Action   ApprovalAction
	Note     string
	TxID     string
	At       time.Time
}

// Querier is the subset of pgxpool.Pool the recorder uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ApprovalRecorder persists the transfer decision trail, including rejection reasons that
// the registry does not keep in parcel history.
type ApprovalRecorder struct {
	db     Querier
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(db Querier, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{db: db, logger: logger}
}

// Record writes one approval entry.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.db == nil {
		return errors.New("approval recorder not initialised")
	}
	if log.ParcelID == "" {
		return errors.New("approval parcel id required")
	}
	if log.Actor.IsZero() {
		return errors.New("approval actor required")
	}
	if log.Action == "" {
		return errors.New("approval action required")
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := r.db.Exec(ctx, `INSERT INTO transfer_approvals (id, parcel_id, actor, new_owner, action, note, tx_id, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		log.ID, log.ParcelID, log.Actor.String(), log.NewOwner.String(), string(log.Action), log.Note, log.TxID, at)
	if err != nil {
		r.logger.Error("record approval", slog.String("parcel_id", log.ParcelID), slog.Any("error", err))
		return err
	}
	return nil
}

// List returns the decision trail of a parcel, oldest first.
func (r *ApprovalRecorder) List(ctx context.Context, parcelID string) ([]ApprovalLog, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.db.Query(ctx, `SELECT id, parcel_id, actor, new_owner, action, note, tx_id, at
FROM transfer_approvals WHERE parcel_id=$1 ORDER BY at ASC`, parcelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var (
			l               ApprovalLog
			actor, newOwner string
			action          string
		)
		if err := rows.Scan(&l.ID, &l.ParcelID, &actor, &newOwner, &action, &l.Note, &l.TxID, &l.At); err != nil {
			return nil, err
		}
		if err := l.Actor.UnmarshalText([]byte(actor)); err != nil {
			return nil, err
		}
		if err := l.NewOwner.UnmarshalText([]byte(newOwner)); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
