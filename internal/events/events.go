// Package events carries transfer lifecycle notifications to downstream consumers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/ids"
)

// Kind names a transfer lifecycle event.
type Kind string

const (
	TransferInitiated Kind = "transfer.initiated"
	TransferApproved  Kind = "transfer.approved"
	TransferRejected  Kind = "transfer.rejected"
)

// Event describes one transfer lifecycle step.
type Event struct {
	ID         string             `json:"id"`
	Kind       Kind               `json:"kind"`
	ParcelID   string             `json:"parcel_id"`
	Actor      identity.Principal `json:"actor"`
	Owner      identity.Principal `json:"owner,omitempty"`
	NewOwner   identity.Principal `json:"new_owner"`
	Fee        int64              `json:"fee,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Note       string             `json:"note,omitempty"`
	TxID       string             `json:"tx_id,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// New stamps an event with an id and time.
func New(kind Kind, parcelID string, at time.Time) Event {
	return Event{ID: ids.NewAt(at), Kind: kind, ParcelID: parcelID, OccurredAt: at}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Fanout publishes to every publisher and joins their failures.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
