package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/landledger/landledger/internal/identity"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByParcel(t *testing.T) {
	fw := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(fw, nil)

	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	event := New(TransferApproved, "parcel-1", at)
	event.NewOwner = identity.SelfAuthenticating([]byte("bob"))
	event.TxID = "tx-9"
	require.NoError(t, p.Publish(context.Background(), event))

	require.Len(t, fw.msgs, 1)
	msg := fw.msgs[0]
	require.Equal(t, "parcel-1", string(msg.Key))
	require.Equal(t, []kafka.Header{{Key: "kind", Value: []byte("transfer.approved")}}, msg.Headers)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, event.ID, decoded.ID)
	require.Equal(t, event.NewOwner, decoded.NewOwner)
	require.Equal(t, "tx-9", decoded.TxID)
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaPublisherWithWriter(&fakeWriter{err: boom}, nil)
	err := p.Publish(context.Background(), New(TransferRejected, "parcel-2", time.Now()))
	require.ErrorIs(t, err, boom)
}

func TestFanoutJoinsFailures(t *testing.T) {
	var delivered []Kind
	ok := PublisherFunc(func(_ context.Context, e Event) error {
		delivered = append(delivered, e.Kind)
		return nil
	})
	boom := errors.New("boom")
	failing := PublisherFunc(func(context.Context, Event) error { return boom })

	err := Fanout{ok, nil, failing, ok}.Publish(context.Background(), New(TransferInitiated, "p", time.Now()))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []Kind{TransferInitiated, TransferInitiated}, delivered)
	require.NoError(t, Discard.Publish(context.Background(), Event{}))
}
