package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/expert-bookings/internal/adapters/crdb"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	pending   []crdb.OutboxRecord
	published []uuid.UUID
	limit     int
}

func (s *memSource) PublishPending(ctx context.Context, limit int, publish func(context.Context, crdb.OutboxRecord) error) (int, error) {
	s.limit = limit
	n := 0
	var rest []crdb.OutboxRecord
	for _, rec := range s.pending {
		if err := publish(ctx, rec); err != nil {
			rest = append(rest, rec)
			continue
		}
		s.published = append(s.published, rec.ID)
		n++
	}
	s.pending = rest
	return n, nil
}

type flakySink struct {
	failures map[string]int
	sent     []amqp.Publishing
	keys     []string
}

func (s *flakySink) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	if s.failures[msg.MessageId] > 0 {
		s.failures[msg.MessageId]--
		return errors.New("channel closed")
	}
	s.keys = append(s.keys, key)
	s.sent = append(s.sent, msg)
	return nil
}

func record(eventType, aggregateID string) crdb.OutboxRecord {
	return crdb.OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "booking",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(`{"booking_id":"` + aggregateID + `"}`),
		CreatedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Status:        "NEW",
		DedupeKey:     eventType + ":" + aggregateID,
	}
}

func newTestPublisher(source Source, sink Sink) *Publisher {
	l, _ := test.NewNullLogger()
	p := NewPublisher(source, sink, observability.Wrap(l), 10)
	p.backoff = time.Millisecond
	return p
}

func TestPublisher_RelaysWithDedupeKey(t *testing.T) {
	rec := record(crdb.EventBookingCreated, "b-1")
	source := &memSource{pending: []crdb.OutboxRecord{rec}}
	sink := &flakySink{failures: map[string]int{rec.DedupeKey: 2}}

	n, err := newTestPublisher(source, sink).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, source.limit)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, crdb.EventBookingCreated, sink.keys[0])
	assert.Equal(t, "booking.created:b-1", sink.sent[0].MessageId)
	assert.Equal(t, "b-1", sink.sent[0].Headers["aggregate_id"])
}

func TestPublisher_KeepsUndeliveredRows(t *testing.T) {
	ok := record(crdb.EventCommissionRecorded, "b-1")
	stuck := record(crdb.EventBookingCreated, "b-2")
	source := &memSource{pending: []crdb.OutboxRecord{ok, stuck}}
	sink := &flakySink{failures: map[string]int{stuck.DedupeKey: publishAttempts}}

	n, err := newTestPublisher(source, sink).RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{ok.ID}, source.published)
	require.Len(t, source.pending, 1)
	assert.Equal(t, stuck.ID, source.pending[0].ID)
}
