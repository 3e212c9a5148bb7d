package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

// Routing keys of the events written to the outbox.
const (
	EventBookingCreated         = "booking.created"
	EventBookingRefunded        = "booking.refunded"
	EventBookingPaymentAdvanced = "booking.payment_advanced"
	EventCommissionRecorded     = "commission.recorded"
	EventCommissionRefunded     = "commission.refunded"
	EventSubscriptionChanged    = "subscription.changed"
)

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED, FAILED
	DedupeKey     string
}

func newOutboxRecord(aggregateType, aggregateID, eventType string, payload any) (OutboxRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxRecord{}, errors.Wrapf(err, "marshal %s payload", eventType)
	}
	return OutboxRecord{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		DedupeKey:     eventType + ":" + aggregateID,
	}, nil
}

// InsertOutbox writes rec inside tx. A record whose dedupe key already exists
// is skipped.
func (r *Repository) InsertOutbox(ctx context.Context, tx pgx.Tx, rec OutboxRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, rec.ID, rec.AggregateType, rec.AggregateID, rec.EventType, rec.Payload, rec.DedupeKey)
	return errors.Wrapf(err, "insert outbox %s", rec.DedupeKey)
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	rec, err := newOutboxRecord(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return err
	}
	return r.InsertOutbox(ctx, tx, rec)
}

// PublishPending locks up to limit unpublished records, hands each to publish
// and marks the delivered ones. Records publish fails on stay NEW for the
// next run.
func (r *Repository) PublishPending(ctx context.Context, limit int, publish func(context.Context, OutboxRecord) error) (int, error) {
	published := 0
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		published = 0
		rows, err := tx.Query(ctx, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
			FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxRecord, error) {
			var rec OutboxRecord
			err := row.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
			return rec, err
		})
		if err != nil {
			return err
		}

		for _, rec := range records {
			if err := publish(ctx, rec); err != nil {
				continue
			}
			now := time.Now().UTC()
			observability.OutboxLag.Set(now.Sub(rec.CreatedAt).Seconds())
			if _, err := tx.Exec(ctx, `
				UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
			`, rec.ID, now); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, errors.Wrap(err, "publish outbox")
}
