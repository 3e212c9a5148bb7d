package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/expert-bookings/internal/adapters/crdb"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

type Source interface {
	PublishPending(ctx context.Context, limit int, publish func(context.Context, crdb.OutboxRecord) error) (int, error)
}

type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

const publishAttempts = 3

// Publisher relays committed outbox rows to the event exchange. Delivery is
// at least once; consumers deduplicate on MessageId.
type Publisher struct {
	source  Source
	sink    Sink
	logger  observability.Logger
	batch   int
	backoff time.Duration
}

func NewPublisher(source Source, sink Sink, logger observability.Logger, batch int) *Publisher {
	if batch <= 0 {
		batch = 50
	}
	return &Publisher{source: source, sink: sink, logger: logger, batch: batch, backoff: 200 * time.Millisecond}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.RunOnce(ctx)
			if err != nil {
				p.logger.Error("outbox relay failed: ", err)
				continue
			}
			if n > 0 {
				p.logger.WithField("published", n).Debug("outbox relayed")
			}
		}
	}
}

// RunOnce relays one batch and returns how many rows were published.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	return p.source.PublishPending(ctx, p.batch, p.publish)
}

func (p *Publisher) publish(ctx context.Context, rec crdb.OutboxRecord) error {
	msg := amqp.Publishing{
		MessageId:   rec.DedupeKey,
		ContentType: "application/json",
		Type:        rec.EventType,
		Timestamp:   rec.CreatedAt,
		Headers: amqp.Table{
			"aggregate_type": rec.AggregateType,
			"aggregate_id":   rec.AggregateID,
		},
		Body: rec.Payload,
	}

	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff * time.Duration(1<<(attempt-1))):
			}
		}
		if err = p.sink.Publish(ctx, rec.EventType, msg); err == nil {
			return nil
		}
	}
	p.logger.WithFields(map[string]interface{}{"outbox_id": rec.ID, "event_type": rec.EventType}).Warn("outbox publish failed: ", err)
	return errors.Wrapf(err, "publish %s", rec.DedupeKey)
}
