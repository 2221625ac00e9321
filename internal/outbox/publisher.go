package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

// Store hands out unpublished events oldest first and marks each one
// published once publish returns nil. It stops at the first failure so the
// broker sees events in commit order.
type Store interface {
	DrainOutbox(ctx context.Context, limit int, publish func(context.Context, domain.OutboxEvent) error) (int, error)
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store  Store
	broker Broker
	logger observability.Logger
	batch  int
	now    func() time.Time
}

func NewPublisher(store Store, broker Broker, logger observability.Logger, batch int) *Publisher {
	return &Publisher{store: store, broker: broker, logger: logger, batch: batch, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.WithError(err).Error("outbox flush failed")
			}
		}
	}
}

// Flush publishes batches until the outbox is empty or publishing fails.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.store.DrainOutbox(ctx, p.batch, p.publish)
		total += n
		if err != nil {
			return total, errors.Wrap(err, "drain outbox")
		}
		if n < p.batch {
			if total == 0 {
				observability.OutboxLag.Set(0)
			}
			return total, nil
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev domain.OutboxEvent) error {
	msg := amqp.Publishing{
		MessageId:    ev.DedupeKey,
		Type:         ev.EventType,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.CreatedAt,
		Body:         ev.Payload,
	}
	if err := p.broker.Publish(ctx, ev.EventType, msg); err != nil {
		observability.RabbitPublishRetries.Inc()
		return errors.Wrapf(err, "publish %s %s", ev.EventType, ev.ID)
	}
	observability.OutboxLag.Set(p.now().Sub(ev.CreatedAt).Seconds())
	return nil
}
