package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

// GatewayQueue receives payment gateway notifications.
const GatewayQueue = "payments.gateway"

// MaxDeliveries bounds how often a failing message is handed out before it
// is dead-lettered to <queue>.dead.
const MaxDeliveries = 10

const deliveryCountHeader = "x-delivery-count"

func deadLetterExchange(queue string) string { return queue + ".dlx" }
func deadLetterQueue(queue string) string    { return queue + ".dead" }

// Handler processes one message body. Returning nil acks the delivery.
type Handler func(ctx context.Context, body []byte) error

type Consumer struct {
	ch        *amqp.Channel
	queue     string
	retryable func(error) bool
	logger    observability.Logger
}

// NewConsumer declares queue as a quorum queue with a dead-letter
// exchange and limits unacked deliveries to prefetch. Failed messages are
// requeued when retryable reports true, up to MaxDeliveries, and
// dead-lettered otherwise.
func NewConsumer(conn *amqp.Connection, queue string, prefetch int, retryable func(error) bool, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err = declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err = ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, queue: queue, retryable: retryable, logger: logger}, nil
}

func declareTopology(ch *amqp.Channel, queue string) error {
	dlx, dead := deadLetterExchange(queue), deadLetterQueue(queue)
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", dlx)
	}
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %s", dead)
	}
	if err := ch.QueueBind(dead, "", dlx, false, nil); err != nil {
		return errors.Wrapf(err, "bind queue %s", dead)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, queueArgs(queue)); err != nil {
		return errors.Wrapf(err, "declare queue %s", queue)
	}
	return nil
}

func queueArgs(queue string) amqp.Table {
	return amqp.Table{
		amqp.QueueTypeArg:        amqp.QueueTypeQuorum,
		"x-dead-letter-exchange": deadLetterExchange(queue),
		"x-delivery-limit":       int64(MaxDeliveries),
	}
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.queue)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.Newf("delivery channel for %s closed", c.queue)
			}
			c.settle(d, handle(ctx, d.Body))
		}
	}
}

func (c *Consumer) settle(d amqp.Delivery, err error) {
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.WithError(ackErr).Warn("ack failed")
		}
		return
	}
	attempts := deliveryCount(d) + 1
	requeue := c.retryable(err) && attempts < MaxDeliveries
	c.logger.WithError(err).
		WithField("message_id", d.MessageId).
		WithField("attempt", attempts).
		WithField("requeue", requeue).
		Error("gateway message failed")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.logger.WithError(nackErr).Warn("nack failed")
		return
	}
	if !requeue {
		observability.RabbitDeadLettered.WithLabelValues(c.queue).Inc()
	}
}

// deliveryCount is the number of earlier failed deliveries, as counted by
// the broker for quorum queues.
func deliveryCount(d amqp.Delivery) int64 {
	switch n := d.Headers[deliveryCountHeader].(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
