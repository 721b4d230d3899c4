package ingest

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Consumer feeds AMQP deliveries through the Ingestor. Unlike the TCP path the
// broker learns the outcome: stored readings are acked, dropped ones are
// rejected without requeue.
type Consumer struct {
	subscriber *Subscriber
	ingestor   *Ingestor
	logger     *zap.SugaredLogger
}

// Run subscribes and consumes until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.subscriber.Subscribe()
	if err != nil {
		return fmt.Errorf("Consumer: %w", err)
	}

	defer c.subscriber.Shutdown()

	return c.consume(ctx, deliveries)
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("Consumer: delivery channel closed")
			}

			c.handleDelivery(ctx, d)
		}
	}
}

// Handles the given delivery
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	source := NewTopic(d.RoutingKey).Source()

	if err := c.ingestor.Ingest(ctx, source, d.Body); err != nil {
		if err := d.Reject(false); err != nil {
			c.logger.Warnf("Consumer: reject: %s", err)
		}

		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Warnf("Consumer: ack: %s", err)
	}
}

// NewConsumer creates a new Consumer
func NewConsumer(subscriber *Subscriber, ingestor *Ingestor, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		ingestor:   ingestor,
		logger:     logger,
	}
}
