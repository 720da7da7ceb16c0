package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the topic exchange the CRM core and the webhook receiver
// publish sync events to
const Exchange = "crm.sync.topic"

const (
	ChangeQueue      = "crm.sync.changes"
	ChangeRoutingKey = "crm.*.change.#"

	InboundQueue      = "crm.sync.inbound"
	InboundRoutingKey = "crm.*.inbound.create"
)

// ErrMalformed marks a message that can never be processed. Malformed
// deliveries are dropped instead of requeued: requeueing a poison message
// would spin the queue forever
var ErrMalformed = errors.New("malformed event payload")

// Handler processes one raw delivery body
type Handler func(ctx context.Context, body []byte) error

// Consumer pulls sync events off one queue and feeds them to the handler
type Consumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	routingKey string
	handler    Handler
	logger     *slog.Logger
}

func NewConsumer(url, queueName, routingKey string, handler Handler, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// QoS: Prefetch 1 processes events one by one, keeping per-card ordering
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queueName:  queueName,
		routingKey: routingKey,
		handler:    handler,
		logger:     logger,
	}, nil
}

// Listen binds the queue and consumes until the context is canceled or the
// connection is lost
func (c *Consumer) Listen(ctx context.Context) error {
	q, err := c.channel.QueueDeclare(c.queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(q.Name, c.routingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer is online and waiting for events", "queue", q.Name, "routing_key", c.routingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			err := c.handler(ctx, d.Body)
			if err == nil {
				if err := d.Ack(false); err != nil {
					c.logger.Error("Failed to Ack message", "error", err)
				}
				continue
			}

			if errors.Is(err, ErrMalformed) {
				c.logger.Error("Dropping malformed event", "error", err)
				d.Nack(false, false)
				continue
			}

			c.logger.Error("Event processing failed, requeueing", "error", err)
			time.Sleep(5 * time.Second) // Throttling retries
			d.Nack(false, true)
		}
	}
}

// Close gracefully terminates RabbitMQ resources
func (c *Consumer) Close() {
	c.logger.Info("Shutting down event consumer", "queue", c.queueName)
	c.channel.Close()
	c.conn.Close()
}
