package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
)

// AIHandler processes one content-generation request.
type AIHandler func(ctx context.Context, msg AIGenerateMessage) error

// Consumer consumes AI generation requests from RabbitMQ.
type Consumer struct {
	channel *amqp.Channel
	queue   string
	handle  AIHandler
	log     zerolog.Logger
}

// NewConsumer declares the AI queue, binds it to the generate routing key
// and returns a consumer that passes each message to handle.
func NewConsumer(conn *amqp.Connection, cfg *config.Origin, handle AIHandler, log zerolog.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.RabbitExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.RabbitAIQueue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, RoutingAIGenerate, cfg.RabbitExchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if err := ch.Qos(4, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return &Consumer{
		channel: ch,
		queue:   q.Name,
		handle:  handle,
		log:     log,
	}, nil
}

// Run consumes until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.Info().Str("queue", c.queue).Msg("ai consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("channel closed")
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	var m AIGenerateMessage
	if err := json.Unmarshal(msg.Body, &m); err != nil || m.JobID == "" {
		c.log.Error().Err(err).Msg("malformed ai generate message")
		_ = msg.Nack(false, false)
		return
	}

	log := c.log.With().Str("job_id", m.JobID).Str("upload_id", m.UploadID).Logger()
	if err := c.handle(ctx, m); err != nil {
		log.Error().Err(err).Msg("ai generate failed")
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

// Close closes the consumer channel.
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
}
