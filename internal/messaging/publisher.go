package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
)

const (
	RoutingAIGenerate    = "media.ai.generate"
	RoutingVariantsReady = "media.variants.ready"
)

// AIGenerateMessage asks a worker to produce content for a stored object.
type AIGenerateMessage struct {
	JobID     string `json:"job_id"`
	UploadID  string `json:"upload_id"`
	OwnerID   string `json:"owner_id"`
	ObjectKey string `json:"object_key"`
	IsVideo   bool   `json:"is_video"`
}

// VariantsReadyMessage announces rendered derivatives.
type VariantsReadyMessage struct {
	UploadID  string            `json:"upload_id"`
	ObjectKey string            `json:"object_key"`
	URLs      map[string]string `json:"urls"`
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes media events to RabbitMQ.
type Publisher struct {
	channel  publishChannel
	exchange string
	log      zerolog.Logger
}

// Dial connects to RabbitMQ, retrying for up to 30 seconds.
func Dial(url string, log zerolog.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	op := func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to RabbitMQ, retrying")
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 6)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
	}
	return conn, nil
}

// NewPublisher opens a channel on conn and declares the topic exchange.
func NewPublisher(conn *amqp.Connection, cfg *config.Origin, log zerolog.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.RabbitExchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: cfg.RabbitExchange,
		log:      log,
	}, nil
}

// PublishAIGenerate queues content generation for an uploaded object.
func (p *Publisher) PublishAIGenerate(ctx context.Context, msg AIGenerateMessage) error {
	if err := p.publish(ctx, RoutingAIGenerate, msg); err != nil {
		return err
	}
	p.log.Info().Str("job_id", msg.JobID).Str("upload_id", msg.UploadID).Msg("published ai generate message")
	return nil
}

// PublishVariantsReady announces the derivatives of an image.
func (p *Publisher) PublishVariantsReady(ctx context.Context, msg VariantsReadyMessage) error {
	if err := p.publish(ctx, RoutingVariantsReady, msg); err != nil {
		return err
	}
	p.log.Info().Str("upload_id", msg.UploadID).Int("variants", len(msg.URLs)).Msg("published variants ready message")
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the publisher channel. The connection is owned by the caller.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
}
