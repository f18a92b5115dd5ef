package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"story-pipeline/internal/metrics"
)

const appID = "story-pipeline"

// RabbitPublisher публикует StoryReadyEvent в durable-очередь RabbitMQ.
type RabbitPublisher struct {
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

var _ Publisher = (*RabbitPublisher)(nil)

// ConnectRabbitMQ подключается к брокеру с несколькими попытками.
func ConnectRabbitMQ(ctx context.Context, url string, tries int, delay time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	if tries < 1 {
		tries = 1
	}
	var err error
	for i := 0; i < tries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", tries),
			zap.Duration("retry_delay", delay),
			zap.Error(err),
		)
		if i < tries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", tries, err)
}

// NewRabbitPublisher открывает канал и объявляет очередь.
// Соединение принадлежит паблишеру и закрывается в Close.
func NewRabbitPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp.Table{"x-queue-mode": "lazy"},
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue '%s': %w", queueName, err)
	}
	log := logger.Named("RabbitPublisher")
	log.Info("Story events queue declared", zap.String("queue", queueName))
	return &RabbitPublisher{conn: conn, channel: ch, queueName: queueName, logger: log}, nil
}

// StoryReady публикует событие как persistent JSON-сообщение.
func (p *RabbitPublisher) StoryReady(ctx context.Context, event StoryReadyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		metrics.StoryEvents.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal story event %s: %w", event.StoryID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        appID,
			MessageId:    event.StoryID.String(),
			Type:         "story.ready",
		},
	)
	if err != nil {
		metrics.StoryEvents.WithLabelValues("error").Inc()
		p.logger.Error("Failed to publish story event", zap.String("story_id", event.StoryID.String()), zap.Error(err))
		return fmt.Errorf("failed to publish story event %s: %w", event.StoryID, err)
	}
	metrics.StoryEvents.WithLabelValues("published").Inc()
	p.logger.Info("Story event published",
		zap.String("story_id", event.StoryID.String()),
		zap.String("queue", p.queueName),
	)
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
