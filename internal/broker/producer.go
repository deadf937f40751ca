package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/HsiangNianian/pacs-bridge/internal/metrics"
)

// Producer publishes JSON messages to durable queues.
type Producer struct {
	link       *link
	maxRetries int
	backoff    func(attempt int) time.Duration
	logger     *zap.Logger
}

func NewProducer(opts Options, maxRetries int, logger *zap.Logger) *Producer {
	return newProducer(opts, maxRetries, nil, logger)
}

func newProducer(opts Options, maxRetries int, dial Dialer, logger *zap.Logger) *Producer {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Producer{
		link:       newLink(opts, dial, logger),
		maxRetries: maxRetries,
		backoff:    exponentialBackoff,
		logger:     logger,
	}
}

// exponentialBackoff waits 2^attempt seconds after the given failed attempt.
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

func (p *Producer) Connect(ctx context.Context) error {
	return p.link.connect(ctx)
}

// Publish sends message to destination with the configured retry budget.
func (p *Producer) Publish(ctx context.Context, destination string, message any) error {
	return p.PublishWithRetries(ctx, destination, message, p.maxRetries)
}

// PublishWithRetries declares destination as a durable queue and publishes a
// persistent JSON message to it. Failed attempts reconnect and back off; when
// every attempt fails the error is returned, the message is never dropped
// silently.
func (p *Producer) PublishWithRetries(ctx context.Context, destination string, message any, maxRetries int) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", destination, err)
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %w", ErrPublishFailed, destination, ctx.Err())
			case <-time.After(p.backoff(attempt - 1)):
			}
		}

		lastErr = p.publishOnce(destination, body)
		if lastErr == nil {
			metrics.PublishAttempts.WithLabelValues("ok").Inc()
			p.logger.Info("published message",
				zap.String("destination", destination),
				zap.Int("attempt", attempt))
			return nil
		}
		metrics.PublishAttempts.WithLabelValues("failed").Inc()
		p.logger.Warn("publish attempt failed",
			zap.String("destination", destination),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(lastErr))
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrPublishFailed, destination, maxRetries, lastErr)
}

func (p *Producer) publishOnce(destination string, body []byte) error {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()

	ch, err := p.link.channelLocked()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(destination, true, false, false, false, nil); err != nil {
		p.link.resetLocked()
		return fmt.Errorf("declare queue %s: %w", destination, err)
	}
	err = ch.Publish("", destination, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.link.resetLocked()
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	return p.link.close()
}
