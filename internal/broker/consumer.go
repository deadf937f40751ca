package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HsiangNianian/pacs-bridge/internal/metrics"
)

// Handler processes one delivery body. A nil error acknowledges the message.
type Handler func(ctx context.Context, body []byte) error

// Consumer subscribes a durable queue to a fan-out exchange.
type Consumer struct {
	link        *link
	concurrency int
	logger      *zap.Logger
}

func NewConsumer(opts Options, concurrency int, logger *zap.Logger) *Consumer {
	return newConsumer(opts, concurrency, nil, logger)
}

func newConsumer(opts Options, concurrency int, dial Dialer, logger *zap.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		link:        newLink(opts, dial, logger),
		concurrency: concurrency,
		logger:      logger,
	}
}

func (c *Consumer) Connect(ctx context.Context) error {
	return c.link.connect(ctx)
}

// Consume declares the topology, then hands every delivery to handler until
// ctx is cancelled (nil is returned) or the broker closes the delivery
// channel (ErrConnectionLost). In-flight handlers are waited for either way.
func (c *Consumer) Consume(ctx context.Context, exchange, queue string, handler Handler) error {
	deliveries, err := c.subscribe(exchange, queue)
	if err != nil {
		return err
	}
	c.logger.Info("consuming", zap.String("queue", exchange+"."+queue))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrConnectionLost
			}
			g.Go(func() error {
				c.handle(ctx, d, handler)
				return nil
			})
		}
	}
}

// Serve runs Consume and resubscribes after a lost connection. It returns
// when ctx is cancelled or reconnecting exhausts its retries.
func (c *Consumer) Serve(ctx context.Context, exchange, queue string, handler Handler) error {
	for {
		err := c.Consume(ctx, exchange, queue, handler)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrNotConnected) {
			return err
		}
		c.logger.Warn("consumer lost connection, reconnecting", zap.Error(err))
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
}

func (c *Consumer) subscribe(exchange, queue string) (<-chan amqp.Delivery, error) {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	if !c.link.aliveLocked() {
		return nil, ErrNotConnected
	}
	ch := c.link.ch
	name := exchange + "." + queue

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	// fan-out ignores the routing key
	if err := ch.QueueBind(name, "", exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", name, err)
	}
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}
	return deliveries, nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	err := invoke(ctx, handler, d.Body)

	var ackErr error
	switch {
	case err == nil:
		metrics.Deliveries.WithLabelValues("ack").Inc()
		ackErr = d.Ack(false)
	case errors.Is(err, ErrDiscard):
		metrics.Deliveries.WithLabelValues("discard").Inc()
		c.logger.Error("discarding message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		ackErr = d.Nack(false, false)
	default:
		metrics.Deliveries.WithLabelValues("requeue").Inc()
		c.logger.Error("message handling failed",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err))
		ackErr = d.Nack(false, true)
	}
	if ackErr != nil {
		c.logger.Error("acknowledge failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(ackErr))
	}
}

func invoke(ctx context.Context, handler Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, body)
}

func (c *Consumer) Close() error {
	return c.link.close()
}
