// Package broker publishes to and consumes from RabbitMQ with bounded
// reconnects, publish retries and explicit acknowledgements.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var (
	ErrConnectFailed  = errors.New("broker connect failed")
	ErrNotConnected   = errors.New("broker not connected")
	ErrPublishFailed  = errors.New("broker publish failed")
	ErrConnectionLost = errors.New("broker delivery channel closed")
	// ErrDiscard marks a message that can never be handled; it is rejected
	// without requeue instead of being redelivered.
	ErrDiscard = errors.New("message discarded")
)

// Channel is the subset of *amqp.Channel the bridge uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP opens a real AMQP 0-9-1 connection.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type Options struct {
	URL     string
	Name    string
	Retries int
	Delay   time.Duration
}

// link holds one connection and channel shared by a producer or consumer.
type link struct {
	opts   Options
	dial   Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    Connection
	ch      Channel
	closeCh chan *amqp.Error
}

func newLink(opts Options, dial Dialer, logger *zap.Logger) *link {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if dial == nil {
		dial = DialAMQP
	}
	return &link{opts: opts, dial: dial, logger: logger}
}

// connect retries dialing up to the configured number of attempts.
func (l *link) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= l.opts.Retries; attempt++ {
		l.mu.Lock()
		err := l.openLocked()
		l.mu.Unlock()
		if err == nil {
			l.logger.Info("broker connected", zap.String("name", l.opts.Name), zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		l.logger.Warn("broker connect attempt failed",
			zap.String("name", l.opts.Name),
			zap.Int("attempt", attempt),
			zap.Int("retries", l.opts.Retries),
			zap.Error(err))

		if attempt == l.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnectFailed, ctx.Err())
		case <-time.After(l.opts.Delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, l.opts.Retries, lastErr)
}

func (l *link) openLocked() error {
	l.resetLocked()
	conn, err := l.dial(l.opts.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	l.conn = conn
	l.ch = ch
	l.closeCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// aliveLocked reports whether the current channel can still be used.
func (l *link) aliveLocked() bool {
	if l.conn == nil || l.ch == nil || l.conn.IsClosed() {
		return false
	}
	select {
	case <-l.closeCh:
		return false
	default:
		return true
	}
}

// channelLocked returns a usable channel, reopening the connection once if
// the previous one died.
func (l *link) channelLocked() (Channel, error) {
	if l.aliveLocked() {
		return l.ch, nil
	}
	if l.conn != nil {
		l.logger.Warn("broker channel closed, reconnecting", zap.String("name", l.opts.Name))
	}
	if err := l.openLocked(); err != nil {
		return nil, err
	}
	return l.ch, nil
}

func (l *link) resetLocked() {
	if l.ch != nil {
		_ = l.ch.Close()
	}
	if l.conn != nil && !l.conn.IsClosed() {
		_ = l.conn.Close()
	}
	l.ch = nil
	l.conn = nil
	l.closeCh = nil
}

func (l *link) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	l.resetLocked()
	l.logger.Info("broker connection closed", zap.String("name", l.opts.Name))
	return nil
}
