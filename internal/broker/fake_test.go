package broker

import (
	"errors"
	"sync"

	"github.com/streadway/amqp"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeBroker struct {
	mu          sync.Mutex
	dials       int
	dialErrs    []error
	publishErrs []error
	published   []published
	queues      map[string]bool
	exchanges   map[string]string
	bindings    map[string]string
	prefetch    int
	deliveries  chan amqp.Delivery
	consumes    chan struct{}
	conns       []*fakeConn
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:     make(map[string]bool),
		exchanges:  make(map[string]string),
		bindings:   make(map[string]string),
		deliveries: make(chan amqp.Delivery),
		consumes:   make(chan struct{}, 16),
	}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeConn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

type fakeConn struct {
	broker *fakeBroker
	closed bool
	ch     *fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	c.ch = &fakeChannel{broker: c.broker}
	return c.ch, nil
}

func (c *fakeConn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	return nil
}

type fakeChannel struct {
	broker  *fakeBroker
	notify  chan *amqp.Error
	closed  bool
	closeMu sync.Mutex
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if !durable {
		return errors.New("exchange must be durable")
	}
	ch.broker.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.queues[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, _, exchange string, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.bindings[name] = exchange
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if len(ch.broker.publishErrs) > 0 {
		err := ch.broker.publishErrs[0]
		ch.broker.publishErrs = ch.broker.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	ch.broker.published = append(ch.broker.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (ch *fakeChannel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto ack not expected")
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.consumes <- struct{}{}
	return ch.broker.deliveries, nil
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.notify = c
	return c
}

// kill simulates the broker closing the channel.
func (ch *fakeChannel) kill() {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	if !ch.closed {
		ch.closed = true
		close(ch.notify)
	}
}

func (ch *fakeChannel) Close() error {
	return nil
}

type ackRecord struct {
	tag      uint64
	acked    bool
	requeued bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.record(ackRecord{tag: tag, acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(ackRecord{tag: tag, requeued: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(ackRecord{tag: tag, requeued: requeue})
	return nil
}

func (a *fakeAcknowledger) record(r ackRecord) {
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()
	a.done <- struct{}{}
}

func (a *fakeAcknowledger) all() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.records...)
}
