// Package mqtest — in-memory брокер для тестов пакета mq и его клиентов.
//
// Broker реализует mq.Dialer, mq.Conn, mq.Channel и amqp.Acknowledger с
// семантикой RabbitMQ, важной для тестов: durable-конфликт (406),
// prefetch, ручной ack, nack с requeue и без, возврат неподтверждённых
// сообщений при закрытии канала, закрытие delivery-канала при basic.cancel.
package mqtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Teamhub/internal/mq"
)

// ErrDialRefused — ошибка, которую возвращают проваленные попытки Dial.
var ErrDialRefused = errors.New("dial tcp: connection refused")

type message struct {
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	ready     []*message
	consumers int
}

// Broker — in-memory брокер. Все состояние под одной блокировкой.
type Broker struct {
	mu sync.Mutex

	queues    map[string]*queue
	bindings  map[string]map[string][]string // exchange -> routing key -> queues
	discarded map[string][]amqp.Publishing
	published int

	failDials int
	dials     int
	conns     []*Conn
}

// NewBroker создаёт пустой брокер.
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		bindings:  make(map[string]map[string][]string),
		discarded: make(map[string][]amqp.Publishing),
	}
}

// FailDials заставляет первые n вызовов Dial завершиться ошибкой.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dials возвращает количество вызовов Dial.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Dial удовлетворяет mq.Dialer.
func (b *Broker) Dial(url string, _ time.Duration, _ string) (mq.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dials <= b.failDials {
		return nil, fmt.Errorf("dial %s: %w", url, ErrDialRefused)
	}

	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// DeclareQueue объявляет очередь в обход клиентов (как это сделал бы
// другой сервис).
func (b *Broker) DeclareQueue(name string, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, durable: durable}
	}
}

// BindExchange направляет сообщения exchange/key в очередь.
func (b *Broker) BindExchange(exchange, key, queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bindings[exchange] == nil {
		b.bindings[exchange] = make(map[string][]string)
	}
	b.bindings[exchange][key] = append(b.bindings[exchange][key], queueName)
}

// QueueExists проверяет, объявлена ли очередь.
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueDurable возвращает флаг durable очереди.
func (b *Broker) QueueDurable(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// Ready возвращает количество сообщений, готовых к доставке.
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked возвращает количество доставленных, но не подтверждённых сообщений.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			for _, inf := range ch.unacked {
				if inf.queue == name {
					n++
				}
			}
		}
	}
	return n
}

// Messages возвращает копии готовых сообщений очереди.
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, len(q.ready))
	for i, m := range q.ready {
		out[i] = m.pub
	}
	return out
}

// Discarded возвращает сообщения, отклонённые без requeue.
func (b *Broker) Discarded(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.discarded[name]...)
}

// Published возвращает общее количество принятых публикаций.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// DropConnections имитирует принудительное закрытие всех соединений
// брокером (рестарт, сетевой сбой).
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	reason := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
	for _, c := range b.conns {
		c.closeLocked(reason)
	}
}

// enqueueLocked кладёт сообщение в конец (или начало) очереди.
func (b *Broker) enqueueLocked(name string, m *message, front bool) {
	q, ok := b.queues[name]
	if !ok {
		// Очередь удалена — сообщение теряется, как у брокера
		return
	}
	if front {
		q.ready = append([]*message{m}, q.ready...)
		return
	}
	q.ready = append(q.ready, m)
}

// Conn — соединение in-memory брокера.
type Conn struct {
	broker   *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel удовлетворяет mq.Conn.
func (c *Conn) Channel() (mq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose удовлетворяет mq.Conn.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed удовлетворяет mq.Conn.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close удовлетворяет mq.Conn.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Conn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
	notifyLocked(c.notify, reason)
	c.notify = nil
}

type inflight struct {
	queue    string
	msg      *message
	consumer *consumer
}

type consumer struct {
	tag      string
	queue    string
	prefetch int
	inflight int
	out      chan amqp.Delivery
	stop     chan struct{}
	stopped  bool
}

// Channel — канал in-memory брокера.
type Channel struct {
	broker *Broker
	conn   *Conn

	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*inflight
	consumers map[string]*consumer
	notify    []chan *amqp.Error
}

// QueueDeclare удовлетворяет mq.Channel.
func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := ch.broker.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable}
		ch.broker.queues[name] = q
	}
	if q.durable != durable {
		err := &amqp.Error{
			Code:    amqp.PreconditionFailed,
			Reason:  fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name),
			Server:  true,
			Recover: false,
		}
		ch.closeLocked(err)
		return amqp.Queue{}, err
	}

	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: q.consumers}, nil
}

// Qos удовлетворяет mq.Channel.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume удовлетворяет mq.Channel.
func (ch *Channel) Consume(queueName, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[queueName]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName), Server: true}
		ch.closeLocked(err)
		return nil, err
	}
	if _, dup := ch.consumers[tag]; dup {
		err := &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag", Server: true}
		ch.closeLocked(err)
		return nil, err
	}

	c := &consumer{
		tag:      tag,
		queue:    queueName,
		prefetch: ch.prefetch,
		out:      make(chan amqp.Delivery),
		stop:     make(chan struct{}),
	}
	ch.consumers[tag] = c
	q.consumers++

	go ch.pump(c)

	return c.out, nil
}

// pump доставляет сообщения consumer'у с учётом prefetch.
func (ch *Channel) pump(c *consumer) {
	defer close(c.out)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if d, ok := ch.next(c); ok {
			select {
			case c.out <- d:
				continue
			case <-c.stop:
				ch.broker.mu.Lock()
				ch.returnLocked(d.DeliveryTag)
				ch.broker.mu.Unlock()
				return
			}
		}

		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
	}
}

func (ch *Channel) next(c *consumer) (amqp.Delivery, bool) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed || c.stopped {
		return amqp.Delivery{}, false
	}
	if c.prefetch > 0 && c.inflight >= c.prefetch {
		return amqp.Delivery{}, false
	}
	q, ok := ch.broker.queues[c.queue]
	if !ok || len(q.ready) == 0 {
		return amqp.Delivery{}, false
	}

	m := q.ready[0]
	q.ready = q.ready[1:]

	ch.nextTag++
	tag := ch.nextTag
	ch.unacked[tag] = &inflight{queue: c.queue, msg: m, consumer: c}
	c.inflight++

	return amqp.Delivery{
		Acknowledger: ch,
		Headers:      copyTable(m.pub.Headers),
		ContentType:  m.pub.ContentType,
		DeliveryMode: m.pub.DeliveryMode,
		MessageId:    m.pub.MessageId,
		Timestamp:    m.pub.Timestamp,
		Type:         m.pub.Type,
		ConsumerTag:  c.tag,
		DeliveryTag:  tag,
		Redelivered:  m.redelivered,
		RoutingKey:   c.queue,
		Body:         append([]byte(nil), m.pub.Body...),
	}, true
}

// Cancel удовлетворяет mq.Channel.
func (ch *Channel) Cancel(tag string, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return fmt.Errorf("unknown consumer tag %q", tag)
	}
	ch.stopConsumerLocked(c)
	return nil
}

func (ch *Channel) stopConsumerLocked(c *consumer) {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
	delete(ch.consumers, c.tag)
	if q, ok := ch.broker.queues[c.queue]; ok {
		q.consumers--
	}
}

// PublishWithContext удовлетворяет mq.Channel.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	msg.Headers = copyTable(msg.Headers)
	msg.Body = append([]byte(nil), msg.Body...)
	ch.broker.published++

	if exchange == "" {
		ch.broker.enqueueLocked(key, &message{pub: msg}, false)
		return nil
	}
	for _, name := range ch.broker.bindings[exchange][key] {
		ch.broker.enqueueLocked(name, &message{pub: msg}, false)
	}
	return nil
}

// NotifyClose удовлетворяет mq.Channel.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed удовлетворяет mq.Channel.
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close удовлетворяет mq.Channel. Неподтверждённые сообщения
// возвращаются в начало своих очередей с флагом redelivered.
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.consumers {
		ch.stopConsumerLocked(c)
	}

	// Возвращаем в обратном порядке, чтобы сохранить исходный
	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		ch.returnLocked(tag)
	}

	notifyLocked(ch.notify, reason)
	ch.notify = nil
}

// returnLocked возвращает неподтверждённое сообщение в начало очереди.
func (ch *Channel) returnLocked(tag uint64) {
	inf, ok := ch.unacked[tag]
	if !ok {
		return
	}
	delete(ch.unacked, tag)
	inf.consumer.inflight--
	inf.msg.redelivered = true
	ch.broker.enqueueLocked(inf.queue, inf.msg, true)
}

// Ack удовлетворяет amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	inf, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	inf.consumer.inflight--
	return nil
}

// Nack удовлетворяет amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if requeue {
		if ch.closed {
			return amqp.ErrClosed
		}
		if _, ok := ch.unacked[tag]; !ok {
			return unknownTag(tag)
		}
		ch.returnLocked(tag)
		return nil
	}

	inf, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	inf.consumer.inflight--
	ch.broker.discarded[inf.queue] = append(ch.broker.discarded[inf.queue], inf.msg.pub)
	return nil
}

// Reject удовлетворяет amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settleLocked(tag uint64) (*inflight, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	inf, ok := ch.unacked[tag]
	if !ok {
		return nil, unknownTag(tag)
	}
	delete(ch.unacked, tag)
	return inf, nil
}

func unknownTag(tag uint64) error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag), Server: true}
}

func notifyLocked(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, r := range receivers {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}
		close(r)
	}
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

var (
	_ mq.Channel        = (*Channel)(nil)
	_ mq.Conn           = (*Conn)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)
