package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Teamhub/internal/telemetry"
)

// MessageType — тип сообщения в JSON-конверте.
type MessageType string

// Destination — адрес публикации.
//
// Пустой Exchange означает default exchange: RoutingKey тогда — имя очереди.
type Destination struct {
	Exchange   string
	RoutingKey string
}

// ToQueue адресует сообщение напрямую в очередь через default exchange.
func ToQueue(name string) Destination {
	return Destination{RoutingKey: name}
}

// ToExchange адресует сообщение в exchange с routing key.
func ToExchange(exchange, routingKey string) Destination {
	return Destination{Exchange: exchange, RoutingKey: routingKey}
}

// String возвращает читаемое имя адреса.
func (d Destination) String() string {
	if d.Exchange == "" {
		return d.RoutingKey
	}
	return d.Exchange + "/" + d.RoutingKey
}

// Producer — интерфейс публикации, который получает прикладной слой.
type Producer interface {
	Publish(ctx context.Context, dest Destination, body []byte) error
	PublishJSON(ctx context.Context, dest Destination, msgType MessageType, payload any) error
}

// Message — JSON-конверт сообщения между сервисами.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// Publisher публикует сообщения в канал процесса.
//
// Состояния, кроме ссылки на канал, нет: ни буферизации, ни retry.
// Конкурентные вызовы безопасны — *amqp.Channel отправляет фреймы одной
// публикации под собственной блокировкой.
type Publisher struct {
	ch      Channel
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(ch Channel, logger *slog.Logger, metrics *telemetry.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		ch:      ch,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish публикует сырые байты как persistent-сообщение.
// Закрытый канал — ErrChannelClosed.
func (p *Publisher) Publish(ctx context.Context, dest Destination, body []byte) error {
	return p.publish(ctx, dest, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        body,
	})
}

// Republish публикует копию доставленного сообщения с новыми заголовками.
// MessageId, тип и timestamp сохраняются.
func (p *Publisher) Republish(ctx context.Context, dest Destination, d amqp.Delivery, headers amqp.Table) error {
	return p.publish(ctx, dest, amqp.Publishing{
		ContentType: d.ContentType,
		Headers:     headers,
		MessageId:   d.MessageId,
		Type:        d.Type,
		Timestamp:   d.Timestamp,
		Body:        d.Body,
	})
}

// PublishJSON оборачивает payload в Message и публикует его.
func (p *Publisher) PublishJSON(ctx context.Context, dest Destination, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.publish(ctx, dest, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ID,
		Type:        string(msgType),
		Body:        body,
	})
}

func (p *Publisher) publish(ctx context.Context, dest Destination, msg amqp.Publishing) error {
	if p.ch == nil || p.ch.IsClosed() {
		p.metrics.ObservePublish(dest.String(), ErrChannelClosed)
		return fmt.Errorf("publish to %s: %w", dest, ErrChannelClosed)
	}

	// Сообщение переживёт рестарт брокера, как и сама очередь
	msg.DeliveryMode = amqp.Persistent
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	err := p.ch.PublishWithContext(
		ctx,
		dest.Exchange,   // exchange
		dest.RoutingKey, // routing key
		false,           // mandatory
		false,           // immediate
		msg,
	)
	p.metrics.ObservePublish(dest.String(), err)
	if err != nil {
		if isClosedErr(err) {
			return fmt.Errorf("publish to %s: %w: %w", dest, ErrChannelClosed, err)
		}
		return fmt.Errorf("publish to %s: %w", dest, err)
	}

	p.logger.Debug("published message",
		"exchange", dest.Exchange,
		"routing_key", dest.RoutingKey,
		"message_id", msg.MessageId,
		"bytes", len(msg.Body),
	)

	return nil
}

// DecodeMessage разбирает JSON-конверт.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("unmarshal message: missing type")
	}
	return &msg, nil
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload может быть уже распарсен как map или быть raw json
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
