package mq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Direction — направление очереди относительно сервиса.
type Direction int

const (
	// Inbound — сервис потребляет из очереди.
	Inbound Direction = iota + 1

	// Outbound — сервис публикует в очередь.
	Outbound
)

// String возвращает имя направления.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// deadLetterSuffix — суффикс DLQ для inbound очереди.
const deadLetterSuffix = ".dlq"

// QueueDescriptor описывает очередь, которую объявляет сервис.
//
// Имя — контракт между сервисами: у каждой очереди одна сторона-producer
// и одна сторона-consumer, но объявлять её (идемпотентно) могут обе.
type QueueDescriptor struct {
	Name      string
	Durable   bool
	Direction Direction
}

// InboundQueue создаёт durable-дескриптор входящей очереди.
func InboundQueue(name string) QueueDescriptor {
	return QueueDescriptor{Name: name, Durable: true, Direction: Inbound}
}

// OutboundQueue создаёт durable-дескриптор исходящей очереди.
func OutboundQueue(name string) QueueDescriptor {
	return QueueDescriptor{Name: name, Durable: true, Direction: Outbound}
}

// DeadLetterQueue возвращает имя DLQ для очереди.
func DeadLetterQueue(queue string) string {
	return queue + deadLetterSuffix
}

// IsDeadLetterQueue проверяет, что очередь — DLQ.
func IsDeadLetterQueue(queue string) bool {
	return strings.HasSuffix(queue, deadLetterSuffix)
}

// QueueHandle — объявленная очередь.
// Действительна, пока открыт канал Topology.
type QueueHandle struct {
	Name      string
	Durable   bool
	Direction Direction

	// Messages и Consumers — состояние на момент объявления.
	Messages  int
	Consumers int
}

// Topology — канал процесса и объявленные на нём очереди.
type Topology struct {
	Channel Channel
	Queues  map[string]QueueHandle

	closeOnce sync.Once
	closeErr  error
}

// Inbound возвращает входящие очереди.
func (t *Topology) Inbound() []QueueHandle {
	var out []QueueHandle
	for _, q := range t.Queues {
		if q.Direction == Inbound {
			out = append(out, q)
		}
	}
	return out
}

// Close закрывает канал. Повторный вызов возвращает результат первого.
func (t *Topology) Close() error {
	t.closeOnce.Do(func() {
		if t.Channel == nil || t.Channel.IsClosed() {
			return
		}
		if err := t.Channel.Close(); err != nil && !isClosedErr(err) {
			t.closeErr = fmt.Errorf("close channel: %w", err)
		}
	})
	return t.closeErr
}

// ValidateDescriptors проверяет список дескрипторов до обращения к брокеру.
//
// Точные дубликаты допустимы, дубликат с другим флагом durable или
// другим направлением — ErrTopologyConflict.
func ValidateDescriptors(descriptors []QueueDescriptor) ([]QueueDescriptor, error) {
	seen := make(map[string]QueueDescriptor, len(descriptors))
	unique := make([]QueueDescriptor, 0, len(descriptors))

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: empty queue name", ErrTopologyConflict)
		}
		if d.Direction != Inbound && d.Direction != Outbound {
			return nil, fmt.Errorf("%w: queue %s has no direction", ErrTopologyConflict, d.Name)
		}

		prev, ok := seen[d.Name]
		if !ok {
			seen[d.Name] = d
			unique = append(unique, d)
			continue
		}
		if prev != d {
			return nil, fmt.Errorf("%w: queue %s declared as %s/durable=%t and %s/durable=%t",
				ErrTopologyConflict, d.Name, prev.Direction, prev.Durable, d.Direction, d.Durable)
		}
	}

	return unique, nil
}

// DeclareTopology открывает канал и объявляет очереди в заданном порядке.
//
// Объявление идемпотентно: если другой сервис уже объявил очередь с тем же
// флагом durable, обе стороны ссылаются на одну очередь. Расхождение
// durable брокер отклоняет с 406, что превращается в ErrTopologyConflict.
// При любой ошибке канал закрывается и не возвращается.
func DeclareTopology(ctx context.Context, conn *Connection, descriptors []QueueDescriptor, logger *slog.Logger) (*Topology, error) {
	if logger == nil {
		logger = slog.Default()
	}

	unique, err := ValidateDescriptors(descriptors)
	if err != nil {
		return nil, err
	}

	ch, err := conn.OpenChannel()
	if err != nil {
		return nil, err
	}

	topo := &Topology{
		Channel: ch,
		Queues:  make(map[string]QueueHandle, len(unique)),
	}

	for _, d := range unique {
		if err := ctx.Err(); err != nil {
			topo.Close()
			return nil, fmt.Errorf("declare topology: %w", err)
		}

		q, err := ch.QueueDeclare(
			d.Name,    // name
			d.Durable, // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			nil,       // arguments
		)
		if err != nil {
			topo.Close()
			if isPreconditionFailed(err) {
				return nil, fmt.Errorf("%w: declare queue %s (durable=%t): %w", ErrTopologyConflict, d.Name, d.Durable, err)
			}
			return nil, fmt.Errorf("declare queue %s: %w", d.Name, err)
		}

		topo.Queues[d.Name] = QueueHandle{
			Name:      q.Name,
			Durable:   d.Durable,
			Direction: d.Direction,
			Messages:  q.Messages,
			Consumers: q.Consumers,
		}

		logger.Debug("queue declared",
			"queue", d.Name,
			"direction", d.Direction.String(),
			"durable", d.Durable,
			"messages", q.Messages,
		)
	}

	logger.Info("topology declared", "queues", len(topo.Queues))
	return topo, nil
}

// TopologyInfo возвращает описание топологии для логирования и CLI.
func TopologyInfo(service string, descriptors []QueueDescriptor) string {
	var b strings.Builder

	fmt.Fprintf(&b, "  %s RabbitMQ Topology:\n", service)
	for _, d := range descriptors {
		arrow := "<-"
		if d.Direction == Outbound {
			arrow = "->"
		}
		fmt.Fprintf(&b, "    %s %-28s %-8s durable=%t\n", arrow, d.Name, d.Direction, d.Durable)
		if d.Direction == Inbound {
			fmt.Fprintf(&b, "       └── dlq: %s\n", DeadLetterQueue(d.Name))
		}
	}

	return b.String()
}
