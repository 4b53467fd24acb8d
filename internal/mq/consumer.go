package mq

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Teamhub/internal/telemetry"
)

// Заголовки политики повторной доставки.
const (
	// RetryCountHeader — сколько раз обработчик уже падал на сообщении.
	RetryCountHeader = "x-retry-count"

	// FailureReasonHeader — причина последнего падения.
	FailureReasonHeader = "x-failure-reason"

	// failureReasonMaxLen ограничивает причину, чтобы в заголовки не
	// утекали длинные ошибки драйверов.
	failureReasonMaxLen = 256
)

// Outcome — решение обработчика о судьбе сообщения.
type Outcome int

const (
	// Ack — сообщение обработано и удаляется из очереди.
	Ack Outcome = iota + 1

	// RejectRequeue — вернуть в очередь (временный сбой).
	RejectRequeue

	// RejectDiscard — выбросить (сообщение некорректно, повтор не поможет).
	RejectDiscard
)

// String возвращает имя исхода для логов и метрик.
func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case RejectRequeue:
		return "reject_requeue"
	case RejectDiscard:
		return "reject_discard"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handler обрабатывает одно сообщение.
//
// Ошибка или паника трактуются как ErrHandlerFailure: сообщение уходит на
// повтор с ограничением MaxRedeliveries, затем в DLQ.
type Handler func(ctx context.Context, d *Delivery) (Outcome, error)

// Delivery — доставленное сообщение.
type Delivery struct {
	// Queue — очередь, из которой пришло сообщение.
	Queue string

	// Body — сырое тело сообщения.
	Body []byte

	// Attempt — сколько раз обработчик уже падал на этом сообщении.
	Attempt int

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// BindingState — состояние привязки consumer'а к очереди.
type BindingState int

const (
	StateCreated BindingState = iota
	StateRunning
	StateCancelling
	StateDrained
	StateCrashed
)

var bindingStateNames = []string{"created", "running", "cancelling", "drained", "crashed"}

// String возвращает имя состояния.
func (s BindingState) String() string {
	if int(s) >= 0 && int(s) < len(bindingStateNames) {
		return bindingStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// binding — одна очередь, один обработчик, одна горутина.
type binding struct {
	queue   string
	tag     string
	handler Handler

	ch              Channel
	publisher       *Publisher
	maxRedeliveries int

	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	state BindingState

	// abandoned выставляется без mu: settlement может висеть на брокере.
	abandoned atomic.Bool

	deliveries    <-chan amqp.Delivery
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	done          chan struct{}
}

func (b *binding) setState(state BindingState) {
	b.mu.Lock()
	b.setStateLocked(state)
	b.mu.Unlock()
}

func (b *binding) setStateLocked(state BindingState) {
	b.state = state
	b.metrics.SetBindingState(b.queue, state.String(), bindingStateNames)
}

func (b *binding) getState() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// run — основной цикл потребления. Обработчик вызывается строго
// последовательно, поэтому порядок внутри очереди сохраняется.
func (b *binding) run(ctx context.Context, crashed chan<- error) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.finish()
			return

		case raw, ok := <-b.deliveries:
			if !ok {
				if b.cancelled(ctx) {
					b.finish()
					return
				}
				b.crash(crashed)
				return
			}

			// Отмена уже началась: новое сообщение не берём
			if b.cancelled(ctx) {
				if err := raw.Nack(false, true); err != nil {
					b.logger.Debug("failed to return message on cancel", "error", err)
				}
				b.finish()
				return
			}

			b.handle(raw)
		}
	}
}

// cancelled сообщает, начата ли остановка. basic.cancel закрывает поток
// доставок раньше, чем отменяется ctx.
func (b *binding) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	state := b.getState()
	return state == StateCancelling || state == StateDrained
}

// finish переводит привязку в Drained.
func (b *binding) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateDrained || b.state == StateCrashed {
		return
	}
	b.setStateLocked(StateDrained)
	b.logger.Info("consumer drained")
}

// crash фиксирует неожиданное закрытие потока доставок.
func (b *binding) crash(crashed chan<- error) {
	b.setState(StateCrashed)
	b.logger.Error("deliveries channel closed unexpectedly")

	err := fmt.Errorf("consumer %s: deliveries closed: %w", b.queue, ErrChannelClosed)
	select {
	case crashed <- err:
	default:
	}
}

// beginCancel прекращает приём новых доставок.
func (b *binding) beginCancel() {
	b.mu.Lock()
	state := b.state
	switch state {
	case StateRunning:
		b.setStateLocked(StateCancelling)
	case StateCreated:
		b.setStateLocked(StateDrained)
	}
	b.mu.Unlock()

	if state != StateRunning {
		return
	}

	if err := b.ch.Cancel(b.tag, false); err != nil {
		b.logger.Debug("basic.cancel failed", "error", err)
	}
}

// abandon бросает in-flight обработчик после grace period.
// Сообщение остаётся неподтверждённым и будет доставлено повторно.
//
// Флаг ставится до отмены ctx: обработчик, вернувшийся по отмене, уже
// видит отказ. Отмена ctx прерывает зависший republish.
func (b *binding) abandon() {
	b.abandoned.Store(true)
	b.handlerCancel()
	b.setState(StateDrained)

	b.logger.Warn("in-flight handler abandoned after grace period")
}

// handle обрабатывает одно сообщение.
func (b *binding) handle(raw amqp.Delivery) {
	d := &Delivery{
		Queue:   b.queue,
		Body:    raw.Body,
		Attempt: retryCount(raw.Headers),
		Raw:     raw,
	}

	b.logger.Debug("received message",
		"message_id", raw.MessageId,
		"attempt", d.Attempt,
		"redelivered", raw.Redelivered,
	)

	outcome, err := b.invoke(d)

	// Обращения к брокеру идут без mu, иначе abandon ждал бы их
	if b.abandoned.Load() {
		b.logger.Warn("handler finished after abandonment, leaving message for redelivery",
			"message_id", raw.MessageId,
		)
		return
	}

	if err != nil {
		b.fail(d, err)
		return
	}
	b.settle(d, outcome)
}

// invoke вызывает обработчик, превращая панику в ErrHandlerFailure.
func (b *binding) invoke(d *Delivery) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()

	outcome, err = b.handler(b.handlerCtx, d)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrHandlerFailure, err)
	}
	if outcome < Ack || outcome > RejectDiscard {
		return 0, fmt.Errorf("%w: unknown outcome %d", ErrHandlerFailure, int(outcome))
	}
	return outcome, nil
}

// settle применяет явный исход обработчика.
func (b *binding) settle(d *Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case Ack:
		err = d.Raw.Ack(false)
	case RejectRequeue:
		err = d.Raw.Nack(false, true)
	case RejectDiscard:
		err = d.Raw.Nack(false, false)
		b.logger.Warn("message discarded", "message_id", d.Raw.MessageId)
	}

	b.metrics.ObserveOutcome(b.queue, outcome.String())
	if err != nil {
		// Канал закрыт — брокер сам доставит сообщение повторно
		b.logger.Error("failed to settle message",
			"outcome", outcome.String(),
			"message_id", d.Raw.MessageId,
			"error", err,
		)
	}
}

// fail реализует ограниченную политику повторов.
//
// Копия сообщения с увеличенным x-retry-count публикуется в ту же очередь,
// после MaxRedeliveries — в DLQ. Оригинал подтверждается только после
// успешной публикации, иначе возвращается брокеру.
func (b *binding) fail(d *Delivery, cause error) {
	headers := amqp.Table{}
	for k, v := range d.Raw.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int32(d.Attempt + 1)
	headers[FailureReasonHeader] = truncate(cause.Error(), failureReasonMaxLen)

	dest := ToQueue(b.queue)
	outcome := "retry"
	if d.Attempt >= b.maxRedeliveries {
		dest = ToQueue(DeadLetterQueue(b.queue))
		outcome = "dead_letter"
	}

	b.logger.Warn("handler failed",
		"message_id", d.Raw.MessageId,
		"attempt", d.Attempt,
		"max_redeliveries", b.maxRedeliveries,
		"next", outcome,
		"error", cause,
	)

	if err := b.publisher.Republish(b.handlerCtx, dest, d.Raw, headers); err != nil {
		b.logger.Error("failed to republish message, returning it to the broker",
			"destination", dest.String(),
			"error", err,
		)
		if nackErr := d.Raw.Nack(false, true); nackErr != nil {
			b.logger.Error("failed to nack message", "error", nackErr)
		}
		b.metrics.ObserveOutcome(b.queue, RejectRequeue.String())
		return
	}

	if err := d.Raw.Ack(false); err != nil {
		b.logger.Error("failed to ack republished message", "error", err)
	}

	b.metrics.ObserveOutcome(b.queue, outcome)
	if outcome == "dead_letter" {
		b.metrics.ObserveDeadLetter(b.queue)
	}
}

// retryCount читает x-retry-count; тип зависит от того, кто писал заголовок.
func retryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
