package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Teamhub/internal/telemetry"
)

// Default configuration values.
const (
	defaultPrefetch        = 1
	defaultMaxRedeliveries = 5
)

// SupervisorConfig — конфигурация Supervisor.
type SupervisorConfig struct {
	// Channel — канал процесса, общий с Publisher.
	Channel Channel

	// Publisher — используется для повторов и DLQ.
	//
	// DLQ публикуется через default exchange без mandatory: очередь
	// <queue>.dlq должна быть объявлена заранее, иначе брокер молча
	// выбросит сообщение, а оригинал будет подтверждён.
	// lifecycle.Service объявляет DLQ для каждой входящей очереди.
	Publisher *Publisher

	// Prefetch — количество неподтверждённых сообщений на привязку (default: 1).
	Prefetch int

	// MaxRedeliveries — сколько раз сообщение повторяется после падения
	// обработчика, прежде чем уйти в DLQ (default: 5).
	MaxRedeliveries int

	// TagPrefix — префикс consumer tag, обычно имя сервиса.
	TagPrefix string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Supervisor владеет всеми привязками consumer'ов процесса.
//
// Каждая привязка — отдельная горутина; handle каждой хранится явно,
// поэтому остановка дожидается Drained или бросает обработчик по таймауту.
type Supervisor struct {
	ch              Channel
	publisher       *Publisher
	prefetch        int
	maxRedeliveries int
	tagPrefix       string
	logger          *slog.Logger
	metrics         *telemetry.Metrics

	mu       sync.Mutex
	bindings []*binding
	byQueue  map[string]*binding
	started  bool
	stopped  bool
	cancel   context.CancelFunc

	wg      sync.WaitGroup
	crashed chan error
}

// NewSupervisor создаёт новый Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	maxRedeliveries := cfg.MaxRedeliveries
	if maxRedeliveries <= 0 {
		maxRedeliveries = defaultMaxRedeliveries
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = NewPublisher(cfg.Channel, logger, cfg.Metrics)
	}

	return &Supervisor{
		ch:              cfg.Channel,
		publisher:       publisher,
		prefetch:        prefetch,
		maxRedeliveries: maxRedeliveries,
		tagPrefix:       cfg.TagPrefix,
		logger:          logger,
		metrics:         cfg.Metrics,
		byQueue:         make(map[string]*binding),
	}
}

// Bind регистрирует обработчик для очереди. Только до Start.
func (s *Supervisor) Bind(queue string, handler Handler) error {
	if queue == "" {
		return fmt.Errorf("%w: empty queue name", ErrInvalidConfig)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for queue %s", ErrInvalidConfig, queue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if _, ok := s.byQueue[queue]; ok {
		return fmt.Errorf("%w: queue %s already bound", ErrInvalidConfig, queue)
	}

	tag := fmt.Sprintf("%s.%s", queue, uuid.New().String()[:8])
	if s.tagPrefix != "" {
		tag = s.tagPrefix + "." + tag
	}

	b := &binding{
		queue:           queue,
		tag:             tag,
		handler:         handler,
		ch:              s.ch,
		publisher:       s.publisher,
		maxRedeliveries: s.maxRedeliveries,
		logger:          telemetry.WithQueue(s.logger, queue),
		metrics:         s.metrics,
		done:            make(chan struct{}),
	}
	b.setState(StateCreated)

	s.bindings = append(s.bindings, b)
	s.byQueue[queue] = b

	return nil
}

// Start начинает потребление для всех привязок.
//
// ctx нужен только для значений (логгер и т.п.): его отмена не
// останавливает consumer'ов, это делает только Stop.
//
// Если Consume падает на одной из очередей, уже запущенные привязки
// остаются Running и останавливаются обычным Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.crashed = make(chan error, len(s.bindings))

	if s.ch == nil || s.ch.IsClosed() {
		return fmt.Errorf("start consumers: %w", ErrChannelClosed)
	}

	// Устанавливаем prefetch (применяется к consumer'ам, созданным после)
	if err := s.ch.Qos(s.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	waitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	for _, b := range s.bindings {
		deliveries, err := s.ch.Consume(
			b.queue, // queue
			b.tag,   // consumer tag
			false,   // auto-ack (мы ack вручную)
			false,   // exclusive
			false,   // no-local
			false,   // no-wait
			nil,     // args
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", b.queue, err)
		}

		b.deliveries = deliveries
		b.handlerCtx, b.handlerCancel = context.WithCancel(
			telemetry.WithLogger(context.WithoutCancel(ctx), b.logger),
		)
		b.setState(StateRunning)

		s.wg.Add(1)
		go func(b *binding) {
			defer s.wg.Done()
			b.run(waitCtx, s.crashed)
		}(b)

		b.logger.Info("consumer started", "consumer_tag", b.tag, "prefetch", s.prefetch)
	}

	return nil
}

// Stop отменяет все привязки и ждёт Drained не дольше grace.
//
// In-flight обработчики, не успевшие за grace, бросаются: их сообщения
// остаются брокеру для повторной доставки, а Stop возвращает
// ErrDrainTimeout. Повторный вызов — no-op.
func (s *Supervisor) Stop(grace time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	bindings := append([]*binding(nil), s.bindings...)
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping consumers...", "bindings", len(bindings), "grace", grace)

	// 1. Новые доставки больше не принимаем
	for _, b := range bindings {
		b.beginCancel()
	}

	// 2. Прерываем ожидание следующего сообщения
	if cancel != nil {
		cancel()
	}

	// 3. Ждём in-flight обработчики
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		for _, b := range bindings {
			if b.handlerCancel != nil {
				b.handlerCancel()
			}
		}
		s.logger.Info("consumers stopped")
		return nil
	case <-timer.C:
	}

	abandoned := 0
	for _, b := range bindings {
		select {
		case <-b.done:
		default:
			if b.handlerCancel != nil {
				b.abandon()
				abandoned++
			}
		}
	}

	return fmt.Errorf("%w: %d handler(s) abandoned after %s", ErrDrainTimeout, abandoned, grace)
}

// Crashed возвращает канал ошибок привязок, чей поток доставок закрылся
// без Stop. nil до Start.
func (s *Supervisor) Crashed() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// States возвращает текущее состояние каждой привязки.
func (s *Supervisor) States() map[string]BindingState {
	s.mu.Lock()
	bindings := append([]*binding(nil), s.bindings...)
	s.mu.Unlock()

	states := make(map[string]BindingState, len(bindings))
	for _, b := range bindings {
		states[b.queue] = b.getState()
	}
	return states
}

// Queues возвращает очереди в порядке регистрации.
func (s *Supervisor) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	queues := make([]string, len(s.bindings))
	for i, b := range s.bindings {
		queues[i] = b.queue
	}
	return queues
}
