package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/telemetry"
)

// Default configuration values.
const (
	defaultStorageTimeout = 5 * time.Second
	defaultShutdownGrace  = 10 * time.Second
)

// StorageProbe — хранилище, готовность которого ждём до подключения к брокеру.
// *pgxpool.Pool удовлетворяет интерфейсу.
type StorageProbe interface {
	Ping(ctx context.Context) error
}

// HandlerFactory строит обработчики входящих очередей.
// Получает Producer, чтобы обработчики могли отвечать другим сервисам.
type HandlerFactory func(p mq.Producer) (map[string]mq.Handler, error)

// Config — конфигурация Service.
type Config struct {
	// ServiceName — имя сервиса для логов и consumer tag.
	ServiceName string

	// Connector — параметры подключения к брокеру.
	Connector mq.ConnectorConfig

	// Dialer — способ установки соединения (default: mq.DialAMQP).
	Dialer mq.Dialer

	// Queues — фиксированная топология сервиса. DLQ входящих очередей
	// добавляются автоматически.
	Queues []mq.QueueDescriptor

	// Handlers — фабрика обработчиков входящих очередей.
	Handlers HandlerFactory

	// Storage — опционально, nil пропускает шаг (a).
	Storage StorageProbe

	StorageTimeout time.Duration // default: 5s
	ShutdownGrace  time.Duration // default: 10s

	Prefetch        int
	MaxRedeliveries int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Health — снимок состояния сервиса.
type Health struct {
	Service      string
	Ready        bool
	ConnectionUp bool
	Bindings     map[string]mq.BindingState
}

// Healthy — сервис готов, соединение живо и все привязки Running.
func (h Health) Healthy() bool {
	if !h.Ready || !h.ConnectionUp {
		return false
	}
	for _, state := range h.Bindings {
		if state != mq.StateRunning {
			return false
		}
	}
	return true
}

// Service — корень композиции одного процесса.
//
// Start выполняет шаги запуска по порядку:
//
//	(a) ждёт хранилище
//	(b) подключается к брокеру
//	(c) объявляет топологию
//	(d) создаёт Publisher
//	(e) привязывает обработчики и запускает consumer'ов
//	(f) помечает сервис готовым
//
// Shutdown освобождает ресурсы в обратном порядке. Каждый ресурс
// закрывается независимо, поэтому Shutdown безопасен после частичного Start.
type Service struct {
	name           string
	connector      *mq.Connector
	queues         []mq.QueueDescriptor
	inbound        []string
	handlers       HandlerFactory
	storage        StorageProbe
	storageTimeout time.Duration
	grace          time.Duration

	prefetch        int
	maxRedeliveries int

	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	started    bool
	shutdown   bool
	conn       *mq.Connection
	topo       *mq.Topology
	publisher  *mq.Publisher
	supervisor *mq.Supervisor

	ready     atomic.Bool
	fatal     chan error
	stopWatch chan struct{}
}

// New проверяет конфигурацию и создаёт Service. К брокеру не обращается.
func New(cfg Config) (*Service, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("%w: service name is required", mq.ErrInvalidConfig)
	}
	if cfg.Handlers == nil {
		return nil, fmt.Errorf("%w: handler factory is required", mq.ErrInvalidConfig)
	}

	for _, q := range cfg.Queues {
		if !q.Durable {
			return nil, fmt.Errorf("%w: %s", ErrNonDurableQueue, q.Name)
		}
	}

	queues, err := mq.ValidateDescriptors(cfg.Queues)
	if err != nil {
		return nil, err
	}

	var inbound []string
	for _, q := range queues {
		if q.Direction == mq.Inbound {
			inbound = append(inbound, q.Name)
		}
	}
	for _, name := range inbound {
		queues = append(queues, mq.OutboundQueue(mq.DeadLetterQueue(name)))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithService(logger, cfg.ServiceName)

	connector, err := mq.NewConnector(cfg.Connector,
		mq.WithDialer(cfg.Dialer),
		mq.WithLogger(logger),
		mq.WithMetrics(cfg.Metrics),
	)
	if err != nil {
		return nil, err
	}

	storageTimeout := cfg.StorageTimeout
	if storageTimeout <= 0 {
		storageTimeout = defaultStorageTimeout
	}

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	return &Service{
		name:            cfg.ServiceName,
		connector:       connector,
		queues:          queues,
		inbound:         inbound,
		handlers:        cfg.Handlers,
		storage:         cfg.Storage,
		storageTimeout:  storageTimeout,
		grace:           grace,
		prefetch:        cfg.Prefetch,
		maxRedeliveries: cfg.MaxRedeliveries,
		logger:          logger,
		metrics:         cfg.Metrics,
		fatal:           make(chan error, 1),
		stopWatch:       make(chan struct{}),
	}, nil
}

// Start выполняет шаги (a)–(f).
//
// При ошибке уже созданные ресурсы остаются за Service: вызывающий
// обязан вызвать Shutdown.
//
// ctx ограничивает только запуск: consumer'ы живут до Shutdown,
// даже если ctx отменён раньше.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.started {
		s.mu.Unlock()
		return mq.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("starting service", "queues", len(s.queues), "inbound", len(s.inbound))

	// (a) хранилище
	if err := s.awaitStorage(ctx); err != nil {
		return err
	}

	// (b) соединение
	conn, err := s.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := s.keep(func() { s.conn = conn }); err != nil {
		conn.Close()
		return err
	}

	// (c) топология
	topo, err := mq.DeclareTopology(ctx, conn, s.queues, s.logger)
	if err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	if err := s.keep(func() { s.topo = topo }); err != nil {
		topo.Close()
		return err
	}

	// (d) producer
	publisher := mq.NewPublisher(topo.Channel, s.logger, s.metrics)

	// (e) consumer'ы
	handlers, err := s.handlers(publisher)
	if err != nil {
		return fmt.Errorf("build handlers: %w", err)
	}
	if err := s.checkHandlers(handlers); err != nil {
		return err
	}

	supervisor := mq.NewSupervisor(mq.SupervisorConfig{
		Channel:         topo.Channel,
		Publisher:       publisher,
		Prefetch:        s.prefetch,
		MaxRedeliveries: s.maxRedeliveries,
		TagPrefix:       s.name,
		Logger:          s.logger,
		Metrics:         s.metrics,
	})
	for _, queue := range s.inbound {
		if err := supervisor.Bind(queue, handlers[queue]); err != nil {
			return fmt.Errorf("bind %s: %w", queue, err)
		}
	}

	if err := s.keep(func() {
		s.publisher = publisher
		s.supervisor = supervisor
	}); err != nil {
		return err
	}

	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}

	// (f) готовность
	s.ready.Store(true)
	go s.watch(conn.Lost(), supervisor.Crashed())

	s.logger.Info("service ready")
	return nil
}

// keep сохраняет созданный ресурс, если Shutdown ещё не начался.
func (s *Service) keep(assign func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrShutdown
	}
	assign()
	return nil
}

func (s *Service) awaitStorage(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	if err := s.storage.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageNotReady, err)
	}

	s.logger.Info("storage ready")
	return nil
}

func (s *Service) checkHandlers(handlers map[string]mq.Handler) error {
	inbound := make(map[string]bool, len(s.inbound))
	for _, queue := range s.inbound {
		inbound[queue] = true
		if handlers[queue] == nil {
			return fmt.Errorf("%w: %s", ErrMissingHandler, queue)
		}
	}
	for queue := range handlers {
		if !inbound[queue] {
			return fmt.Errorf("%w: %s", ErrUnexpectedHandler, queue)
		}
	}
	return nil
}

// watch переводит потерю соединения или падение привязки в Fatal.
func (s *Service) watch(lost <-chan error, crashed <-chan error) {
	var err error
	select {
	case <-s.stopWatch:
		return
	case err = <-lost:
	case err = <-crashed:
	}

	s.ready.Store(false)
	s.logger.Error("broker link failed, service cannot continue", "error", err)

	select {
	case s.fatal <- err:
	default:
	}
}

// Shutdown останавливает consumer'ов (ожидая не дольше ShutdownGrace или
// дедлайна ctx), закрывает канал и соединение. Повторный вызов — no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.ready.Store(false)
	close(s.stopWatch)

	supervisor, topo, conn := s.supervisor, s.topo, s.conn
	s.mu.Unlock()

	s.logger.Info("shutting down service")

	var errs []error

	if supervisor != nil {
		grace := s.grace
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < grace {
				grace = max(left, 0)
			}
		}
		if err := supervisor.Stop(grace); err != nil {
			errs = append(errs, err)
		}
	}

	if topo != nil {
		if err := topo.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("service stopped with errors", "error", err)
	} else {
		s.logger.Info("service stopped")
	}
	return err
}

// Producer возвращает Producer после шага (d), иначе nil.
func (s *Service) Producer() mq.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publisher == nil {
		return nil
	}
	return s.publisher
}

// Ready сообщает, завершён ли шаг (f) и жив ли брокерный слой.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Fatal возвращает канал, в который приходит ошибка потери соединения
// или падения привязки. Процесс после неё должен завершиться.
func (s *Service) Fatal() <-chan error {
	return s.fatal
}

// Name возвращает имя сервиса.
func (s *Service) Name() string {
	return s.name
}

// Queues возвращает объявляемую топологию, включая DLQ.
func (s *Service) Queues() []mq.QueueDescriptor {
	return append([]mq.QueueDescriptor(nil), s.queues...)
}

// Outbound проверяет, что сервис публикует в очередь.
func (s *Service) Outbound(queue string) bool {
	for _, q := range s.queues {
		if q.Name == queue && q.Direction == mq.Outbound && !mq.IsDeadLetterQueue(q.Name) {
			return true
		}
	}
	return false
}

// Health возвращает снимок состояния.
func (s *Service) Health() Health {
	s.mu.Lock()
	conn, supervisor := s.conn, s.supervisor
	s.mu.Unlock()

	h := Health{
		Service: s.name,
		Ready:   s.ready.Load(),
	}
	if conn != nil {
		h.ConnectionUp = !conn.IsClosed()
	}
	if supervisor != nil {
		h.Bindings = supervisor.States()
	}
	return h
}
