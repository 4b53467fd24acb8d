package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Teamhub/internal/telemetry"
)

// Conn — минимальный срез *amqp.Connection, нужный пакету.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel — минимальный срез *amqp.Channel, нужный пакету.
// *amqp.Channel удовлетворяет интерфейсу без адаптера.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer устанавливает одно соединение с брокером.
// timeout ограничивает TCP-подключение и AMQP handshake.
type Dialer func(url string, timeout time.Duration, name string) (Conn, error)

// amqpConn адаптирует *amqp.Connection к Conn.
type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// DialAMQP — Dialer поверх amqp091-go.
func DialAMQP(url string, timeout time.Duration, name string) (Conn, error) {
	props := amqp.NewConnectionProperties()
	if name != "" {
		props.SetClientConnectionName(name)
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  10 * time.Second,
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// ConnectorConfig — параметры подключения.
//
// Значений по умолчанию нет: всё приходит из конфигурации процесса.
type ConnectorConfig struct {
	// URL — адрес брокера с credentials.
	URL string

	// MaxAttempts — максимальное количество попыток подключения.
	MaxAttempts int

	// AttemptTimeout — ограничение времени одной попытки.
	AttemptTimeout time.Duration

	// RetryInterval — постоянная пауза между попытками.
	RetryInterval time.Duration

	// Name — имя соединения, видимое в management UI (опционально).
	Name string
}

// Validate проверяет конфигурацию.
func (c ConnectorConfig) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("%w: broker url is required", ErrInvalidConfig)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidConfig, c.MaxAttempts)
	case c.AttemptTimeout <= 0:
		return fmt.Errorf("%w: attempt timeout must be positive, got %s", ErrInvalidConfig, c.AttemptTimeout)
	case c.RetryInterval < 0:
		return fmt.Errorf("%w: retry interval must not be negative, got %s", ErrInvalidConfig, c.RetryInterval)
	}
	return nil
}

// Connector устанавливает соединение с брокером с ограниченным числом
// попыток и фиксированной паузой между ними.
//
// Основной сценарий отказа — контейнер брокера ещё не слушает порт,
// поэтому пауза постоянная, а не экспоненциальная.
type Connector struct {
	cfg     ConnectorConfig
	dial    Dialer
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// ConnectorOption настраивает Connector.
type ConnectorOption func(*Connector)

// WithDialer подменяет способ установки соединения.
func WithDialer(d Dialer) ConnectorOption {
	return func(c *Connector) {
		if d != nil {
			c.dial = d
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *slog.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *telemetry.Metrics) ConnectorOption {
	return func(c *Connector) {
		c.metrics = m
	}
}

// NewConnector создаёт Connector.
func NewConnector(cfg ConnectorConfig, opts ...ConnectorOption) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connector{
		cfg:    cfg,
		dial:   DialAMQP,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect выполняет до MaxAttempts попыток подключения.
//
// Возвращает ErrConnectionExhausted (с последней ошибкой внутри), если ни
// одна попытка не удалась, и ошибку контекста при отмене.
func (c *Connector) Connect(ctx context.Context) (*Connection, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		conn, err := c.attempt(ctx)
		if err == nil {
			c.metrics.ObserveConnectAttempt(true)
			c.logger.Info("connected to RabbitMQ", "attempt", attempt)
			return newConnection(conn, c.logger, c.metrics), nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connect aborted: %w", ctxErr)
		}

		c.metrics.ObserveConnectAttempt(false)
		lastErr = fmt.Errorf("%w: %w", ErrTransientBroker, err)
		c.logger.Warn("connection attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"error", err,
		)

		// После последней попытки не ждём
		if attempt == c.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect aborted: %w", ctx.Err())
		case <-time.After(c.cfg.RetryInterval):
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectionExhausted, c.cfg.MaxAttempts, lastErr)
}

// attempt выполняет одну попытку, ограниченную AttemptTimeout.
func (c *Connector) attempt(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	type result struct {
		conn Conn
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, err := c.dial(c.cfg.URL, c.cfg.AttemptTimeout, c.cfg.Name)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		// Опоздавшее соединение закрываем, чтобы не осталось второго.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("attempt timed out after %s: %w", c.cfg.AttemptTimeout, ctx.Err())
	}
}

// Connection — единственное живое соединение процесса.
//
// Переподключения нет: потеря соединения после старта сообщается через
// Lost() и считается фатальной для процесса.
type Connection struct {
	conn    Conn
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	channel Channel
	closed  bool

	lost chan error
}

func newConnection(conn Conn, logger *slog.Logger, metrics *telemetry.Metrics) *Connection {
	c := &Connection{
		conn:    conn,
		logger:  logger,
		metrics: metrics,
		lost:    make(chan error, 1),
	}

	metrics.SetConnectionUp(true)
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	return c
}

// watch ждёт закрытия соединения и сообщает о неожиданной потере.
func (c *Connection) watch(notify chan *amqp.Error) {
	amqpErr, ok := <-notify
	c.metrics.SetConnectionUp(false)

	// Штатное закрытие: канал закрыт без ошибки
	if !ok || amqpErr == nil {
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.logger.Error("connection lost", "error", amqpErr)
	c.lost <- fmt.Errorf("%w: connection lost: %w", ErrTransientBroker, amqpErr)
}

// OpenChannel открывает единственный канал соединения.
func (c *Connection) OpenChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("open channel: %w", ErrChannelClosed)
	}
	if c.channel != nil && !c.channel.IsClosed() {
		return nil, ErrChannelAlreadyOpen
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c.channel = ch

	return ch, nil
}

// Lost возвращает канал, в который приходит ошибка при неожиданной
// потере соединения. Срабатывает не более одного раза.
func (c *Connection) Lost() <-chan error {
	return c.lost
}

// IsClosed проверяет, закрыто ли соединение.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed || c.conn.IsClosed()
}

// Close закрывает соединение. Повторный вызов — no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}

	c.logger.Info("connection closed")
	return nil
}
