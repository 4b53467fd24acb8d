// Package config загружает конфигурацию процесса из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Teamhub/internal/mq"
)

// LookupFunc — источник переменных окружения (os.LookupEnv в production).
type LookupFunc func(key string) (string, bool)

// Значения по умолчанию уровня процесса. Ядро mq своих не имеет.
const (
	DefaultConnectAttempts = 20
	DefaultRetryInterval   = 2 * time.Second
	DefaultAttemptTimeout  = 5 * time.Second
	DefaultPrefetch        = 1
	DefaultMaxRedeliveries = 5
	DefaultShutdownGrace   = 10 * time.Second
	DefaultDBReadyTimeout  = 5 * time.Second
	DefaultHTTPPort        = "8080"
	DefaultHealthCheckSpec = "@every 30s"
)

// ErrMissingValue — обязательная переменная не задана.
var ErrMissingValue = errors.New("required value is missing")

// Config — конфигурация одного процесса сервиса.
type Config struct {
	ServiceName string

	RabbitURL       string
	ConnectAttempts int
	RetryInterval   time.Duration
	AttemptTimeout  time.Duration

	Prefetch        int
	MaxRedeliveries int
	ShutdownGrace   time.Duration

	DBURL          string
	DBReadyTimeout time.Duration

	HTTPPort        string
	HealthCheckSpec string
}

// Addr возвращает адрес HTTP listener'а.
func (c Config) Addr() string {
	return ":" + c.HTTPPort
}

// Connector возвращает параметры подключения к брокеру.
func (c Config) Connector() mq.ConnectorConfig {
	return mq.ConnectorConfig{
		URL:            c.RabbitURL,
		MaxAttempts:    c.ConnectAttempts,
		AttemptTimeout: c.AttemptTimeout,
		RetryInterval:  c.RetryInterval,
		Name:           "teamhub-" + c.ServiceName,
	}
}

// Load читает конфигурацию. SERVICE_NAME может быть пустым, если имя
// сервиса приходит из флага CLI; проверяет его вызывающий.
func Load(lookup LookupFunc) (Config, error) {
	cfg := Config{}

	cfg.ServiceName, _ = lookup("SERVICE_NAME")

	var ok bool
	if cfg.RabbitURL, ok = lookup("RABBITMQ_URL"); !ok || cfg.RabbitURL == "" {
		return Config{}, fmt.Errorf("RABBITMQ_URL: %w", ErrMissingValue)
	}

	// Опциональные — DB_URL пустой отключает проверку хранилища
	cfg.DBURL, _ = lookup("DB_URL")

	var err error
	if cfg.ConnectAttempts, err = intValue(lookup, "RABBITMQ_CONNECT_ATTEMPTS", DefaultConnectAttempts); err != nil {
		return Config{}, err
	}
	if cfg.RetryInterval, err = durationValue(lookup, "RABBITMQ_RETRY_INTERVAL", DefaultRetryInterval); err != nil {
		return Config{}, err
	}
	if cfg.AttemptTimeout, err = durationValue(lookup, "RABBITMQ_ATTEMPT_TIMEOUT", DefaultAttemptTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Prefetch, err = intValue(lookup, "CONSUMER_PREFETCH", DefaultPrefetch); err != nil {
		return Config{}, err
	}
	if cfg.MaxRedeliveries, err = intValue(lookup, "MAX_REDELIVERIES", DefaultMaxRedeliveries); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGrace, err = durationValue(lookup, "SHUTDOWN_GRACE", DefaultShutdownGrace); err != nil {
		return Config{}, err
	}
	if cfg.DBReadyTimeout, err = durationValue(lookup, "DB_READY_TIMEOUT", DefaultDBReadyTimeout); err != nil {
		return Config{}, err
	}

	cfg.HTTPPort = stringValue(lookup, "HTTP_PORT", DefaultHTTPPort)
	cfg.HealthCheckSpec = stringValue(lookup, "HEALTH_CHECK_SPEC", DefaultHealthCheckSpec)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет значения после разбора.
func (c Config) Validate() error {
	if err := c.Connector().Validate(); err != nil {
		return err
	}
	if c.Prefetch < 1 {
		return fmt.Errorf("CONSUMER_PREFETCH must be positive, got %d", c.Prefetch)
	}
	if c.MaxRedeliveries < 1 {
		return fmt.Errorf("MAX_REDELIVERIES must be positive, got %d", c.MaxRedeliveries)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must be positive, got %s", c.ShutdownGrace)
	}
	if _, err := cron.ParseStandard(c.HealthCheckSpec); err != nil {
		return fmt.Errorf("HEALTH_CHECK_SPEC %q: %w", c.HealthCheckSpec, err)
	}
	return nil
}

func stringValue(lookup LookupFunc, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func intValue(lookup LookupFunc, key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func durationValue(lookup LookupFunc, key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
