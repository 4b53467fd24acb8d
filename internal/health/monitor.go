package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Teamhub/internal/lifecycle"
	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/telemetry"
)

// DefaultSpec — расписание проверки по умолчанию.
const DefaultSpec = "@every 30s"

// Target — источник состояния. *lifecycle.Service удовлетворяет интерфейсу.
type Target interface {
	Health() lifecycle.Health
}

// Monitor — периодическая проверка здоровья.
type Monitor struct {
	cron    *cron.Cron
	spec    string
	target  Target
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	failures int
	started  bool
}

// Config — конфигурация Monitor.
type Config struct {
	Spec    string // cron-выражение (default: DefaultSpec)
	Target  Target
	Metrics *telemetry.Metrics // опционально
	Logger  *slog.Logger
}

// New создаёт Monitor. Расписание проверяется сразу.
func New(cfg Config) (*Monitor, error) {
	if cfg.Target == nil {
		return nil, errors.New("health target is required")
	}

	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse health check spec %q: %w", spec, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cron:    cron.New(),
		spec:    spec,
		target:  cfg.Target,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

// Start регистрирует проверку и запускает cron. Повторный вызов — no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	if _, err := m.cron.AddFunc(m.spec, func() { m.Probe() }); err != nil {
		return fmt.Errorf("schedule health check: %w", err)
	}
	m.cron.Start()
	m.started = true

	m.logger.Info("health monitor started", "spec", m.spec)
	return nil
}

// Stop останавливает cron и ждёт завершения текущей проверки
// или отмены ctx.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()

	if !started {
		return
	}

	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Probe выполняет одну проверку и возвращает её результат.
func (m *Monitor) Probe() bool {
	h := m.target.Health()
	healthy := h.Healthy()

	m.metrics.ObserveHealthProbe(healthy)
	m.metrics.SetConnectionUp(h.ConnectionUp)

	m.mu.Lock()
	if healthy {
		m.failures = 0
	} else {
		m.failures++
	}
	failures := m.failures
	m.mu.Unlock()

	if healthy {
		m.logger.Debug("health probe passed", "service", h.Service)
		return true
	}

	m.logger.Warn("service unhealthy",
		"service", h.Service,
		"ready", h.Ready,
		"connection_up", h.ConnectionUp,
		"stalled_bindings", stalled(h.Bindings),
		"consecutive_failures", failures,
	)
	return false
}

// Failures — число подряд неудачных проверок.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// stalled возвращает "queue=state" для привязок не в Running.
func stalled(bindings map[string]mq.BindingState) []string {
	var out []string
	for queue, state := range bindings {
		if state != mq.StateRunning {
			out = append(out, queue+"="+state.String())
		}
	}
	sort.Strings(out)
	return out
}
