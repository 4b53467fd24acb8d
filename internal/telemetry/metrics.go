package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "teamhub"

// Metrics — Prometheus метрики брокерного слоя.
//
// Все методы безопасны для nil-получателя: компоненты, созданные
// без метрик (например, в тестах), просто ничего не записывают.
type Metrics struct {
	ConnectAttempts *prometheus.CounterVec
	Published       *prometheus.CounterVec
	Consumed        *prometheus.CounterVec
	DeadLettered    *prometheus.CounterVec
	BindingState    *prometheus.GaugeVec
	ConnectionUp    prometheus.Gauge
	HealthProbes    *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в указанном registerer.
// В production передаётся prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "connect_attempts_total",
			Help:      "Broker connection attempts by result",
		}, []string{"result"}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "published_total",
			Help:      "Published messages by destination and result",
		}, []string{"destination", "result"}),
		Consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "consumed_total",
			Help:      "Consumed messages by queue and outcome",
		}, []string{"queue", "outcome"}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "dead_lettered_total",
			Help:      "Messages moved to a dead-letter queue after exhausting redeliveries",
		}, []string{"queue"}),
		BindingState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "binding_state",
			Help:      "Current consumer binding state (1 for the active state)",
		}, []string{"queue", "state"}),
		ConnectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "connection_up",
			Help:      "1 when the broker connection is open",
		}),
		HealthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Periodic health probes by result",
		}, []string{"result"}),
	}
}

// ObserveConnectAttempt учитывает одну попытку подключения.
func (m *Metrics) ObserveConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(resultLabel(ok)).Inc()
}

// ObservePublish учитывает одну публикацию.
func (m *Metrics) ObservePublish(destination string, err error) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(destination, resultLabel(err == nil)).Inc()
}

// ObserveOutcome учитывает исход обработки сообщения.
func (m *Metrics) ObserveOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.Consumed.WithLabelValues(queue, outcome).Inc()
}

// ObserveDeadLetter учитывает перенос сообщения в DLQ.
func (m *Metrics) ObserveDeadLetter(queue string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(queue).Inc()
}

// SetBindingState выставляет 1 для текущего состояния и 0 для остальных.
func (m *Metrics) SetBindingState(queue, current string, all []string) {
	if m == nil {
		return
	}
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		m.BindingState.WithLabelValues(queue, state).Set(value)
	}
}

// SetConnectionUp отражает состояние соединения с брокером.
func (m *Metrics) SetConnectionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.ConnectionUp.Set(1)
		return
	}
	m.ConnectionUp.Set(0)
}

// ObserveHealthProbe учитывает результат периодической проверки.
func (m *Metrics) ObserveHealthProbe(healthy bool) {
	if m == nil {
		return
	}
	m.HealthProbes.WithLabelValues(resultLabel(healthy)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
