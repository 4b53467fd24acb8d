package api

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Teamhub/internal/lifecycle"
	"github.com/shaiso/Teamhub/internal/mq"
)

// maxMessageBytes ограничивает тело публикуемого сообщения.
const maxMessageBytes = 1 << 20

// Service — то, что Handler'у нужно от lifecycle.Service.
type Service interface {
	Name() string
	Ready() bool
	Health() lifecycle.Health
	Producer() mq.Producer
	Outbound(queue string) bool
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	service  Service
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Service Service

	// Gatherer — источник /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		service:  cfg.Service,
		gatherer: gatherer,
		logger:   logger,
	}
}
