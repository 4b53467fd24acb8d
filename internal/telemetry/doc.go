// Package telemetry — логирование и метрики процесса.
//
//   - logging.go — slog, уровень и формат из LOG_LEVEL / LOG_FORMAT
//   - metrics.go — Prometheus метрики брокерного слоя и health probe
//
// Метрики отдаются на /metrics HTTP сервера процесса.
package telemetry
