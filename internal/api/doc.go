// Package api — HTTP поверхность процесса сервиса.
//
// Структура:
//   - handler.go         — Handler и интерфейс Service, от которого он зависит
//   - routes.go          — регистрация маршрутов
//   - middleware.go      — middleware (request id, logging, recovery)
//   - response.go        — JSON-ответы и преобразование ошибок брокера
//   - health_handler.go  — /healthz и /readyz
//   - message_handler.go — публикация в исходящие очереди сервиса
//
// /metrics отдаёт Prometheus registry процесса.
package api
