// Package lifecycle — корень композиции процесса сервиса.
//
// Service владеет соединением, каналом, Publisher'ом и Supervisor'ом.
// Ничего из этого не хранится в глобальном состоянии: прикладной слой
// получает Producer через HandlerFactory или Service.Producer().
//
// Запуск:
//
//	storage.Ping → Connector.Connect → DeclareTopology → NewPublisher →
//	HandlerFactory → Supervisor.Bind/Start → Ready
//
// Остановка идёт в обратном порядке и допустима после любого частичного
// запуска. Потеря соединения после старта приходит в Fatal(): процесс
// должен завершиться, переподключения нет.
package lifecycle
