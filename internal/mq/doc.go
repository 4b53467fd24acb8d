// Package mq управляет соединением с RabbitMQ и топологией очередей сервиса.
//
// Структура:
//   - connection.go — Connector (ограниченные попытки с фиксированной паузой) и Connection
//   - topology.go   — объявление durable очередей сервиса на единственном канале
//   - publisher.go  — публикация сообщений (default exchange или exchange + routing key)
//   - consumer.go   — привязка очереди к обработчику, исходы и политика повторов
//   - supervisor.go — запуск и остановка всех привязок процесса
//   - errors.go     — таксономия ошибок
//
// Жизненный цикл:
//
//	Connector.Connect → DeclareTopology → NewPublisher → Supervisor.Start
//	... работа ...
//	Supervisor.Stop(grace) → Topology.Close → Connection.Close
//
// Переподключения после старта нет: потеря соединения приходит в
// Connection.Lost() и считается фатальной для процесса.
//
// Повторы:
//   - RejectRequeue — nack с requeue, брокер доставит снова
//   - RejectDiscard — nack без requeue, сообщение выброшено
//   - ошибка/паника обработчика — копия с x-retry-count+1 в ту же очередь,
//     после MaxRedeliveries — в <queue>.dlq для ручного разбора
package mq
