package mq

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Ошибки брокерного слоя.
var (
	// ErrTransientBroker — брокер временно недоступен (сеть, ещё не запущен).
	// Повторяется только Connector'ом и только при старте.
	ErrTransientBroker = errors.New("transient broker error")

	// ErrConnectionExhausted — все попытки подключения исчерпаны.
	ErrConnectionExhausted = errors.New("broker connection attempts exhausted")

	// ErrTopologyConflict — очередь уже объявлена с другими параметрами.
	ErrTopologyConflict = errors.New("topology conflict")

	// ErrChannelClosed — канал закрыт, публикация невозможна.
	ErrChannelClosed = errors.New("channel closed")

	// ErrHandlerFailure — обработчик вернул ошибку или паниковал.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrInvalidConfig — некорректная конфигурация компонента.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrChannelAlreadyOpen — у соединения уже есть открытый канал.
	ErrChannelAlreadyOpen = errors.New("channel already open")

	// ErrAlreadyStarted — supervisor уже запущен.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrDrainTimeout — in-flight обработчики не уложились в grace period.
	ErrDrainTimeout = errors.New("drain grace period exceeded")
)

// isPreconditionFailed проверяет, что брокер отклонил операцию с кодом 406.
func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.PreconditionFailed
	}
	return false
}

// isClosedErr проверяет, что операция упала из-за закрытого канала/соединения.
func isClosedErr(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}
	return false
}
