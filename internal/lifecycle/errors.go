package lifecycle

import "errors"

// Ошибки жизненного цикла сервиса.
var (
	// ErrStorageNotReady — хранилище не ответило за StorageTimeout.
	ErrStorageNotReady = errors.New("storage not ready")

	// ErrMissingHandler — у входящей очереди нет обработчика.
	ErrMissingHandler = errors.New("missing handler for inbound queue")

	// ErrUnexpectedHandler — обработчик зарегистрирован на очередь,
	// которая не входит в список входящих.
	ErrUnexpectedHandler = errors.New("handler for non-inbound queue")

	// ErrNonDurableQueue — дескриптор очереди не durable.
	ErrNonDurableQueue = errors.New("queue must be durable")

	// ErrNotStarted — сервис ещё не запущен.
	ErrNotStarted = errors.New("service not started")

	// ErrShutdown — сервис уже остановлен.
	ErrShutdown = errors.New("service is shut down")
)
