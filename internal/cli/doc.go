// Package cli реализует команды бинарника teamhub.
//
// # Команды
//
//   - serve: запуск одного сервиса (team, mark, meeting, organization)
//   - topology: фиксированная топология очередей, брокер не нужен
//   - status, publish, team-check: HTTP-клиент к работающему сервису
//
// # Client
//
// HTTP-клиент для /readyz и /v1 эндпоинтов сервиса. Типы ответов
// дублируются: CLI не импортирует internal/api.
//
//	client := cli.NewClient("http://localhost:8080")
//	status, err := client.Status()
//
// # Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные выводятся в stdout, сообщения (Success/Error) в stderr,
// поэтому работает pipe: teamhub topology --json | jq .
//
// Клиентские команды создаются фабриками (NewStatusCmd и т.д.),
// принимающими clientFn и outputFn: Client и Output создаются лениво,
// после разбора PersistentFlags.
package cli
