// Package health периодически проверяет состояние сервиса.
//
// Monitor по cron-расписанию (HEALTH_CHECK_SPEC, например "@every 30s")
// снимает lifecycle.Health, обновляет метрики и пишет в лог, если сервис
// нездоров. Восстановлением Monitor не занимается: потеря соединения
// обрабатывается через Service.Fatal().
//
// Использование:
//
//	mon, err := health.New(health.Config{
//	    Spec:    cfg.HealthCheckSpec,
//	    Target:  svc,
//	    Metrics: metrics,
//	    Logger:  logger,
//	})
//	mon.Start()
//	defer mon.Stop(ctx)
package health
