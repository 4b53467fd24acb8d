package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shaiso/Teamhub/internal/api"
	"github.com/shaiso/Teamhub/internal/config"
	"github.com/shaiso/Teamhub/internal/health"
	"github.com/shaiso/Teamhub/internal/lifecycle"
	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/repo"
	"github.com/shaiso/Teamhub/internal/services"
	"github.com/shaiso/Teamhub/internal/telemetry"
)

// ErrServiceFailed — сервис остановлен из-за потери брокера или
// упавшей привязки. Процесс должен завершиться с ненулевым кодом.
var ErrServiceFailed = errors.New("service failed")

// ServeOptions — зависимости процесса сервиса.
type ServeOptions struct {
	// Service переопределяет SERVICE_NAME.
	Service string

	Lookup config.LookupFunc // default: os.LookupEnv
	Dialer mq.Dialer         // default: mq.DialAMQP

	// Registry — registry метрик и /metrics (default: prometheus.DefaultRegisterer
	// и prometheus.DefaultGatherer).
	Registry *prometheus.Registry

	Logger *slog.Logger // default: telemetry.SetupLogger()
}

// NewServeCmd создаёт команду запуска сервиса.
func NewServeCmd() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a Teamhub service until SIGINT/SIGTERM",
		Long: "Run one service: wait for storage, connect to RabbitMQ, declare the service topology,\n" +
			"start consumers and serve /healthz, /readyz and /metrics.\n\n" +
			"Services: " + fmt.Sprint(services.Names()),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Serve(cmd.Context(), ServeOptions{Service: service})
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Service to run (overrides SERVICE_NAME)")

	return cmd
}

// Serve запускает сервис и блокируется до отмены ctx или фатальной ошибки.
//
// Ошибка старта возвращается после частичного shutdown. Отмена ctx —
// штатная остановка, возвращается nil.
func Serve(ctx context.Context, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.SetupLogger()
	}

	cfg, err := config.Load(overrideService(opts.lookup(), opts.Service))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	def, err := services.Lookup(cfg.ServiceName)
	if err != nil {
		return err
	}

	logger = telemetry.WithService(logger, def.Name)
	logger.Info("starting service", "rabbitmq_attempts", cfg.ConnectAttempts, "http_addr", cfg.Addr())

	// Хранилище — опционально
	deps := services.Deps{}
	var storage lifecycle.StorageProbe
	if cfg.DBURL != "" {
		pool, err := repo.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("create database pool: %w", err)
		}
		defer pool.Close()

		deps.Teams = repo.NewTeamRepo(pool)
		storage = pool
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if opts.Registry != nil {
		registerer, gatherer = opts.Registry, opts.Registry
	}
	metrics := telemetry.NewMetrics(registerer)

	svc, err := lifecycle.New(lifecycle.Config{
		ServiceName:     def.Name,
		Connector:       cfg.Connector(),
		Dialer:          opts.Dialer,
		Queues:          def.Queues,
		Handlers:        def.Factory(deps),
		Storage:         storage,
		StorageTimeout:  cfg.DBReadyTimeout,
		ShutdownGrace:   cfg.ShutdownGrace,
		Prefetch:        cfg.Prefetch,
		MaxRedeliveries: cfg.MaxRedeliveries,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		return svc.Shutdown(shutdownCtx)
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("service start failed", "error", err)
		if serr := shutdown(); serr != nil {
			logger.Error("shutdown after failed start", "error", serr)
		}
		return err
	}

	// HTTP: probes, метрики, публикация
	handler := api.NewHandler(api.Config{
		Service:  svc,
		Gatherer: gatherer,
		Logger:   logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	monitor, err := health.New(health.Config{
		Spec:    cfg.HealthCheckSpec,
		Target:  svc,
		Metrics: metrics,
		Logger:  logger,
	})
	if err == nil {
		err = monitor.Start()
	}
	if err != nil {
		// Расписание уже проверено config.Validate
		logger.Error("health monitor not started", "error", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-svc.Fatal():
		logger.Error("service failed, shutting down", "error", err)
		runErr = fmt.Errorf("%w: %w", ErrServiceFailed, err)
	case err := <-serverErr:
		logger.Error("http server failed, shutting down", "error", err)
		runErr = fmt.Errorf("http server: %w", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if monitor != nil {
		monitor.Stop(stopCtx)
	}
	if err := server.Shutdown(stopCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("stopped")
	return runErr
}

func (o ServeOptions) lookup() config.LookupFunc {
	if o.Lookup != nil {
		return o.Lookup
	}
	return os.LookupEnv
}

// overrideService подставляет имя сервиса из флага вместо SERVICE_NAME.
func overrideService(lookup config.LookupFunc, service string) config.LookupFunc {
	if service == "" {
		return lookup
	}
	return func(key string) (string, bool) {
		if key == "SERVICE_NAME" {
			return service, true
		}
		return lookup(key)
	}
}
