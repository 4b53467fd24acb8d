// Teamhub — процесс одного из сервисов Teamhub и утилита для работы с ним.
//
// Использование:
//
//	teamhub [--addr URL] [--json] <command> [flags]
//
// Команды:
//
//	serve       Запустить сервис (--service или SERVICE_NAME)
//	topology    Показать топологию очередей
//	status      Состояние работающего сервиса
//	publish     Опубликовать сообщение через сервис
//	team-check  Запросить проверку team id
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shaiso/Teamhub/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	// .env опционален
	_ = godotenv.Load()

	var addr string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "teamhub",
		Short:         "Teamhub — RabbitMQ-connected team services",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "Address of a running service")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(addr) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewServeCmd(),
		cli.NewTopologyCmd(outputFn),
		cli.NewStatusCmd(clientFn, outputFn),
		cli.NewPublishCmd(clientFn, outputFn),
		cli.NewTeamCheckCmd(clientFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
