// Relay CLI — инструмент командной строки для управления
// workflow, отложенными задачами и воркерами через HTTP API.
//
// Использование:
//
//	relay [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	instance    Экземпляры workflow
//	definition  Определения workflow
//	delay       Отложенные задачи
//	sweep       Ручной запуск задач sweeper'а
//	worker      Процессоры, circuit breaker'ы и пулы воркера
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Relay/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Relay CLI — task scheduling and workflow orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("RELAY_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewInstanceCmd(clientFn, outputFn),
		cli.NewDefinitionCmd(clientFn, outputFn),
		cli.NewDelayCmd(clientFn, outputFn),
		cli.NewSweepCmd(clientFn, outputFn),
		cli.NewWorkerCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
