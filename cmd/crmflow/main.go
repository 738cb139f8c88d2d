// crmflow CLI: инструмент командной строки для управления
// workflows, runs и каталогом узлов через HTTP API.
//
// Использование:
//
//	crmflow [--api-url URL] [--token T | --tenant ID] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	workflow    Управление workflows и версиями
//	run         Просмотр и отмена runs
//	node-types  Каталог типов узлов
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/crmflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var (
		apiURL     string
		token      string
		tenant     string
		jsonOutput bool
	)

	rootCmd := &cobra.Command{
		Use:           "crmflow",
		Short:         "crmflow CLI: CRM workflow automation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("CRMFLOW_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CRMFLOW_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", os.Getenv("CRMFLOW_TENANT"), "Tenant ID (API in dev mode)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client {
		return cli.NewClient(apiURL, cli.ClientOptions{Token: token, Tenant: tenant})
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewWorkflowCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewNodeTypesCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
