// Command ragctl is the operator CLI: it runs sync cycles, answers questions,
// extracts issue properties, rebuilds the index and inspects job history
// against the same database the server uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/garnizeh/redmine-rag/internal/app"
	"github.com/garnizeh/redmine-rag/internal/config"
	"github.com/garnizeh/redmine-rag/internal/logging"
)

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "ragctl",
	Short:         "Operate the Redmine RAG service",
	Long:          `ragctl drives the sync pipeline, the ask service, the property extractor and the index of a redmine-rag deployment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine readable JSON")
	rootCmd.AddCommand(syncCmd, askCmd, extractCmd, reindexCmd, jobsCmd, metricsCmd, gateCmd)
}

// openApp loads the configuration and builds the services. Logs go to stderr
// so command output stays clean.
func openApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	logging.Install(logger)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return a, func() {
		_ = a.Close()
		_ = closer.Close()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
