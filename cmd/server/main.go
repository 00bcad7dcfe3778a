/*
main.go - Application entry point

PURPOSE:
  CLI of the accident compensation engine. Runs the HTTP API and manages the
  reference tables (index series, minimum amounts) it computes from.

COMMANDS:
  serve             Run the HTTP API
  seed              Install the demo series and minimum tables
  import-series     Upsert a published index file into a series
  import-minimums   Upsert a minimum amount table
  export-series     Write a stored series in the import format
  list-series       Print the stored series

CONFIGURATION:
  Defaults < config.yaml (or --config) < .env < ACCIDENT_* env < flags.
  See config/config.go for every key.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the command context is cancelled. serve stops accepting
  connections and waits up to 30s for active requests.

EXAMPLES:
  # Seed demo data and serve
  accident-engine seed && accident-engine serve --addr :3000

  # Import a RIPTE file published in DD/MM/YYYY form
  accident-engine import-series --name ripte --file ripte.json

  # Share sessions between instances
  ACCIDENT_STORAGE_DRIVER=postgres ACCIDENT_STORAGE_POSTGRES_DSN=postgres://... accident-engine serve

SEE ALSO:
  - serve.go: HTTP server lifecycle
  - tables.go: Reference table commands
  - wiring.go: Engine and store construction
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/finlegal/accident-engine/config"
	"github.com/finlegal/accident-engine/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	version = "dev"

	rootCmd = &cobra.Command{
		Use:   "accident-engine",
		Short: "Work accident compensation engine",
		Long: `accident-engine computes work accident compensation in three stages:
base wage index from monthly wages, update of that index to a target date,
and the legal formula floored at the minimum in force.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("db", "./data/accident.db", "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")

	_ = viper.BindPFlag("storage.sqlite_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(importSeriesCmd())
	rootCmd.AddCommand(importMinimumsCmd())
	rootCmd.AddCommand(exportSeriesCmd())
	rootCmd.AddCommand(listSeriesCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Get().Info().Msg("received interrupt signal, shutting down")
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	logger.Init(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "accident-engine",
	})
	logger.Get().Debug().
		Str("driver", cfg.Storage.Driver).
		Str("sqlite", cfg.Storage.SQLitePath).
		Msg("configuration loaded")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
