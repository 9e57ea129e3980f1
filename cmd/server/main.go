/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the deliverables engine. Builds the cobra command
  tree; each subcommand loads configuration, opens the SQLite store and
  wires the engine service.

COMMANDS:
  serve              HTTP API plus the optional period scheduler
  generate-periods   One-shot period generation (external periodic trigger)
  token              Mint a development bearer token

GLOBAL FLAGS:
  --config   YAML config file (optional; env DELIVERABLES_* always applies)
  --db       SQLite database path, overrides database.path
             Use ":memory:" for in-memory database

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/deliverables.db

  # Nightly cron trigger
  ./server generate-periods --all

  # Token for a vendor of company acme
  ./server token --sub u-7 --role vendor --grant acme:deliverables:operate

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/deliverables-engine/config"
	"github.com/warp/deliverables-engine/engine"
	"github.com/warp/deliverables-engine/logging"
	"github.com/warp/deliverables-engine/store/sqlite"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dbPath     string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Vendor deliverables lifecycle and billing reconciliation engine",
		Long: `Tracks the periodic evidence vendors owe under service contracts, reconciles
reported personnel against authoritative headcounts, drives review and billing
approval, and links approved deliverables to payments.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(generatePeriodsCmd(flags))
	rootCmd.AddCommand(tokenCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wired runtime shared by subcommands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *sqlite.Store
	service *engine.Service
}

func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	return cfg, nil
}

func (f *globalFlags) open() (*app, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	svc := engine.NewService(store, store, logger.Named("engine"))
	svc.HorizonMonths = cfg.Generator.HorizonMonths
	svc.Notifier = engine.LogNotifier{Logger: logger.Named("events")}

	return &app{cfg: cfg, logger: logger, store: store, service: svc}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	a.logger.Sync()
}
