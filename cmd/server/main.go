/*
main.go - Application entry point

PURPOSE:
  Starts the promo engine service and offers one-shot operator commands.

COMMANDS:
  serve             HTTP API plus the weekly scheduler (default)
  preview [period]  Print the allocation preview as JSON
  tick [period]     Run the period trigger once

FLAGS (global):
  --config   YAML config file
  --debug    Debug logging with source locations
  --db-driver, --db-dsn, --port override the config file and environment

ENVIRONMENT:
  PROMO_* variables, see internal/config.

EXAMPLES:
  ./server serve --config=promo.yaml
  ./server --db-dsn=":memory:" serve
  ./server tick 2026-10-18
*/
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/warp/promo-engine/internal/config"
	"github.com/warp/promo-engine/notify"
	"github.com/warp/promo-engine/promo"
	"github.com/warp/promo-engine/store/sqlstore"
)

const programName = "promo-engine"

var (
	globalFlags = struct {
		debug      bool
		configFile string
		dbDriver   string
		dbDSN      string
		port       uint
	}{}
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), "component", programName)
}

func commonRun(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	addSource := false
	if globalFlags.debug || cfg.Debug {
		logLevel = slog.LevelDebug
		addSource = true
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     logLevel,
	}))
	slog.SetDefault(logger)
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return logger
}

// deps is everything a command needs to drive the engine.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *sqlstore.Store
	engine   *promo.Engine
	registry *prometheus.Registry
}

func newDeps(cfg *config.Config, logger *slog.Logger, sched promo.Scheduler) (*deps, error) {
	store, err := sqlstore.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cal, err := cfg.Calendar()
	if err != nil {
		store.Close()
		return nil, err
	}

	var sink notify.Sink = notify.NewLog(logger)
	if cfg.WebhookURL != "" {
		sink = notify.Multi{sink, notify.NewWebhook(cfg.WebhookURL, cfg.NotifyTimeout)}
	}

	registry := prometheus.NewRegistry()
	engine := promo.NewEngine(store, promo.Options{
		Policy:           cfg.Policy(),
		Calendar:         cal,
		ReminderInterval: cfg.ReminderInterval,
		ReminderWindow:   cfg.ReminderWindow,
		NotifyTimeout:    cfg.NotifyTimeout,
		Scheduler:        sched,
		Notifier:         sink,
		Operators:        sink,
		Logger:           logger,
		Metrics:          promo.NewMetrics(registry),
	})
	return &deps{cfg: cfg, logger: logger, store: store, engine: engine, registry: registry}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.dbDriver, "db-driver", "", "database driver (sqlite3, postgres)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.dbDSN, "db-dsn", "", "database DSN, \":memory:\" for in-memory SQLite")
	rootCmd.PersistentFlags().UintVar(&globalFlags.port, "port", 0, "HTTP server port")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(globalFlags.configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if globalFlags.dbDriver != "" {
			cfg.DatabaseDriver = globalFlags.dbDriver
		}
		if globalFlags.dbDSN != "" {
			cfg.DatabaseDSN = globalFlags.dbDSN
		}
		if globalFlags.port != 0 {
			cfg.Port = globalFlags.port
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(previewCommand())
	rootCmd.AddCommand(tickCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
