// Command syncd performs deferred replay of queued offline writes while no
// application instance is running.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fintrack/internal/app"
	"fintrack/internal/config"
	"fintrack/internal/database"
	"fintrack/internal/logging"
	"fintrack/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := app.LoadConfigAndLogger(config.Path(), "syncd")
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Monitoring.PrometheusEnabled {
		go metrics.Serve(ctx, cfg.Monitoring.PrometheusPort, logger)
	}

	if cfg.Backup.Interval > 0 {
		backups := database.NewBackupService(c.DB, cfg.Backup, logging.Component(logger, "backup"))
		go backups.Run(ctx, cfg.Backup.Interval)
	}

	logger.Info().Str("db_path", cfg.Database.Path).Msg("syncd started")
	return c.Scheduler.Run(ctx)
}
