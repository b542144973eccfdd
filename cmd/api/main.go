package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fintrack/internal/api"
	"fintrack/internal/app"
	"fintrack/internal/config"
	"fintrack/internal/events"
	"fintrack/internal/logging"
	"fintrack/internal/metrics"
	"fintrack/internal/models"
	"fintrack/internal/offline"
	"fintrack/internal/service"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := app.LoadConfigAndLogger(config.Path(), "api-main")
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	hub := api.NewHub(logging.Component(logger, "ws"))
	subscribeUI(c, hub, logger)

	stopRelay, err := c.RelayBroadcasts(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("cross-instance events unavailable")
		stopRelay = func() {}
	}
	defer stopRelay()

	dispatcher := offline.NewDispatcher(c.DB, c.Scheduler, logging.Component(logger, "dispatch"))
	dispatcher.UsePublisher(c.Bus)
	records := service.NewRecordService(c.Remote, dispatcher, logging.Component(logger, "records"))

	httpServer := api.NewHTTPServer(cfg.API, api.Deps{
		Records:      records,
		Sync:         c.Scheduler,
		Outbox:       c.DB,
		Connectivity: dispatcher,
		Hub:          hub,
	}, logging.Component(logger, "http"))

	startMetrics(ctx, cfg, logger)

	if cfg.Sync.Background {
		go func() {
			if err := c.Scheduler.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("replay scheduler stopped")
			}
		}()
	}

	return startServer(ctx, httpServer, cfg, logger)
}

// subscribeUI refreshes cached reads and notifies UI clients after a sync.
func subscribeUI(c *app.Components, hub *api.Hub, logger *zerolog.Logger) {
	c.Bus.Subscribe(models.EventSyncOfflineData, func(ev *events.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.Remote.InvalidateCache(ctx); err != nil {
			logger.Warn().Err(err).Msg("invalidate read cache")
		}
		return nil
	})
	c.Bus.Subscribe(models.EventSyncOfflineData, hub.HandleEvent)
	c.Bus.Subscribe(events.EventOperationQueued, hub.HandleEvent)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	go metrics.Serve(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServer(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("background_sync", cfg.Sync.Background).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}
