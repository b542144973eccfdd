// Package app assembles the outbox, remote client, replay engine and trigger
// shared by every binary.
package app

import (
	"context"
	"fmt"
	"io"

	"fintrack/internal/config"
	"fintrack/internal/database"
	"fintrack/internal/domain"
	"fintrack/internal/events"
	"fintrack/internal/logging"
	"fintrack/internal/remote"
	"fintrack/internal/repository"
	"fintrack/internal/trigger"
	"fintrack/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Components are the long-lived collaborators of a process.
type Components struct {
	Config      *config.Config
	Logger      *zerolog.Logger
	DB          *database.DB
	Redis       *redis.Client
	Remote      *remote.Client
	Bus         *events.EventBus
	Broadcaster events.Broadcaster
	Registry    domain.TaskRegistry
	Replayer    *worker.Replayer
	Scheduler   *trigger.Scheduler
}

// LoadConfigAndLogger reads the config at path and builds the process logger.
func LoadConfigAndLogger(path, component string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	base, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(base, component), closer, nil
}

// Build opens the outbox and wires the replay pipeline. Redis is optional:
// without it the task registry is process-local while the replay lease and
// the event relay go through the outbox database.
func Build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*Components, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "outbox"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	c := &Components{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Bus:    events.NewEventBus(),
		Remote: remote.NewClient(cfg.Remote),
	}

	c.Redis = initRedis(ctx, cfg, logger)

	var locker domain.Locker
	if c.Redis != nil {
		c.Remote.UseRedisCache(c.Redis, cfg.Remote.CacheTTL)
		c.Registry = repository.NewFailoverTaskRegistry(
			repository.NewRedisTaskRegistry(c.Redis),
			repository.NewMemoryTaskRegistry(),
			logging.Component(logger, "task-registry"),
		)
		locker = repository.NewFailoverLocker(repository.NewRedisLocker(c.Redis), db, logging.Component(logger, "lease"))
		c.Broadcaster = events.NewRedisBroadcaster(c.Redis, cfg.Sync.Channel, c.Bus, logging.Component(logger, "broadcast"))
	} else {
		c.Registry = repository.NewMemoryTaskRegistry()
		locker = db
		c.Broadcaster = journalOrLocal(cfg, db, c.Bus, logger)
	}

	c.Replayer = worker.NewReplayer(db, c.Remote, c.Broadcaster, logging.Component(logger, "replay"))
	c.Replayer.UseLocker(locker, cfg.Sync.LeaseTTL)
	c.Scheduler = trigger.NewScheduler(c.Registry, db, c.Replayer, c.Remote, cfg.Sync, logging.Component(logger, "trigger"))

	return c, nil
}

type listener interface {
	Listen(ctx context.Context) (func(), error)
}

// RelayBroadcasts feeds events published by other processes into the local bus.
func (c *Components) RelayBroadcasts(ctx context.Context) (func(), error) {
	l, ok := c.Broadcaster.(listener)
	if !ok {
		return func() {}, nil
	}
	return l.Listen(ctx)
}

// Close releases the outbox and the Redis connection.
func (c *Components) Close() {
	if err := repository.Close(c.Redis); err != nil {
		c.Logger.Warn().Err(err).Msg("close redis")
	}
	if err := c.DB.Close(); err != nil {
		c.Logger.Warn().Err(err).Msg("close database")
	}
}

// journalOrLocal shares events through the outbox file. An in-memory outbox
// is private to this process, so the local bus is enough.
func journalOrLocal(cfg *config.Config, db *database.DB, bus *events.EventBus, logger *zerolog.Logger) events.Broadcaster {
	if cfg.Database.Path == ":memory:" {
		return events.NewLocalBroadcaster(bus)
	}
	return events.NewJournalBroadcaster(db, bus, cfg.Sync.EventPollInterval, logging.Component(logger, "broadcast"))
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}
