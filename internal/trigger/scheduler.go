// Package trigger runs queued replays once the remote store is reachable.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fintrack/internal/config"
	"fintrack/internal/domain"
	"fintrack/internal/models"
	"fintrack/internal/worker"

	"github.com/rs/zerolog"
)

// Drainer runs one replay pass.
type Drainer interface {
	Drain(ctx context.Context) (worker.Report, error)
}

// Prober checks whether the remote store is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Counter reports how many operations are queued.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Scheduler holds the deferred replay task and executes it when the remote
// store answers, backing off after failed passes.
type Scheduler struct {
	registry domain.TaskRegistry
	outbox   Counter
	replayer Drainer
	prober   Prober
	policy   worker.RetryPolicy
	interval time.Duration
	logger   *zerolog.Logger

	wake chan struct{}
}

func NewScheduler(
	registry domain.TaskRegistry,
	outbox Counter,
	replayer Drainer,
	prober Prober,
	cfg config.SyncConfig,
	logger *zerolog.Logger,
) *Scheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = models.DefaultProbeInterval
	}
	return &Scheduler{
		registry: registry,
		outbox:   outbox,
		replayer: replayer,
		prober:   prober,
		policy:   worker.NewRetryPolicy(cfg),
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// RegisterDeferredReplay records the replay task. Registering an already
// pending task is a no-op.
func (s *Scheduler) RegisterDeferredReplay(ctx context.Context) error {
	if err := s.registry.Register(ctx, models.ReplayTaskName); err != nil {
		return fmt.Errorf("register %s: %w", models.ReplayTaskName, err)
	}
	s.notify()
	return nil
}

// TriggerManualReplay runs a pass right away. A pass already in flight
// counts as success.
func (s *Scheduler) TriggerManualReplay(ctx context.Context) (worker.Report, error) {
	report, err := s.replayer.Drain(ctx)
	switch {
	case err == nil:
		if cerr := s.registry.Complete(ctx, models.ReplayTaskName); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to complete replay task")
		}
		return report, nil
	case errors.Is(err, worker.ErrReplayInProgress):
		s.logger.Debug().Msg("Manual replay coalesced with running pass")
		return report, nil
	default:
		// Keep the deferred task so the loop picks up what is left.
		if rerr := s.RegisterDeferredReplay(ctx); rerr != nil {
			s.logger.Error().Err(rerr).Msg("Failed to re-register deferred replay")
		}
		return report, err
	}
}

// Run executes the task loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("probe_interval", s.interval).Msg("Replay scheduler started")
	defer s.logger.Info().Msg("Replay scheduler stopped")

	s.recoverPending(ctx)

	attempt := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}

		timer.Reset(s.tick(ctx, &attempt))
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// recoverPending re-registers the task for operations queued before a restart.
func (s *Scheduler) recoverPending(ctx context.Context) {
	if s.outbox == nil {
		return
	}
	n, err := s.outbox.Count(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to inspect outbox on start")
		return
	}
	if n == 0 {
		return
	}
	s.logger.Info().Int("pending", n).Msg("Outbox not empty, scheduling replay")
	if err := s.RegisterDeferredReplay(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to schedule replay on start")
	}
}

// tick runs one check of the task and returns the delay until the next one.
func (s *Scheduler) tick(ctx context.Context, attempt *int) time.Duration {
	pending, err := s.registry.Pending(ctx, models.ReplayTaskName)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read replay task")
		return s.interval
	}
	if !pending {
		pending = s.queuedElsewhere(ctx)
	}
	if !pending {
		*attempt = 0
		return s.interval
	}

	if err := s.prober.Ping(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Remote store unreachable, replay deferred")
		return s.interval
	}

	report, err := s.replayer.Drain(ctx)
	switch {
	case err == nil:
		*attempt = 0
		if err := s.registry.Complete(ctx, models.ReplayTaskName); err != nil {
			s.logger.Error().Err(err).Msg("Failed to complete replay task")
		}
		s.logger.Info().Int("applied", report.Applied).Msg("Deferred replay completed")
		return s.interval
	case errors.Is(err, worker.ErrReplayInProgress):
		return s.interval
	case ctx.Err() != nil:
		return s.interval
	default:
		*attempt++
		delay := s.policy.NextDelay(*attempt)
		s.logger.Warn().Err(err).Int("attempt", *attempt).Dur("retry_in", delay).Msg("Replay pass failed")
		return delay
	}
}

// queuedElsewhere registers the task when the outbox holds operations the
// registry does not know about, such as writes queued by another process
// sharing the database without a shared registry.
func (s *Scheduler) queuedElsewhere(ctx context.Context) bool {
	if s.outbox == nil {
		return false
	}
	n, err := s.outbox.Count(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to inspect outbox")
		return false
	}
	if n == 0 {
		return false
	}
	if err := s.registry.Register(ctx, models.ReplayTaskName); err != nil {
		s.logger.Error().Err(err).Msg("Failed to register replay task")
		return false
	}
	s.logger.Debug().Int("pending", n).Msg("Found queued operations without a replay task")
	return true
}
