package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fintrack/internal/domain"
	"fintrack/internal/events"
	"fintrack/internal/metrics"
	"fintrack/internal/models"
	"fintrack/internal/remote"

	"github.com/rs/zerolog"
)

const replayLeaseKey = "replay"

var (
	// ErrReplayInProgress is returned when another pass holds the replay.
	ErrReplayInProgress = errors.New("replay already in progress")
	// ErrOperationsRemaining means the pass finished with entries left for retry.
	ErrOperationsRemaining = errors.New("operations remain queued")

	errUndecodable = errors.New("operation cannot be replayed")
)

// Report summarises one replay pass.
type Report struct {
	Total     int `json:"total"`
	Applied   int `json:"applied"`
	Retried   int `json:"retried"`
	Dropped   int `json:"dropped"`
	Abandoned int `json:"abandoned"`
	Remaining int `json:"remaining"`
}

// Replayer drains the outbox against the remote store.
type Replayer struct {
	outbox      domain.Outbox
	store       domain.RemoteStore
	broadcaster events.Broadcaster
	logger      *zerolog.Logger
	maxRetries  int

	locker   domain.Locker
	leaseTTL time.Duration

	mu sync.Mutex
}

func NewReplayer(outbox domain.Outbox, store domain.RemoteStore, broadcaster events.Broadcaster, logger *zerolog.Logger) *Replayer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Replayer{
		outbox:      outbox,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		maxRetries:  models.MaxReplayRetries,
	}
}

// UseLocker makes passes also hold a lease shared with other processes.
func (r *Replayer) UseLocker(locker domain.Locker, ttl time.Duration) {
	if ttl <= 0 {
		ttl = models.DefaultReplayLeaseTTL
	}
	r.locker = locker
	r.leaseTTL = ttl
}

// Drain replays every queued operation in enqueue order. It returns
// ErrReplayInProgress if a pass is already running, and an error when the
// outbox could not be read or updated or when entries remain for retry.
func (r *Replayer) Drain(ctx context.Context) (Report, error) {
	if !r.mu.TryLock() {
		metrics.IncReplayPass("skipped")
		return Report{}, ErrReplayInProgress
	}
	defer r.mu.Unlock()

	if r.locker != nil {
		release, ok, err := r.locker.Acquire(ctx, replayLeaseKey, r.leaseTTL)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("Replay lease unavailable, continuing with local lock only")
		case !ok:
			metrics.IncReplayPass("skipped")
			return Report{}, ErrReplayInProgress
		default:
			defer release()
		}
	}

	report, err := r.drain(ctx)
	if err != nil {
		metrics.IncReplayPass("failed")
		return report, err
	}
	metrics.IncReplayPass("ok")
	return report, nil
}

func (r *Replayer) drain(ctx context.Context) (Report, error) {
	var report Report

	ops, err := r.outbox.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list outbox: %w", err)
	}
	if len(ops) == 0 {
		metrics.SetOutboxPending(0)
		return report, nil
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Timestamp < ops[j].Timestamp
	})

	report.Total = len(ops)
	r.logger.Info().Int("operations", len(ops)).Msg("Replaying outbox")

	var storageErr error
	for i := range ops {
		if ctx.Err() != nil {
			storageErr = errors.Join(storageErr, ctx.Err())
			break
		}
		if err := r.replayOne(ctx, ops[i], &report); err != nil {
			storageErr = errors.Join(storageErr, err)
		}
	}

	remaining, err := r.outbox.Count(ctx)
	if err != nil {
		return report, errors.Join(storageErr, fmt.Errorf("count outbox: %w", err))
	}
	report.Remaining = remaining
	metrics.SetOutboxPending(remaining)

	log := r.logger.Info().
		Int("applied", report.Applied).
		Int("retried", report.Retried).
		Int("dropped", report.Dropped).
		Int("abandoned", report.Abandoned).
		Int("remaining", report.Remaining)
	log.Msg("Replay pass finished")

	if storageErr != nil {
		return report, fmt.Errorf("update outbox: %w", storageErr)
	}
	if remaining > 0 {
		return report, fmt.Errorf("%w: %d", ErrOperationsRemaining, remaining)
	}

	r.announce(ctx, report)
	return report, nil
}

// replayOne applies a single operation and settles its outbox entry. Only
// outbox failures are returned.
func (r *Replayer) replayOne(ctx context.Context, op models.PendingOperation, report *Report) (err error) {
	log := r.logger.With().
		Str("operation_id", op.ID).
		Str("kind", string(op.Kind)).
		Str("table", string(op.Table)).
		Str("record_id", op.RecordID).
		Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Replay of operation panicked")
			err = r.retryOrAbandon(ctx, op, fmt.Errorf("panic: %v", p), report, &log)
		}
	}()

	applyErr := r.apply(ctx, op)
	if acknowledged(applyErr) {
		log.Warn().Err(applyErr).Msg("Remote store acknowledged operation with an unreadable body")
		applyErr = nil
	}
	if applyErr == nil {
		report.Applied++
		metrics.IncReplay("applied")
		return r.remove(ctx, op.ID)
	}

	if isPermanent(applyErr) {
		log.Warn().Err(applyErr).Msg("Dropping operation rejected by remote store")
		report.Dropped++
		metrics.IncReplay("dropped")
		return r.remove(ctx, op.ID)
	}

	return r.retryOrAbandon(ctx, op, applyErr, report, &log)
}

func (r *Replayer) retryOrAbandon(ctx context.Context, op models.PendingOperation, cause error, report *Report, log *zerolog.Logger) error {
	attempt := op.RetryCount + 1
	if attempt > r.maxRetries {
		log.Error().Err(cause).Int("attempts", attempt).Msg("Abandoning operation after retry ceiling")
		report.Abandoned++
		metrics.IncReplay("abandoned")
		return r.remove(ctx, op.ID)
	}

	log.Warn().Err(cause).Int("retry_count", attempt).Msg("Operation failed, keeping for retry")
	report.Retried++
	metrics.IncReplay("retried")
	if err := r.outbox.UpdateRetryCount(ctx, op.ID, attempt); err != nil {
		return fmt.Errorf("retry count %s: %w", op.ID, err)
	}
	return nil
}

func (r *Replayer) apply(ctx context.Context, op models.PendingOperation) error {
	if err := op.Descriptor().Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}

	switch op.Kind {
	case models.KindSave:
		if len(op.Data) == 0 {
			return fmt.Errorf("%w: save without data", errUndecodable)
		}
		_, err := r.store.Insert(ctx, op.Table, op.Data)
		return err
	case models.KindUpdate:
		_, err := r.store.Update(ctx, op.Table, op.RecordID, op.Data)
		return err
	case models.KindDelete:
		return r.store.Delete(ctx, op.Table, op.RecordID)
	default:
		return fmt.Errorf("%w: unknown kind %q", errUndecodable, op.Kind)
	}
}

func (r *Replayer) remove(ctx context.Context, id string) error {
	if err := r.outbox.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (r *Replayer) announce(ctx context.Context, report Report) {
	if r.broadcaster == nil {
		return
	}
	payload := events.SyncPayload{
		Applied:   report.Applied,
		Dropped:   report.Dropped,
		Abandoned: report.Abandoned,
	}
	if err := r.broadcaster.Broadcast(ctx, events.EventSyncOfflineData, payload); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to broadcast sync completion")
	}
}

// acknowledged reports a 2xx answer whose body could not be decoded. The write
// reached the store, so replaying it again would duplicate it.
func acknowledged(err error) bool {
	var respErr *remote.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode < 300
}

// isPermanent reports failures that replaying again cannot fix.
func isPermanent(err error) bool {
	if errors.Is(err, errUndecodable) {
		return true
	}
	var (
		apiErr  *remote.APIError
		respErr *remote.ResponseError
	)
	return errors.As(err, &apiErr) || errors.As(err, &respErr)
}
