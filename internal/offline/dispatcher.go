package offline

import (
	"context"
	"fmt"
	"sync/atomic"

	"fintrack/internal/domain"
	"fintrack/internal/events"
	"fintrack/internal/metrics"
	"fintrack/internal/models"

	"github.com/rs/zerolog"
)

// Outcome tells the caller whether a write reached the remote store.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeOfflineAccepted Outcome = "offline_accepted"
)

// Result is the successful outcome of Dispatch. Record is set when the write
// was applied; OperationID when it was queued for replay.
type Result struct {
	Outcome     Outcome
	Record      map[string]any
	OperationID string
}

// Thunk performs one write against the remote store.
type Thunk func(ctx context.Context) (map[string]any, error)

// Dispatcher runs writes against the remote store and diverts them into the
// outbox when the store is unreachable.
type Dispatcher struct {
	outbox    domain.Outbox
	scheduler domain.ReplayScheduler
	publisher domain.EventPublisher
	logger    *zerolog.Logger
	online    atomic.Bool
}

func NewDispatcher(outbox domain.Outbox, scheduler domain.ReplayScheduler, logger *zerolog.Logger) *Dispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	d := &Dispatcher{
		outbox:    outbox,
		scheduler: scheduler,
		logger:    logger,
	}
	d.online.Store(true)
	return d
}

// UsePublisher announces queued writes on the given publisher.
func (d *Dispatcher) UsePublisher(p domain.EventPublisher) {
	d.publisher = p
}

// Online returns the connectivity state observed by the last dispatch.
func (d *Dispatcher) Online() bool {
	return d.online.Load()
}

// Dispatch runs thunk. A connectivity failure is converted into a queued
// operation built from desc and reported as OutcomeOfflineAccepted; any other
// failure is returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, thunk Thunk, desc models.Descriptor) (Result, error) {
	record, err := thunk(ctx)
	if err == nil {
		d.online.Store(true)
		metrics.IncDispatch(string(desc.Table), "applied")
		return Result{Outcome: OutcomeApplied, Record: record}, nil
	}

	if !IsConnectivityError(err) {
		metrics.IncDispatch(string(desc.Table), "error")
		return Result{}, err
	}

	d.online.Store(false)
	log := d.logger.With().
		Str("kind", string(desc.Kind)).
		Str("table", string(desc.Table)).
		Str("record_id", desc.RecordID).
		Logger()
	log.Warn().Err(err).Msg("Remote store unreachable, queueing write")

	// The caller's deadline may be what failed; persisting must not inherit it.
	persistCtx := context.WithoutCancel(ctx)

	opID, qerr := d.outbox.Enqueue(persistCtx, desc)
	if qerr != nil {
		metrics.IncDispatch(string(desc.Table), "error")
		log.Error().Err(qerr).Msg("Failed to queue write")
		return Result{}, fmt.Errorf("queue offline write: %w", qerr)
	}

	if d.scheduler != nil {
		if rerr := d.scheduler.RegisterDeferredReplay(persistCtx); rerr != nil {
			log.Error().Err(rerr).Str("operation_id", opID).Msg("Failed to register deferred replay")
		}
	}

	if d.publisher != nil {
		payload := events.QueuedPayload{
			OperationID: opID,
			Kind:        string(desc.Kind),
			Table:       string(desc.Table),
			RecordID:    desc.RecordID,
		}
		if perr := d.publisher.PublishJSON(events.EventOperationQueued, payload); perr != nil {
			log.Warn().Err(perr).Msg("Failed to publish queued event")
		}
	}

	metrics.IncDispatch(string(desc.Table), "offline")
	log.Info().Str("operation_id", opID).Msg("Write accepted offline")
	return Result{Outcome: OutcomeOfflineAccepted, OperationID: opID}, nil
}
