package service

import (
	"context"
	"errors"
	"fmt"

	"fintrack/internal/domain"
	"fintrack/internal/models"
	"fintrack/internal/offline"

	"github.com/rs/zerolog"
)

// ErrMissingID is returned when an update or delete names no record.
var ErrMissingID = errors.New("record id is required")

// Dispatcher runs a remote write, diverting it to the outbox when offline.
type Dispatcher interface {
	Dispatch(ctx context.Context, thunk offline.Thunk, d models.Descriptor) (offline.Result, error)
}

// RecordService exposes create/update/delete/list for the finance collections.
type RecordService struct {
	store      domain.RemoteStore
	dispatcher Dispatcher
	logger     *zerolog.Logger
}

func NewRecordService(store domain.RemoteStore, dispatcher Dispatcher, logger *zerolog.Logger) *RecordService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RecordService{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *RecordService) Create(ctx context.Context, table models.Table, rec models.Record) (offline.Result, error) {
	if !table.Valid() {
		return offline.Result{}, fmt.Errorf("%w: unknown table %q", models.ErrInvalidDescriptor, table)
	}
	if err := rec.Validate(); err != nil {
		return offline.Result{}, err
	}

	fields := rec.Fields()
	desc := models.Descriptor{Kind: models.KindSave, Table: table, Data: fields}
	return s.dispatcher.Dispatch(ctx, func(ctx context.Context) (map[string]any, error) {
		return s.store.Insert(ctx, table, fields)
	}, desc)
}

func (s *RecordService) Update(ctx context.Context, table models.Table, id string, patch map[string]any) (offline.Result, error) {
	if id == "" {
		return offline.Result{}, ErrMissingID
	}
	fields, err := models.NormalizePatch(table, patch)
	if err != nil {
		return offline.Result{}, err
	}

	desc := models.Descriptor{Kind: models.KindUpdate, Table: table, Data: fields, RecordID: id}
	return s.dispatcher.Dispatch(ctx, func(ctx context.Context) (map[string]any, error) {
		return s.store.Update(ctx, table, id, fields)
	}, desc)
}

func (s *RecordService) Delete(ctx context.Context, table models.Table, id string) (offline.Result, error) {
	if id == "" {
		return offline.Result{}, ErrMissingID
	}
	if !table.Valid() {
		return offline.Result{}, fmt.Errorf("%w: unknown table %q", models.ErrInvalidDescriptor, table)
	}

	desc := models.Descriptor{Kind: models.KindDelete, Table: table, RecordID: id}
	return s.dispatcher.Dispatch(ctx, func(ctx context.Context) (map[string]any, error) {
		if err := s.store.Delete(ctx, table, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	}, desc)
}

// List reads the collection straight from the remote store. Reads are never
// queued.
func (s *RecordService) List(ctx context.Context, table models.Table) ([]map[string]any, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("%w: unknown table %q", models.ErrInvalidDescriptor, table)
	}
	rows, err := s.store.List(ctx, table)
	if err != nil {
		s.logger.Debug().Err(err).Str("table", string(table)).Msg("List failed")
		return nil, err
	}
	return rows, nil
}
