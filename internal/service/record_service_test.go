package service

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"fintrack/internal/database"
	"fintrack/internal/models"
	"fintrack/internal/offline"
	"fintrack/internal/remote"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Insert(ctx context.Context, table models.Table, fields map[string]any) (map[string]any, error) {
	args := m.Called(ctx, table, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}
func (m *mockStore) Update(ctx context.Context, table models.Table, id string, fields map[string]any) (map[string]any, error) {
	args := m.Called(ctx, table, id, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}
func (m *mockStore) Delete(ctx context.Context, table models.Table, id string) error {
	return m.Called(ctx, table, id).Error(0)
}
func (m *mockStore) List(ctx context.Context, table models.Table) ([]map[string]any, error) {
	args := m.Called(ctx, table)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]any), args.Error(1)
}
func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type countingScheduler struct{ calls int }

func (c *countingScheduler) RegisterDeferredReplay(ctx context.Context) error {
	c.calls++
	return nil
}

func newService(t *testing.T) (*RecordService, *mockStore, *database.DB, *countingScheduler) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "outbox.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := new(mockStore)
	sched := &countingScheduler{}
	return NewRecordService(store, offline.NewDispatcher(db, sched, nil), nil), store, db, sched
}

func internet() *models.PersonalExpense {
	return &models.PersonalExpense{
		Name:        "Internet",
		Price:       decimal.RequireFromString("120"),
		PaymentDate: models.NewDate(2024, time.March, 1),
	}
}

var offlineErr = &remote.TransportError{Op: "POST", Err: syscall.ECONNREFUSED}

func TestRecordServiceCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("Applied", func(t *testing.T) {
		svc, store, _, _ := newService(t)
		want := map[string]any{"name": "Internet", "price": "120.00", "payment_date": "2024-03-01"}
		store.On("Insert", ctx, models.TablePersonalExpenses, want).
			Return(map[string]any{"id": "p1", "name": "Internet"}, nil).Once()

		res, err := svc.Create(ctx, models.TablePersonalExpenses, internet())
		require.NoError(t, err)
		assert.Equal(t, offline.OutcomeApplied, res.Outcome)
		assert.Equal(t, "p1", res.Record["id"])
		store.AssertExpectations(t)
	})

	t.Run("OfflineAccepted", func(t *testing.T) {
		svc, store, db, sched := newService(t)
		store.On("Insert", ctx, models.TablePersonalExpenses, mock.Anything).Return(nil, offlineErr).Once()

		res, err := svc.Create(ctx, models.TablePersonalExpenses, internet())
		require.NoError(t, err)
		assert.Equal(t, offline.OutcomeOfflineAccepted, res.Outcome)
		assert.Equal(t, 1, sched.calls)

		ops, err := db.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, "120.00", ops[0].Data["price"])
		assert.Equal(t, "2024-03-01", ops[0].Data["payment_date"])
	})

	t.Run("ValidationFailsBeforeDispatch", func(t *testing.T) {
		svc, store, _, _ := newService(t)
		bad := internet()
		bad.Name = ""

		_, err := svc.Create(ctx, models.TablePersonalExpenses, bad)
		assert.ErrorIs(t, err, models.ErrValidation)
		store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("UnknownTable", func(t *testing.T) {
		svc, _, _, _ := newService(t)
		_, err := svc.Create(ctx, models.Table("bookings"), internet())
		assert.ErrorIs(t, err, models.ErrInvalidDescriptor)
	})
}

func TestRecordServiceUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("NormalizesPatch", func(t *testing.T) {
		svc, store, _, _ := newService(t)
		store.On("Update", ctx, models.TableRevenues, "r1", map[string]any{"amount": "99.50"}).
			Return(map[string]any{"id": "r1", "amount": "99.50"}, nil).Once()

		res, err := svc.Update(ctx, models.TableRevenues, "r1", map[string]any{"amount": "99.5"})
		require.NoError(t, err)
		assert.Equal(t, offline.OutcomeApplied, res.Outcome)
		store.AssertExpectations(t)
	})

	t.Run("NotFoundPropagates", func(t *testing.T) {
		svc, store, db, _ := newService(t)
		store.On("Update", ctx, models.TableRevenues, "gone", mock.Anything).
			Return(nil, &remote.APIError{StatusCode: 404, Code: "PGRST116"}).Once()

		_, err := svc.Update(ctx, models.TableRevenues, "gone", map[string]any{"name": "x"})
		assert.ErrorIs(t, err, remote.ErrNotFound)

		n, err := db.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("MissingID", func(t *testing.T) {
		svc, _, _, _ := newService(t)
		_, err := svc.Update(ctx, models.TableRevenues, "", map[string]any{"name": "x"})
		assert.ErrorIs(t, err, ErrMissingID)
	})

	t.Run("UnknownField", func(t *testing.T) {
		svc, _, _, _ := newService(t)
		_, err := svc.Update(ctx, models.TableRevenues, "r1", map[string]any{"color": "red"})
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestRecordServiceDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("Applied", func(t *testing.T) {
		svc, store, _, _ := newService(t)
		store.On("Delete", ctx, models.TableCompanyExpenses, "c1").Return(nil).Once()

		res, err := svc.Delete(ctx, models.TableCompanyExpenses, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", res.Record["id"])
	})

	t.Run("OfflineAccepted", func(t *testing.T) {
		svc, store, db, _ := newService(t)
		store.On("Delete", ctx, models.TableCompanyExpenses, "c1").Return(offlineErr).Once()

		res, err := svc.Delete(ctx, models.TableCompanyExpenses, "c1")
		require.NoError(t, err)
		assert.Equal(t, offline.OutcomeOfflineAccepted, res.Outcome)

		ops, err := db.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, models.KindDelete, ops[0].Kind)
		assert.Equal(t, "c1", ops[0].RecordID)
	})

	t.Run("MissingID", func(t *testing.T) {
		svc, _, _, _ := newService(t)
		_, err := svc.Delete(ctx, models.TableCompanyExpenses, "")
		assert.ErrorIs(t, err, ErrMissingID)
	})
}

func TestRecordServiceList(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newService(t)

	rows := []map[string]any{{"id": "r1"}}
	store.On("List", ctx, models.TableRevenues).Return(rows, nil).Once()
	got, err := svc.List(ctx, models.TableRevenues)
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	store.On("List", ctx, models.TablePersonalExpenses).Return(nil, errors.New("boom")).Once()
	_, err = svc.List(ctx, models.TablePersonalExpenses)
	assert.Error(t, err)

	_, err = svc.List(ctx, models.Table("nope"))
	assert.ErrorIs(t, err, models.ErrInvalidDescriptor)
}
