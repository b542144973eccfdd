package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fintrack/internal/config"
	"fintrack/internal/database"
	"fintrack/internal/events"
	"fintrack/internal/models"
	"fintrack/internal/remote"
	"fintrack/internal/remote/remotetest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) handle(e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func openDB(t *testing.T, path string) *database.DB {
	t.Helper()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	return openDB(t, filepath.Join(t.TempDir(), "worker.db"))
}

func newTestReplayer(t *testing.T, db *database.DB, store *remote.Client) (*Replayer, *recorder) {
	t.Helper()
	bus := events.NewEventBus()
	rec := &recorder{}
	bus.Subscribe(events.EventSyncOfflineData, rec.handle)
	return NewReplayer(db, store, events.NewLocalBroadcaster(bus), nil), rec
}

func mustEnqueue(t *testing.T, db *database.DB, d models.Descriptor) string {
	t.Helper()
	id, err := db.Enqueue(context.Background(), d)
	require.NoError(t, err)
	return id
}

func pending(t *testing.T, db *database.DB) []models.PendingOperation {
	t.Helper()
	ops, err := db.ListAll(context.Background())
	require.NoError(t, err)
	return ops
}

func TestDrainReplaysInOrder(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Seed(string(models.TableRevenues), map[string]any{"id": "r1", "name": "Old"})
	srv.Seed(string(models.TableCompanyExpenses), map[string]any{"id": "c1", "name": "Rent"})

	db := newTestDB(t)
	replayer, rec := newTestReplayer(t, db, remote.NewClient(config.RemoteConfig{BaseURL: srv.URL}))

	mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TablePersonalExpenses, Data: map[string]any{"name": "A"}})
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TablePersonalExpenses, Data: map[string]any{"name": "B"}})
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindUpdate, Table: models.TableRevenues, RecordID: "r1", Data: map[string]any{"name": "New"}})
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindDelete, Table: models.TableCompanyExpenses, RecordID: "c1"})

	report, err := replayer.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 4, Applied: 4}, report)
	assert.Empty(t, pending(t, db))

	calls := srv.Calls()
	require.Len(t, calls, 4)
	wantMethods := []string{http.MethodPost, http.MethodPost, http.MethodPatch, http.MethodDelete}
	for i, m := range wantMethods {
		assert.Equal(t, m, calls[i].Method, "call %d", i)
	}
	assert.Equal(t, "A", calls[0].Body["name"])
	assert.Equal(t, "B", calls[1].Body["name"])

	rows := srv.Rows(string(models.TableRevenues))
	require.Len(t, rows, 1)
	assert.Equal(t, "New", rows[0]["name"])
	assert.Empty(t, srv.Rows(string(models.TableCompanyExpenses)))
	assert.Equal(t, 1, rec.count())
}

func TestDrainRetryCeiling(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.SetOffline(true)

	db := newTestDB(t)
	replayer, rec := newTestReplayer(t, db, remote.NewClient(config.RemoteConfig{BaseURL: srv.URL}))
	id := mustEnqueue(t, db, models.Descriptor{Kind: models.KindDelete, Table: models.TableRevenues, RecordID: "r1"})

	for attempt := 1; attempt <= models.MaxReplayRetries; attempt++ {
		report, err := replayer.Drain(context.Background())
		require.ErrorIs(t, err, ErrOperationsRemaining, "attempt %d", attempt)
		assert.Equal(t, 1, report.Retried, "attempt %d", attempt)
		assert.Equal(t, 1, report.Remaining, "attempt %d", attempt)

		ops := pending(t, db)
		require.Len(t, ops, 1)
		assert.Equal(t, id, ops[0].ID)
		assert.Equal(t, attempt, ops[0].RetryCount)
	}

	report, err := replayer.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Empty(t, pending(t, db))
	assert.Equal(t, 1, rec.count(), "broadcast once the outbox is empty")
}

func TestDrainDropsUpdateOfDeletedRecord(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.Seed(string(models.TableRevenues), map[string]any{"id": "r1", "name": "Consulting"})

	db := newTestDB(t)
	replayer, rec := newTestReplayer(t, db, remote.NewClient(config.RemoteConfig{BaseURL: srv.URL}))

	mustEnqueue(t, db, models.Descriptor{Kind: models.KindDelete, Table: models.TableRevenues, RecordID: "r1"})
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindUpdate, Table: models.TableRevenues, RecordID: "r1", Data: map[string]any{"amount": "10.00"}})
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TablePersonalExpenses, Data: map[string]any{"name": "Internet"}})

	report, err := replayer.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 1, report.Dropped)
	assert.Empty(t, pending(t, db))
	assert.Len(t, srv.Rows(string(models.TablePersonalExpenses)), 1)
	assert.Equal(t, 1, rec.count())
}

func TestDrainEmptyOutbox(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	db := newTestDB(t)
	replayer, rec := newTestReplayer(t, db, remote.NewClient(config.RemoteConfig{BaseURL: srv.URL}))

	report, err := replayer.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Zero(t, rec.count(), "no broadcast for an untouched outbox")
}

func TestDrainDropsUndecodableOperation(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	db := newTestDB(t)
	replayer, _ := newTestReplayer(t, db, remote.NewClient(config.RemoteConfig{BaseURL: srv.URL}))

	_, err := db.ExecContext(context.Background(),
		`INSERT INTO offline_operations (id, kind, table_name, data, timestamp) VALUES ('bad', 'save', 'company_revenues', '{broken', ?)`,
		time.Now().UnixMilli())
	require.NoError(t, err)
	_, err = db.ExecContext(context.Background(),
		`INSERT INTO offline_operations (id, kind, table_name, data, timestamp) VALUES ('odd', 'upsert', 'company_revenues', '{}', ?)`,
		time.Now().UnixMilli())
	require.NoError(t, err)

	report, err := replayer.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Dropped)
	assert.Empty(t, srv.Calls(), "undecodable operations must not reach the remote store")
}

func TestDrainUnreadableAcknowledgementIsApplied(t *testing.T) {
	var inserts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			inserts.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"x",`))
	}))
	defer srv.Close()

	db := newTestDB(t)
	replayer, rec := newTestReplayer(t, db, remote.NewClient(config.RemoteConfig{BaseURL: srv.URL}))
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TableRevenues, Data: map[string]any{"name": "x"}})

	report, err := replayer.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Empty(t, pending(t, db))

	_, err = replayer.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), inserts.Load())
	assert.Equal(t, 1, rec.count())
}

type blockingStore struct {
	remote.Client
	entered chan struct{}
	release chan struct{}
	panicOn string
}

func (s *blockingStore) Insert(ctx context.Context, table models.Table, fields map[string]any) (map[string]any, error) {
	if s.panicOn != "" && fields["name"] == s.panicOn {
		panic("boom")
	}
	if s.entered != nil {
		close(s.entered)
		s.entered = nil
		<-s.release
	}
	return fields, nil
}

func TestDrainCoalescesConcurrentPasses(t *testing.T) {
	db := newTestDB(t)
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	entered := store.entered
	replayer := NewReplayer(db, store, nil, nil)
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TableRevenues, Data: map[string]any{"name": "x"}})

	done := make(chan error, 1)
	go func() {
		_, err := replayer.Drain(context.Background())
		done <- err
	}()

	<-entered
	_, err := replayer.Drain(context.Background())
	assert.ErrorIs(t, err, ErrReplayInProgress)

	close(store.release)
	require.NoError(t, <-done)
	assert.Empty(t, pending(t, db))
}

func TestDrainRespectsSharedLease(t *testing.T) {
	db := newTestDB(t)
	replayer := NewReplayer(db, &blockingStore{}, nil, nil)
	replayer.UseLocker(db, time.Minute)
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TableRevenues, Data: map[string]any{"name": "x"}})

	release, ok, err := db.Acquire(context.Background(), replayLeaseKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = replayer.Drain(context.Background())
	assert.ErrorIs(t, err, ErrReplayInProgress, "lease held elsewhere")

	release()
	_, err = replayer.Drain(context.Background())
	require.NoError(t, err)

	// The pass releases its own lease.
	_, ok, err = db.Acquire(context.Background(), replayLeaseKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDrainSerializedAcrossHandles(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "shared.db")
	first, second := openDB(t, path), openDB(t, path)
	mustEnqueue(t, first, models.Descriptor{Kind: models.KindSave, Table: models.TableRevenues, Data: map[string]any{"name": "x"}})

	// The first process stalls mid-pass while holding the lease.
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	entered := store.entered
	blocked := NewReplayer(first, store, nil, nil)
	blocked.UseLocker(first, time.Minute)

	other := NewReplayer(second, remote.NewClient(config.RemoteConfig{BaseURL: srv.URL}), nil, nil)
	other.UseLocker(second, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := blocked.Drain(context.Background())
		done <- err
	}()

	<-entered
	_, err := other.Drain(context.Background())
	assert.ErrorIs(t, err, ErrReplayInProgress)
	assert.Empty(t, srv.Calls())

	close(store.release)
	require.NoError(t, <-done)

	report, err := other.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Empty(t, srv.Calls())
}

func TestDrainSurvivesPanickingOperation(t *testing.T) {
	db := newTestDB(t)
	replayer := NewReplayer(db, &blockingStore{panicOn: "bad"}, nil, nil)

	badID := mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TableRevenues, Data: map[string]any{"name": "bad"}})
	mustEnqueue(t, db, models.Descriptor{Kind: models.KindSave, Table: models.TableRevenues, Data: map[string]any{"name": "good"}})

	report, err := replayer.Drain(context.Background())
	require.ErrorIs(t, err, ErrOperationsRemaining)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Retried)

	ops := pending(t, db)
	require.Len(t, ops, 1)
	assert.Equal(t, badID, ops[0].ID)
	assert.Equal(t, 1, ops[0].RetryCount)
}

func TestDrainStorageFailure(t *testing.T) {
	db := newTestDB(t)
	replayer := NewReplayer(db, &blockingStore{}, nil, nil)
	db.Close()

	_, err := replayer.Drain(context.Background())
	assert.Error(t, err)
}
