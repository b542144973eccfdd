package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fintrack/internal/config"
	"fintrack/internal/events"
	"fintrack/internal/models"
	"fintrack/internal/remote/remotetest"
	"fintrack/internal/repository"
	"fintrack/internal/worker"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, remoteURL, redisAddr string) *config.Config {
	t.Helper()
	return &config.Config{
		App:      config.AppConfig{Name: "fintrack"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "outbox.db")},
		Redis:    config.RedisConfig{Address: redisAddr},
		Remote:   config.RemoteConfig{BaseURL: remoteURL, Timeout: 2 * time.Second, CacheTTL: time.Minute},
		Sync:     config.SyncConfig{Channel: "fintrack:events", LeaseTTL: time.Minute},
	}
}

func TestBuildWithoutRedis(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	c, err := Build(context.Background(), testConfig(t, srv.URL, ""), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Redis)
	assert.IsType(t, &repository.MemoryTaskRegistry{}, c.Registry)
	assert.IsType(t, &events.JournalBroadcaster{}, c.Broadcaster)

	stop, err := c.RelayBroadcasts(context.Background())
	require.NoError(t, err)
	stop()
}

func TestBuildInMemoryOutbox(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	cfg := testConfig(t, srv.URL, "")
	cfg.Database.Path = ":memory:"
	c, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &events.LocalBroadcaster{}, c.Broadcaster)
}

func TestBuildRedisUnreachable(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c, err := Build(context.Background(), testConfig(t, srv.URL, addr), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Redis)
	assert.IsType(t, &repository.MemoryTaskRegistry{}, c.Registry)
}

func TestBuildWithRedisDrainsAndRelays(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	mr := miniredis.RunT(t)

	ctx := context.Background()
	c, err := Build(ctx, testConfig(t, srv.URL, mr.Addr()), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Redis)
	assert.IsType(t, &repository.FailoverTaskRegistry{}, c.Registry)
	assert.IsType(t, &events.RedisBroadcaster{}, c.Broadcaster)

	got := make(chan *events.Event, 1)
	c.Bus.Subscribe(models.EventSyncOfflineData, func(ev *events.Event) error {
		got <- ev
		return nil
	})
	stop, err := c.RelayBroadcasts(ctx)
	require.NoError(t, err)
	defer stop()

	_, err = c.DB.Enqueue(ctx, models.Descriptor{
		Kind:  models.KindSave,
		Table: models.TableRevenues,
		Data:  map[string]any{"name": "Consulting", "amount": "1500.00", "received_at": "2024-02-10"},
	})
	require.NoError(t, err)

	report, err := c.Scheduler.TriggerManualReplay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	select {
	case ev := <-got:
		assert.Equal(t, models.EventSyncOfflineData, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("sync event was not relayed")
	}
	assert.Len(t, srv.Rows(string(models.TableRevenues)), 1)
}

func TestProcessesSharingOutboxWithoutRedis(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	cfg := testConfig(t, srv.URL, "")
	cfg.Sync.EventPollInterval = 10 * time.Millisecond

	api, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer api.Close()
	syncd, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer syncd.Close()

	got := make(chan *events.Event, 1)
	api.Bus.Subscribe(models.EventSyncOfflineData, func(ev *events.Event) error {
		got <- ev
		return nil
	})
	stop, err := api.RelayBroadcasts(ctx)
	require.NoError(t, err)
	defer stop()

	_, err = api.DB.Enqueue(ctx, models.Descriptor{
		Kind:  models.KindSave,
		Table: models.TableRevenues,
		Data:  map[string]any{"name": "Consulting", "amount": "1500.00", "received_at": "2024-02-10"},
	})
	require.NoError(t, err)

	// Both processes replay at once; the shared lease lets one of them through.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Components{api, syncd} {
		wg.Add(1)
		go func(i int, c *Components) {
			defer wg.Done()
			_, errs[i] = c.Replayer.Drain(ctx)
		}(i, c)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, worker.ErrReplayInProgress)
		}
	}
	assert.Len(t, srv.Rows(string(models.TableRevenues)), 1)

	n, err := api.DB.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	select {
	case ev := <-got:
		assert.Equal(t, models.EventSyncOfflineData, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("sync event did not reach the other process")
	}
}

func TestLoadConfigAndLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("database:\n  path: " + filepath.Join(t.TempDir(), "outbox.db") + "\nremote:\n  base_url: http://localhost:54321\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, logger, closer, err := LoadConfigAndLogger(path, "test")
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.NotNil(t, logger)
	assert.Equal(t, "fintrack", cfg.App.Name)

	_, _, _, err = LoadConfigAndLogger(filepath.Join(t.TempDir(), "missing.yaml"), "test")
	assert.Error(t, err)
}
