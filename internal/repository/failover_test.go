package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Register(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *mockRegistry) Pending(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *mockRegistry) Complete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func TestFailoverTaskRegistry(t *testing.T) {
	primary := new(mockRegistry)
	fallback := new(mockRegistry)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverTaskRegistry(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Register", ctx, "task").Return(nil).Once()

		assert.NoError(t, repo.Register(ctx, "task"))
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Register", ctx, "task").Return(errors.New("fail")).Once()
		fallback.On("Register", ctx, "task").Return(nil).Once()

		assert.NoError(t, repo.Register(ctx, "task"))
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("PendingAlreadyDown", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now()
		fallback.On("Pending", ctx, "task").Return(true, nil).Once()

		pending, err := repo.Pending(ctx, "task")
		assert.NoError(t, err)
		assert.True(t, pending)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)
		primary.On("Pending", ctx, "task").Return(true, nil).Once()

		pending, err := repo.Pending(ctx, "task")
		assert.NoError(t, err)
		assert.True(t, pending)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)
		primary.On("Register", ctx, "other").Return(errors.New("still fail")).Once()
		fallback.On("Register", ctx, "other").Return(nil).Once()

		assert.NoError(t, repo.Register(ctx, "other"))
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("CompleteClearsBoth", func(t *testing.T) {
		repo.isDown.Store(false)
		fallback.On("Complete", ctx, "task").Return(nil).Once()
		primary.On("Complete", ctx, "task").Return(nil).Once()

		assert.NoError(t, repo.Complete(ctx, "task"))
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("CompleteFailover", func(t *testing.T) {
		repo.isDown.Store(false)
		fallback.On("Complete", ctx, "task").Return(nil).Once()
		primary.On("Complete", ctx, "task").Return(errors.New("fail")).Once()

		assert.NoError(t, repo.Complete(ctx, "task"))
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("NilLogger", func(t *testing.T) {
		assert.NotNil(t, NewFailoverTaskRegistry(primary, fallback, nil).logger)
	})
}
