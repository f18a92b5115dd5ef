package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"story-pipeline/internal/worker"
)

func TestTaskPool(t *testing.T) {
	t.Run("rejects tasks over capacity", func(t *testing.T) {
		pool := worker.NewTaskPool(1, zap.NewNop())
		release := make(chan struct{})
		_, err := pool.Submit("first", func(context.Context) error { <-release; return nil })
		require.NoError(t, err)

		_, err = pool.Submit("second", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, worker.ErrPoolFull)

		close(release)
		require.NoError(t, pool.Shutdown(context.Background()))

		_, err = pool.Submit("third", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, worker.ErrPoolClosed)
	})

	t.Run("records final status", func(t *testing.T) {
		pool := worker.NewTaskPool(2, zap.NewNop())
		okID, err := pool.Submit("ok", func(context.Context) error { return nil })
		require.NoError(t, err)
		badID, err := pool.Submit("bad", func(context.Context) error { return errors.New("boom") })
		require.NoError(t, err)
		require.NoError(t, pool.Shutdown(context.Background()))

		ok, err := pool.Get(okID)
		require.NoError(t, err)
		assert.Equal(t, worker.TaskStatusCompleted, ok.Status)

		bad, err := pool.Get(badID)
		require.NoError(t, err)
		assert.Equal(t, worker.TaskStatusFailed, bad.Status)
		assert.Equal(t, "boom", bad.Error)
	})

	t.Run("cleanup drops old finished tasks", func(t *testing.T) {
		pool := worker.NewTaskPool(1, zap.NewNop())
		_, err := pool.Submit("ok", func(context.Context) error { return nil })
		require.NoError(t, err)
		require.NoError(t, pool.Shutdown(context.Background()))

		assert.Zero(t, pool.Cleanup(time.Hour))
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, 1, pool.Cleanup(time.Millisecond))
		assert.Empty(t, pool.List())
	})
}
