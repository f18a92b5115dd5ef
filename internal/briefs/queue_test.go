package briefs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"story-pipeline/internal/briefs"
	"story-pipeline/internal/mocks"
	"story-pipeline/internal/model"
	"story-pipeline/internal/repository"
)

func TestQueue(t *testing.T) {
	ctx := context.Background()
	stale := 30 * time.Minute

	t.Run("claim returns brief", func(t *testing.T) {
		store := mocks.NewMockStore(t)
		brief := &model.StoryBrief{ID: uuid.New(), Status: model.BriefStatusProcessing, ClaimCount: 1}
		store.On("ClaimNextBrief", mock.Anything, stale).Return(brief, nil).Once()

		got, err := briefs.NewQueue(store, stale, 3, zap.NewNop()).ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, brief.ID, got.ID)
	})

	t.Run("empty queue", func(t *testing.T) {
		store := mocks.NewMockStore(t)
		store.On("ClaimNextBrief", mock.Anything, stale).Return(nil, nil).Once()

		got, err := briefs.NewQueue(store, stale, 3, zap.NewNop()).ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("claim error is wrapped", func(t *testing.T) {
		store := mocks.NewMockStore(t)
		dbErr := errors.New("connection reset")
		store.On("ClaimNextBrief", mock.Anything, stale).Return(nil, dbErr).Once()

		_, err := briefs.NewQueue(store, stale, 3, zap.NewNop()).ClaimNext(ctx)
		assert.ErrorIs(t, err, dbErr)
	})

	t.Run("runs low below watermark", func(t *testing.T) {
		store := mocks.NewMockStore(t)
		store.On("CountBriefs", mock.Anything, []model.BriefStatus{model.BriefStatusQueued}).Return(2, nil).Once()
		store.On("CountBriefs", mock.Anything, []model.BriefStatus{model.BriefStatusQueued}).Return(3, nil).Once()

		q := briefs.NewQueue(store, stale, 3, zap.NewNop())
		low, err := q.RunsLow(ctx)
		require.NoError(t, err)
		assert.True(t, low)

		low, err = q.RunsLow(ctx)
		require.NoError(t, err)
		assert.False(t, low)
	})

	t.Run("mark failed records kind", func(t *testing.T) {
		store := mocks.NewMockStore(t)
		claim := model.BriefClaim{BriefID: uuid.New(), ClaimCount: 2}
		store.On("MarkBriefStatus", mock.Anything, claim, model.BriefStatusProcessing, model.BriefStatusFailed,
			mock.MatchedBy(func(k *string) bool { return k != nil && *k == string(model.KindThresholdGate) }),
		).Return(nil).Once()

		require.NoError(t, briefs.NewQueue(store, stale, 3, zap.NewNop()).MarkFailed(ctx, claim, model.KindThresholdGate))
	})

	t.Run("mark failed surfaces conflict", func(t *testing.T) {
		store := mocks.NewMockStore(t)
		store.On("MarkBriefStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(repository.ErrStatusConflict).Once()

		err := briefs.NewQueue(store, stale, 3, zap.NewNop()).MarkFailed(ctx, model.BriefClaim{BriefID: uuid.New(), ClaimCount: 1}, model.KindUnexpected)
		assert.ErrorIs(t, err, repository.ErrStatusConflict)
	})
}
