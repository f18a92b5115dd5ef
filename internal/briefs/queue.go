// Package briefs управляет очередью брифов и синтезом новых брифов.
package briefs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"story-pipeline/internal/metrics"
	"story-pipeline/internal/model"
)

// QueueStore - операции хранилища, нужные очереди.
type QueueStore interface {
	ClaimNextBrief(ctx context.Context, staleAfter time.Duration) (*model.StoryBrief, error)
	CountBriefs(ctx context.Context, statuses ...model.BriefStatus) (int, error)
	MarkBriefStatus(ctx context.Context, claim model.BriefClaim, from, to model.BriefStatus, failureKind *string) error
}

// Queue - единственный, кто меняет статус брифа вне транзакции сохранения истории.
type Queue struct {
	store        QueueStore
	staleAfter   time.Duration
	lowWatermark int
	logger       *zap.Logger
}

// NewQueue создает очередь.
func NewQueue(store QueueStore, staleAfter time.Duration, lowWatermark int, logger *zap.Logger) *Queue {
	return &Queue{
		store:        store,
		staleAfter:   staleAfter,
		lowWatermark: lowWatermark,
		logger:       logger.Named("BriefQueue"),
	}
}

// ClaimNext атомарно захватывает следующий бриф. (nil, nil) - работы нет.
func (q *Queue) ClaimNext(ctx context.Context) (*model.StoryBrief, error) {
	brief, err := q.store.ClaimNextBrief(ctx, q.staleAfter)
	if err != nil {
		metrics.BriefsClaimed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("claim next brief: %w", err)
	}
	if brief == nil {
		metrics.BriefsClaimed.WithLabelValues("empty").Inc()
		q.logger.Info("No briefs available")
		return nil, nil
	}
	result := "claimed"
	if brief.ClaimCount > 1 {
		result = "reclaimed"
		q.logger.Warn("Stale brief reclaimed",
			zap.String("brief_id", brief.ID.String()),
			zap.Int("claim_count", brief.ClaimCount),
		)
	}
	metrics.BriefsClaimed.WithLabelValues(result).Inc()
	return brief, nil
}

// Depth возвращает число брифов в статусе queued.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	n, err := q.store.CountBriefs(ctx, model.BriefStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("count queued briefs: %w", err)
	}
	return n, nil
}

// RunsLow сообщает, что в очереди меньше брифов, чем нижняя граница.
func (q *Queue) RunsLow(ctx context.Context) (bool, error) {
	n, err := q.Depth(ctx)
	if err != nil {
		return false, err
	}
	return n < q.lowWatermark, nil
}

// MarkFailed переводит бриф processing -> failed с категорией провала.
// Если бриф уже перезахвачен другим прогоном, статус не меняется.
func (q *Queue) MarkFailed(ctx context.Context, claim model.BriefClaim, kind model.ErrorKind) error {
	k := string(kind)
	if err := q.store.MarkBriefStatus(ctx, claim, model.BriefStatusProcessing, model.BriefStatusFailed, &k); err != nil {
		return fmt.Errorf("mark brief %s failed: %w", claim.BriefID, err)
	}
	q.logger.Info("Brief marked as failed",
		zap.String("brief_id", claim.BriefID.String()),
		zap.String("failure_kind", k),
	)
	return nil
}
