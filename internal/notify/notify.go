// Package notify публикует события о готовых историях для внешних потребителей.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StoryReadyEvent - сообщение о сохраненной истории.
type StoryReadyEvent struct {
	StoryID       uuid.UUID `json:"story_id"`
	BriefID       uuid.UUID `json:"brief_id"`
	RunID         uuid.UUID `json:"run_id"`
	Title         string    `json:"title"`
	ReadingLevel  string    `json:"reading_level"`
	QualityScore  float64   `json:"quality_score"`
	ValuesScore   float64   `json:"values_score"`
	CoverImageRef string    `json:"cover_image_ref"`
	CoverDegraded bool      `json:"cover_degraded"`
	CreatedAt     time.Time `json:"created_at"`
}

// Publisher отправляет события. Ошибка публикации не влияет на итог прогона.
type Publisher interface {
	StoryReady(ctx context.Context, event StoryReadyEvent) error
	Close() error
}

// NoopPublisher используется, когда брокер не настроен.
type NoopPublisher struct{}

func (NoopPublisher) StoryReady(context.Context, StoryReadyEvent) error { return nil }
func (NoopPublisher) Close() error                                      { return nil }
