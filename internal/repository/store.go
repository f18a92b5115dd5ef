package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"story-pipeline/internal/model"
)

var (
	// ErrNotFound - запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict - статус брифа не совпал с ожидаемым (его уже кто-то изменил).
	ErrStatusConflict = errors.New("brief status conflict")
	// ErrRunNotTerminal - попытка сохранить незавершенный прогон.
	ErrRunNotTerminal = errors.New("pipeline run is not finalized")
)

// Store - порт хранилища пайплайна.
//
// ClaimNextBrief атомарно переводит самый приоритетный (затем самый старый)
// бриф из queued в processing. Бриф в processing, захваченный раньше чем
// staleAfter назад, тоже может быть захвачен повторно. Если подходящего брифа
// нет, возвращает (nil, nil).
//
// CommitStory в одной транзакции сохраняет историю, переводит бриф
// processing -> completed и записывает финализированный прогон.
type Store interface {
	ClaimNextBrief(ctx context.Context, staleAfter time.Duration) (*model.StoryBrief, error)
	InsertBriefs(ctx context.Context, briefs []model.StoryBrief) error
	InsertRun(ctx context.Context, run *model.PipelineRun) error
	InsertStory(ctx context.Context, story *model.GeneratedStory) error
	MarkBriefStatus(ctx context.Context, claim model.BriefClaim, from, to model.BriefStatus, failureKind *string) error
	CommitStory(ctx context.Context, claim model.BriefClaim, story *model.GeneratedStory, run *model.PipelineRun) error
	CountBriefs(ctx context.Context, statuses ...model.BriefStatus) (int, error)
	GetBrief(ctx context.Context, id uuid.UUID) (*model.StoryBrief, error)
	GetRun(ctx context.Context, id uuid.UUID) (*model.PipelineRun, error)
	GetStory(ctx context.Context, id uuid.UUID) (*model.GeneratedStory, error)
}
