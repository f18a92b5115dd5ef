package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"story-pipeline/internal/logger"
	"story-pipeline/internal/model"
)

// Persister - единственный, кто пишет итоговую историю. История, перевод
// брифа в completed и запись успешного прогона фиксируются одной транзакцией.
type Persister struct {
	store RunStore
	now   func() time.Time
}

// NewPersister создает персистер.
func NewPersister(store RunStore) *Persister {
	return &Persister{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Commit сохраняет историю. Исходный прогон не меняется: успешный итог
// записывается в копию, чтобы при ошибке раннер мог завершить исходный
// прогон как провал. Бриф завершается только под захватом claim.
// Ошибка всегда имеет категорию persistence_error.
func (p *Persister) Commit(ctx context.Context, rl *logger.RunLogger, claim model.BriefClaim, run *model.PipelineRun, draft *model.GeneratedStory) (*model.GeneratedStory, *model.PipelineRun, error) {
	started := p.now()

	story := *draft
	story.ID = uuid.New()
	story.RunID = run.ID
	story.BriefID = run.BriefID
	story.CreatedAt = started

	final := run.Clone()
	res := model.NewStageResult(model.StagePersistence, model.Passed{})
	res.Attempts = 1
	res.StartedAt = started
	end := p.now()
	res.Duration = end.Sub(started)
	final.Record(res)
	final.StoryID = &story.ID
	final.Finalize(end, model.RunOutcomeSuccess, nil, nil)

	if err := p.store.CommitStory(ctx, claim, &story, final); err != nil {
		rl.Error("Failed to persist story", zap.Error(err))
		return nil, nil, model.NewError(model.KindPersistence, model.StagePersistence, err)
	}
	rl.Info("Story persisted", zap.String("story_id", story.ID.String()))
	return &story, final, nil
}
