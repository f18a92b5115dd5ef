// Package pipeline проводит бриф через генерацию, три проверки, обложку и сохранение.
package pipeline

import (
	"context"
	"errors"

	"story-pipeline/internal/imagegen"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/model"
	"story-pipeline/internal/retry"
	"story-pipeline/internal/structured"
)

// StageReport - то, что стадия возвращает раннеру. Раннер превращает его
// в model.StageResult, сохраняет Raw как артефакт и решает, идти ли дальше.
type StageReport struct {
	Outcome   model.Outcome
	Score     *float64
	Threshold *float64
	Rationale string
	Raw       string
	Attempts  int
}

// DraftGenerator создает черновик истории по брифу.
type DraftGenerator interface {
	Generate(ctx context.Context, rl *logger.RunLogger, brief model.StoryBrief) (*model.GeneratedStory, StageReport)
}

// Gate - проверка черновика. Провал останавливает прогон.
type Gate interface {
	Name() model.StageName
	Check(ctx context.Context, rl *logger.RunLogger, brief model.StoryBrief, draft *model.GeneratedStory) StageReport
}

// Illustrator создает обложку. Возвращает ссылку на изображение или запасную
// ссылку с Degraded; Failed не возвращает никогда.
type Illustrator interface {
	Illustrate(ctx context.Context, rl *logger.RunLogger, brief model.StoryBrief, draft *model.GeneratedStory) (string, StageReport)
}

// RunStore - часть хранилища, которая нужна раннеру и персистеру.
type RunStore interface {
	InsertRun(ctx context.Context, run *model.PipelineRun) error
	CommitStory(ctx context.Context, claim model.BriefClaim, story *model.GeneratedStory, run *model.PipelineRun) error
}

// BriefStatusWriter переводит бриф в failed после провала прогона.
type BriefStatusWriter interface {
	MarkFailed(ctx context.Context, claim model.BriefClaim, kind model.ErrorKind) error
}

// failed строит провал стадии по ошибке порта. Временные ошибки API
// классифицируются как transient_api_error, испорченный ответ модели - как
// malformedKind, остальное - как unexpected.
func failed(err error, malformedKind model.ErrorKind) model.Failed {
	kind := model.KindUnexpected
	switch {
	case llm.IsTransient(err), imagegen.IsTransient(err):
		kind = model.KindTransientAPI
	case errors.Is(err, retry.ErrMalformedOutput), errors.Is(err, llm.ErrContent):
		kind = malformedKind
	}
	return model.Failed{Reason: err.Error(), Category: kind, Err: err}
}

// judge - общий вызов модели с повторами и проверкой ответа по схеме.
type judge struct {
	client      llm.Client
	retrier     *retry.Retrier
	model       string
	maxTokens   int
	temperature *float64
}

// ask вызывает модель и раскладывает ответ в out. Возвращает последний сырой
// ответ (даже если он не прошел схему) и число попыток.
func (j judge) ask(ctx context.Context, rl *logger.RunLogger, op string, system, prompt string, v *structured.Validator, out any) (string, int, error) {
	var raw string
	attempts, err := j.retrier.Do(ctx, rl.Logger(), op, func(ctx context.Context) error {
		resp, err := j.client.Complete(ctx, llm.Request{
			System:      system,
			Prompt:      prompt,
			Model:       j.model,
			MaxTokens:   j.maxTokens,
			Temperature: j.temperature,
			JSON:        true,
		})
		if err != nil {
			return err
		}
		raw = resp.Text
		return v.Decode(resp.Text, out)
	})
	return raw, attempts, err
}
