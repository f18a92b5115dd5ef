package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/model"
	"story-pipeline/internal/prompts"
	"story-pipeline/internal/retry"
	"story-pipeline/internal/structured"
)

// ErrNoChapters - модель вернула историю без глав.
var ErrNoChapters = errors.New("generated story has no chapters")

// StoryGenerator пишет черновик истории одним вызовом модели.
type StoryGenerator struct {
	judge
	schema *structured.Validator
}

var _ DraftGenerator = (*StoryGenerator)(nil)

// NewStoryGenerator создает генератор. temperature задает креативность.
func NewStoryGenerator(client llm.Client, retrier *retry.Retrier, modelName string, maxTokens int, temperature float64) *StoryGenerator {
	return &StoryGenerator{
		judge: judge{
			client:      client,
			retrier:     retrier,
			model:       modelName,
			maxTokens:   maxTokens,
			temperature: &temperature,
		},
		schema: structured.MustLoad(structured.SchemaStory),
	}
}

type storyPayload struct {
	Title    string `json:"title"`
	Chapters []struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"chapters"`
}

// chapterCount - число глав для уровня чтения.
func chapterCount(level string) int {
	switch level {
	case model.ReadingLevelEarly:
		return 3
	case model.ReadingLevelFluent:
		return 5
	default:
		return 4
	}
}

// Generate возвращает черновик или провал с категорией generation_error
// (пустая история, ответ не по схеме) либо transient_api_error.
func (g *StoryGenerator) Generate(ctx context.Context, rl *logger.RunLogger, brief model.StoryBrief) (*model.GeneratedStory, StageReport) {
	system, err := prompts.Render(prompts.StorySystem, nil)
	if err != nil {
		return nil, StageReport{Outcome: failed(err, model.KindGeneration)}
	}
	prompt, err := prompts.Render(prompts.StoryUser, map[string]any{
		"Genre":           brief.Genre,
		"Theme":           brief.Theme,
		"ReadingLevel":    brief.ReadingLevel,
		"Virtue":          brief.Virtue,
		"Premise":         brief.Premise,
		"WordCountTarget": brief.WordCountTarget,
		"Chapters":        chapterCount(brief.ReadingLevel),
	})
	if err != nil {
		return nil, StageReport{Outcome: failed(err, model.KindGeneration)}
	}

	var payload storyPayload
	raw, attempts, err := g.ask(ctx, rl, string(model.StageGeneration), system, prompt, g.schema, &payload)
	report := StageReport{Raw: raw, Attempts: attempts}
	if err != nil {
		report.Outcome = failed(err, model.KindGeneration)
		return nil, report
	}

	chapters := make([]model.Chapter, 0, len(payload.Chapters))
	for _, ch := range payload.Chapters {
		c := model.NewChapter(len(chapters)+1, ch.Title, ch.Body)
		if c.WordCount == 0 {
			continue
		}
		chapters = append(chapters, c)
	}
	if len(chapters) == 0 {
		report.Outcome = model.Failed{Reason: ErrNoChapters.Error(), Category: model.KindGeneration, Err: ErrNoChapters}
		return nil, report
	}

	draft := model.NewDraft(brief, payload.Title, chapters)
	if draft.Title == "" {
		draft.Title = fmt.Sprintf("A %s story about %s", brief.Genre, brief.Theme)
	}
	rl.Info("Draft generated",
		zap.String("title", draft.Title),
		zap.Int("chapters", len(chapters)),
		zap.Int("total_words", draft.TotalWords),
		zap.Int("target_words", brief.WordCountTarget),
	)
	report.Outcome = model.Passed{}
	report.Rationale = fmt.Sprintf("%d chapters, %d words", len(chapters), draft.TotalWords)
	return draft, report
}
