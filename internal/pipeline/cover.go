package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"story-pipeline/internal/imagegen"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/model"
	"story-pipeline/internal/prompts"
	"story-pipeline/internal/retry"
)

const coverSceneMaxRunes = 400

// CoverArtGenerator рисует обложку. Любая ошибка провайдера заменяется
// запасной обложкой, поэтому стадия не может провалить прогон.
type CoverArtGenerator struct {
	images      imagegen.Generator
	retrier     *retry.Retrier
	fallbackRef string
	ratio       string
	styleSuffix string
}

var _ Illustrator = (*CoverArtGenerator)(nil)

// NewCoverArtGenerator создает стадию обложки.
func NewCoverArtGenerator(images imagegen.Generator, retrier *retry.Retrier, fallbackRef, ratio, styleSuffix string) *CoverArtGenerator {
	return &CoverArtGenerator{
		images:      images,
		retrier:     retrier,
		fallbackRef: fallbackRef,
		ratio:       ratio,
		styleSuffix: strings.TrimLeft(strings.TrimSpace(styleSuffix), ", "),
	}
}

// Illustrate возвращает ссылку на обложку и Passed или запасную ссылку и Degraded.
func (c *CoverArtGenerator) Illustrate(ctx context.Context, rl *logger.RunLogger, brief model.StoryBrief, draft *model.GeneratedStory) (string, StageReport) {
	scene := ""
	if len(draft.Chapters) > 0 {
		scene = truncateRunes(draft.Chapters[0].Body, coverSceneMaxRunes)
	}
	prompt, err := prompts.Render(prompts.Cover, map[string]any{
		"Title":       draft.Title,
		"Genre":       brief.Genre,
		"Scene":       scene,
		"StyleSuffix": c.styleSuffix,
	})
	if err != nil {
		return c.degrade(rl, err, 0)
	}

	var result imagegen.Result
	attempts, err := c.retrier.Do(ctx, rl.Logger(), string(model.StageCoverArt), func(ctx context.Context) error {
		var genErr error
		result, genErr = c.images.Generate(ctx, imagegen.Spec{
			Prompt:    prompt,
			Ratio:     c.ratio,
			Reference: brief.ID.String(),
		})
		return genErr
	})
	if err == nil && result.Ref == "" {
		err = fmt.Errorf("%w: empty image reference", imagegen.ErrImageGenerationFailed)
	}
	if err != nil {
		return c.degrade(rl, err, attempts)
	}

	rl.Info("Cover generated", zap.String("cover_ref", result.Ref), zap.Int("attempts", attempts))
	return result.Ref, StageReport{Outcome: model.Passed{}, Raw: result.Raw, Attempts: attempts}
}

func (c *CoverArtGenerator) degrade(rl *logger.RunLogger, err error, attempts int) (string, StageReport) {
	reason := err.Error()
	if errors.Is(err, imagegen.ErrDisabled) {
		reason = "image provider not configured"
	}
	note := fmt.Sprintf("cover illustration degraded, fallback %s used: %s", c.fallbackRef, reason)
	rl.Warn("Cover generation failed, using fallback", zap.String("fallback", c.fallbackRef), zap.Error(err))
	return c.fallbackRef, StageReport{
		Outcome:  model.Degraded{FallbackUsed: c.fallbackRef, Note: note},
		Attempts: attempts,
	}
}

func truncateRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max])) + "..."
}
