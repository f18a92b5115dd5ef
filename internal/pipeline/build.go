package pipeline

import (
	"go.uber.org/zap"

	"story-pipeline/internal/config"
	"story-pipeline/internal/imagegen"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/retry"
)

// LLMRetryPolicy - политика повторов вызовов модели из конфигурации.
func LLMRetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.AIMaxAttempts,
		BaseDelay:      cfg.AIBaseRetryDelay,
		MaxDelay:       cfg.AIMaxRetryDelay,
		AttemptTimeout: cfg.AITimeout,
	}
}

// ImageRetryPolicy - политика повторов генерации обложки из конфигурации.
func ImageRetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.ImageMaxAttempts,
		BaseDelay:      cfg.AIBaseRetryDelay,
		MaxDelay:       cfg.AIMaxRetryDelay,
		AttemptTimeout: cfg.ImageTimeout,
	}
}

// BuildStages собирает стадии по конфигурации.
func BuildStages(cfg *config.Config, client llm.Client, images imagegen.Generator) Stages {
	llmRetrier := retry.New(LLMRetryPolicy(cfg))
	judgeModel := cfg.JudgeModel()
	return Stages{
		Generator:   NewStoryGenerator(client, llmRetrier, cfg.AIModel, cfg.AIMaxTokens, cfg.AITemperature),
		Safety:      NewSafetyChecker(client, llmRetrier, judgeModel, cfg.Policy.BlockedTerms),
		Values:      NewValuesChecker(client, llmRetrier, judgeModel, cfg.ValuesThreshold),
		Quality:     NewQualityChecker(client, llmRetrier, judgeModel, cfg.QualityThreshold),
		Illustrator: NewCoverArtGenerator(images, retry.New(ImageRetryPolicy(cfg)), cfg.ImageFallbackRef, cfg.ImageRatio, cfg.ImagePromptStyleSuffix),
	}
}

// Build собирает раннер со всеми стадиями.
func Build(cfg *config.Config, client llm.Client, images imagegen.Generator, store RunStore, briefs BriefStatusWriter, logger *zap.Logger, opts ...Option) *Runner {
	return NewRunner(BuildStages(cfg, client, images), store, briefs, logger, opts...)
}
