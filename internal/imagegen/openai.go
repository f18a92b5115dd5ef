package imagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"story-pipeline/internal/metrics"
)

// OpenAIGenerator генерирует обложки через OpenAI Images API.
type OpenAIGenerator struct {
	client *openaigo.Client
	model  string
	size   string
	logger *zap.Logger
}

// NewOpenAIGenerator создает генератор OpenAI Images.
func NewOpenAIGenerator(cfg Config, logger *zap.Logger) *OpenAIGenerator {
	openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIGenerator{
		client: openaigo.NewClientWithConfig(openaiConfig),
		model:  cfg.Model,
		size:   cfg.Size,
		logger: logger.Named("OpenAIImages"),
	}
}

// Generate создает изображение и возвращает его URL.
func (g *OpenAIGenerator) Generate(ctx context.Context, spec Spec) (Result, error) {
	log := g.logger.With(zap.String("reference", spec.Reference), zap.String("model", g.model))
	log.Info("Generating cover image...")

	resp, err := g.client.CreateImage(ctx, openaigo.ImageRequest{
		Prompt:         spec.Prompt,
		Model:          g.model,
		N:              1,
		Size:           g.size,
		ResponseFormat: openaigo.CreateImageResponseFormatURL,
		User:           spec.Reference,
	})
	if err != nil {
		classified := classifyOpenAIImageError(err)
		log.Error("OpenAI image request failed", zap.Error(classified))
		metrics.ImageRequests.WithLabelValues("openai", "error").Inc()
		return Result{}, classified
	}
	if len(resp.Data) == 0 || strings.TrimSpace(resp.Data[0].URL) == "" {
		metrics.ImageRequests.WithLabelValues("openai", "error_empty").Inc()
		return Result{}, fmt.Errorf("%w: API returned empty data", ErrImageGenerationFailed)
	}

	metrics.ImageRequests.WithLabelValues("openai", "success").Inc()
	log.Info("Cover image generated", zap.String("url", resp.Data[0].URL))
	return Result{Ref: resp.Data[0].URL, Raw: resp.Data[0].RevisedPrompt}, nil
}

func classifyOpenAIImageError(err error) error {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "content_policy_violation" {
			return fmt.Errorf("%w: %v", ErrContentRejected, err)
		}
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return classifyTransport(err)
}
