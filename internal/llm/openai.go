package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"story-pipeline/internal/metrics"
)

// defaultContextWindow - окно контекста, если модель неизвестна.
const defaultContextWindow = 128000

// OpenAIClient реализует Client поверх go-openai. Работает и с
// OpenAI-совместимыми провайдерами (OpenRouter) через BaseURL.
type OpenAIClient struct {
	client    *openaigo.Client
	model     string
	maxTokens int
	tokens    func(model, text string) int
	logger    *zap.Logger
}

// NewOpenAIClient создает клиента OpenAI.
func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	log := logger.Named("OpenAIClient")
	log.Info("OpenAI client created", zap.String("base_url", openaiConfig.BaseURL), zap.String("model", cfg.Model))

	return &OpenAIClient{
		client:    openaigo.NewClientWithConfig(openaiConfig),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		tokens:    NewTokenCounter().Count,
		logger:    log,
	}
}

// Complete отправляет запрос chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if strings.TrimSpace(req.System) == "" && strings.TrimSpace(req.Prompt) == "" {
		metrics.LLMRequests.WithLabelValues(model, "error").Inc()
		return Response{}, fmt.Errorf("%w: empty prompt", ErrContent)
	}

	messages := make([]openaigo.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleSystem, Content: req.System})
	}
	if req.Prompt != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleUser, Content: req.Prompt})
	}

	promptTokens := c.tokens(model, req.System+"\n"+req.Prompt)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	chatReq := openaigo.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: budgetMaxTokens(maxTokens, promptTokens, defaultContextWindow),
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
		// Нулевое значение go-openai отбрасывает (omitempty), и провайдер берет 1.0.
		if chatReq.Temperature == 0 {
			chatReq.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.JSON {
		chatReq.ResponseFormat = &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	log := c.logger.With(zap.String("model", model), zap.Int("prompt_tokens_estimate", promptTokens))
	log.Debug("Sending chat completion request")

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	duration := time.Since(start)
	metrics.LLMRequestDuration.WithLabelValues(model).Observe(duration.Seconds())

	if err != nil {
		classified := classifyOpenAIError(err)
		log.Warn("Chat completion failed", zap.Duration("duration", duration), zap.Error(classified))
		metrics.LLMRequests.WithLabelValues(model, "error").Inc()
		return Response{}, classified
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		log.Warn("Chat completion returned empty content", zap.Duration("duration", duration))
		metrics.LLMRequests.WithLabelValues(model, "error_empty_response").Inc()
		return Response{}, fmt.Errorf("%w: empty response", ErrContent)
	}
	if resp.Choices[0].FinishReason == openaigo.FinishReasonContentFilter {
		metrics.LLMRequests.WithLabelValues(model, "error_content_filter").Inc()
		return Response{}, fmt.Errorf("%w: response blocked by content filter", ErrContent)
	}

	metrics.LLMRequests.WithLabelValues(model, "success").Inc()
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens > 0 {
		metrics.LLMTokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
		metrics.LLMTokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
	log.Debug("Chat completion received",
		zap.Duration("duration", duration),
		zap.Int("response_len", len(resp.Choices[0].Message.Content)),
		zap.Int("total_tokens", usage.TotalTokens),
	)

	return Response{Text: resp.Choices[0].Message.Content, Model: model, Usage: usage}, nil
}

// classifyOpenAIError приводит ошибки go-openai к ошибкам порта.
func classifyOpenAIError(err error) error {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "content_policy_violation" {
			return fmt.Errorf("%w: %v", ErrContent, err)
		}
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return classifyTransport(err)
}
