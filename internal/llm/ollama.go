package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"story-pipeline/internal/metrics"
)

// OllamaClient реализует Client через нативный API Ollama.
type OllamaClient struct {
	client    *api.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewOllamaClient создает клиента для Ollama.
func NewOllamaClient(cfg Config, logger *zap.Logger) (*OllamaClient, error) {
	// api.NewClient требует URL без суффикса /v1
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Ollama base URL '%s': %w", baseURL, err)
	}

	log := logger.Named("OllamaClient")
	log.Info("Ollama client created", zap.String("base_url", baseURL), zap.String("model", cfg.Model))

	return &OllamaClient{
		client:    api.NewClient(parsedURL, http.DefaultClient),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    log,
	}, nil
}

// Complete отправляет запрос к /api/chat без стриминга.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if strings.TrimSpace(req.System) == "" && strings.TrimSpace(req.Prompt) == "" {
		metrics.LLMRequests.WithLabelValues(model, "error").Inc()
		return Response{}, fmt.Errorf("%w: empty prompt", ErrContent)
	}

	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	if req.Prompt != "" {
		messages = append(messages, api.Message{Role: "user", Content: req.Prompt})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	options := map[string]interface{}{}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
	if req.JSON {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	log := c.logger.With(zap.String("model", model))
	start := time.Now()

	var resp api.ChatResponse
	err := c.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(start)
	metrics.LLMRequestDuration.WithLabelValues(model).Observe(duration.Seconds())

	if err != nil {
		classified := classifyOllamaError(err)
		log.Warn("Ollama chat failed", zap.Duration("duration", duration), zap.Error(classified))
		metrics.LLMRequests.WithLabelValues(model, "error").Inc()
		return Response{}, classified
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		log.Warn("Ollama returned empty content", zap.Duration("duration", duration))
		metrics.LLMRequests.WithLabelValues(model, "error_empty_response").Inc()
		return Response{}, fmt.Errorf("%w: empty response", ErrContent)
	}

	metrics.LLMRequests.WithLabelValues(model, "success").Inc()
	usage := Usage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	if usage.TotalTokens > 0 {
		metrics.LLMTokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
		metrics.LLMTokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
	log.Debug("Ollama response received", zap.Duration("duration", duration), zap.Int("total_tokens", usage.TotalTokens))

	return Response{Text: resp.Message.Content, Model: model, Usage: usage}, nil
}

func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode, err)
	}
	return classifyTransport(err)
}
