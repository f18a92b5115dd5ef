package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Ошибки LLM-порта. Таймаут, лимит запросов и недоступность провайдера
// считаются временными и могут быть повторены; ErrContent - нет.
var (
	ErrTimeout     = errors.New("llm request timed out")
	ErrRateLimited = errors.New("llm rate limited")
	ErrUnavailable = errors.New("llm provider unavailable")
	ErrContent     = errors.New("llm returned unusable content")
)

// Request - параметры одного запроса к модели.
type Request struct {
	System      string
	Prompt      string
	Model       string   // Пустое значение - модель клиента по умолчанию
	MaxTokens   int      // 0 - значение клиента по умолчанию
	Temperature *float64 // nil - значение провайдера по умолчанию
	JSON        bool     // Запросить ответ в виде JSON-объекта
}

// Usage - информация об использовании токенов.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response - ответ модели.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client - порт для запросов к LLM. Вызов блокирующий, таймаут задается контекстом.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// IsTransient сообщает, можно ли повторить запрос.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// classifyStatus приводит HTTP-статус провайдера к ошибке порта.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case status >= 500:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(err.Error()), "content"):
		return fmt.Errorf("%w: %v", ErrContent, err)
	default:
		return err
	}
}

// classifyTransport распознает таймауты и сетевые ошибки.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Config - параметры создания клиента.
type Config struct {
	ClientType string // openai | ollama
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
}

// New создает клиента в зависимости от типа провайдера.
// Таймаут каждого запроса задает вызывающая стадия через контекст.
func New(cfg Config, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(cfg.ClientType) {
	case "openai":
		return NewOpenAIClient(cfg, logger), nil
	case "ollama":
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown AI client type %q", cfg.ClientType)
	}
}
