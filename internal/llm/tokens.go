package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter оценивает число токенов промпта. Энкодер загружается
// один раз на модель; если его нет, используется грубая оценка.
type TokenCounter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
}

// NewTokenCounter создает счетчик токенов.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

// Count возвращает число токенов в тексте для модели.
func (c *TokenCounter) Count(model, text string) int {
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return approxTokens(text)
}

func (c *TokenCounter) encoder(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	if c.failed[model] {
		return nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Модели вне каталога OpenAI (OpenRouter, Ollama) считаем по cl100k_base
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		c.failed[model] = true
		return nil
	}
	c.encoders[model] = enc
	return enc
}

// approxTokens - примерно 4 символа на токен.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

// budgetMaxTokens ограничивает длину ответа, чтобы промпт и ответ
// поместились в контекстное окно.
func budgetMaxTokens(requested, promptTokens, contextWindow int) int {
	if contextWindow <= 0 {
		return requested
	}
	available := contextWindow - promptTokens
	if available < 256 {
		available = 256
	}
	if requested <= 0 || requested > available {
		return available
	}
	return requested
}
