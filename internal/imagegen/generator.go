package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrImageGenerationFailed - ошибка при генерации изображения провайдером.
	ErrImageGenerationFailed = errors.New("image generation failed")
	// ErrImageSaveFailed - ошибка при сохранении файла.
	ErrImageSaveFailed = errors.New("image save failed")
	// ErrContentRejected - провайдер отклонил промпт.
	ErrContentRejected = errors.New("image prompt rejected by provider")
	// ErrDisabled - провайдер не настроен (нет учетных данных).
	ErrDisabled = errors.New("image provider is not configured")
	// ErrTimeout и ErrUnavailable - временные ошибки, их можно повторить.
	ErrTimeout     = errors.New("image provider timed out")
	ErrUnavailable = errors.New("image provider unavailable")
)

// Spec - описание обложки.
type Spec struct {
	Prompt    string
	Ratio     string // Например, "2:3"
	Reference string // Уникальное имя файла/объекта без расширения
}

// Result - ссылка на созданное изображение.
type Result struct {
	Ref string // Публичный URL или путь
	Raw string // Ответ провайдера для аудита (например, revised prompt)
}

// Generator - порт генерации изображений.
type Generator interface {
	Generate(ctx context.Context, spec Spec) (Result, error)
}

// IsTransient сообщает, можно ли повторить запрос.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Config - параметры провайдера обложек.
type Config struct {
	Provider      string // openai | sana
	Enabled       bool
	BaseURL       string
	APIKey        string
	Model         string
	Size          string
	SavePath      string
	PublicBaseURL string
}

// New создает генератор по конфигурации. Без учетных данных возвращает
// Disabled: каждая обложка деградирует до запасной.
func New(cfg Config, logger *zap.Logger) (Generator, error) {
	if !cfg.Enabled {
		logger.Warn("Image generation disabled, fallback covers will be used")
		return Disabled{}, nil
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAIGenerator(cfg, logger), nil
	case "sana":
		return NewSanaGenerator(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown image provider %q", cfg.Provider)
	}
}

// Disabled всегда возвращает ErrDisabled.
type Disabled struct{}

func (Disabled) Generate(context.Context, Spec) (Result, error) {
	return Result{}, ErrDisabled
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
	}
}

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
	return fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
}
